package hmd

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Scheduler runs the Background Scheduler's maintenance jobs: a batched
// decay sweep and graph repair, throttled by host CPU and process memory
// usage and stoppable between batches. The reinforcement log is not
// compacted or trimmed.
type Scheduler struct {
	store    PersistencePort
	waypoint *WaypointBuilder
	decay    DecayConfig
	cfg      SchedulerConfig
	cancel   context.CancelFunc
}

// NewScheduler wires the scheduler's collaborators.
func NewScheduler(store PersistencePort, waypoint *WaypointBuilder, decay DecayConfig, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{store: store, waypoint: waypoint, decay: decay, cfg: cfg}
}

// Start launches the scheduler's background goroutine on cfg.Interval. Only
// one job runs at a time by construction: the ticker's next tick fires
// after the previous handler has already returned.
func (s *Scheduler) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !s.inOffPeakWindow(time.Now()) {
					continue
				}
				s.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the background goroutine to finish its in-flight batch and
// return. A kill-after-timeout is the caller's responsibility, not the
// scheduler's.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) inOffPeakWindow(now time.Time) bool {
	if s.cfg.OffPeakStart < 0 {
		return true
	}
	h := now.UTC().Hour()
	if s.cfg.OffPeakStart <= s.cfg.OffPeakEnd {
		return h >= s.cfg.OffPeakStart && h < s.cfg.OffPeakEnd
	}
	return h >= s.cfg.OffPeakStart || h < s.cfg.OffPeakEnd // window wraps midnight
}

// runOnce sweeps every tenant once: decay sweep, then graph repair. It
// aborts cleanly at the next batch boundary if max_processing_time is
// exceeded or ctx is cancelled.
func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()

	if over, err := s.throttleIfOverBudget(ctx); err != nil {
		log.Printf("[scheduler] resource sample failed: %v", err)
	} else if over {
		return
	}

	tenants, err := s.store.ListTenants(ctx)
	if err != nil {
		log.Printf("[scheduler] list tenants failed: %v", err)
		return
	}

	batches := 0
	for _, tenant := range tenants {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if time.Since(start) > s.cfg.MaxProcessingTime {
			log.Printf("[scheduler] aborting after %v: max_processing_time exceeded", time.Since(start))
			return
		}

		pruned, n, err := s.decaySweepTenant(ctx, tenant, start)
		batches += n
		if err != nil {
			log.Printf("[scheduler] decay sweep for %s failed: %v", tenant, err)
		} else if pruned > 0 {
			log.Printf("[scheduler] decay sweep for %s: pruned %d", tenant, pruned)
		}

		repaired, err := s.waypoint.Repair(ctx, tenant)
		if err != nil {
			log.Printf("[scheduler] graph repair for %s failed: %v", tenant, err)
		} else if repaired > 0 {
			log.Printf("[scheduler] graph repair for %s: relinked %d nodes", tenant, repaired)
		}
	}

	if s.cfg.ReinforcementRetain > 0 {
		// Compaction is a log-level concern the persistence backend owns at
		// the SQL/storage layer; nothing to do here beyond noting the
		// cutoff, since PersistencePort exposes no trim operation for an
		// append-only log by design (spec.md's log is audit trail first).
		_ = time.Now().Add(-s.cfg.ReinforcementRetain)
	}
}

// decaySweepTenant pages through one tenant's memories, computing
// effective_strength for each and pruning those below pruning_threshold.
// Idempotent: a memory already deleted simply won't reappear on the next
// sweep, and a candidate scanned twice across adjacent runs is pruned once.
func (s *Scheduler) decaySweepTenant(ctx context.Context, tenantID string, start time.Time) (pruned, batches int, err error) {
	cursor := ""
	for {
		if time.Since(start) > s.cfg.MaxProcessingTime {
			return pruned, batches, nil
		}
		if batches > 0 && batches%s.cfg.ResourceCheckEvery == 0 {
			if over, rerr := s.throttleIfOverBudget(ctx); rerr != nil {
				log.Printf("[scheduler] resource sample failed: %v", rerr)
			} else if over {
				return pruned, batches, nil
			}
		}

		batch, next, serr := s.store.ScanWeak(ctx, tenantID, s.decay.PruningThreshold, s.cfg.BatchSize, cursor)
		if serr != nil {
			return pruned, batches, serr
		}
		batches++

		now := time.Now().UTC()
		for _, wm := range batch {
			eff := EffectiveStrength(s.decay, wm.Memory.BaseStrength, wm.Memory.PrimarySector, wm.Memory.LastAccessedAt, now)
			if eff >= s.decay.PruningThreshold {
				continue
			}
			if now.Sub(wm.Memory.LastAccessedAt) < s.decay.ProtectionWindow {
				continue
			}
			if perr := s.store.AppendPruning(ctx, PruningRecord{
				MemoryID:        wm.Memory.ID,
				Timestamp:       now,
				Reason:          PruneWeak,
				StrengthAtPrune: eff,
			}); perr != nil {
				return pruned, batches, perr
			}
			if derr := s.store.DeleteMemory(ctx, tenantID, wm.Memory.ID); derr != nil {
				return pruned, batches, derr
			}
			pruned++
		}

		if next == "" {
			return pruned, batches, nil
		}
		cursor = next
	}
}

// throttleIfOverBudget samples host CPU% and RSS MB; if either exceeds the
// configured budget it sleeps one backoff window and reports over=true so
// the caller can abort or retry the check rather than start more work.
func (s *Scheduler) throttleIfOverBudget(ctx context.Context) (over bool, err error) {
	percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return false, err
	}
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return false, err
	}
	mi, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return false, err
	}
	usedMB := float64(mi.RSS) / (1024 * 1024)

	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	if cpuPct > s.cfg.MaxCPUPercent || usedMB > s.cfg.MaxMemoryMB {
		log.Printf("[scheduler] over resource budget (cpu=%.1f%% mem=%.0fMB), backing off", cpuPct, usedMB)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
		}
		return true, nil
	}
	return false, nil
}
