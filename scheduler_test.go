package hmd

import (
	"context"
	"testing"
	"time"
)

func testScheduler(store PersistencePort, decay DecayConfig) *Scheduler {
	waypoint := NewWaypointBuilder(store, DefaultWaypointConfig())
	cfg := DefaultSchedulerConfig()
	cfg.BatchSize = 100
	return NewScheduler(store, waypoint, decay, cfg)
}

func TestDecaySweepPrunesBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	decay := DefaultDecayConfig()
	weak := sampleMemory("weak", "tenantA")
	weak.BaseStrength = decay.MinimumStrength // decays straight to the floor, below pruning_threshold
	weak.LastAccessedAt = time.Now().UTC().Add(-10000 * time.Hour)
	store.InsertMemory(ctx, weak, map[Sector][]float32{SectorSemantic: {1, 0}})

	strong := sampleMemory("strong", "tenantA")
	strong.BaseStrength = 1.0
	strong.LastAccessedAt = time.Now().UTC()
	store.InsertMemory(ctx, strong, map[Sector][]float32{SectorSemantic: {0, 1}})

	sched := testScheduler(store, decay)
	pruned, _, err := sched.decaySweepTenant(ctx, "tenantA", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned, got %d", pruned)
	}

	if got, _, _ := store.GetMemory(ctx, "tenantA", "weak"); got != nil {
		t.Error("expected weak memory deleted")
	}
	if got, _, _ := store.GetMemory(ctx, "tenantA", "strong"); got == nil {
		t.Error("expected strong memory to survive the sweep")
	}

	log := store.PruningLog()
	if len(log) != 1 || log[0].MemoryID != "weak" || log[0].Reason != PruneWeak {
		t.Errorf("expected one pruning record for weak, got %v", log)
	}
}

func TestDecaySweepSparesMemoryInsideProtectionWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	decay := DefaultDecayConfig()
	decay.ProtectionWindow = 24 * time.Hour

	recent := sampleMemory("recent", "tenantA")
	recent.BaseStrength = decay.MinimumStrength // below pruning_threshold on strength alone
	recent.LastAccessedAt = time.Now().UTC().Add(-1 * time.Hour)
	store.InsertMemory(ctx, recent, map[Sector][]float32{SectorSemantic: {1, 0}})

	sched := testScheduler(store, decay)
	pruned, _, err := sched.decaySweepTenant(ctx, "tenantA", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("expected protection window to spare recently accessed memory, got %d pruned", pruned)
	}
	if got, _, _ := store.GetMemory(ctx, "tenantA", "recent"); got == nil {
		t.Error("expected memory within protection window to survive the sweep")
	}
}

func TestDecaySweepIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	decay := DefaultDecayConfig()

	m := sampleMemory("gone", "tenantA")
	m.BaseStrength = decay.MinimumStrength
	m.LastAccessedAt = time.Now().UTC().Add(-10000 * time.Hour)
	store.InsertMemory(ctx, m, map[Sector][]float32{SectorSemantic: {1, 0}})

	sched := testScheduler(store, decay)
	first, _, err := sched.decaySweepTenant(ctx, "tenantA", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := sched.decaySweepTenant(ctx, "tenantA", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 || second != 0 {
		t.Errorf("expected 1 then 0 pruned across repeated sweeps, got %d then %d", first, second)
	}
}

func TestListTenantsAcrossBackends(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("a", "tenantA"), map[Sector][]float32{SectorSemantic: {1, 0}})
			store.InsertMemory(ctx, sampleMemory("b", "tenantB"), map[Sector][]float32{SectorSemantic: {1, 0}})

			tenants, err := store.ListTenants(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(tenants) != 2 {
				t.Errorf("expected 2 distinct tenants, got %v", tenants)
			}
		})
	}
}

func TestInOffPeakWindow(t *testing.T) {
	sched := testScheduler(NewMemoryStore(), DefaultDecayConfig())
	sched.cfg.OffPeakStart = 2
	sched.cfg.OffPeakEnd = 5

	at := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if !sched.inOffPeakWindow(at) {
		t.Error("expected 03:00 UTC to be within the 02:00-05:00 window")
	}
	at = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if sched.inOffPeakWindow(at) {
		t.Error("expected noon UTC to be outside the 02:00-05:00 window")
	}
}

func TestOffPeakWindowDisabled(t *testing.T) {
	sched := testScheduler(NewMemoryStore(), DefaultDecayConfig())
	sched.cfg.OffPeakStart = -1
	if !sched.inOffPeakWindow(time.Now()) {
		t.Error("expected -1 OffPeakStart to disable the window check")
	}
}
