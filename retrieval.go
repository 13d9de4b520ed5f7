package hmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetrievalOptions parameterizes one retrieve call, overriding RetrievalDefaults
// field by field where the caller supplies a non-zero value. UseGraphExpansion
// is used as given: RetrievalDefaults.UseGraphExpansion is not applied, so
// expansion runs only when the caller sets it to true.
type RetrievalOptions struct {
	TenantID          string
	Sectors           []Sector
	KPerSector        int
	FinalK            int
	UseGraphExpansion bool
	MinCompositeScore float64
	Tags              []string
	After             *time.Time
	Before            *time.Time
}

// RetrievedMemory is one ranked result, carrying enough explanation for a
// caller to understand why it scored the way it did.
type RetrievedMemory struct {
	Memory           Memory
	Similarity       float64
	SectorSimilarity map[Sector]float64
	EffectiveStrength float64
	RecencyWeight    float64
	LinkWeight       float64
	Score            float64
	ExpandedFrom     string // non-empty if this hit came from one-hop graph expansion
}

// RetrievalEngine composes the embedding gateway, persistence port, decay
// formula, and waypoint graph into the single `retrieve` operation.
type RetrievalEngine struct {
	gateway  *EmbeddingGateway
	store    PersistencePort
	waypoint *WaypointBuilder
	decay    DecayConfig
	weights  ScoreWeights
	defaults RetrievalDefaults
}

// NewRetrievalEngine wires the engine's collaborators.
func NewRetrievalEngine(gateway *EmbeddingGateway, store PersistencePort, waypoint *WaypointBuilder, decay DecayConfig, weights ScoreWeights, defaults RetrievalDefaults) *RetrievalEngine {
	return &RetrievalEngine{gateway: gateway, store: store, waypoint: waypoint, decay: decay, weights: weights, defaults: defaults}
}

func (e *RetrievalEngine) resolveOptions(opts RetrievalOptions) RetrievalOptions {
	if len(opts.Sectors) == 0 {
		opts.Sectors = AllSectors()
	}
	if opts.KPerSector == 0 {
		opts.KPerSector = e.defaults.KPerSector
	}
	if opts.FinalK == 0 {
		opts.FinalK = e.defaults.FinalK
	}
	if opts.MinCompositeScore == 0 {
		opts.MinCompositeScore = e.defaults.MinCompositeScore
	}
	return opts
}

// Retrieve embeds the query per requested sector, ANN-searches each sector,
// fuses candidates by maximum similarity, composite-scores them, optionally
// expands one hop through the waypoint graph, filters, sorts, truncates to
// final_k, and reinforces every returned memory exactly once.
func (e *RetrievalEngine) Retrieve(ctx context.Context, query string, opts RetrievalOptions) ([]RetrievedMemory, error) {
	if opts.TenantID == "" {
		return nil, newErr(KindMissingTenant, "tenant_id is required")
	}
	opts = e.resolveOptions(opts)
	now := time.Now().UTC()

	queryVecs, err := e.embedQueryPerSector(ctx, query, opts.Sectors)
	if err != nil {
		return nil, err
	}

	candidates, err := e.annSearchAllSectors(ctx, queryVecs, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	scored, err := e.scoreCandidates(ctx, opts.TenantID, candidates, now)
	if err != nil {
		return nil, err
	}

	if opts.UseGraphExpansion {
		expanded, err := e.expand(ctx, opts.TenantID, scored, now)
		if err != nil {
			return nil, err
		}
		scored = mergeByID(scored, expanded)
	}

	filtered := scored[:0:0]
	for _, c := range scored {
		if c.Score < opts.MinCompositeScore {
			continue
		}
		filtered = append(filtered, c)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Score != filtered[j].Score {
			return filtered[i].Score > filtered[j].Score
		}
		if !filtered[i].Memory.LastAccessedAt.Equal(filtered[j].Memory.LastAccessedAt) {
			return filtered[i].Memory.LastAccessedAt.After(filtered[j].Memory.LastAccessedAt)
		}
		return filtered[i].Memory.ID < filtered[j].Memory.ID
	})

	if len(filtered) > opts.FinalK {
		filtered = filtered[:opts.FinalK]
	}

	for i := range filtered {
		if err := e.reinforce(ctx, opts.TenantID, &filtered[i], now); err != nil {
			return nil, err
		}
	}

	return filtered, nil
}

func (e *RetrievalEngine) embedQueryPerSector(ctx context.Context, query string, sectors []Sector) (map[Sector][]float32, error) {
	all, err := e.gateway.EmbedAllSectors(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make(map[Sector][]float32, len(sectors))
	for _, s := range sectors {
		if v, ok := all[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

type fusedCandidate struct {
	id               string
	sectorSimilarity map[Sector]float64
	bestSimilarity   float64
}

func (e *RetrievalEngine) annSearchAllSectors(ctx context.Context, queryVecs map[Sector][]float32, opts RetrievalOptions) (map[string]*fusedCandidate, error) {
	var g errgroup.Group
	type sectorHits struct {
		sector Sector
		hits   []AnnHit
	}
	results := make([]sectorHits, len(opts.Sectors))

	for i, sector := range opts.Sectors {
		i, sector := i, sector
		vec, ok := queryVecs[sector]
		if !ok {
			continue
		}
		g.Go(func() error {
			hits, err := e.store.AnnSearch(ctx, sector, vec, opts.KPerSector, Filter{
				TenantID: opts.TenantID, Tags: opts.Tags, After: opts.After, Before: opts.Before,
			})
			if err != nil {
				return fmt.Errorf("ann_search %s: %w", sector, err)
			}
			results[i] = sectorHits{sector: sector, hits: hits}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, wrapErr(KindPersistenceDown, "retrieval ann search failed", err)
	}

	fused := make(map[string]*fusedCandidate)
	for _, r := range results {
		for _, h := range r.hits {
			fc, ok := fused[h.MemoryID]
			if !ok {
				fc = &fusedCandidate{id: h.MemoryID, sectorSimilarity: make(map[Sector]float64)}
				fused[h.MemoryID] = fc
			}
			fc.sectorSimilarity[r.sector] = h.Similarity
			if h.Similarity > fc.bestSimilarity {
				fc.bestSimilarity = h.Similarity
			}
		}
	}
	return fused, nil
}

func (e *RetrievalEngine) scoreCandidates(ctx context.Context, tenantID string, candidates map[string]*fusedCandidate, now time.Time) ([]RetrievedMemory, error) {
	out := make([]RetrievedMemory, 0, len(candidates))
	for id, fc := range candidates {
		m, _, err := e.store.GetMemory(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		rm, err := e.buildScored(ctx, tenantID, *m, fc.bestSimilarity, fc.sectorSimilarity, now)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, nil
}

func (e *RetrievalEngine) buildScored(ctx context.Context, tenantID string, m Memory, similarity float64, sectorSim map[Sector]float64, now time.Time) (RetrievedMemory, error) {
	eff := EffectiveStrength(e.decay, m.BaseStrength, m.PrimarySector, m.LastAccessedAt, now)
	recency := RecencyWeight(m.LastAccessedAt, now, e.defaults.RecencyHalflife)
	linkWeight, err := e.waypoint.AvgIncidentEdgeWeight(ctx, tenantID, m.ID)
	if err != nil {
		return RetrievedMemory{}, err
	}
	score := CompositeScore(e.weights, similarity, eff, recency, linkWeight)
	return RetrievedMemory{
		Memory:            m,
		Similarity:        similarity,
		SectorSimilarity:  sectorSim,
		EffectiveStrength: eff,
		RecencyWeight:     recency,
		LinkWeight:        linkWeight,
		Score:             score,
	}, nil
}

// expand fetches one-hop neighbors of the top expand_seeds scored candidates
// and scores each with similarity downweighted by the connecting edge's weight.
func (e *RetrievalEngine) expand(ctx context.Context, tenantID string, seeds []RetrievedMemory, now time.Time) ([]RetrievedMemory, error) {
	ordered := make([]RetrievedMemory, len(seeds))
	copy(ordered, seeds)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	seedLimit := e.defaults.ExpandSeeds
	if seedLimit > len(ordered) {
		seedLimit = len(ordered)
	}

	seen := make(map[string]bool, len(seeds))
	for _, s := range seeds {
		seen[s.Memory.ID] = true
	}

	var expanded []RetrievedMemory
	for _, seed := range ordered[:seedLimit] {
		edges, err := e.store.Neighbors(ctx, tenantID, seed.Memory.ID)
		if err != nil {
			return nil, err
		}
		for _, edge := range edges {
			if seen[edge.ToID] {
				continue
			}
			seen[edge.ToID] = true

			m, _, err := e.store.GetMemory(ctx, tenantID, edge.ToID)
			if err != nil || m == nil {
				continue
			}
			similarityExpanded := edge.Weight * seed.Similarity
			rm, err := e.buildScored(ctx, tenantID, *m, similarityExpanded, map[Sector]float64{}, now)
			if err != nil {
				return nil, err
			}
			rm.ExpandedFrom = seed.Memory.ID
			expanded = append(expanded, rm)
		}
	}
	return expanded, nil
}

func mergeByID(base, extra []RetrievedMemory) []RetrievedMemory {
	seen := make(map[string]bool, len(base))
	out := make([]RetrievedMemory, 0, len(base)+len(extra))
	for _, b := range base {
		seen[b.Memory.ID] = true
		out = append(out, b)
	}
	for _, x := range extra {
		if seen[x.Memory.ID] {
			continue
		}
		seen[x.Memory.ID] = true
		out = append(out, x)
	}
	return out
}

// reinforce applies the decay engine's access-reinforcement rule to one
// retrieved memory: new base_strength = min(1.0, effective_strength + boost),
// bumping last_accessed_at and access_count, and logs the event. Applied at
// most once per memory per Retrieve call by construction (scored/expanded
// sets are already deduplicated by id).
func (e *RetrievalEngine) reinforce(ctx context.Context, tenantID string, rm *RetrievedMemory, now time.Time) error {
	before := rm.EffectiveStrength
	after := before + e.decay.ReinforcementBoost
	if after > 1.0 {
		after = 1.0
	}

	if err := e.store.UpdateStrengthAndAccess(ctx, tenantID, rm.Memory.ID, after, now); err != nil {
		return err
	}
	return e.store.AppendReinforcement(ctx, ReinforcementEvent{
		MemoryID:       rm.Memory.ID,
		Timestamp:      now,
		Kind:           ReinforceAccess,
		Boost:          e.decay.ReinforcementBoost,
		StrengthBefore: before,
		StrengthAfter:  after,
	})
}
