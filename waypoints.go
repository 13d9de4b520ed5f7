package hmd

import (
	"context"
	"fmt"
	"sort"
)

// WaypointBuilder maintains the sparse, bounded-degree similarity graph over
// memories. Edges are drawn from the SEMANTIC sector only, at edge-creation
// time, so the graph stays interpretable as "conceptually similar" rather
// than mixing in episodic or emotional closeness.
type WaypointBuilder struct {
	store PersistencePort
	cfg   WaypointConfig
}

// NewWaypointBuilder constructs a builder over the given persistence backend.
func NewWaypointBuilder(store PersistencePort, cfg WaypointConfig) *WaypointBuilder {
	return &WaypointBuilder{store: store, cfg: cfg}
}

// InsertEdges runs the insertion algorithm for a newly written memory: find
// its nearest semantic neighbors, link up to max_degree of them, and trim
// any neighbor that now exceeds its own degree cap. Graph maintenance is
// best-effort — an error here does not unwind the memory insert that
// triggered it; the background repair pass recovers any gap.
func (b *WaypointBuilder) InsertEdges(ctx context.Context, tenantID, memoryID string, semanticVec []float32) error {
	if len(semanticVec) == 0 {
		return nil // no semantic vector, nothing to link on
	}

	hits, err := b.store.AnnSearch(ctx, SectorSemantic, semanticVec, b.cfg.MaxDegree*3, Filter{TenantID: tenantID})
	if err != nil {
		return fmt.Errorf("waypoint insert: ann_search: %w", err)
	}

	candidates := make([]AnnHit, 0, len(hits))
	for _, h := range hits {
		if h.MemoryID == memoryID {
			continue
		}
		candidates = append(candidates, h)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Similarity > candidates[j].Similarity })

	var chosen []AnnHit
	for _, c := range candidates {
		if c.Similarity >= b.cfg.EdgeFloor {
			chosen = append(chosen, c)
		}
	}
	if len(chosen) > b.cfg.MaxDegree {
		chosen = chosen[:b.cfg.MaxDegree]
	}
	if len(chosen) < b.cfg.MinDegree && len(candidates) > 0 {
		take := b.cfg.MinDegree
		if take > len(candidates) {
			take = len(candidates)
		}
		chosen = candidates[:take]
	}

	for _, c := range chosen {
		if err := b.store.UpsertEdge(ctx, tenantID, memoryID, c.MemoryID, c.Similarity); err != nil {
			return fmt.Errorf("waypoint insert: upsert %s->%s: %w", memoryID, c.MemoryID, err)
		}
		if err := b.store.UpsertEdge(ctx, tenantID, c.MemoryID, memoryID, c.Similarity); err != nil {
			return fmt.Errorf("waypoint insert: upsert %s->%s: %w", c.MemoryID, memoryID, err)
		}
		if err := b.trimToDegree(ctx, tenantID, c.MemoryID); err != nil {
			return err
		}
	}

	return nil
}

// trimToDegree drops a node's weakest outgoing edges until it is back at
// max_degree, also removing the mirrored inbound edge so the graph stays
// symmetric.
func (b *WaypointBuilder) trimToDegree(ctx context.Context, tenantID, nodeID string) error {
	edges, err := b.store.Neighbors(ctx, tenantID, nodeID)
	if err != nil {
		return err
	}
	if len(edges) <= b.cfg.MaxDegree {
		return nil
	}

	sort.Slice(edges, func(i, j int) bool { return edges[i].Weight < edges[j].Weight })
	excess := len(edges) - b.cfg.MaxDegree
	for _, e := range edges[:excess] {
		if err := b.store.DeleteEdge(ctx, tenantID, nodeID, e.ToID); err != nil {
			return err
		}
		if err := b.store.DeleteEdge(ctx, tenantID, e.ToID, nodeID); err != nil {
			return err
		}
	}
	return nil
}

// Repair re-runs the insertion algorithm for every memory in a tenant that
// either has fallen below min_degree (never fully linked, or neighbors were
// pruned out from under it) or carries an edge whose weight has drifted
// below half the edge floor, a cheap proxy for "the semantic content moved"
// since edge weights are fixed at creation time and never recomputed in
// place. A node can need repair under the second condition even while its
// degree is otherwise healthy, so the two candidate sets are unioned.
func (b *WaypointBuilder) Repair(ctx context.Context, tenantID string) (repaired int, err error) {
	weak, err := b.store.NodesWithDegreeBelow(ctx, tenantID, b.cfg.MinDegree)
	if err != nil {
		return 0, fmt.Errorf("waypoint repair: scan degree: %w", err)
	}
	stale, err := b.store.NodesWithStaleEdges(ctx, tenantID, b.cfg.EdgeFloor/2)
	if err != nil {
		return 0, fmt.Errorf("waypoint repair: scan stale edges: %w", err)
	}

	seen := make(map[string]bool, len(weak)+len(stale))
	candidates := make([]string, 0, len(weak)+len(stale))
	for _, id := range append(weak, stale...) {
		if !seen[id] {
			seen[id] = true
			candidates = append(candidates, id)
		}
	}

	for _, id := range candidates {
		_, vectors, err := b.store.GetMemory(ctx, tenantID, id)
		if err != nil {
			continue
		}
		vec, ok := vectors[SectorSemantic]
		if !ok {
			continue
		}
		if err := b.dropStaleEdges(ctx, tenantID, id); err != nil {
			continue
		}
		if err := b.InsertEdges(ctx, tenantID, id, vec); err != nil {
			continue
		}
		repaired++
	}
	return repaired, nil
}

func (b *WaypointBuilder) dropStaleEdges(ctx context.Context, tenantID, id string) error {
	edges, err := b.store.Neighbors(ctx, tenantID, id)
	if err != nil {
		return err
	}
	staleFloor := b.cfg.EdgeFloor / 2
	for _, e := range edges {
		if e.Weight < staleFloor {
			b.store.DeleteEdge(ctx, tenantID, id, e.ToID)
			b.store.DeleteEdge(ctx, tenantID, e.ToID, id)
		}
	}
	return nil
}

// AvgIncidentEdgeWeight returns the mean weight of a memory's outgoing
// edges, used as the link-weight term of the composite retrieval score. A
// node with no edges contributes zero, not an error.
func (b *WaypointBuilder) AvgIncidentEdgeWeight(ctx context.Context, tenantID, id string) (float64, error) {
	edges, err := b.store.Neighbors(ctx, tenantID, id)
	if err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, nil
	}
	var sum float64
	for _, e := range edges {
		sum += e.Weight
	}
	return sum / float64(len(edges)), nil
}
