package hmd

import (
	"context"
	"testing"
	"time"
)

// stubProvider returns a fixed vector regardless of input text, keyed only
// by sector, so retrieval tests can control similarity precisely.
type stubProvider struct {
	vectors map[Sector][]float32
}

func (p *stubProvider) Embed(_ context.Context, _ string, sector Sector) ([]float32, error) {
	if v, ok := p.vectors[sector]; ok {
		return v, nil
	}
	return []float32{1, 0}, nil
}

func (p *stubProvider) Dimension(_ Sector) int { return 2 }
func (p *stubProvider) ModelID() string        { return "stub" }

func newTestEngine(store PersistencePort, queryVec []float32) *RetrievalEngine {
	vectors := make(map[Sector][]float32)
	for _, s := range AllSectors() {
		vectors[s] = queryVec
	}
	provider := &stubProvider{vectors: vectors}
	gateway := NewEmbeddingGateway(provider, provider, DefaultEmbeddingConfig())
	waypoint := NewWaypointBuilder(store, DefaultWaypointConfig())
	return NewRetrievalEngine(gateway, store, waypoint, DefaultDecayConfig(), DefaultScoreWeights(), DefaultRetrievalDefaults())
}

func TestRetrieveRequiresTenant(t *testing.T) {
	store := NewMemoryStore()
	engine := newTestEngine(store, []float32{1, 0})

	_, err := engine.Retrieve(context.Background(), "query", RetrievalOptions{})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindMissingTenant {
		t.Fatalf("expected MissingTenant, got %v", err)
	}
}

func TestRetrieveRanksBySimilarityAndReinforces(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	near := sampleMemory("near", "tenantA")
	near.BaseStrength = 0.5
	far := sampleMemory("far", "tenantA")
	far.BaseStrength = 0.5

	store.InsertMemory(ctx, near, map[Sector][]float32{SectorSemantic: {1, 0}})
	store.InsertMemory(ctx, far, map[Sector][]float32{SectorSemantic: {0, 1}})

	engine := newTestEngine(store, []float32{1, 0})
	results, err := engine.Retrieve(ctx, "query", RetrievalOptions{TenantID: "tenantA", Sectors: []Sector{SectorSemantic}, UseGraphExpansion: false})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].Memory.ID != "near" {
		t.Errorf("expected 'near' ranked first, got %s", results[0].Memory.ID)
	}

	log := store.ReinforcementLog()
	if len(log) == 0 {
		t.Error("expected a reinforcement event to be logged")
	}

	got, _, _ := store.GetMemory(ctx, "tenantA", "near")
	if got.AccessCount != 1 {
		t.Errorf("expected access_count incremented to 1, got %d", got.AccessCount)
	}
}

func TestRetrieveFiltersByMinCompositeScore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	weak := sampleMemory("weak", "tenantA")
	weak.BaseStrength = 0.1
	weak.LastAccessedAt = time.Now().UTC().Add(-1000 * time.Hour)
	store.InsertMemory(ctx, weak, map[Sector][]float32{SectorSemantic: {0, 1}}) // orthogonal to query

	engine := newTestEngine(store, []float32{1, 0})
	results, err := engine.Retrieve(ctx, "query", RetrievalOptions{
		TenantID: "tenantA", Sectors: []Sector{SectorSemantic}, UseGraphExpansion: false, MinCompositeScore: 0.9,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected low-scoring memory filtered out, got %d results", len(results))
	}
}

func TestRetrieveGraphExpansionAddsNeighbor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := sampleMemory("seed", "tenantA")
	neighbor := sampleMemory("neighbor", "tenantA")
	store.InsertMemory(ctx, seed, map[Sector][]float32{SectorSemantic: {1, 0}})
	store.InsertMemory(ctx, neighbor, map[Sector][]float32{SectorEpisodic: {0.5, 0.5}})
	store.UpsertEdge(ctx, "tenantA", "seed", "neighbor", 0.7)

	engine := newTestEngine(store, []float32{1, 0})
	results, err := engine.Retrieve(ctx, "query", RetrievalOptions{
		TenantID: "tenantA", Sectors: []Sector{SectorSemantic}, UseGraphExpansion: true, MinCompositeScore: 0,
	})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, r := range results {
		if r.Memory.ID == "neighbor" {
			found = true
			if r.ExpandedFrom != "seed" {
				t.Errorf("expected neighbor expanded from seed, got %q", r.ExpandedFrom)
			}
		}
	}
	if !found {
		t.Error("expected neighbor reachable via one-hop expansion")
	}
}

func TestRetrieveTruncatesToFinalK(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := sampleMemory(string(rune('a'+i)), "tenantA")
		store.InsertMemory(ctx, m, map[Sector][]float32{SectorSemantic: {1, 0}})
	}

	engine := newTestEngine(store, []float32{1, 0})
	results, err := engine.Retrieve(ctx, "query", RetrievalOptions{
		TenantID: "tenantA", Sectors: []Sector{SectorSemantic}, UseGraphExpansion: false, FinalK: 2, MinCompositeScore: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("expected final_k=2 results, got %d", len(results))
	}
}
