package hmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs every PersistencePort test against both real implementations
// that matter to developers locally: sqlite and the in-memory fixture.
func backends(t *testing.T) map[string]PersistencePort {
	t.Helper()
	return map[string]PersistencePort{
		"sqlite": testSQLiteStore(t),
		"memory": NewMemoryStore(),
	}
}

func TestVectorEncodeDecode(t *testing.T) {
	original := []float32{1.0, -0.5, 0.333, 0, 42.0}
	encoded := EncodeVector(original)
	decoded := DecodeVector(encoded)

	if len(decoded) != len(original) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(original))
	}
	for i := range original {
		if original[i] != decoded[i] {
			t.Errorf("index %d: expected %f, got %f", i, original[i], decoded[i])
		}
	}
}

func TestVectorEncodeDecodeEmpty(t *testing.T) {
	encoded := EncodeVector(nil)
	decoded := DecodeVector(encoded)
	if len(decoded) != 0 {
		t.Errorf("expected empty, got %d elements", len(decoded))
	}
}

func sampleMemory(id, tenant string) Memory {
	now := time.Now().UTC().Truncate(time.Second)
	return Memory{
		ID:             id,
		TenantID:       tenant,
		UserID:         "player1",
		Content:        "visited Tokyo",
		CreatedAt:      now,
		LastAccessedAt: now,
		PrimarySector:  SectorEpisodic,
		BaseStrength:   0.7,
		Importance:     0.4,
		Metadata:       map[string]string{"tags": "travel"},
	}
}

func TestInsertAndGetMemory(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := sampleMemory("m1", "tenantA")
			vecs := map[Sector][]float32{SectorEpisodic: {0.1, 0.2, 0.3}}

			if err := store.InsertMemory(ctx, m, vecs); err != nil {
				t.Fatal(err)
			}

			got, gotVecs, err := store.GetMemory(ctx, "tenantA", "m1")
			if err != nil {
				t.Fatal(err)
			}
			if got == nil {
				t.Fatal("expected memory, got nil")
			}
			if got.Content != "visited Tokyo" {
				t.Errorf("content mismatch: %s", got.Content)
			}
			if len(gotVecs[SectorEpisodic]) != 3 {
				t.Errorf("expected 3-dim vector, got %d", len(gotVecs[SectorEpisodic]))
			}
		})
	}
}

func TestGetMemoryWrongTenantReturnsNil(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("m1", "tenantA"), nil)

			got, _, err := store.GetMemory(ctx, "tenantB", "m1")
			if err != nil {
				t.Fatal(err)
			}
			if got != nil {
				t.Error("expected nil across tenant boundary")
			}
		})
	}
}

func TestUpdateStrengthAndAccess(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("m1", "tenantA"), nil)

			later := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
			if err := store.UpdateStrengthAndAccess(ctx, "tenantA", "m1", 0.9, later); err != nil {
				t.Fatal(err)
			}

			got, _, _ := store.GetMemory(ctx, "tenantA", "m1")
			if got.BaseStrength != 0.9 {
				t.Errorf("expected base_strength 0.9, got %.2f", got.BaseStrength)
			}
			if got.AccessCount != 1 {
				t.Errorf("expected access_count 1, got %d", got.AccessCount)
			}
		})
	}
}

func TestDeleteMemoryCascadesEdges(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("m1", "tenantA"), nil)
			store.InsertMemory(ctx, sampleMemory("m2", "tenantA"), nil)
			store.UpsertEdge(ctx, "tenantA", "m1", "m2", 0.8)

			if err := store.DeleteMemory(ctx, "tenantA", "m1"); err != nil {
				t.Fatal(err)
			}

			got, _, _ := store.GetMemory(ctx, "tenantA", "m1")
			if got != nil {
				t.Error("expected memory deleted")
			}
			neighbors, err := store.Neighbors(ctx, "tenantA", "m1")
			if err != nil {
				t.Fatal(err)
			}
			if len(neighbors) != 0 {
				t.Errorf("expected edges cascaded, got %d", len(neighbors))
			}
		})
	}
}

func TestAnnSearchRanksBySimilarity(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			near := sampleMemory("near", "tenantA")
			far := sampleMemory("far", "tenantA")
			store.InsertMemory(ctx, near, map[Sector][]float32{SectorSemantic: {1, 0, 0}})
			store.InsertMemory(ctx, far, map[Sector][]float32{SectorSemantic: {0, 1, 0}})

			hits, err := store.AnnSearch(ctx, SectorSemantic, []float32{1, 0, 0}, 5, Filter{TenantID: "tenantA"})
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != 2 {
				t.Fatalf("expected 2 hits, got %d", len(hits))
			}
			if hits[0].MemoryID != "near" {
				t.Errorf("expected nearest first, got %s", hits[0].MemoryID)
			}
		})
	}
}

func TestAnnSearchScopesTenant(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("a", "tenantA"), map[Sector][]float32{SectorSemantic: {1, 0}})
			store.InsertMemory(ctx, sampleMemory("b", "tenantB"), map[Sector][]float32{SectorSemantic: {1, 0}})

			hits, err := store.AnnSearch(ctx, SectorSemantic, []float32{1, 0}, 5, Filter{TenantID: "tenantA"})
			if err != nil {
				t.Fatal(err)
			}
			if len(hits) != 1 || hits[0].MemoryID != "a" {
				t.Errorf("expected only tenantA's memory, got %v", hits)
			}
		})
	}
}

func TestScanWeakPaginatesToCompletion(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				m := sampleMemory(string(rune('a'+i)), "tenantA")
				m.CreatedAt = m.CreatedAt.Add(time.Duration(i) * time.Second)
				store.InsertMemory(ctx, m, nil)
			}

			seen := make(map[string]bool)
			cursor := ""
			for {
				batch, next, err := store.ScanWeak(ctx, "tenantA", 1.0, 2, cursor)
				if err != nil {
					t.Fatal(err)
				}
				for _, wm := range batch {
					seen[wm.Memory.ID] = true
				}
				if next == "" {
					break
				}
				cursor = next
			}
			if len(seen) != 5 {
				t.Errorf("expected to visit 5 memories, saw %d", len(seen))
			}
		})
	}
}

func TestUpsertEdgeAndNeighbors(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("m1", "tenantA"), nil)
			store.InsertMemory(ctx, sampleMemory("m2", "tenantA"), nil)

			if err := store.UpsertEdge(ctx, "tenantA", "m1", "m2", 0.6); err != nil {
				t.Fatal(err)
			}
			// Reweight via a second upsert.
			if err := store.UpsertEdge(ctx, "tenantA", "m1", "m2", 0.9); err != nil {
				t.Fatal(err)
			}

			neighbors, err := store.Neighbors(ctx, "tenantA", "m1")
			if err != nil {
				t.Fatal(err)
			}
			if len(neighbors) != 1 || neighbors[0].Weight != 0.9 {
				t.Errorf("expected single reweighted edge at 0.9, got %v", neighbors)
			}
		})
	}
}

func TestNodesWithDegreeBelow(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("isolated", "tenantA"), nil)
			store.InsertMemory(ctx, sampleMemory("linked", "tenantA"), nil)
			store.InsertMemory(ctx, sampleMemory("target", "tenantA"), nil)
			store.UpsertEdge(ctx, "tenantA", "linked", "target", 0.7)

			under, err := store.NodesWithDegreeBelow(ctx, "tenantA", 1)
			if err != nil {
				t.Fatal(err)
			}
			found := false
			for _, id := range under {
				if id == "isolated" {
					found = true
				}
				if id == "linked" {
					t.Errorf("linked has degree 1, should not be under threshold 1")
				}
			}
			if !found {
				t.Error("expected isolated memory in under-degree set")
			}
		})
	}
}

func TestAppendReinforcementAndPruning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.AppendReinforcement(ctx, ReinforcementEvent{
		MemoryID: "m1", Timestamp: time.Now(), Kind: ReinforceAccess,
		Boost: 0.3, StrengthBefore: 0.4, StrengthAfter: 0.7,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.ReinforcementLog()) != 1 {
		t.Error("expected one reinforcement event logged")
	}

	err = store.AppendPruning(ctx, PruningRecord{
		MemoryID: "m2", Timestamp: time.Now(), Reason: PruneWeak, StrengthAtPrune: 0.05,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(store.PruningLog()) != 1 {
		t.Error("expected one pruning record logged")
	}
}

func TestNewSQLiteStoreCreatesDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "nested", "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}
