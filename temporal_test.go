package hmd

import (
	"context"
	"testing"
	"time"
)

func TestSearchMetadataFiltersByTag(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tagged := sampleMemory("tagged", "tenantA")
			tagged.Metadata = map[string]string{"tags": "travel,japan"}
			untagged := sampleMemory("untagged", "tenantA")
			untagged.Metadata = map[string]string{"tags": "work"}

			store.InsertMemory(ctx, tagged, nil)
			store.InsertMemory(ctx, untagged, nil)

			results, err := store.SearchMetadata(ctx, "tenantA", []string{"japan"}, nil, nil, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].ID != "tagged" {
				t.Errorf("expected only tagged memory, got %v", results)
			}
		})
	}
}

func TestSearchMetadataFiltersByTimeWindow(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := sampleMemory("old", "tenantA")
			old.CreatedAt = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
			recent := sampleMemory("recent", "tenantA")
			recent.CreatedAt = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
			future := sampleMemory("future", "tenantA")
			future.CreatedAt = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

			store.InsertMemory(ctx, old, nil)
			store.InsertMemory(ctx, recent, nil)
			store.InsertMemory(ctx, future, nil)

			after := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			before := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

			results, err := store.SearchMetadata(ctx, "tenantA", nil, &after, &before, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].ID != "recent" {
				t.Errorf("expected only 'recent' in window, got %v", results)
			}
		})
	}
}

func TestSearchMetadataRespectsTenantScope(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store.InsertMemory(ctx, sampleMemory("a", "tenantA"), nil)
			store.InsertMemory(ctx, sampleMemory("b", "tenantB"), nil)

			results, err := store.SearchMetadata(ctx, "tenantA", nil, nil, nil, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 1 || results[0].ID != "a" {
				t.Errorf("expected only tenantA's memory, got %v", results)
			}
		})
	}
}

func TestSearchMetadataOrdersMostRecentFirst(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleMemory("first", "tenantA")
			first.CreatedAt = time.Now().UTC().Add(-time.Hour)
			second := sampleMemory("second", "tenantA")
			second.CreatedAt = time.Now().UTC()

			store.InsertMemory(ctx, first, nil)
			store.InsertMemory(ctx, second, nil)

			results, err := store.SearchMetadata(ctx, "tenantA", nil, nil, nil, 10)
			if err != nil {
				t.Fatal(err)
			}
			if len(results) != 2 || results[0].ID != "second" {
				t.Errorf("expected most recent first, got %v", results)
			}
		})
	}
}
