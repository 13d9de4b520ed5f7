package hmd

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a fully functional in-process PersistencePort backend. It
// has no durability and no index beyond a linear scan; it exists as the
// test-default fixture every other component is exercised against, grounded
// on the package-level map-plus-mutex shape glyphoxa's memory mocks use.
type MemoryStore struct {
	mu sync.Mutex

	memories map[string]Memory
	vectors  map[string]map[Sector][]float32
	edges    map[string]map[string]WaypointEdge // tenant -> "from|to" -> edge
	reinf    []ReinforcementEvent
	prune    []PruningRecord
}

var _ PersistencePort = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memories: make(map[string]Memory),
		vectors:  make(map[string]map[Sector][]float32),
		edges:    make(map[string]map[string]WaypointEdge),
	}
}

func edgeKey(from, to string) string { return from + "|" + to }

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func cloneVectors(m map[Sector][]float32) map[Sector][]float32 {
	out := make(map[Sector][]float32, len(m))
	for s, v := range m {
		out[s] = cloneVec(v)
	}
	return out
}

func (s *MemoryStore) InsertMemory(_ context.Context, m Memory, vectors map[Sector][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[m.ID] = m
	s.vectors[m.ID] = cloneVectors(vectors)
	return nil
}

func (s *MemoryStore) GetMemory(_ context.Context, tenantID, id string) (*Memory, map[Sector][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.TenantID != tenantID {
		return nil, nil, nil
	}
	mc := m
	return &mc, cloneVectors(s.vectors[id]), nil
}

func (s *MemoryStore) UpdateStrengthAndAccess(_ context.Context, tenantID, id string, newStrength float64, accessedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.TenantID != tenantID {
		return newErr(KindMemoryNotFound, "memory not found")
	}
	m.BaseStrength = newStrength
	m.LastAccessedAt = accessedAt
	m.AccessCount++
	s.memories[id] = m
	return nil
}

func (s *MemoryStore) UpdateSector(_ context.Context, tenantID, id string, sector Sector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.TenantID != tenantID {
		return newErr(KindMemoryNotFound, "memory not found")
	}
	m.PrimarySector = sector
	s.memories[id] = m
	return nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, tenantID, id, content string, vectors map[Sector][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memories[id]
	if !ok || m.TenantID != tenantID {
		return newErr(KindMemoryNotFound, "memory not found")
	}
	m.Content = content
	s.memories[id] = m
	if s.vectors[id] == nil {
		s.vectors[id] = make(map[Sector][]float32)
	}
	for sec, v := range vectors {
		s.vectors[id][sec] = cloneVec(v)
	}
	return nil
}

func (s *MemoryStore) DeleteMemory(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.memories[id]; !ok || m.TenantID != tenantID {
		return nil
	}
	delete(s.memories, id)
	delete(s.vectors, id)
	if byTenant, ok := s.edges[tenantID]; ok {
		for k, e := range byTenant {
			if e.FromID == id || e.ToID == id {
				delete(byTenant, k)
			}
		}
	}
	return nil
}

func (s *MemoryStore) AnnSearch(_ context.Context, sector Sector, queryVec []float32, k int, filter Filter) ([]AnnHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make(map[string][]float32)
	for id, m := range s.memories {
		if m.TenantID != filter.TenantID {
			continue
		}
		if filter.After != nil && m.CreatedAt.Before(*filter.After) {
			continue
		}
		if filter.Before != nil && m.CreatedAt.After(*filter.Before) {
			continue
		}
		if v, ok := s.vectors[id][sector]; ok {
			candidates[id] = v
		}
	}

	top := TopKCosine(queryVec, candidates, k)
	hits := make([]AnnHit, len(top))
	for i, c := range top {
		hits[i] = AnnHit{MemoryID: c.ID, Similarity: c.Similarity}
	}
	return hits, nil
}

func (s *MemoryStore) ScanWeak(_ context.Context, tenantID string, threshold float64, batchSize int, cursor string) ([]WeakMemory, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, m := range s.memories {
		if m.TenantID == tenantID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		mi, mj := s.memories[ids[i]], s.memories[ids[j]]
		if mi.CreatedAt.Equal(mj.CreatedAt) {
			return ids[i] < ids[j]
		}
		return mi.CreatedAt.Before(mj.CreatedAt)
	})

	start := 0
	if cursor != "" {
		for i, id := range ids {
			if id == cursor {
				start = i + 1
				break
			}
		}
	}

	var batch []WeakMemory
	i := start
	for ; i < len(ids) && len(batch) < batchSize; i++ {
		m := s.memories[ids[i]]
		batch = append(batch, WeakMemory{Memory: m, Vector: cloneVectors(s.vectors[ids[i]])})
	}

	next := ""
	if i < len(ids) {
		next = ids[i-1]
	}
	return batch, next, nil
}

func (s *MemoryStore) UpsertEdge(_ context.Context, tenantID, fromID, toID string, weight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.edges[tenantID] == nil {
		s.edges[tenantID] = make(map[string]WaypointEdge)
	}
	s.edges[tenantID][edgeKey(fromID, toID)] = WaypointEdge{FromID: fromID, ToID: toID, Weight: weight, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) DeleteEdge(_ context.Context, tenantID, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if byTenant, ok := s.edges[tenantID]; ok {
		delete(byTenant, edgeKey(fromID, toID))
	}
	return nil
}

func (s *MemoryStore) Neighbors(_ context.Context, tenantID, id string) ([]WaypointEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []WaypointEdge
	for _, e := range s.edges[tenantID] {
		if e.FromID == id {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToID < out[j].ToID })
	return out, nil
}

func (s *MemoryStore) NodesWithDegreeBelow(_ context.Context, tenantID string, min int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	degree := make(map[string]int)
	for id, m := range s.memories {
		if m.TenantID == tenantID {
			degree[id] = 0
		}
	}
	for _, e := range s.edges[tenantID] {
		if _, ok := degree[e.FromID]; ok {
			degree[e.FromID]++
		}
	}

	var out []string
	for id, d := range degree {
		if d < min {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) NodesWithStaleEdges(_ context.Context, tenantID string, floor float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	for _, e := range s.edges[tenantID] {
		if e.Weight < floor && !seen[e.FromID] {
			seen[e.FromID] = true
			out = append(out, e.FromID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) AppendReinforcement(_ context.Context, e ReinforcementEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reinf = append(s.reinf, e)
	return nil
}

func (s *MemoryStore) AppendPruning(_ context.Context, p PruningRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prune = append(s.prune, p)
	return nil
}

func (s *MemoryStore) SearchMetadata(_ context.Context, tenantID string, tags []string, after, before *time.Time, limit int) ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Memory
	for _, m := range s.memories {
		if m.TenantID != tenantID {
			continue
		}
		if after != nil && m.CreatedAt.Before(*after) {
			continue
		}
		if before != nil && m.CreatedAt.After(*before) {
			continue
		}
		if len(tags) > 0 && !hasAnyTag(m.Metadata, tags) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListTenants returns the distinct tenant ids with at least one memory row.
func (s *MemoryStore) ListTenants(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var tenants []string
	for _, m := range s.memories {
		if !seen[m.TenantID] {
			seen[m.TenantID] = true
			tenants = append(tenants, m.TenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (s *MemoryStore) Close() error { return nil }

// ReinforcementLog returns a copy of every recorded reinforcement event,
// for test assertions.
func (s *MemoryStore) ReinforcementLog() []ReinforcementEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReinforcementEvent, len(s.reinf))
	copy(out, s.reinf)
	return out
}

// PruningLog returns a copy of every recorded pruning event, for test assertions.
func (s *MemoryStore) PruningLog() []PruningRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PruningRecord, len(s.prune))
	copy(out, s.prune)
	return out
}
