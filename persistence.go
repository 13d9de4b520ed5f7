package hmd

import (
	"context"
	"time"
)

// Filter scopes a persistence query by tenant and optional time window.
// Tags is carried on the struct but no AnnSearch backend filters by it.
type Filter struct {
	TenantID string
	Tags     []string
	After    *time.Time
	Before   *time.Time
}

// AnnHit is one approximate-nearest-neighbor result.
type AnnHit struct {
	MemoryID   string
	Similarity float64
}

// WeakMemory is one row surfaced by ScanWeak, the decay sweep's batch iterator.
type WeakMemory struct {
	Memory Memory
	Vector map[Sector][]float32
}

// PersistencePort is the abstract typed interface over the backing store:
// memory rows, sector vectors, waypoint edges, reinforcement log, pruning
// log (spec.md §4.4). Individual operations are linearizable; InsertMemory
// is transactional across the memory row and its five sector vectors.
type PersistencePort interface {
	InsertMemory(ctx context.Context, m Memory, vectors map[Sector][]float32) error
	GetMemory(ctx context.Context, tenantID, id string) (*Memory, map[Sector][]float32, error)
	UpdateStrengthAndAccess(ctx context.Context, tenantID, id string, newStrength float64, accessedAt time.Time) error
	UpdateContent(ctx context.Context, tenantID, id, content string, vectors map[Sector][]float32) error
	// UpdateSector reclassifies a memory's primary sector in place, used by
	// asynchronous LLM reclassification when it disagrees with the
	// synchronous heuristic sector a write was first stored under.
	UpdateSector(ctx context.Context, tenantID, id string, sector Sector) error
	DeleteMemory(ctx context.Context, tenantID, id string) error

	AnnSearch(ctx context.Context, sector Sector, queryVec []float32, k int, filter Filter) ([]AnnHit, error)

	// ScanWeak iterates all of a tenant's memories in stable creation order,
	// in batches of at most batchSize, resuming from cursor. An empty
	// returned cursor means the scan is complete. threshold is not applied
	// by the store: effective_strength depends on wall-clock time, which a
	// decay sweep only knows at call time, so the caller (the Background
	// Scheduler) computes EffectiveStrength per row and decides pruning.
	ScanWeak(ctx context.Context, tenantID string, threshold float64, batchSize int, cursor string) (batch []WeakMemory, nextCursor string, err error)

	UpsertEdge(ctx context.Context, tenantID, fromID, toID string, weight float64) error
	DeleteEdge(ctx context.Context, tenantID, fromID, toID string) error
	Neighbors(ctx context.Context, tenantID, id string) ([]WaypointEdge, error)
	// NodesWithDegreeBelow returns ids whose outgoing edge count is below min,
	// used by the graph repair pass.
	NodesWithDegreeBelow(ctx context.Context, tenantID string, min int) ([]string, error)
	// NodesWithStaleEdges returns ids with at least one outgoing edge whose
	// weight is below floor, the repair pass's other trigger condition.
	NodesWithStaleEdges(ctx context.Context, tenantID string, floor float64) ([]string, error)

	AppendReinforcement(ctx context.Context, e ReinforcementEvent) error
	AppendPruning(ctx context.Context, p PruningRecord) error

	SearchMetadata(ctx context.Context, tenantID string, tags []string, after, before *time.Time, limit int) ([]Memory, error)

	// ListTenants returns the distinct tenant ids with at least one stored
	// memory, used by the Background Scheduler to iterate tenants for the
	// decay sweep and graph repair pass.
	ListTenants(ctx context.Context) ([]string, error)

	Close() error
}
