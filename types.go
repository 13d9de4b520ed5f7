// Package hmd implements the Hierarchical Memory Decomposition engine: a
// persistent cognitive memory store with five-sector embeddings, a sparse
// waypoint similarity graph, composite-score retrieval under temporal
// decay, and a parallel reasoning/metacognition layer built on top of it.
package hmd

import "time"

// Sector is one of the five fixed cognitive memory subspaces. The set is
// closed and ordered; no caller can register a new sector at runtime.
type Sector string

const (
	SectorEpisodic   Sector = "episodic"
	SectorSemantic   Sector = "semantic"
	SectorProcedural Sector = "procedural"
	SectorEmotional  Sector = "emotional"
	SectorReflective Sector = "reflective"
)

// AllSectors returns the fixed, ordered set of sectors. The registry is
// immutable at runtime; overrides belong in DecayConfig, not here.
func AllSectors() []Sector {
	return []Sector{SectorEpisodic, SectorSemantic, SectorProcedural, SectorEmotional, SectorReflective}
}

func validSector(s Sector) bool {
	switch s {
	case SectorEpisodic, SectorSemantic, SectorProcedural, SectorEmotional, SectorReflective:
		return true
	default:
		return false
	}
}

// Memory is the core record: free-text content plus the bookkeeping needed
// for decay, reinforcement, and retrieval.
type Memory struct {
	ID             string
	TenantID       string
	UserID         string
	Content        string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	PrimarySector  Sector
	BaseStrength   float64
	Importance     float64
	Metadata       map[string]string
}

// SectorVector is exactly one embedding per (memory, sector) pair. Dimension
// is fixed per deployment but may differ across sectors.
type SectorVector struct {
	MemoryID string
	Sector   Sector
	Vector   []float32
}

// WaypointEdge is a weighted link between two memories of the same tenant.
// Stored as two directed rows for index efficiency even though it is
// semantically undirected.
type WaypointEdge struct {
	FromID    string
	ToID      string
	Weight    float64
	CreatedAt time.Time
}

// ReinforcementKind distinguishes why base_strength moved.
type ReinforcementKind string

const (
	ReinforceAccess     ReinforcementKind = "access"
	ReinforceExplicit   ReinforcementKind = "explicit"
	ReinforceImportance ReinforcementKind = "importance"
)

// ReinforcementEvent is an append-only log row recording one reinforcement.
type ReinforcementEvent struct {
	MemoryID       string
	Timestamp      time.Time
	Kind           ReinforcementKind
	Boost          float64
	StrengthBefore float64
	StrengthAfter  float64
}

// PruningReason explains why a memory was removed.
type PruningReason string

const (
	PruneWeak PruningReason = "below_threshold"
)

// PruningRecord is an append-only log row recording one deletion.
type PruningRecord struct {
	MemoryID        string
	Timestamp       time.Time
	Reason          PruningReason
	StrengthAtPrune float64
}

// DecayConfig parameterizes the Decay & Reinforcement Engine.
type DecayConfig struct {
	BaseLambda         float64
	SectorMultipliers  map[Sector]float64
	ReinforcementBoost float64
	MinimumStrength    float64
	PruningThreshold   float64
	ProtectionWindow   time.Duration
}

// DefaultDecayConfig returns the spec's stated defaults.
func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		BaseLambda: 0.02,
		SectorMultipliers: map[Sector]float64{
			SectorEpisodic:   1.5,
			SectorSemantic:   0.5,
			SectorProcedural: 0.7,
			SectorEmotional:  1.2,
			SectorReflective: 0.8,
		},
		ReinforcementBoost: 0.3,
		MinimumStrength:    0.1,
		PruningThreshold:   0.2,
		ProtectionWindow:   24 * time.Hour,
	}
}

// multiplier returns the sector's decay multiplier, defaulting to 1.0 for an
// unrecognized sector rather than panicking — callers validate sectors at
// the boundary, not here.
func (c DecayConfig) multiplier(s Sector) float64 {
	if m, ok := c.SectorMultipliers[s]; ok {
		return m
	}
	return 1.0
}

// ScoreWeights are the four composite-score coefficients; they must sum to 1.0.
type ScoreWeights struct {
	Similarity float64
	Salience   float64
	Recency    float64
	LinkWeight float64
}

// DefaultScoreWeights returns the spec's 0.6/0.2/0.1/0.1 split.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Similarity: 0.6, Salience: 0.2, Recency: 0.1, LinkWeight: 0.1}
}

func (w ScoreWeights) sum() float64 {
	return w.Similarity + w.Salience + w.Recency + w.LinkWeight
}

// WaypointConfig parameterizes the Waypoint Graph Builder.
type WaypointConfig struct {
	EdgeFloor float64
	MinDegree int
	MaxDegree int
}

// DefaultWaypointConfig returns the spec's stated defaults.
func DefaultWaypointConfig() WaypointConfig {
	return WaypointConfig{EdgeFloor: 0.5, MinDegree: 1, MaxDegree: 3}
}

// RetrievalDefaults parameterizes the Retrieval Engine's opts when the
// caller omits them.
type RetrievalDefaults struct {
	KPerSector        int
	FinalK            int
	UseGraphExpansion bool
	MinCompositeScore float64
	RecencyHalflife   time.Duration
	ExpandSeeds       int
}

// DefaultRetrievalDefaults returns the spec's stated defaults.
func DefaultRetrievalDefaults() RetrievalDefaults {
	return RetrievalDefaults{
		KPerSector:        20,
		FinalK:            10,
		UseGraphExpansion: true,
		MinCompositeScore: 0.2,
		RecencyHalflife:   10 * 24 * time.Hour,
		ExpandSeeds:       3,
	}
}

// initialBaseStrength folds importance into an initial base_strength at insert
// time, per the decision recorded in DESIGN.md.
func initialBaseStrength(importance, minimum float64) float64 {
	v := 0.5 + 0.5*importance
	if v < minimum {
		return minimum
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}
