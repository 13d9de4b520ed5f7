package hmd

import (
	"fmt"
	"time"
)

// SchedulerConfig tunes the Background Scheduler (spec.md §4.8).
type SchedulerConfig struct {
	Interval            time.Duration // replaces a cron expression; see DESIGN.md
	OffPeakStart         int           // hour of day, 0-23; -1 disables the window check
	OffPeakEnd           int
	BatchSize           int
	MaxProcessingTime   time.Duration
	MaxCPUPercent       float64
	MaxMemoryMB         float64
	ResourceCheckEvery  int // sample resources every N batches
	ReinforcementRetain time.Duration
}

// DefaultSchedulerConfig returns the spec's stated defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:            24 * time.Hour,
		OffPeakStart:        2,
		OffPeakEnd:          5,
		BatchSize:           1000,
		MaxProcessingTime:   30 * time.Minute,
		MaxCPUPercent:       80,
		MaxMemoryMB:         2048,
		ResourceCheckEvery:  1,
		ReinforcementRetain: 90 * 24 * time.Hour,
	}
}

// EmbeddingConfig tunes the Embedding Gateway (spec.md §4.3).
type EmbeddingConfig struct {
	MaxTextLength      int
	Deadline           time.Duration
	ModelID            string
	MaxConcurrency     int
	CacheSize          int
	RetryAttempts      int
	RetryBaseBackoff   time.Duration
}

// DefaultEmbeddingConfig returns the spec's stated defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		MaxTextLength:    8000,
		Deadline:         500 * time.Millisecond,
		ModelID:          "default",
		MaxConcurrency:   8,
		CacheSize:        4096,
		RetryAttempts:    3,
		RetryBaseBackoff: 20 * time.Millisecond,
	}
}

// ReasoningConfig tunes the Parallel Reasoning Coordinator (spec.md §4.9).
type ReasoningConfig struct {
	PerStreamDeadline time.Duration
	TotalDeadline     time.Duration
}

// DefaultReasoningConfig returns the spec's stated defaults.
func DefaultReasoningConfig() ReasoningConfig {
	return ReasoningConfig{PerStreamDeadline: 10 * time.Second, TotalDeadline: 30 * time.Second}
}

// FrameworkConfig tunes the Framework Selector (spec.md §4.10).
type FrameworkConfig struct {
	SingleFrameworkThreshold float64
	HybridLearningInterval   time.Duration
}

// DefaultFrameworkConfig returns sane defaults; spec.md leaves the exact
// threshold to the implementation.
func DefaultFrameworkConfig() FrameworkConfig {
	return FrameworkConfig{SingleFrameworkThreshold: 0.65, HybridLearningInterval: 30 * 24 * time.Hour}
}

// Config is the read-only, validated root configuration. It is loaded once
// at startup (see LoadConfig) and handed to subsystems by reference; no
// subsystem may mutate it after construction (spec.md §5).
type Config struct {
	Decay      DecayConfig
	ScoreW     ScoreWeights
	Waypoint   WaypointConfig
	Retrieval  RetrievalDefaults
	Scheduler  SchedulerConfig
	Embedding  EmbeddingConfig
	Reasoning  ReasoningConfig
	Framework  FrameworkConfig
	DBPath     string // sqlite backend path; hmdengine-mcp uses ./data/hmdengine.db when empty
	PostgresDSN string // when set, selects the postgres backend instead of sqlite
}

// DefaultConfig returns a fully-populated, valid Config.
func DefaultConfig() Config {
	return Config{
		Decay:     DefaultDecayConfig(),
		ScoreW:    DefaultScoreWeights(),
		Waypoint:  DefaultWaypointConfig(),
		Retrieval: DefaultRetrievalDefaults(),
		Scheduler: DefaultSchedulerConfig(),
		Embedding: DefaultEmbeddingConfig(),
		Reasoning: DefaultReasoningConfig(),
		Framework: DefaultFrameworkConfig(),
		DBPath:    "./data/hmd.db",
	}
}

// Validate enforces the invariants spec.md §6.3 calls out explicitly.
// Returns a *Error with Kind=KindConfigInvalid on the first violation found.
func (c Config) Validate() error {
	if d := c.ScoreW.sum(); d < 0.999 || d > 1.001 {
		return fieldErr(KindConfigInvalid, "score_weights", fmt.Sprintf("must sum to 1.0, got %.4f", d))
	}
	if c.Decay.PruningThreshold < c.Decay.MinimumStrength {
		return fieldErr(KindConfigInvalid, "pruning_threshold", "must be >= minimum_strength")
	}
	if c.Decay.BaseLambda <= 0 {
		return fieldErr(KindConfigInvalid, "base_lambda", "must be > 0")
	}
	if c.Waypoint.MinDegree < 1 {
		return fieldErr(KindConfigInvalid, "min_degree", "must be >= 1")
	}
	if c.Waypoint.MaxDegree < c.Waypoint.MinDegree {
		return fieldErr(KindConfigInvalid, "max_degree", "must be >= min_degree")
	}
	if c.Waypoint.EdgeFloor <= 0 || c.Waypoint.EdgeFloor > 1 {
		return fieldErr(KindConfigInvalid, "edge_floor", "must be in (0, 1]")
	}
	if c.Retrieval.KPerSector <= 0 || c.Retrieval.FinalK <= 0 {
		return fieldErr(KindConfigInvalid, "k_per_sector/final_k", "must be > 0")
	}
	if c.Reasoning.PerStreamDeadline <= 0 || c.Reasoning.TotalDeadline <= 0 {
		return fieldErr(KindConfigInvalid, "reasoning deadlines", "must be > 0")
	}
	if c.Framework.SingleFrameworkThreshold <= 0 || c.Framework.SingleFrameworkThreshold > 1 {
		return fieldErr(KindConfigInvalid, "single_framework_threshold", "must be in (0, 1]")
	}
	return nil
}
