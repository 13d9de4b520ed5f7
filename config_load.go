package hmd

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config but with YAML tags and plain numeric/string
// fields so the on-disk format stays simple; LoadConfig resolves it into a
// Config, filling any omitted section with defaults and re-validating.
// Grounded on MrWong99-glyphoxa's internal/config/config.go nested
// yaml-tagged struct style.
type fileConfig struct {
	Decay struct {
		BaseLambda         float64            `yaml:"base_lambda"`
		SectorMultipliers  map[Sector]float64 `yaml:"sector_multipliers"`
		ReinforcementBoost float64            `yaml:"reinforcement_boost"`
		MinimumStrength    float64            `yaml:"minimum_strength"`
		PruningThreshold   float64            `yaml:"pruning_threshold"`
		ProtectionWindow   string             `yaml:"protection_window"`
	} `yaml:"decay"`

	ScoreWeights struct {
		Similarity float64 `yaml:"similarity"`
		Salience   float64 `yaml:"salience"`
		Recency    float64 `yaml:"recency"`
		LinkWeight float64 `yaml:"link_weight"`
	} `yaml:"score_weights"`

	Waypoint struct {
		EdgeFloor float64 `yaml:"edge_floor"`
		MinDegree int     `yaml:"min_degree"`
		MaxDegree int     `yaml:"max_degree"`
	} `yaml:"waypoint"`

	Retrieval struct {
		KPerSector        int    `yaml:"k_per_sector"`
		FinalK            int    `yaml:"final_k"`
		UseGraphExpansion bool   `yaml:"use_graph_expansion"`
		MinCompositeScore float64 `yaml:"min_composite_score"`
		RecencyHalflife   string `yaml:"recency_halflife"`
		ExpandSeeds       int    `yaml:"expand_seeds"`
	} `yaml:"retrieval"`

	Scheduler struct {
		Interval           string  `yaml:"interval"`
		OffPeakStart       int     `yaml:"off_peak_start"`
		OffPeakEnd         int     `yaml:"off_peak_end"`
		BatchSize          int     `yaml:"batch_size"`
		MaxProcessingTime  string  `yaml:"max_processing_time"`
		MaxCPUPercent      float64 `yaml:"max_cpu_percent"`
		MaxMemoryMB        float64 `yaml:"max_memory_mb"`
		ResourceCheckEvery int     `yaml:"resource_check_every"`
	} `yaml:"scheduler"`

	Embedding struct {
		MaxTextLength    int    `yaml:"max_text_length"`
		DeadlineMs       int    `yaml:"embedding_deadline_ms"`
		ModelID          string `yaml:"model_id"`
		MaxConcurrency   int    `yaml:"max_concurrency"`
		CacheSize        int    `yaml:"cache_size"`
		RetryAttempts    int    `yaml:"retry_attempts"`
	} `yaml:"embedding"`

	Reasoning struct {
		PerStreamDeadlineMs int `yaml:"per_stream_deadline_ms"`
		TotalDeadlineMs     int `yaml:"total_deadline_ms"`
	} `yaml:"reasoning"`

	Framework struct {
		SingleFrameworkThreshold float64 `yaml:"single_framework_threshold"`
	} `yaml:"framework"`

	DBPath      string `yaml:"db_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LoadConfig reads a YAML file, overlays it onto DefaultConfig, and
// validates the result. An empty path returns DefaultConfig unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, wrapErr(KindConfigInvalid, "read config file", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, wrapErr(KindConfigInvalid, "parse config file", err)
	}

	applyOverlay(&cfg, fc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyOverlay(cfg *Config, fc fileConfig) {
	if fc.Decay.BaseLambda > 0 {
		cfg.Decay.BaseLambda = fc.Decay.BaseLambda
	}
	if len(fc.Decay.SectorMultipliers) > 0 {
		for s, m := range fc.Decay.SectorMultipliers {
			cfg.Decay.SectorMultipliers[s] = m
		}
	}
	if fc.Decay.ReinforcementBoost > 0 {
		cfg.Decay.ReinforcementBoost = fc.Decay.ReinforcementBoost
	}
	if fc.Decay.MinimumStrength > 0 {
		cfg.Decay.MinimumStrength = fc.Decay.MinimumStrength
	}
	if fc.Decay.PruningThreshold > 0 {
		cfg.Decay.PruningThreshold = fc.Decay.PruningThreshold
	}
	if d, err := time.ParseDuration(fc.Decay.ProtectionWindow); err == nil && d > 0 {
		cfg.Decay.ProtectionWindow = d
	}

	if fc.ScoreWeights.Similarity+fc.ScoreWeights.Salience+fc.ScoreWeights.Recency+fc.ScoreWeights.LinkWeight > 0 {
		cfg.ScoreW = ScoreWeights{
			Similarity: fc.ScoreWeights.Similarity,
			Salience:   fc.ScoreWeights.Salience,
			Recency:    fc.ScoreWeights.Recency,
			LinkWeight: fc.ScoreWeights.LinkWeight,
		}
	}

	if fc.Waypoint.EdgeFloor > 0 {
		cfg.Waypoint.EdgeFloor = fc.Waypoint.EdgeFloor
	}
	if fc.Waypoint.MinDegree > 0 {
		cfg.Waypoint.MinDegree = fc.Waypoint.MinDegree
	}
	if fc.Waypoint.MaxDegree > 0 {
		cfg.Waypoint.MaxDegree = fc.Waypoint.MaxDegree
	}

	if fc.Retrieval.KPerSector > 0 {
		cfg.Retrieval.KPerSector = fc.Retrieval.KPerSector
	}
	if fc.Retrieval.FinalK > 0 {
		cfg.Retrieval.FinalK = fc.Retrieval.FinalK
	}
	cfg.Retrieval.UseGraphExpansion = fc.Retrieval.UseGraphExpansion || cfg.Retrieval.UseGraphExpansion
	if fc.Retrieval.MinCompositeScore > 0 {
		cfg.Retrieval.MinCompositeScore = fc.Retrieval.MinCompositeScore
	}
	if d, err := time.ParseDuration(fc.Retrieval.RecencyHalflife); err == nil && d > 0 {
		cfg.Retrieval.RecencyHalflife = d
	}
	if fc.Retrieval.ExpandSeeds > 0 {
		cfg.Retrieval.ExpandSeeds = fc.Retrieval.ExpandSeeds
	}

	if d, err := time.ParseDuration(fc.Scheduler.Interval); err == nil && d > 0 {
		cfg.Scheduler.Interval = d
	}
	if fc.Scheduler.OffPeakStart != 0 || fc.Scheduler.OffPeakEnd != 0 {
		cfg.Scheduler.OffPeakStart = fc.Scheduler.OffPeakStart
		cfg.Scheduler.OffPeakEnd = fc.Scheduler.OffPeakEnd
	}
	if fc.Scheduler.BatchSize > 0 {
		cfg.Scheduler.BatchSize = fc.Scheduler.BatchSize
	}
	if d, err := time.ParseDuration(fc.Scheduler.MaxProcessingTime); err == nil && d > 0 {
		cfg.Scheduler.MaxProcessingTime = d
	}
	if fc.Scheduler.MaxCPUPercent > 0 {
		cfg.Scheduler.MaxCPUPercent = fc.Scheduler.MaxCPUPercent
	}
	if fc.Scheduler.MaxMemoryMB > 0 {
		cfg.Scheduler.MaxMemoryMB = fc.Scheduler.MaxMemoryMB
	}
	if fc.Scheduler.ResourceCheckEvery > 0 {
		cfg.Scheduler.ResourceCheckEvery = fc.Scheduler.ResourceCheckEvery
	}

	if fc.Embedding.MaxTextLength > 0 {
		cfg.Embedding.MaxTextLength = fc.Embedding.MaxTextLength
	}
	if fc.Embedding.DeadlineMs > 0 {
		cfg.Embedding.Deadline = time.Duration(fc.Embedding.DeadlineMs) * time.Millisecond
	}
	if fc.Embedding.ModelID != "" {
		cfg.Embedding.ModelID = fc.Embedding.ModelID
	}
	if fc.Embedding.MaxConcurrency > 0 {
		cfg.Embedding.MaxConcurrency = fc.Embedding.MaxConcurrency
	}
	if fc.Embedding.CacheSize > 0 {
		cfg.Embedding.CacheSize = fc.Embedding.CacheSize
	}
	if fc.Embedding.RetryAttempts > 0 {
		cfg.Embedding.RetryAttempts = fc.Embedding.RetryAttempts
	}

	if fc.Reasoning.PerStreamDeadlineMs > 0 {
		cfg.Reasoning.PerStreamDeadline = time.Duration(fc.Reasoning.PerStreamDeadlineMs) * time.Millisecond
	}
	if fc.Reasoning.TotalDeadlineMs > 0 {
		cfg.Reasoning.TotalDeadline = time.Duration(fc.Reasoning.TotalDeadlineMs) * time.Millisecond
	}

	if fc.Framework.SingleFrameworkThreshold > 0 {
		cfg.Framework.SingleFrameworkThreshold = fc.Framework.SingleFrameworkThreshold
	}

	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.PostgresDSN != "" {
		cfg.PostgresDSN = fc.PostgresDSN
	}
}
