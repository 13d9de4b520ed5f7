package hmd

import "testing"

func TestDefaultConfigValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ScoreW = ScoreWeights{Similarity: 0.5, Salience: 0.5, Recency: 0.5, LinkWeight: 0.5}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for weights not summing to 1.0")
	}
}

func TestValidateRejectsPruningBelowFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Decay.PruningThreshold = 0.01
	cfg.Decay.MinimumStrength = 0.1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for pruning_threshold < minimum_strength")
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Decay.BaseLambda != DefaultDecayConfig().BaseLambda {
		t.Errorf("expected default base lambda")
	}
}
