package hmd

import (
	"math"
	"testing"
	"time"
)

func TestCompositeScoreDefaults(t *testing.T) {
	w := DefaultScoreWeights()
	score := CompositeScore(w, 1.0, 1.0, 1.0, 1.0)
	if math.Abs(score-1.0) > 0.001 {
		t.Errorf("expected 1.0, got %.3f", score)
	}
}

func TestCompositeScoreZeroSimilarity(t *testing.T) {
	w := DefaultScoreWeights()
	score := CompositeScore(w, 0, 0.8, 1.0, 0)
	expected := 0.2*0.8 + 0.1*1.0
	if math.Abs(score-expected) > 0.001 {
		t.Errorf("expected %.3f, got %.3f", expected, score)
	}
}

func TestCompositeScoreCustomWeights(t *testing.T) {
	w := ScoreWeights{Similarity: 0.2, Salience: 0.6, Recency: 0.1, LinkWeight: 0.1}
	score := CompositeScore(w, 0.0, 1.0, 1.0, 0.0)
	expected := 0.7
	if math.Abs(score-expected) > 0.001 {
		t.Errorf("expected %.3f, got %.3f", expected, score)
	}
}

func TestEffectiveStrengthDecaysWithTime(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now()
	fresh := EffectiveStrength(cfg, 1.0, SectorEpisodic, now, now)
	old := EffectiveStrength(cfg, 1.0, SectorEpisodic, now.Add(-48*time.Hour), now)
	if old >= fresh {
		t.Errorf("decayed strength should be lower: fresh=%.3f old=%.3f", fresh, old)
	}
	if old < cfg.MinimumStrength {
		t.Errorf("strength must not fall below floor: got %.3f", old)
	}
}

func TestEffectiveStrengthSectorMultiplierOrdering(t *testing.T) {
	// Scenario 1 from spec.md §8: EPISODIC decays faster than SEMANTIC.
	cfg := DefaultDecayConfig()
	now := time.Now()
	accessed := now.Add(-48 * time.Hour)
	episodic := EffectiveStrength(cfg, 1.0, SectorEpisodic, accessed, now)
	semantic := EffectiveStrength(cfg, 1.0, SectorSemantic, accessed, now)
	if episodic >= semantic {
		t.Errorf("episodic (mult 1.5) should decay faster than semantic (mult 0.5): episodic=%.4f semantic=%.4f", episodic, semantic)
	}
	if episodic < cfg.MinimumStrength || semantic < cfg.MinimumStrength {
		t.Errorf("both must stay >= floor")
	}
}

func TestEffectiveStrengthNeverBelowFloor(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now()
	v := EffectiveStrength(cfg, 1.0, SectorReflective, now.Add(-24*365*time.Hour), now)
	if v != cfg.MinimumStrength {
		t.Errorf("expected clamp to floor %.3f, got %.3f", cfg.MinimumStrength, v)
	}
}

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{1, 2, 3}
	sim := CosineSimilarity(v, v)
	if math.Abs(sim-1.0) > 0.001 {
		t.Errorf("identical vectors should have similarity 1.0, got %.3f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim) > 0.001 {
		t.Errorf("orthogonal vectors should have similarity 0.0, got %.3f", sim)
	}
}

func TestCosineSimilarityOpposite(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim-(-1.0)) > 0.001 {
		t.Errorf("opposite vectors should have similarity -1.0, got %.3f", sim)
	}
}

func TestCosineSimilarityDifferentLengths(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{1, 2}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("different length vectors should return 0, got %.3f", sim)
	}
}

func TestCosineSimilarityEmpty(t *testing.T) {
	sim := CosineSimilarity(nil, nil)
	if sim != 0 {
		t.Errorf("nil vectors should return 0, got %.3f", sim)
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("zero vector should return 0, got %.3f", sim)
	}
}

func TestTopKCosineDeterministicTiebreak(t *testing.T) {
	query := []float32{1, 0}
	candidates := map[string][]float32{
		"b": {1, 0},
		"a": {1, 0},
		"c": {0, 1},
	}
	out := TopKCosine(query, candidates, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].ID != "a" || out[1].ID != "b" {
		t.Errorf("expected tie broken by ascending id [a,b], got [%s,%s]", out[0].ID, out[1].ID)
	}
}

func TestDaysSince(t *testing.T) {
	past := time.Now().Add(-48 * time.Hour)
	days := DaysSince(past)
	if math.Abs(days-2.0) > 0.01 {
		t.Errorf("expected ~2.0 days, got %.3f", days)
	}
}
