package hmd

import "testing"

func TestAssessConfidenceIdentityWithoutHistory(t *testing.T) {
	m := NewMetacognitiveMonitor()
	if got := m.AssessConfidence(0.7); got != 0.7 {
		t.Errorf("expected identity calibration, got %f", got)
	}
}

func TestAssessConfidenceClampsToUnitRange(t *testing.T) {
	m := NewMetacognitiveMonitor()
	if got := m.AssessConfidence(1.5); got != 1.0 {
		t.Errorf("expected clamp to 1.0, got %f", got)
	}
	if got := m.AssessConfidence(-0.5); got != 0.0 {
		t.Errorf("expected clamp to 0.0, got %f", got)
	}
}

func TestAssessConfidenceInterpolatesFromHistory(t *testing.T) {
	m := NewMetacognitiveMonitor()
	m.RecordOutcome("h1", 0.5, 0.3)
	m.RecordOutcome("h2", 0.9, 0.7)

	got := m.AssessConfidence(0.7)
	if got < 0.3 || got > 0.7 {
		t.Errorf("expected interpolated value between 0.3 and 0.7, got %f", got)
	}
}

func TestAssessConfidenceClampsOutsideObservedRange(t *testing.T) {
	m := NewMetacognitiveMonitor()
	m.RecordOutcome("h1", 0.5, 0.3)
	m.RecordOutcome("h2", 0.9, 0.7)

	if got := m.AssessConfidence(0.1); got != 0.3 {
		t.Errorf("expected clamp to lowest observed, got %f", got)
	}
	if got := m.AssessConfidence(0.99); got != 0.7 {
		t.Errorf("expected clamp to highest observed, got %f", got)
	}
}

func TestDetectBiasFindsSunkCost(t *testing.T) {
	m := NewMetacognitiveMonitor()
	findings := m.DetectBias([]string{"we already invested too much to stop now"}, nil)
	found := false
	for _, f := range findings {
		if f.Kind == BiasSunkCost {
			found = true
			if f.Likelihood <= 0 {
				t.Error("expected positive likelihood")
			}
		}
	}
	if !found {
		t.Error("expected sunk cost bias to be detected")
	}
}

func TestDetectBiasNoneWhenNoPatterns(t *testing.T) {
	m := NewMetacognitiveMonitor()
	findings := m.DetectBias([]string{"the sky is blue and water is wet"}, nil)
	if len(findings) != 0 {
		t.Errorf("expected no bias findings, got %+v", findings)
	}
}

func TestAnalyzeEmotionPositiveValence(t *testing.T) {
	m := NewMetacognitiveMonitor()
	e := m.AnalyzeEmotion("I feel happy and grateful about this outcome")
	if e.Valence <= 0 {
		t.Errorf("expected positive valence, got %f", e.Valence)
	}
}

func TestAnalyzeEmotionNegativeValence(t *testing.T) {
	m := NewMetacognitiveMonitor()
	e := m.AnalyzeEmotion("I feel sad and frustrated and disappointed")
	if e.Valence >= 0 {
		t.Errorf("expected negative valence, got %f", e.Valence)
	}
}

func TestAnalyzeEmotionNeutralWithNoSignal(t *testing.T) {
	m := NewMetacognitiveMonitor()
	e := m.AnalyzeEmotion("the quarterly report is due on Friday")
	if e.Valence != 0 || e.Arousal != 0 || e.Dominance != 0 {
		t.Errorf("expected neutral emotion, got %+v", e)
	}
}

func TestAnalyzeReasoningSurfacesDissentIssue(t *testing.T) {
	m := NewMetacognitiveMonitor()
	result := ReasoningResult{
		StreamResults:    []StreamResult{{Stream: "a", Claims: []string{"we already invested too much"}, Confidence: 0.6}},
		DissentingClaims: []string{"only in one stream"},
	}
	analysis := m.AnalyzeReasoning(result)
	if len(analysis.Issues) == 0 {
		t.Error("expected at least one issue for unresolved dissent")
	}
	if len(analysis.Biases) == 0 {
		t.Error("expected sunk cost bias surfaced from claims")
	}
}
