package hmd

import (
	"strings"
	"sync"
)

// BiasKind is one of the eight bias classes the Bias Detector scans for.
type BiasKind string

const (
	BiasConfirmation     BiasKind = "confirmation"
	BiasAnchoring        BiasKind = "anchoring"
	BiasAvailability     BiasKind = "availability"
	BiasRepresentativeness BiasKind = "representativeness"
	BiasSunkCost         BiasKind = "sunk_cost"
	BiasFraming          BiasKind = "framing"
	BiasBandwagon        BiasKind = "bandwagon"
	BiasAttribution      BiasKind = "attribution"
)

// BiasFinding is one detected bias occurrence.
type BiasFinding struct {
	Kind          BiasKind
	Likelihood    float64
	EvidenceSpans []string
}

// EmotionScore is a Circumplex-model reading: valence, arousal, and
// dominance each in [-1, 1].
type EmotionScore struct {
	Valence   float64
	Arousal   float64
	Dominance float64
}

// calibrationPoint is one observed (predicted, observed) pair used to fit
// the confidence calibrator's piecewise-linear correction curve.
type calibrationPoint struct {
	predicted float64
	observed  float64
}

// MetacognitiveMonitor runs the three probes spec.md §4.11 describes over
// a completed ReasoningResult: confidence calibration, bias detection, and
// Circumplex emotion scoring. Grounded on classify.go's keyword-heuristic
// idiom, reused here for bias-class and emotion-dimension signal words
// instead of sector signal words.
type MetacognitiveMonitor struct {
	mu           sync.Mutex
	calibration  []calibrationPoint
	biasPatterns map[BiasKind][]string
	learning     []learningTuple
}

// learningTuple is an (input_hash, predicted_confidence,
// later_observed_score) record enqueued for calibrator retraining.
type learningTuple struct {
	inputHash  string
	predicted  float64
	observed   float64
}

// NewMetacognitiveMonitor builds a monitor with the fixed bias rule set
// and an empty calibration history (the identity calibration curve until
// RecordOutcome supplies observations).
func NewMetacognitiveMonitor() *MetacognitiveMonitor {
	return &MetacognitiveMonitor{biasPatterns: defaultBiasPatterns()}
}

func defaultBiasPatterns() map[BiasKind][]string {
	return map[BiasKind][]string{
		BiasConfirmation:       {"confirms what we already believed", "as expected", "just as we thought", "supports our view"},
		BiasAnchoring:          {"first number", "initial estimate", "starting point was", "anchored on"},
		BiasAvailability:       {"comes to mind", "recent example", "easily recall", "memorable case"},
		BiasRepresentativeness: {"typical of", "fits the pattern of", "looks just like", "stereotype"},
		BiasSunkCost:           {"already invested", "too far in to stop", "sunk cost", "don't want to waste"},
		BiasFraming:            {"depends how you look at it", "framed as", "spin", "glass half"},
		BiasBandwagon:          {"everyone agrees", "most people think", "popular opinion", "consensus is"},
		BiasAttribution:        {"their fault", "just bad luck", "blame", "character flaw"},
	}
}

// AssessConfidence calibrates a raw aggregate stream confidence using the
// piecewise-linear curve fit from prior (predicted, observed) pairs. With
// no history the calibration is the identity function.
func (m *MetacognitiveMonitor) AssessConfidence(rawConfidence float64) float64 {
	m.mu.Lock()
	points := make([]calibrationPoint, len(m.calibration))
	copy(points, m.calibration)
	m.mu.Unlock()

	if len(points) == 0 {
		return clamp01(rawConfidence)
	}
	return clamp01(piecewiseLinearInterpolate(points, rawConfidence))
}

// piecewiseLinearInterpolate sorts calibration points by predicted value
// and linearly interpolates the observed value at x, the isotonic-style
// calibration curve spec.md §4.11 describes. Points must already be
// monotonic in predicted for a meaningful curve; callers feed it observed
// history as it arrives.
func piecewiseLinearInterpolate(points []calibrationPoint, x float64) float64 {
	sorted := make([]calibrationPoint, len(points))
	copy(sorted, points)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].predicted < sorted[j-1].predicted; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if x <= sorted[0].predicted {
		return sorted[0].observed
	}
	last := sorted[len(sorted)-1]
	if x >= last.predicted {
		return last.observed
	}
	for i := 1; i < len(sorted); i++ {
		if x <= sorted[i].predicted {
			lo, hi := sorted[i-1], sorted[i]
			if hi.predicted == lo.predicted {
				return hi.observed
			}
			t := (x - lo.predicted) / (hi.predicted - lo.predicted)
			return lo.observed + t*(hi.observed-lo.observed)
		}
	}
	return last.observed
}

// RecordOutcome feeds one observed (predicted_confidence, observed_score)
// pair into the calibrator's history and enqueues the corresponding
// learning tuple for retraining.
func (m *MetacognitiveMonitor) RecordOutcome(inputHash string, predicted, observed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calibration = append(m.calibration, calibrationPoint{predicted: predicted, observed: observed})
	m.learning = append(m.learning, learningTuple{inputHash: inputHash, predicted: predicted, observed: observed})
}

// DetectBias scans claims and evidence text for the eight fixed bias
// patterns, returning one finding per bias class with at least one match.
func (m *MetacognitiveMonitor) DetectBias(claims, evidence []string) []BiasFinding {
	text := strings.ToLower(strings.Join(append(append([]string{}, claims...), evidence...), " "))

	var findings []BiasFinding
	for _, kind := range sortedBiasKinds(m.biasPatterns) {
		var spans []string
		for _, pattern := range m.biasPatterns[kind] {
			if strings.Contains(text, pattern) {
				spans = append(spans, pattern)
			}
		}
		if len(spans) == 0 {
			continue
		}
		likelihood := float64(len(spans)) / float64(len(m.biasPatterns[kind]))
		findings = append(findings, BiasFinding{Kind: kind, Likelihood: likelihood, EvidenceSpans: spans})
	}
	return findings
}

func sortedBiasKinds(patterns map[BiasKind][]string) []BiasKind {
	kinds := make([]BiasKind, 0, len(patterns))
	for k := range patterns {
		kinds = append(kinds, k)
	}
	for i := 1; i < len(kinds); i++ {
		for j := i; j > 0 && kinds[j] < kinds[j-1]; j-- {
			kinds[j], kinds[j-1] = kinds[j-1], kinds[j]
		}
	}
	return kinds
}

// emotionLexicon maps each Circumplex dimension's positive-pole signal
// words to a unit nudge; negative-pole words nudge the opposite way.
var emotionLexicon = map[string][2][]string{
	"valence":   {{"happy", "glad", "excited", "grateful", "pleased"}, {"sad", "upset", "angry", "frustrated", "disappointed"}},
	"arousal":   {{"urgent", "excited", "alarmed", "intense", "frantic"}, {"calm", "relaxed", "quiet", "settled", "at ease"}},
	"dominance": {{"in control", "confident", "empowered", "capable"}, {"helpless", "overwhelmed", "powerless", "stuck"}},
}

// AnalyzeEmotion scores text on the Circumplex valence/arousal/dominance
// dimensions via lexicon signal counting, each clamped to [-1, 1].
func (m *MetacognitiveMonitor) AnalyzeEmotion(text string) EmotionScore {
	lower := strings.ToLower(text)
	return EmotionScore{
		Valence:   dimensionScore(lower, "valence"),
		Arousal:   dimensionScore(lower, "arousal"),
		Dominance: dimensionScore(lower, "dominance"),
	}
}

func dimensionScore(lower, dim string) float64 {
	poles := emotionLexicon[dim]
	pos, neg := 0, 0
	for _, w := range poles[0] {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range poles[1] {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	score := float64(pos-neg) / float64(total)
	return clamp(score, -1, 1)
}

func clamp01(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// AnalyzeReasoning runs all three probes over a completed ReasoningResult
// and returns a summary suitable for the analyze_reasoning tool operation.
type ReasoningAnalysis struct {
	CalibratedConfidence float64
	Biases               []BiasFinding
	Emotion              EmotionScore
	Issues               []string
}

func (m *MetacognitiveMonitor) AnalyzeReasoning(result ReasoningResult) ReasoningAnalysis {
	var claims, evidence []string
	for _, mc := range result.MergedClaims {
		claims = append(claims, mc.Claim)
	}

	rawConfidence := 0.0
	for _, sr := range result.StreamResults {
		claims = append(claims, sr.Claims...)
		evidence = append(evidence, sr.Evidence...)
		if sr.Confidence > rawConfidence {
			rawConfidence = sr.Confidence
		}
	}

	var issues []string
	if len(result.DissentingClaims) > 0 {
		issues = append(issues, "unresolved dissenting claims present")
	}
	if result.Degraded {
		issues = append(issues, "one or more reasoning streams degraded")
	}

	return ReasoningAnalysis{
		CalibratedConfidence: m.AssessConfidence(rawConfidence),
		Biases:               m.DetectBias(claims, evidence),
		Emotion:              m.AnalyzeEmotion(strings.Join(claims, " ")),
		Issues:               issues,
	}
}
