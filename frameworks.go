package hmd

import (
	"sort"
	"strings"
	"sync"
)

// FrameworkID identifies one of the eight fixed systematic-thinking
// frameworks the selector chooses between.
type FrameworkID string

const (
	FrameworkScientificMethod     FrameworkID = "scientific_method"
	FrameworkDesignThinking       FrameworkID = "design_thinking"
	FrameworkSystemsThinking      FrameworkID = "systems_thinking"
	FrameworkCriticalThinking     FrameworkID = "critical_thinking"
	FrameworkCreativeProblemSolve FrameworkID = "creative_problem_solving"
	FrameworkRootCauseAnalysis    FrameworkID = "root_cause_analysis"
	FrameworkFirstPrinciples      FrameworkID = "first_principles"
	FrameworkScenarioPlanning     FrameworkID = "scenario_planning"
)

// frameworkDef is a registry entry: the keywords and problem-shape hints a
// framework responds to, plus the prompt skeleton it contributes when
// selected, whether alone or as part of a hybrid.
type frameworkDef struct {
	id               FrameworkID
	keywords         []string
	problemShapeHints []string
	promptSkeleton   string
	weight           float64 // adaptive-learning weight, adjusted by record_feedback
}

// ProblemFeatures is the fixed-feature classification of a problem
// statement the rubric scores frameworks against.
type ProblemFeatures struct {
	IsQuestion  bool
	IsCausal    bool
	IsDesign    bool
	IsExploratory bool
	IsLongTerm  bool
	Uncertainty float64 // 0 (certain) .. 1 (highly uncertain)
}

// FrameworkScore is one framework's rubric score against a ProblemFeatures.
type FrameworkScore struct {
	ID    FrameworkID
	Score float64
}

// FrameworkPlan is the selector's output: either a single framework or a
// hybrid of 2-3, with their prompt skeletons composed in the declared
// (highest-scoring-first) order.
type FrameworkPlan struct {
	PlanID     string
	Frameworks []FrameworkID
	Scores     []FrameworkScore
	Skeleton   string
	Hybrid     bool
}

// feedbackRecord is one (problem_features, framework_id, later_outcome_score)
// tuple recorded for the monthly adaptive-learning weight adjustment.
type feedbackRecord struct {
	planID   string
	features ProblemFeatures
	chosen   []FrameworkID
	score    float64
}

// FrameworkSelector owns the fixed 8-framework registry and the
// selection/feedback loop described in spec.md §4.10. Grounded on
// classify.go's HeuristicClassifier: a fixed registry scored by a
// hand-written weighted rubric over keyword/shape signals, same as
// sector classification scores sectors by keyword signals.
type FrameworkSelector struct {
	mu        sync.Mutex
	registry  []frameworkDef
	cfg       FrameworkConfig
	feedback  map[string]feedbackRecord
	nextPlan  int
}

// NewFrameworkSelector builds a selector over the fixed 8-framework registry.
func NewFrameworkSelector(cfg FrameworkConfig) *FrameworkSelector {
	return &FrameworkSelector{
		registry: defaultFrameworkRegistry(),
		cfg:      cfg,
		feedback: make(map[string]feedbackRecord),
	}
}

func defaultFrameworkRegistry() []frameworkDef {
	return []frameworkDef{
		{
			id:                FrameworkScientificMethod,
			keywords:          []string{"hypothesis", "test", "experiment", "data", "measure", "validate"},
			problemShapeHints: []string{"causal", "exploratory"},
			promptSkeleton:    "Form a hypothesis, design a test, gather evidence, and draw a conclusion.",
			weight:            1.0,
		},
		{
			id:                FrameworkDesignThinking,
			keywords:          []string{"user", "design", "prototype", "experience", "usability"},
			problemShapeHints: []string{"design"},
			promptSkeleton:    "Empathize with the user, define the problem, ideate, prototype, and test.",
			weight:            1.0,
		},
		{
			id:                FrameworkSystemsThinking,
			keywords:          []string{"system", "feedback loop", "interdependent", "holistic", "ripple effect"},
			problemShapeHints: []string{"causal", "long-term"},
			promptSkeleton:    "Map the system's components, feedback loops, and leverage points before acting.",
			weight:            1.0,
		},
		{
			id:                FrameworkCriticalThinking,
			keywords:          []string{"assumption", "argument", "evidence", "evaluate", "fallacy"},
			problemShapeHints: []string{"question"},
			promptSkeleton:    "Identify assumptions, weigh evidence, and evaluate competing arguments.",
			weight:            1.0,
		},
		{
			id:                FrameworkCreativeProblemSolve,
			keywords:          []string{"brainstorm", "idea", "alternative", "novel", "innovate"},
			problemShapeHints: []string{"exploratory"},
			promptSkeleton:    "Generate a wide range of alternatives before converging on one.",
			weight:            1.0,
		},
		{
			id:                FrameworkRootCauseAnalysis,
			keywords:          []string{"root cause", "why", "failure", "defect", "incident"},
			problemShapeHints: []string{"causal"},
			promptSkeleton:    "Trace the causal chain backward from the symptom to its root cause.",
			weight:            1.0,
		},
		{
			id:                FrameworkFirstPrinciples,
			keywords:          []string{"fundamental", "from scratch", "assume nothing", "break down", "derive"},
			problemShapeHints: []string{"exploratory", "design"},
			promptSkeleton:    "Break the problem into fundamental truths and reason up from them.",
			weight:            1.0,
		},
		{
			id:                FrameworkScenarioPlanning,
			keywords:          []string{"future", "scenario", "uncertain", "forecast", "long-term", "risk"},
			problemShapeHints: []string{"long-term"},
			promptSkeleton:    "Sketch plausible future scenarios and plan responses robust across them.",
			weight:            1.0,
		},
	}
}

// classifyProblem derives ProblemFeatures from the raw problem text via
// keyword-signal heuristics, the same idiom classify.go uses for sectors.
func classifyProblem(problemText, context string) ProblemFeatures {
	text := strings.ToLower(problemText + " " + context)
	f := ProblemFeatures{
		IsQuestion: strings.Contains(text, "?") || strings.HasPrefix(strings.TrimSpace(text), "why") ||
			strings.HasPrefix(strings.TrimSpace(text), "how") || strings.HasPrefix(strings.TrimSpace(text), "what"),
	}
	causalSignals := []string{"because", "causes", "due to", "root cause", "why did", "failure"}
	designSignals := []string{"design", "user", "prototype", "build a", "create a"}
	exploratorySignals := []string{"explore", "brainstorm", "what if", "alternatives", "options"}
	longTermSignals := []string{"long-term", "future", "strategy", "years", "roadmap"}
	uncertainSignals := []string{"uncertain", "unclear", "might", "unknown", "risk", "unsure"}

	f.IsCausal = containsAny(text, causalSignals)
	f.IsDesign = containsAny(text, designSignals)
	f.IsExploratory = containsAny(text, exploratorySignals)
	f.IsLongTerm = containsAny(text, longTermSignals)

	hits := 0
	for _, s := range uncertainSignals {
		if strings.Contains(text, s) {
			hits++
		}
	}
	f.Uncertainty = float64(hits) / float64(len(uncertainSignals))
	return f
}

func containsAny(text string, signals []string) bool {
	for _, s := range signals {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// scoreFramework applies the fixed weighted rubric: keyword overlap with
// the problem text plus a bonus when a shape hint matches a classified
// problem feature, scaled by the framework's current adaptive weight.
func scoreFramework(def frameworkDef, problemText string, features ProblemFeatures) float64 {
	text := strings.ToLower(problemText)
	keywordHits := 0
	for _, k := range def.keywords {
		if strings.Contains(text, k) {
			keywordHits++
		}
	}
	keywordScore := float64(keywordHits) / float64(len(def.keywords))

	shapeScore := 0.0
	for _, hint := range def.problemShapeHints {
		switch hint {
		case "causal":
			if features.IsCausal {
				shapeScore += 1.0
			}
		case "design":
			if features.IsDesign {
				shapeScore += 1.0
			}
		case "exploratory":
			if features.IsExploratory {
				shapeScore += 1.0
			}
		case "long-term":
			if features.IsLongTerm {
				shapeScore += 1.0
			}
		case "question":
			if features.IsQuestion {
				shapeScore += 1.0
			}
		}
	}
	if len(def.problemShapeHints) > 0 {
		shapeScore /= float64(len(def.problemShapeHints))
	}

	raw := 0.6*keywordScore + 0.4*shapeScore
	return raw * def.weight
}

// Select classifies the problem, scores every registry framework, and
// returns either a single top framework (score >= single_framework_threshold)
// or a hybrid of the top 2-3 in descending-score order.
func (fs *FrameworkSelector) Select(problemText, context string) FrameworkPlan {
	fs.mu.Lock()
	registry := make([]frameworkDef, len(fs.registry))
	copy(registry, fs.registry)
	fs.mu.Unlock()

	features := classifyProblem(problemText, context)

	scores := make([]FrameworkScore, len(registry))
	for i, def := range registry {
		scores[i] = FrameworkScore{ID: def.id, Score: scoreFramework(def, problemText, features)}
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].ID < scores[j].ID
	})

	plan := fs.newPlan()
	plan.Scores = scores

	if scores[0].Score >= fs.cfg.SingleFrameworkThreshold {
		plan.Frameworks = []FrameworkID{scores[0].ID}
		plan.Skeleton = skeletonFor(registry, scores[0].ID)
		plan.Hybrid = false
	} else {
		top := scores
		if len(top) > 3 {
			top = top[:3]
		}
		var skeletons []string
		for _, s := range top {
			plan.Frameworks = append(plan.Frameworks, s.ID)
			skeletons = append(skeletons, skeletonFor(registry, s.ID))
		}
		plan.Skeleton = strings.Join(skeletons, "\n\n")
		plan.Hybrid = true
	}

	fs.mu.Lock()
	fs.feedback[plan.PlanID] = feedbackRecord{planID: plan.PlanID, features: features, chosen: plan.Frameworks}
	fs.mu.Unlock()
	return plan
}

func skeletonFor(registry []frameworkDef, id FrameworkID) string {
	for _, def := range registry {
		if def.id == id {
			return def.promptSkeleton
		}
	}
	return ""
}

func (fs *FrameworkSelector) newPlan() FrameworkPlan {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextPlan++
	return FrameworkPlan{PlanID: framworkPlanID(fs.nextPlan)}
}

func framworkPlanID(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n == 0 {
		return "plan-0"
	}
	b := make([]byte, 0, 8)
	for n > 0 {
		b = append([]byte{alphabet[n%len(alphabet)]}, b...)
		n /= len(alphabet)
	}
	return "plan-" + string(b)
}

// RecordFeedback associates an observed outcome score with a prior plan.
// The adaptive-learning loop (run monthly, outside this type) reads these
// records to nudge registry weights toward frameworks that performed well.
func (fs *FrameworkSelector) RecordFeedback(planID string, score float64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.feedback[planID]
	if !ok {
		rec = feedbackRecord{planID: planID}
	}
	rec.score = score
	fs.feedback[planID] = rec
}

// AdjustWeights sets each framework's weight to 0.5 plus the average observed
// score of plans that selected it (feedback with a score of 0 is skipped),
// clamped to [0.1, 2.0]. Intended to run
// on the monthly cadence spec.md §4.10 describes.
func (fs *FrameworkSelector) AdjustWeights() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	sums := make(map[FrameworkID]float64)
	counts := make(map[FrameworkID]int)
	for _, rec := range fs.feedback {
		if rec.score == 0 {
			continue
		}
		for _, id := range rec.chosen {
			sums[id] += rec.score
			counts[id]++
		}
	}
	for i, def := range fs.registry {
		n, ok := counts[def.id]
		if !ok || n == 0 {
			continue
		}
		avg := sums[def.id] / float64(n)
		w := 0.5 + avg
		if w < 0.1 {
			w = 0.1
		}
		if w > 2.0 {
			w = 2.0
		}
		fs.registry[i].weight = w
	}
}
