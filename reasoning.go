package hmd

import (
	"context"
	"sort"
	"strings"
	"time"
)

// StreamInput is the shared input every reasoning stream receives. MustShare
// is the coordinator's broadcast channel: whenever one stream emits a
// must-share insight, the coordinator forwards it onto every other stream's
// MustShare channel before their next checkpoint.
type StreamInput struct {
	ProblemText       string
	Context           string
	RetrievedMemories []RetrievedMemory
	Framework         string
	MustShare         <-chan string
}

// StreamProgress is one progress event a stream emits at roughly 25/50/75%
// of its own work. MustShare is non-empty when this event also carries an
// insight the coordinator should broadcast to the other streams.
type StreamProgress struct {
	Stream    string
	Percent   int
	MustShare string
}

// StreamResult is what a stream produces, whether it completed or was
// cut off by its deadline.
type StreamResult struct {
	Stream     string
	Claims     []string
	Evidence   []string
	Confidence float64
	TimedOut   bool
}

// lensStream is a keyword-rubric reasoning worker: it scores the problem
// text against a fixed map of category -> signal words (the same idiom
// HeuristicClassifier uses for sector inference) and turns matches into
// claims, citing retrieved memories as supporting evidence. The four
// concrete streams below differ only in their lens (what they look for and
// how they phrase a claim), not in control flow.
type lensStream struct {
	name     string
	prefix   string
	keywords map[string][]string
}

func (s *lensStream) Name() string { return s.name }

// Run advances through three checkpoints (25/50/75%), each time checking
// ctx for timeout, emitting progress (non-blocking: a slow consumer never
// stalls the stream), and opportunistically draining one broadcast
// must-share insight from MustShare into its own claims.
func (s *lensStream) Run(ctx context.Context, in StreamInput, progress chan<- StreamProgress) StreamResult {
	result := StreamResult{Stream: s.name}
	lower := strings.ToLower(in.ProblemText)

	checkpoint := func(pct int) bool {
		select {
		case <-ctx.Done():
			result.TimedOut = true
			return false
		default:
		}
		select {
		case progress <- StreamProgress{Stream: s.name, Percent: pct}:
		default:
		}
		select {
		case share, ok := <-in.MustShare:
			if ok && share != "" {
				result.Claims = append(result.Claims, share)
			}
		default:
		}
		return true
	}

	if !checkpoint(25) {
		return result
	}

	categories := make([]string, 0, len(s.keywords))
	for c := range s.keywords {
		categories = append(categories, c)
	}
	sort.Strings(categories) // deterministic claim order regardless of map iteration

	for _, category := range categories {
		for _, signal := range s.keywords[category] {
			if strings.Contains(lower, signal) {
				result.Claims = append(result.Claims, s.prefix+category+": problem text mentions \""+signal+"\"")
				result.Evidence = append(result.Evidence, signal)
				break
			}
		}
	}

	if !checkpoint(50) {
		return result
	}

	for _, m := range in.RetrievedMemories {
		if len(result.Evidence) >= 5 {
			break
		}
		result.Claims = append(result.Claims, s.prefix+"supported by prior memory: "+truncateSummary(m.Memory.Content, 80))
		result.Evidence = append(result.Evidence, m.Memory.ID)
	}

	if !checkpoint(75) {
		return result
	}

	if len(result.Claims) == 0 {
		result.Claims = append(result.Claims, s.prefix+"no strong signal found in problem text")
	}
	result.Confidence = streamConfidence(len(result.Claims), len(in.RetrievedMemories))

	select {
	case progress <- StreamProgress{Stream: s.name, Percent: 100}:
	default:
	}
	return result
}

func streamConfidence(numClaims, numMemories int) float64 {
	c := 0.3 + 0.1*float64(numClaims) + 0.05*float64(numMemories)
	if c > 1.0 {
		c = 1.0
	}
	return c
}

// truncateSummary returns the first n characters of s, breaking at a word
// boundary rather than mid-word.
func truncateSummary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = n
	}
	return s[:cut] + "..."
}

// NewAnalyticalStream looks for cause/effect and logical-dependency language.
func NewAnalyticalStream() ReasoningStream {
	return &lensStream{
		name:   "analytical",
		prefix: "analytical: ",
		keywords: map[string][]string{
			"causal":     {"because", "causes", "due to", "results in", "leads to"},
			"structural": {"depends on", "requires", "composed of", "consists of"},
			"measurement": {"measure", "metric", "data shows", "rate of"},
		},
	}
}

// NewCreativeStream looks for language inviting alternatives or novel framing.
func NewCreativeStream() ReasoningStream {
	return &lensStream{
		name:   "creative",
		prefix: "creative: ",
		keywords: map[string][]string{
			"alternative": {"what if", "instead of", "alternatively", "could also"},
			"analogy":     {"like a", "similar to", "as if", "reminds me of"},
			"novelty":     {"new approach", "never tried", "unconventional", "reimagine"},
		},
	}
}

// NewCriticalStream looks for risk, assumption, and failure-mode language.
func NewCriticalStream() ReasoningStream {
	return &lensStream{
		name:   "critical",
		prefix: "critical: ",
		keywords: map[string][]string{
			"risk":       {"risk", "danger", "could fail", "might break"},
			"assumption": {"assumes", "presumes", "taken for granted", "unverified"},
			"gap":        {"missing", "unclear", "undefined", "not specified"},
		},
	}
}

// NewSyntheticStream looks for integrative, pattern-across-parts language.
func NewSyntheticStream() ReasoningStream {
	return &lensStream{
		name:   "synthetic",
		prefix: "synthetic: ",
		keywords: map[string][]string{
			"integration": {"overall", "taken together", "in combination", "holistically"},
			"pattern":     {"pattern", "recurring", "common thread", "consistently"},
			"tradeoff":    {"tradeoff", "balance between", "on one hand", "versus"},
		},
	}
}

// DefaultReasoningStreams returns the four standard streams in a fixed order.
func DefaultReasoningStreams() []ReasoningStream {
	return []ReasoningStream{NewAnalyticalStream(), NewCreativeStream(), NewCriticalStream(), NewSyntheticStream()}
}

// MergedClaim is a claim that appeared in two or more streams.
type MergedClaim struct {
	Claim      string
	Confidence float64
	Streams    []string
}

// ReasoningResult is the coordinator's synthesized output.
type ReasoningResult struct {
	StreamResults          []StreamResult
	MergedClaims           []MergedClaim
	DissentingClaims       []string
	FinalRecommendation    string
	CoordinationOverheadMS int64
	Degraded               bool
}

// ReasoningCoordinator runs the four reasoning streams concurrently with
// synchronization checkpoints and synthesizes their results.
type ReasoningCoordinator struct {
	streams []ReasoningStream
	cfg     ReasoningConfig
}

// NewReasoningCoordinator wires a coordinator over the given streams.
func NewReasoningCoordinator(streams []ReasoningStream, cfg ReasoningConfig) *ReasoningCoordinator {
	return &ReasoningCoordinator{streams: streams, cfg: cfg}
}

// Run spawns all streams, bounds them by per_stream_deadline and
// total_deadline, broadcasts must-share insights between them, and
// synthesizes a ReasoningResult. Returns KindReasoningDegraded only when
// three or more of the streams fail outright (panic), never
// merely on timeout — a timed-out stream still contributes its partial
// result with TimedOut=true.
func (c *ReasoningCoordinator) Run(ctx context.Context, problemText, problemContext string, memories []RetrievedMemory, framework string) (ReasoningResult, error) {
	start := time.Now()

	totalCtx, cancelTotal := context.WithTimeout(ctx, c.cfg.TotalDeadline)
	defer cancelTotal()

	type outcome struct {
		result StreamResult
		failed bool
	}

	n := len(c.streams)
	broadcastIn := make([]chan string, n)  // each stream's private must-share inbox
	progressOut := make([]chan StreamProgress, n)
	results := make([]outcome, n)
	done := make(chan int, n)

	for i, stream := range c.streams {
		broadcastIn[i] = make(chan string, n)
		progressOut[i] = make(chan StreamProgress, 8)

		i, stream := i, stream
		go func() {
			streamCtx, cancel := context.WithTimeout(totalCtx, c.cfg.PerStreamDeadline)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					results[i] = outcome{failed: true}
				}
				close(progressOut[i])
				done <- i
			}()
			results[i] = outcome{result: stream.Run(streamCtx, StreamInput{
				ProblemText:       problemText,
				Context:           problemContext,
				RetrievedMemories: memories,
				Framework:         framework,
				MustShare:         broadcastIn[i],
			}, progressOut[i])}
		}()
	}

	// Forward each stream's progress events to every other stream's inbox,
	// draining until all streams have finished.
	remaining := n
	for remaining > 0 {
		for i := range progressOut {
			select {
			case ev, ok := <-progressOut[i]:
				if !ok {
					continue
				}
				if ev.MustShare == "" {
					continue
				}
				for j := range broadcastIn {
					if j == i {
						continue
					}
					select {
					case broadcastIn[j] <- ev.MustShare:
					default:
					}
				}
			default:
			}
		}
		select {
		case <-done:
			remaining--
		case <-time.After(time.Millisecond):
		case <-totalCtx.Done():
			remaining = 0
		}
	}

	// Drain whatever is left of done without blocking further.
	for len(done) > 0 {
		<-done
	}

	failures := 0
	streamResults := make([]StreamResult, 0, n)
	for _, o := range results {
		if o.failed {
			failures++
			continue
		}
		streamResults = append(streamResults, o.result)
	}

	overhead := time.Since(start) - c.cfg.PerStreamDeadline
	if overhead < 0 {
		overhead = 0
	}

	if failures >= 3 {
		return ReasoningResult{}, newErr(KindReasoningDegraded, "3 or more reasoning streams failed outright")
	}

	merged, dissenting := synthesizeClaims(streamResults)
	return ReasoningResult{
		StreamResults:          streamResults,
		MergedClaims:           merged,
		DissentingClaims:       dissenting,
		FinalRecommendation:    finalRecommendation(merged, dissenting),
		CoordinationOverheadMS: overhead.Milliseconds(),
		Degraded:               failures > 0,
	}, nil
}

// synthesizeClaims merges claims seen in two or more streams (combined
// confidence = max across the streams that raised it) and preserves every
// single-stream claim as dissent rather than discarding it.
func synthesizeClaims(results []StreamResult) ([]MergedClaim, []string) {
	byClaim := make(map[string][]StreamResult)
	order := make([]string, 0)
	for _, r := range results {
		for _, claim := range r.Claims {
			if _, seen := byClaim[claim]; !seen {
				order = append(order, claim)
			}
			byClaim[claim] = append(byClaim[claim], r)
		}
	}

	var merged []MergedClaim
	var dissenting []string
	for _, claim := range order {
		sources := byClaim[claim]
		if len(sources) < 2 {
			dissenting = append(dissenting, claim)
			continue
		}
		conf := 0.0
		streams := make([]string, 0, len(sources))
		seenStream := make(map[string]bool)
		for _, r := range sources {
			if r.Confidence > conf {
				conf = r.Confidence
			}
			if !seenStream[r.Stream] {
				seenStream[r.Stream] = true
				streams = append(streams, r.Stream)
			}
		}
		merged = append(merged, MergedClaim{Claim: claim, Confidence: conf, Streams: streams})
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Confidence > merged[j].Confidence })
	return merged, dissenting
}

func finalRecommendation(merged []MergedClaim, dissenting []string) string {
	if len(merged) > 0 {
		return merged[0].Claim
	}
	if len(dissenting) > 0 {
		return dissenting[0]
	}
	return "no reasoning stream produced a usable claim"
}
