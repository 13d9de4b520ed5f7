package hmd

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/hmdlabs/hmdengine")

// Orchestrator is the stateless composition layer every tool call enters
// (spec.md §4.12). It resolves tenant scope, validates inputs, delegates to
// the right pipeline, and wraps unexpected failures in the typed error
// envelope every other package already returns. Grounded on the teacher's
// cmd/engram-mcp/main.go tool-registration shape, generalized from five
// character-memory tools into the thirteen tenant-scoped operations this
// engine exposes.
type Orchestrator struct {
	store      PersistencePort
	gateway    *EmbeddingGateway
	classifier SectorClassifier
	waypoint   *WaypointBuilder
	retrieval  *RetrievalEngine
	scheduler  *Scheduler
	reasoning  *ReasoningCoordinator
	frameworks *FrameworkSelector
	monitor    *MetacognitiveMonitor
	cfg        Config
}

// NewOrchestrator wires a fully assembled engine from its already-built
// collaborators. Callers (typically a cmd/ entrypoint) own constructing the
// store backend and embedding provider(s), since those decisions depend on
// deployment-specific secrets and endpoints this package has no business
// reading directly.
func NewOrchestrator(store PersistencePort, gateway *EmbeddingGateway, classifier SectorClassifier, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	waypoint := NewWaypointBuilder(store, cfg.Waypoint)
	retrieval := NewRetrievalEngine(gateway, store, waypoint, cfg.Decay, cfg.ScoreW, cfg.Retrieval)
	scheduler := NewScheduler(store, waypoint, cfg.Decay, cfg.Scheduler)

	return &Orchestrator{
		store:      store,
		gateway:    gateway,
		classifier: classifier,
		waypoint:   waypoint,
		retrieval:  retrieval,
		scheduler:  scheduler,
		reasoning:  NewReasoningCoordinator(DefaultReasoningStreams(), cfg.Reasoning),
		frameworks: NewFrameworkSelector(cfg.Framework),
		monitor:    NewMetacognitiveMonitor(),
		cfg:        cfg,
	}, nil
}

// StartScheduler launches the background decay/repair scheduler. Safe to
// skip in short-lived or test processes.
func (o *Orchestrator) StartScheduler(ctx context.Context) { o.scheduler.Start(ctx) }

// Close stops the background scheduler (if started) and closes the store.
func (o *Orchestrator) Close() error {
	o.scheduler.Stop()
	return o.store.Close()
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return newErr(KindMissingTenant, "tenant_id is required")
	}
	return nil
}

// --- 1. store_memory ---

// StoreMemoryOptions carries the optional fields store_memory accepts.
type StoreMemoryOptions struct {
	PrimarySector Sector
	Importance    float64
	Metadata      map[string]string
}

// StoreMemoryResult is what store_memory returns.
type StoreMemoryResult struct {
	ID       string
	Warnings []string
}

// StoreMemory classifies (if no sector hint given), embeds across all
// sectors, and persists a new memory.
func (o *Orchestrator) StoreMemory(ctx context.Context, tenantID, content string, opts StoreMemoryOptions) (StoreMemoryResult, error) {
	ctx, span := tracer.Start(ctx, "store_memory")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return StoreMemoryResult{}, err
	}
	if strings.TrimSpace(content) == "" {
		return StoreMemoryResult{}, fieldErr(KindInvalidInput, "content", "must not be empty")
	}
	if opts.Importance < 0 || opts.Importance > 1 {
		return StoreMemoryResult{}, fieldErr(KindInvalidInput, "importance", "must be in [0, 1]")
	}

	sector := opts.PrimarySector
	if sector == "" {
		sector = o.classifier.Classify(content)
	} else if !validSector(sector) {
		return StoreMemoryResult{}, fieldErr(KindInvalidInput, "primary_sector", "unrecognized sector")
	}

	vectors, err := o.gateway.EmbedAllSectors(ctx, content)
	var warnings []string
	if err != nil {
		warnings = append(warnings, "embedding failed, memory stored without vectors: "+err.Error())
		vectors = map[Sector][]float32{}
	}

	now := time.Now().UTC()
	m := Memory{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Content:        content,
		CreatedAt:      now,
		LastAccessedAt: now,
		PrimarySector:  sector,
		BaseStrength:   initialBaseStrength(opts.Importance, o.cfg.Decay.MinimumStrength),
		Importance:     opts.Importance,
		Metadata:       opts.Metadata,
	}
	if err := o.store.InsertMemory(ctx, m, vectors); err != nil {
		return StoreMemoryResult{}, wrapErr(KindPersistenceDown, "insert memory", err)
	}

	if vec, ok := vectors[SectorSemantic]; ok {
		if err := o.waypoint.InsertEdges(ctx, tenantID, m.ID, vec); err != nil {
			warnings = append(warnings, "waypoint linking failed: "+err.Error())
		}
	}

	if lc, ok := o.classifier.(*LLMClassifier); ok && opts.PrimarySector == "" {
		lc.SubmitForReclassification(tenantID, m.ID, content)
	}

	return StoreMemoryResult{ID: m.ID, Warnings: warnings}, nil
}

// --- 2. retrieve_memories ---

// RetrieveMemoriesResult is what retrieve_memories returns.
type RetrieveMemoriesResult struct {
	Results           []RetrievedMemory
	UsedGraphExpansion bool
	TraceID           string
}

// RetrieveMemories runs the full retrieval pipeline for tenantID.
func (o *Orchestrator) RetrieveMemories(ctx context.Context, tenantID, query string, opts RetrievalOptions) (RetrieveMemoriesResult, error) {
	ctx, span := tracer.Start(ctx, "retrieve_memories")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return RetrieveMemoriesResult{}, err
	}
	if strings.TrimSpace(query) == "" {
		return RetrieveMemoriesResult{}, fieldErr(KindInvalidInput, "query", "must not be empty")
	}
	opts.TenantID = tenantID

	results, err := o.retrieval.Retrieve(ctx, query, opts)
	if err != nil {
		return RetrieveMemoriesResult{}, err
	}
	return RetrieveMemoriesResult{Results: results, UsedGraphExpansion: opts.UseGraphExpansion, TraceID: uuid.NewString()}, nil
}

// --- 3. update_memory ---

// MemoryPatch is the set of fields update_memory may change; zero-value
// fields are left untouched. Metadata is accepted but UpdateMemory does not
// apply it: a memory's metadata is unchanged by an update.
type MemoryPatch struct {
	Content  *string
	Sector   *Sector
	Metadata map[string]string
}

// UpdateMemory applies a partial update to an existing memory.
func (o *Orchestrator) UpdateMemory(ctx context.Context, tenantID, id string, patch MemoryPatch) (string, error) {
	ctx, span := tracer.Start(ctx, "update_memory")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return "", err
	}
	if strings.TrimSpace(id) == "" {
		return "", fieldErr(KindInvalidInput, "id", "must not be empty")
	}

	if patch.Content != nil {
		vectors, err := o.gateway.EmbedAllSectors(ctx, *patch.Content)
		if err != nil {
			return "", err
		}
		if err := o.store.UpdateContent(ctx, tenantID, id, *patch.Content, vectors); err != nil {
			return "", err
		}
		if vec, ok := vectors[SectorSemantic]; ok {
			if err := o.waypoint.InsertEdges(ctx, tenantID, id, vec); err != nil {
				log.Printf("[hmd] waypoint rebuild after update_memory failed: %v", err)
			}
		}
	}
	if patch.Sector != nil {
		if !validSector(*patch.Sector) {
			return "", fieldErr(KindInvalidInput, "sector", "unrecognized sector")
		}
		if err := o.store.UpdateSector(ctx, tenantID, id, *patch.Sector); err != nil {
			return "", err
		}
	}
	return id, nil
}

// --- 4. delete_memory ---

// DeleteMemory removes a memory and its waypoint edges.
func (o *Orchestrator) DeleteMemory(ctx context.Context, tenantID, id string) (string, error) {
	ctx, span := tracer.Start(ctx, "delete_memory")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return "", err
	}
	if err := o.store.DeleteMemory(ctx, tenantID, id); err != nil {
		return "", wrapErr(KindPersistenceDown, "delete memory", err)
	}
	return id, nil
}

// --- 5. search_memories ---

// SearchFilters parameterizes search_memories: a metadata/tag and
// time-range scan, distinct from the semantic retrieve_memories pipeline.
type SearchFilters struct {
	Tags   []string
	After  *time.Time
	Before *time.Time
	Limit  int
}

// SearchMemories runs a metadata/tag/time-range scan, with no embedding or
// scoring involved.
func (o *Orchestrator) SearchMemories(ctx context.Context, tenantID string, filters SearchFilters) ([]Memory, error) {
	ctx, span := tracer.Start(ctx, "search_memories")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	return o.store.SearchMetadata(ctx, tenantID, filters.Tags, filters.After, filters.Before, limit)
}

// --- 6/8. think / think_parallel ---

// ThinkResult is the structured result of a think/think_parallel call.
type ThinkResult struct {
	Plan      FrameworkPlan // zero value when the framework selector was bypassed (think_parallel)
	Reasoning ReasoningResult
	Analysis  ReasoningAnalysis
}

// Think runs the full pipeline spec.md §4.2's data-flow table describes for
// `think`: Framework Selector → Retrieval Engine (memory priming) →
// Parallel Reasoning Coordinator → Metacognitive Monitor.
func (o *Orchestrator) Think(ctx context.Context, tenantID, problem, problemContext string) (ThinkResult, error) {
	ctx, span := tracer.Start(ctx, "think")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return ThinkResult{}, err
	}
	if strings.TrimSpace(problem) == "" {
		return ThinkResult{}, fieldErr(KindInvalidInput, "problem", "must not be empty")
	}

	plan := o.frameworks.Select(problem, problemContext)
	memories, err := o.primeMemories(ctx, tenantID, problem)
	if err != nil {
		return ThinkResult{}, err
	}

	reasoning, err := o.reasoning.Run(ctx, problem, problemContext, memories, plan.Skeleton)
	if err != nil {
		return ThinkResult{}, err
	}
	analysis := o.monitor.AnalyzeReasoning(reasoning)

	return ThinkResult{Plan: plan, Reasoning: reasoning, Analysis: analysis}, nil
}

// ThinkParallel runs the reasoning coordinator directly against primed
// memories without framework selection, for callers that already know how
// they want the problem framed (or don't care).
func (o *Orchestrator) ThinkParallel(ctx context.Context, tenantID, problem string) (ThinkResult, error) {
	ctx, span := tracer.Start(ctx, "think_parallel")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return ThinkResult{}, err
	}
	if strings.TrimSpace(problem) == "" {
		return ThinkResult{}, fieldErr(KindInvalidInput, "problem", "must not be empty")
	}

	memories, err := o.primeMemories(ctx, tenantID, problem)
	if err != nil {
		return ThinkResult{}, err
	}
	reasoning, err := o.reasoning.Run(ctx, problem, "", memories, "")
	if err != nil {
		return ThinkResult{}, err
	}
	return ThinkResult{Reasoning: reasoning, Analysis: o.monitor.AnalyzeReasoning(reasoning)}, nil
}

func (o *Orchestrator) primeMemories(ctx context.Context, tenantID, problem string) ([]RetrievedMemory, error) {
	return o.retrieval.Retrieve(ctx, problem, RetrievalOptions{TenantID: tenantID})
}

// --- 7. analyze_systematically ---

// AnalyzeSystematically selects (or accepts a forced) framework and runs
// the full reasoning pipeline against it, returning both the plan and the
// resulting reasoning so a caller can see which framework drove the answer.
func (o *Orchestrator) AnalyzeSystematically(ctx context.Context, tenantID, problem, forcedFramework string) (ThinkResult, error) {
	ctx, span := tracer.Start(ctx, "analyze_systematically")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return ThinkResult{}, err
	}
	if strings.TrimSpace(problem) == "" {
		return ThinkResult{}, fieldErr(KindInvalidInput, "problem", "must not be empty")
	}

	var plan FrameworkPlan
	if forcedFramework != "" {
		plan = FrameworkPlan{Frameworks: []FrameworkID{FrameworkID(forcedFramework)}, Skeleton: forcedFramework}
	} else {
		plan = o.frameworks.Select(problem, "")
	}

	memories, err := o.primeMemories(ctx, tenantID, problem)
	if err != nil {
		return ThinkResult{}, err
	}
	reasoning, err := o.reasoning.Run(ctx, problem, "", memories, plan.Skeleton)
	if err != nil {
		return ThinkResult{}, err
	}
	return ThinkResult{Plan: plan, Reasoning: reasoning, Analysis: o.monitor.AnalyzeReasoning(reasoning)}, nil
}

// --- 9. decompose_problem ---

// DecomposeProblem splits a compound problem statement into independent
// sub-problems along sentence and coordinating-conjunction boundaries. This
// is intentionally a plain text operation: it runs before any framework or
// reasoning stream is chosen, so those components can be scoped per
// sub-problem by the caller if desired.
func (o *Orchestrator) DecomposeProblem(ctx context.Context, tenantID, problem string) ([]string, error) {
	_, span := tracer.Start(ctx, "decompose_problem")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(problem) == "" {
		return nil, fieldErr(KindInvalidInput, "problem", "must not be empty")
	}
	return decomposeText(problem), nil
}

func decomposeText(problem string) []string {
	sentences := strings.FieldsFunc(problem, func(r rune) bool { return r == '.' || r == ';' || r == '\n' })
	var subs []string
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		for _, clause := range strings.Split(s, " and ") {
			clause = strings.TrimSpace(clause)
			if clause != "" {
				subs = append(subs, clause)
			}
		}
	}
	if len(subs) == 0 {
		subs = []string{strings.TrimSpace(problem)}
	}
	return subs
}

// --- 10. assess_confidence ---

// AssessConfidence calibrates the highest raw stream confidence in a
// reasoning result.
func (o *Orchestrator) AssessConfidence(ctx context.Context, tenantID string, result ReasoningResult) (float64, error) {
	_, span := tracer.Start(ctx, "assess_confidence")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}
	raw := 0.0
	for _, sr := range result.StreamResults {
		if sr.Confidence > raw {
			raw = sr.Confidence
		}
	}
	return o.monitor.AssessConfidence(raw), nil
}

// --- 11. detect_bias ---

// DetectBias scans free text (or the flattened claims/evidence of a prior
// reasoning result) for the eight fixed bias classes.
func (o *Orchestrator) DetectBias(ctx context.Context, tenantID, text string) ([]BiasFinding, error) {
	_, span := tracer.Start(ctx, "detect_bias")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	return o.monitor.DetectBias([]string{text}, nil), nil
}

// --- 12. detect_emotion ---

// DetectEmotion scores free text on the Circumplex valence/arousal/dominance
// dimensions.
func (o *Orchestrator) DetectEmotion(ctx context.Context, tenantID, text string) (EmotionScore, error) {
	_, span := tracer.Start(ctx, "detect_emotion")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return EmotionScore{}, err
	}
	return o.monitor.AnalyzeEmotion(text), nil
}

// --- 13. analyze_reasoning ---

// AnalyzeReasoning runs all three Metacognitive Monitor probes over a
// completed reasoning result.
func (o *Orchestrator) AnalyzeReasoning(ctx context.Context, tenantID string, result ReasoningResult) (ReasoningAnalysis, error) {
	_, span := tracer.Start(ctx, "analyze_reasoning")
	defer span.End()

	if err := requireTenant(tenantID); err != nil {
		return ReasoningAnalysis{}, err
	}
	return o.monitor.AnalyzeReasoning(result), nil
}
