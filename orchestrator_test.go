package hmd

import (
	"context"
	"testing"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	store := NewMemoryStore()
	vectors := make(map[Sector][]float32)
	for _, s := range AllSectors() {
		vectors[s] = []float32{1, 0}
	}
	provider := &stubProvider{vectors: vectors}
	gateway := NewEmbeddingGateway(provider, provider, DefaultEmbeddingConfig())
	classifier := NewHeuristicClassifier("")

	cfg := DefaultConfig()
	orch, err := NewOrchestrator(store, gateway, classifier, cfg)
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	return orch
}

func TestStoreMemoryRequiresTenant(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.StoreMemory(context.Background(), "", "some content", StoreMemoryOptions{})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindMissingTenant {
		t.Fatalf("expected MissingTenant, got %v", err)
	}
}

func TestStoreMemoryRejectsEmptyContent(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.StoreMemory(context.Background(), "tenantA", "", StoreMemoryOptions{})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestStoreMemoryRejectsOutOfRangeImportance(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.StoreMemory(context.Background(), "tenantA", "content", StoreMemoryOptions{Importance: 1.5})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestStoreMemoryThenRetrieve(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.StoreMemory(ctx, "tenantA", "remember to buy milk", StoreMemoryOptions{PrimarySector: SectorEpisodic})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if res.ID == "" {
		t.Fatal("expected a generated ID")
	}

	out, err := orch.RetrieveMemories(ctx, "tenantA", "milk", RetrievalOptions{})
	if err != nil {
		t.Fatalf("RetrieveMemories: %v", err)
	}
	if len(out.Results) == 0 {
		t.Fatal("expected at least one retrieved memory")
	}
	if out.TraceID == "" {
		t.Error("expected a trace id")
	}
}

func TestRetrieveMemoriesRejectsEmptyQuery(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.RetrieveMemories(context.Background(), "tenantA", "", RetrievalOptions{})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindInvalidInput {
		t.Fatalf("expected InvalidInput, got %v", err)
	}
}

func TestUpdateMemoryContent(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.StoreMemory(ctx, "tenantA", "original content", StoreMemoryOptions{})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	newContent := "updated content"
	if _, err := orch.UpdateMemory(ctx, "tenantA", res.ID, MemoryPatch{Content: &newContent}); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
}

func TestDeleteMemory(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.StoreMemory(ctx, "tenantA", "something to delete", StoreMemoryOptions{})
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	if _, err := orch.DeleteMemory(ctx, "tenantA", res.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
}

func TestSearchMemoriesRequiresTenant(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.SearchMemories(context.Background(), "", SearchFilters{})
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindMissingTenant {
		t.Fatalf("expected MissingTenant, got %v", err)
	}
}

func TestThinkRunsFullPipeline(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	if _, err := orch.StoreMemory(ctx, "tenantA", "the root cause of the outage was a failed deploy", StoreMemoryOptions{}); err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	result, err := orch.Think(ctx, "tenantA", "why did the deploy fail and cause an incident", "")
	if err != nil {
		t.Fatalf("Think: %v", err)
	}
	if len(result.Plan.Frameworks) == 0 {
		t.Error("expected a selected framework")
	}
	if result.Reasoning.FinalRecommendation == "" {
		t.Error("expected a final recommendation")
	}
}

func TestThinkRequiresTenant(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.Think(context.Background(), "", "a problem", "")
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindMissingTenant {
		t.Fatalf("expected MissingTenant, got %v", err)
	}
}

func TestThinkParallelSkipsFrameworkSelection(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := orch.ThinkParallel(ctx, "tenantA", "what if we tried a different approach")
	if err != nil {
		t.Fatalf("ThinkParallel: %v", err)
	}
	if len(result.Plan.Frameworks) != 0 {
		t.Error("expected no framework plan from think_parallel")
	}
	if result.Reasoning.FinalRecommendation == "" {
		t.Error("expected a final recommendation")
	}
}

func TestAnalyzeSystematicallyHonorsForcedFramework(t *testing.T) {
	orch := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := orch.AnalyzeSystematically(ctx, "tenantA", "how should we approach this redesign", string(FrameworkDesignThinking))
	if err != nil {
		t.Fatalf("AnalyzeSystematically: %v", err)
	}
	if len(result.Plan.Frameworks) != 1 || result.Plan.Frameworks[0] != FrameworkDesignThinking {
		t.Errorf("expected forced framework to be honored, got %+v", result.Plan.Frameworks)
	}
}

func TestDecomposeProblemSplitsOnConjunctions(t *testing.T) {
	orch := newTestOrchestrator(t)
	subs, err := orch.DecomposeProblem(context.Background(), "tenantA", "fix the login bug and improve page load time")
	if err != nil {
		t.Fatalf("DecomposeProblem: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("expected 2 sub-problems, got %+v", subs)
	}
}

func TestDecomposeProblemRequiresTenant(t *testing.T) {
	orch := newTestOrchestrator(t)
	_, err := orch.DecomposeProblem(context.Background(), "", "a problem")
	hmdErr, ok := AsError(err)
	if !ok || hmdErr.Kind != KindMissingTenant {
		t.Fatalf("expected MissingTenant, got %v", err)
	}
}

func TestAssessConfidenceDelegatesToMonitor(t *testing.T) {
	orch := newTestOrchestrator(t)
	result := ReasoningResult{StreamResults: []StreamResult{{Confidence: 0.8}}}
	conf, err := orch.AssessConfidence(context.Background(), "tenantA", result)
	if err != nil {
		t.Fatalf("AssessConfidence: %v", err)
	}
	if conf != 0.8 {
		t.Errorf("expected identity calibration of 0.8, got %f", conf)
	}
}

func TestDetectBiasDelegatesToMonitor(t *testing.T) {
	orch := newTestOrchestrator(t)
	findings, err := orch.DetectBias(context.Background(), "tenantA", "we already invested too much to stop now")
	if err != nil {
		t.Fatalf("DetectBias: %v", err)
	}
	if len(findings) == 0 {
		t.Error("expected a sunk cost bias finding")
	}
}

func TestDetectEmotionDelegatesToMonitor(t *testing.T) {
	orch := newTestOrchestrator(t)
	emotion, err := orch.DetectEmotion(context.Background(), "tenantA", "I feel happy and grateful")
	if err != nil {
		t.Fatalf("DetectEmotion: %v", err)
	}
	if emotion.Valence <= 0 {
		t.Errorf("expected positive valence, got %f", emotion.Valence)
	}
}

func TestAnalyzeReasoningDelegatesToMonitor(t *testing.T) {
	orch := newTestOrchestrator(t)
	result := ReasoningResult{DissentingClaims: []string{"only in one stream"}}
	analysis, err := orch.AnalyzeReasoning(context.Background(), "tenantA", result)
	if err != nil {
		t.Fatalf("AnalyzeReasoning: %v", err)
	}
	if len(analysis.Issues) == 0 {
		t.Error("expected an issue for unresolved dissent")
	}
}
