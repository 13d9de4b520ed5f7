// hmdengine-mcp exposes hmdengine as an MCP stdio server.
//
// Environment variables:
//
//	HMD_DB_PATH       — SQLite database path (default: the config's db_path, ./data/hmd.db)
//	HMD_POSTGRES_DSN  — when set (or postgres_dsn in the config), use Postgres+pgvector instead of SQLite
//	HMD_CONFIG_PATH   — optional YAML config overlay (see config_load.go)
//	EMBED_BACKEND     — "gemini", "ollama", or "openai" (default: ollama)
//	EMBED_DIMENSION   — vector dimension for the gemini/ollama backends (default: 768)
//	GEMINI_API_KEY    — required when EMBED_BACKEND=gemini
//	OPENAI_API_KEY    — required when EMBED_BACKEND=openai
//	OLLAMA_MODEL      — model name when EMBED_BACKEND=ollama (default: nomic-embed-text)
//
// Usage:
//
//	go install github.com/hmdlabs/hmdengine/cmd/hmdengine-mcp
//	hmdengine-mcp
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	hmd "github.com/hmdlabs/hmdengine"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func main() {
	ctx := context.Background()

	cfg := hmd.DefaultConfig()
	if path := os.Getenv("HMD_CONFIG_PATH"); path != "" {
		loaded, err := hmd.LoadConfig(path)
		if err != nil {
			log.Fatalf("hmdengine config: %v", err)
		}
		cfg = loaded
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("hmdengine store: %v", err)
	}

	provider, fallback := buildEmbeddingProvider()
	gateway := hmd.NewEmbeddingGateway(provider, fallback, cfg.Embedding)
	classifier := hmd.NewHeuristicClassifier(os.Getenv("GEMINI_API_KEY"))

	orch, err := hmd.NewOrchestrator(store, gateway, classifier, cfg)
	if err != nil {
		log.Fatalf("hmdengine orchestrator: %v", err)
	}
	defer orch.Close()
	orch.StartScheduler(ctx)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "hmdengine-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "store_memory",
		Description: "Store a new memory, classifying its cognitive sector and embedding it across all five sector vectors.",
	}, storeMemoryHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "retrieve_memories",
		Description: "Retrieve memories by semantic similarity with composite scoring, recency weighting, and optional graph expansion.",
	}, retrieveMemoriesHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "update_memory",
		Description: "Update an existing memory's content and/or sector.",
	}, updateMemoryHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "delete_memory",
		Description: "Delete a memory and its waypoint edges.",
	}, deleteMemoryHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_memories",
		Description: "Search memories by tag and time range, bypassing semantic scoring.",
	}, searchMemoriesHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "think",
		Description: "Run the full reasoning pipeline: framework selection, memory priming, parallel reasoning, and metacognitive analysis.",
	}, thinkHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "think_parallel",
		Description: "Run the four parallel reasoning streams against primed memories without selecting a framework first.",
	}, thinkParallelHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_systematically",
		Description: "Select (or force) a reasoning framework and run the full reasoning pipeline against it.",
	}, analyzeSystematicallyHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "decompose_problem",
		Description: "Split a compound problem statement into independent sub-problems.",
	}, decomposeProblemHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "assess_confidence",
		Description: "Calibrate a raw reasoning confidence score using observed outcome history.",
	}, assessConfidenceHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "detect_bias",
		Description: "Scan text for the eight fixed cognitive bias classes.",
	}, detectBiasHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "detect_emotion",
		Description: "Score text on the Circumplex valence/arousal/dominance emotion dimensions.",
	}, detectEmotionHandler(orch))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "analyze_reasoning",
		Description: "Run confidence calibration, bias detection, and emotion scoring over a completed reasoning result.",
	}, analyzeReasoningHandler(orch))

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		log.Fatalf("hmdengine-mcp: %v", err)
	}
}

func buildStore(ctx context.Context, cfg hmd.Config) (hmd.PersistencePort, error) {
	dsn := os.Getenv("HMD_POSTGRES_DSN")
	if dsn == "" {
		dsn = cfg.PostgresDSN
	}
	if dsn != "" {
		dim := embedDimension()
		dims := make(map[hmd.Sector]int)
		for _, s := range hmd.AllSectors() {
			dims[s] = dim
		}
		return hmd.NewPostgresStore(ctx, dsn, dims, dim)
	}

	dbPath := os.Getenv("HMD_DB_PATH")
	if dbPath == "" {
		dbPath = cfg.DBPath
	}
	if dbPath == "" {
		dbPath = "./data/hmdengine.db"
	}
	return hmd.NewSQLiteStore(dbPath)
}

func embedDimension() int {
	if raw := os.Getenv("EMBED_DIMENSION"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return 768
}

func buildEmbeddingProvider() (provider, fallback hmd.EmbeddingProvider) {
	switch os.Getenv("EMBED_BACKEND") {
	case "gemini":
		g := hmd.NewGeminiEmbedder(os.Getenv("GEMINI_API_KEY"), embedDimension())
		return g, g
	case "openai":
		o := hmd.NewOpenAIEmbedder(os.Getenv("OPENAI_API_KEY"))
		return o, o
	default:
		model := os.Getenv("OLLAMA_MODEL")
		if model == "" {
			model = "nomic-embed-text"
		}
		o := hmd.NewOllamaEmbedder(model, embedDimension())
		return o, o
	}
}

// --- Input types ---

type storeMemoryInput struct {
	TenantID      string            `json:"tenant_id"                jsonschema:"Tenant scope to store the memory under"`
	Content       string            `json:"content"                   jsonschema:"The memory content"`
	PrimarySector string            `json:"primary_sector,omitempty"  jsonschema:"Optional sector override: episodic, semantic, procedural, emotional, reflective"`
	Importance    float64           `json:"importance,omitempty"      jsonschema:"Importance in [0,1], shapes initial base strength (default 0)"`
	Metadata      map[string]string `json:"metadata,omitempty"        jsonschema:"Arbitrary tags/metadata"`
}

type retrieveMemoriesInput struct {
	TenantID          string   `json:"tenant_id"                     jsonschema:"Tenant scope to search"`
	Query             string   `json:"query"                          jsonschema:"Search query text"`
	Sectors           []string `json:"sectors,omitempty"              jsonschema:"Filter to specific sectors"`
	KPerSector        int      `json:"k_per_sector,omitempty"         jsonschema:"Candidates to pull per sector before fusion"`
	FinalK            int      `json:"final_k,omitempty"              jsonschema:"Max results to return after scoring"`
	UseGraphExpansion bool     `json:"use_graph_expansion,omitempty"  jsonschema:"Whether to expand results one hop along waypoint edges"`
}

type updateMemoryInput struct {
	TenantID string            `json:"tenant_id"          jsonschema:"Tenant scope"`
	ID       string            `json:"id"                  jsonschema:"Memory ID to update"`
	Content  string            `json:"content,omitempty"   jsonschema:"New content, re-embedded if set"`
	Sector   string            `json:"sector,omitempty"    jsonschema:"New primary sector"`
	Metadata map[string]string `json:"metadata,omitempty"  jsonschema:"Metadata (not applied by update_memory)"`
}

type deleteMemoryInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant scope"`
	ID       string `json:"id"         jsonschema:"Memory ID to delete"`
}

type searchMemoriesInput struct {
	TenantID string   `json:"tenant_id"          jsonschema:"Tenant scope"`
	Tags     []string `json:"tags,omitempty"     jsonschema:"Metadata tags to filter by"`
	After    string   `json:"after,omitempty"    jsonschema:"Only memories after this RFC3339 timestamp"`
	Before   string   `json:"before,omitempty"   jsonschema:"Only memories before this RFC3339 timestamp"`
	Limit    int      `json:"limit,omitempty"    jsonschema:"Max results (default 50)"`
}

type thinkInput struct {
	TenantID string `json:"tenant_id"           jsonschema:"Tenant scope"`
	Problem  string `json:"problem"              jsonschema:"The problem statement to reason about"`
	Context  string `json:"context,omitempty"    jsonschema:"Additional context for framework selection"`
}

type thinkParallelInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant scope"`
	Problem  string `json:"problem"    jsonschema:"The problem statement to reason about"`
}

type analyzeSystematicallyInput struct {
	TenantID  string `json:"tenant_id"            jsonschema:"Tenant scope"`
	Problem   string `json:"problem"               jsonschema:"The problem statement to reason about"`
	Framework string `json:"framework,omitempty"   jsonschema:"Force a specific framework id instead of auto-selecting"`
}

type decomposeProblemInput struct {
	TenantID string `json:"tenant_id" jsonschema:"Tenant scope"`
	Problem  string `json:"problem"    jsonschema:"Compound problem statement to split"`
}

type assessConfidenceInput struct {
	TenantID      string  `json:"tenant_id"       jsonschema:"Tenant scope"`
	RawConfidence float64 `json:"raw_confidence"   jsonschema:"Raw stream confidence to calibrate"`
}

type detectBiasInput struct {
	TenantID string   `json:"tenant_id"         jsonschema:"Tenant scope"`
	Text     string   `json:"text,omitempty"     jsonschema:"Text to scan for bias patterns"`
	Claims   []string `json:"claims,omitempty"   jsonschema:"Alternative to text: claims from a prior reasoning result"`
}

type detectEmotionInput struct {
	TenantID string   `json:"tenant_id"         jsonschema:"Tenant scope"`
	Text     string   `json:"text,omitempty"     jsonschema:"Text to score for emotion"`
	Claims   []string `json:"claims,omitempty"   jsonschema:"Alternative to text: claims from a prior reasoning result"`
}

type analyzeReasoningInput struct {
	TenantID            string   `json:"tenant_id"             jsonschema:"Tenant scope"`
	FinalRecommendation string   `json:"final_recommendation,omitempty" jsonschema:"The reasoning result's final recommendation, echoed back for context"`
	Claims              []string `json:"claims,omitempty"       jsonschema:"Flattened claims from a prior think/think_parallel/analyze_systematically call"`
	DissentingClaims    []string `json:"dissenting_claims,omitempty" jsonschema:"Dissenting claims from that result"`
	Degraded            bool     `json:"degraded,omitempty"     jsonschema:"Whether that result was degraded"`
}

// --- Handlers ---

func storeMemoryHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, storeMemoryInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input storeMemoryInput) (*mcp.CallToolResult, any, error) {
		res, err := o.StoreMemory(ctx, input.TenantID, input.Content, hmd.StoreMemoryOptions{
			PrimarySector: hmd.Sector(input.PrimarySector),
			Importance:    input.Importance,
			Metadata:      input.Metadata,
		})
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{"id": res.ID, "warnings": res.Warnings})), nil, nil
	}
}

func retrieveMemoriesHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, retrieveMemoriesInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input retrieveMemoriesInput) (*mcp.CallToolResult, any, error) {
		var sectors []hmd.Sector
		for _, s := range input.Sectors {
			sectors = append(sectors, hmd.Sector(s))
		}
		res, err := o.RetrieveMemories(ctx, input.TenantID, input.Query, hmd.RetrievalOptions{
			Sectors:           sectors,
			KPerSector:        input.KPerSector,
			FinalK:            input.FinalK,
			UseGraphExpansion: input.UseGraphExpansion,
		})
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(res)), nil, nil
	}
}

func updateMemoryHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, updateMemoryInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input updateMemoryInput) (*mcp.CallToolResult, any, error) {
		patch := hmd.MemoryPatch{Metadata: input.Metadata}
		if input.Content != "" {
			patch.Content = &input.Content
		}
		if input.Sector != "" {
			sector := hmd.Sector(input.Sector)
			patch.Sector = &sector
		}
		id, err := o.UpdateMemory(ctx, input.TenantID, input.ID, patch)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{"id": id, "status": "updated"})), nil, nil
	}
}

func deleteMemoryHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, deleteMemoryInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input deleteMemoryInput) (*mcp.CallToolResult, any, error) {
		id, err := o.DeleteMemory(ctx, input.TenantID, input.ID)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{"id": id, "status": "deleted"})), nil, nil
	}
}

func searchMemoriesHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, searchMemoriesInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input searchMemoriesInput) (*mcp.CallToolResult, any, error) {
		filters := hmd.SearchFilters{Tags: input.Tags, Limit: input.Limit}
		if input.After != "" {
			t, err := parseRFC3339(input.After)
			if err != nil {
				return textResult(fmt.Sprintf("invalid 'after' timestamp: %v", err)), nil, nil
			}
			filters.After = &t
		}
		if input.Before != "" {
			t, err := parseRFC3339(input.Before)
			if err != nil {
				return textResult(fmt.Sprintf("invalid 'before' timestamp: %v", err)), nil, nil
			}
			filters.Before = &t
		}
		memories, err := o.SearchMemories(ctx, input.TenantID, filters)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(memories)), nil, nil
	}
}

func thinkHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, thinkInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input thinkInput) (*mcp.CallToolResult, any, error) {
		res, err := o.Think(ctx, input.TenantID, input.Problem, input.Context)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(res)), nil, nil
	}
}

func thinkParallelHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, thinkParallelInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input thinkParallelInput) (*mcp.CallToolResult, any, error) {
		res, err := o.ThinkParallel(ctx, input.TenantID, input.Problem)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(res)), nil, nil
	}
}

func analyzeSystematicallyHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, analyzeSystematicallyInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input analyzeSystematicallyInput) (*mcp.CallToolResult, any, error) {
		res, err := o.AnalyzeSystematically(ctx, input.TenantID, input.Problem, input.Framework)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(res)), nil, nil
	}
}

func decomposeProblemHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, decomposeProblemInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input decomposeProblemInput) (*mcp.CallToolResult, any, error) {
		subs, err := o.DecomposeProblem(ctx, input.TenantID, input.Problem)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{"sub_problems": subs})), nil, nil
	}
}

func assessConfidenceHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, assessConfidenceInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input assessConfidenceInput) (*mcp.CallToolResult, any, error) {
		result := hmd.ReasoningResult{StreamResults: []hmd.StreamResult{{Confidence: input.RawConfidence}}}
		conf, err := o.AssessConfidence(ctx, input.TenantID, result)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(map[string]any{"calibrated_confidence": conf})), nil, nil
	}
}

func detectBiasHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, detectBiasInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input detectBiasInput) (*mcp.CallToolResult, any, error) {
		findings, err := o.DetectBias(ctx, input.TenantID, textOrClaims(input.Text, input.Claims))
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(findings)), nil, nil
	}
}

func detectEmotionHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, detectEmotionInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input detectEmotionInput) (*mcp.CallToolResult, any, error) {
		emotion, err := o.DetectEmotion(ctx, input.TenantID, textOrClaims(input.Text, input.Claims))
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(emotion)), nil, nil
	}
}

// textOrClaims resolves the tool surface's text_or_result union (spec.md
// §6.1): a caller passes free text directly, or the flattened claims of a
// prior reasoning result, joined into one scan target.
func textOrClaims(text string, claims []string) string {
	if text != "" {
		return text
	}
	return strings.Join(claims, " ")
}

func analyzeReasoningHandler(o *hmd.Orchestrator) func(context.Context, *mcp.CallToolRequest, analyzeReasoningInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input analyzeReasoningInput) (*mcp.CallToolResult, any, error) {
		result := hmd.ReasoningResult{
			StreamResults:       []hmd.StreamResult{{Claims: input.Claims}},
			DissentingClaims:    input.DissentingClaims,
			FinalRecommendation: input.FinalRecommendation,
			Degraded:            input.Degraded,
		}
		analysis, err := o.AnalyzeReasoning(ctx, input.TenantID, result)
		if err != nil {
			return textResult(fmt.Sprintf("error: %v", err)), nil, nil
		}
		return textResult(jsonString(analysis)), nil, nil
	}
}

// --- Helpers ---

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func jsonString(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": "marshal: %v"}`, err)
	}
	return string(data)
}
