package hmd

import "context"

// EmbeddingProvider generates a vector embedding for one (text, sector)
// pair from an external model. Implementations must be safe for concurrent
// use. Built-ins: OpenAIEmbedder, OllamaEmbedder, GeminiEmbedder.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string, sector Sector) ([]float32, error)
	Dimension(sector Sector) int
	ModelID() string
}

// SectorClassifier infers a memory's primary sector when the caller does
// not supply one explicitly. Built-in: HeuristicClassifier.
type SectorClassifier interface {
	Classify(content string) Sector
}

// ReasoningStream is one of the four concurrent reasoning workers
// (Analytical, Creative, Critical, Synthetic). Implementations hold no
// shared mutable state; all communication is through the channels the
// coordinator wires up.
type ReasoningStream interface {
	Name() string
	Run(ctx context.Context, in StreamInput, progress chan<- StreamProgress) StreamResult
}
