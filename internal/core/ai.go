package core

import "context"

// EmbeddingProvider turns a batch of texts into fixed-dimension vectors,
// one per input, order-preserving.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// LLMProvider generates an answer from a system and user prompt.
type LLMProvider interface {
	Generate(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// Reranker scores each (query, passage) pair with a relevance score in
// [0, 1], one score per passage, order-preserving.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}
