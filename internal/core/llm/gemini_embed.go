package llm

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/trestle-ai/trestle/internal/core"
)

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dim       int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dim int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-embedding-001"
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dim: dim}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// EmbedTexts batches all texts in one request via EmbeddingBatch. Rate-limit
// and server errors come back as transient so callers can retry with backoff.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, classify("gemini batch embed", err)
	}
	return embeddingValues(resp.Embeddings, g.dim)
}

// embeddingValues unwraps the provider response, rejecting vectors whose width
// does not match the configured dimension. The vector column width is fixed at
// schema time, so a mismatch here corrupts the index instead of failing one
// document. dim 0 disables the check.
func embeddingValues(embeddings []*genai.ContentEmbedding, dim int) ([][]float32, error) {
	out := make([][]float32, 0, len(embeddings))
	for i, e := range embeddings {
		if dim > 0 && len(e.Values) != dim {
			return nil, fmt.Errorf("gemini batch embed: embedding %d has dimension %d, index expects %d", i, len(e.Values), dim)
		}
		out = append(out, e.Values)
	}
	return out, nil
}

// classify maps provider HTTP failures onto the retryable error type; 429 and
// 5xx are worth another attempt, everything else is not.
func classify(op string, err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) && (ge.Code == 429 || ge.Code >= 500) {
		return &core.TransientProviderError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ core.EmbeddingProvider = (*GeminiEmbedder)(nil)
