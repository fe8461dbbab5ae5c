package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/trestle-ai/trestle/internal/core"
)

// GeminiReranker scores (question, passage) pairs with a cheap generation
// call. One request covers the whole candidate set; the model returns a JSON
// array of relevance scores in [0,1], passage order preserved.
type GeminiReranker struct {
	client    *genai.Client
	modelName string
}

func NewGeminiReranker(ctx context.Context, apiKey, modelName string) (*GeminiReranker, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiReranker{client: cl, modelName: modelName}, nil
}

func (g *GeminiReranker) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

const rerankInstruction = `You are a relevance judge. Given a question and numbered passages,
score how well each passage answers the question on a 0.0 to 1.0 scale.
Respond with ONLY a JSON array of numbers, one per passage, in order.`

func (g *GeminiReranker) Score(ctx context.Context, question string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	m := g.client.GenerativeModel(g.modelName)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(rerankInstruction)},
	}
	m.ResponseMIMEType = "application/json"

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\n", question)
	for i, p := range passages {
		fmt.Fprintf(&b, "Passage %d:\n%s\n\n", i+1, p)
	}

	resp, err := m.GenerateContent(ctx, genai.Text(b.String()))
	if err != nil {
		return nil, classify("gemini rerank", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini rerank: empty response")
	}

	var raw strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			raw.WriteString(string(t))
		}
	}

	var scores []float64
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw.String())), &scores); err != nil {
		return nil, fmt.Errorf("gemini rerank: parse scores: %w", err)
	}
	if len(scores) != len(passages) {
		return nil, fmt.Errorf("gemini rerank: got %d scores for %d passages", len(scores), len(passages))
	}
	for i, s := range scores {
		if s < 0 {
			scores[i] = 0
		} else if s > 1 {
			scores[i] = 1
		}
	}
	return scores, nil
}

var _ core.Reranker = (*GeminiReranker)(nil)
