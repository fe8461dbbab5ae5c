package llm

import (
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/trestle-ai/trestle/internal/core"
)

func TestEmbeddingValues_MatchingDimension(t *testing.T) {
	embs := []*genai.ContentEmbedding{
		{Values: make([]float32, 768)},
		{Values: make([]float32, 768)},
	}

	vecs, err := embeddingValues(embs, 768)
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Len(t, vecs[0], 768)
}

func TestEmbeddingValues_WrongDimensionRejected(t *testing.T) {
	embs := []*genai.ContentEmbedding{
		{Values: make([]float32, 768)},
		{Values: make([]float32, 512)},
	}

	_, err := embeddingValues(embs, 768)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "512")
	assert.Contains(t, err.Error(), "768")
}

func TestEmbeddingValues_ZeroDimensionDisablesCheck(t *testing.T) {
	embs := []*genai.ContentEmbedding{{Values: make([]float32, 512)}}

	vecs, err := embeddingValues(embs, 0)
	require.NoError(t, err)
	assert.Len(t, vecs[0], 512)
}

func TestClassify(t *testing.T) {
	var transient *core.TransientProviderError

	err := classify("embed", &googleapi.Error{Code: 429})
	assert.ErrorAs(t, err, &transient)

	err = classify("embed", &googleapi.Error{Code: 503})
	assert.ErrorAs(t, err, &transient)

	err = classify("embed", &googleapi.Error{Code: 400})
	assert.False(t, errors.As(err, &transient))

	err = classify("embed", errors.New("boom"))
	assert.False(t, errors.As(err, &transient))
}
