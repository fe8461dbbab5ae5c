package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPipeline_MissingFileYieldsDefaults(t *testing.T) {
	p, err := LoadPipeline(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1500, p.Chunker.MaxChunkSize)
	assert.Equal(t, 200, p.Chunker.Overlap)
	assert.Equal(t, 4, p.Extraction.Retry.MaxAttempts)
	assert.Equal(t, 10, p.Embedding.MaxBatchItems)
	assert.Equal(t, 0.1, p.Embedding.GapTolerance)
	assert.Equal(t, 5, p.Retrieval.TopK)
	assert.Equal(t, 0.35, p.Retrieval.ConfidenceThreshold)
	assert.Equal(t, 2, p.Ingest.Workers)
}

func TestLoadPipeline_FileOverridesKeepRemainingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	yaml := `
chunker:
  max_chunk_size: 900
embedding:
  gap_tolerance: 0.25
  retry:
    max_attempts: 5
retrieval:
  confidence_threshold: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	p, err := LoadPipeline(path)
	require.NoError(t, err)

	assert.Equal(t, 900, p.Chunker.MaxChunkSize)
	assert.Equal(t, 200, p.Chunker.Overlap)
	assert.Equal(t, 0.25, p.Embedding.GapTolerance)
	assert.Equal(t, 5, p.Embedding.Retry.MaxAttempts)
	assert.Equal(t, 0.5, p.Retrieval.ConfidenceThreshold)
	assert.Equal(t, 5, p.Retrieval.TopK)
}

func TestLoadPipeline_MalformedFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunker: [not a map"), 0o644))

	_, err := LoadPipeline(path)
	assert.Error(t, err)
}

func TestRetryConfig_Durations(t *testing.T) {
	r := RetryConfig{InitialBackoffMs: 250, MaxBackoffMs: 4000}
	assert.Equal(t, 250*time.Millisecond, r.Initial())
	assert.Equal(t, 4*time.Second, r.Max())
}
