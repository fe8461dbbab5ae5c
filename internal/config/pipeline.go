package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChunkerConfig bounds chunk sizes. Overlap characters from the tail of a
// text chunk are carried into the next one.
type ChunkerConfig struct {
	MaxChunkSize int `yaml:"max_chunk_size"`
	Overlap      int `yaml:"overlap"`
}

// RetryConfig is the serialized form of a retry schedule.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier"`
}

// ExtractionConfig tunes the OCR stage: retry schedule plus a client-side
// token bucket kept under the provider's rate limit.
type ExtractionConfig struct {
	Retry             RetryConfig `yaml:"retry"`
	RequestsPerSecond float64     `yaml:"requests_per_second"`
	Burst             int         `yaml:"burst"`
}

// EmbeddingConfig bounds embedding batches and tolerated gaps.
// GapTolerance is the fraction of produced chunks that may fail embedding
// before the document is marked failed instead of complete_with_gaps.
type EmbeddingConfig struct {
	MaxBatchItems int         `yaml:"max_batch_items"`
	MaxBatchChars int         `yaml:"max_batch_chars"`
	MaxInFlight   int         `yaml:"max_in_flight"`
	Retry         RetryConfig `yaml:"retry"`
	GapTolerance  float64     `yaml:"gap_tolerance"`
}

// RetrievalConfig tunes the query path.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`
	OverfetchMultiplier int     `yaml:"overfetch_multiplier"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
}

// IngestConfig tunes the document pipeline concurrency.
type IngestConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	PageBuffer  int `yaml:"page_buffer"`
	ChunkBuffer int `yaml:"chunk_buffer"`
}

// Pipeline is the full tuning surface, injected into components at
// construction. Core components never read ambient state.
type Pipeline struct {
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Ingest     IngestConfig     `yaml:"ingest"`
}

// LoadPipeline reads the pipeline tuning file. A missing file yields the
// defaults rather than an error.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultPipeline(), nil
		}
		return nil, err
	}
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	applyPipelineDefaults(&p)
	return &p, nil
}

// DefaultPipeline returns the tuning defaults.
func DefaultPipeline() *Pipeline {
	p := &Pipeline{}
	applyPipelineDefaults(p)
	return p
}

// Initial converts the serialized initial backoff into a duration. Zero
// values fall back to the schedule defaults at the retry site.
func (r RetryConfig) Initial() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// Max converts the serialized max backoff into a duration.
func (r RetryConfig) Max() time.Duration { return time.Duration(r.MaxBackoffMs) * time.Millisecond }

func applyPipelineDefaults(p *Pipeline) {
	if p.Chunker.MaxChunkSize == 0 {
		p.Chunker.MaxChunkSize = 1500
	}
	if p.Chunker.Overlap == 0 {
		p.Chunker.Overlap = 200
	}
	if p.Extraction.Retry.MaxAttempts == 0 {
		p.Extraction.Retry.MaxAttempts = 4
	}
	if p.Extraction.Retry.InitialBackoffMs == 0 {
		p.Extraction.Retry.InitialBackoffMs = 1000
	}
	if p.Extraction.Retry.MaxBackoffMs == 0 {
		p.Extraction.Retry.MaxBackoffMs = 30000
	}
	if p.Extraction.Retry.Multiplier == 0 {
		p.Extraction.Retry.Multiplier = 2.0
	}
	if p.Extraction.RequestsPerSecond == 0 {
		p.Extraction.RequestsPerSecond = 2.0
	}
	if p.Extraction.Burst == 0 {
		p.Extraction.Burst = 4
	}
	if p.Embedding.MaxBatchItems == 0 {
		p.Embedding.MaxBatchItems = 10
	}
	if p.Embedding.MaxBatchChars == 0 {
		p.Embedding.MaxBatchChars = 20000
	}
	if p.Embedding.MaxInFlight == 0 {
		p.Embedding.MaxInFlight = 4
	}
	if p.Embedding.Retry.MaxAttempts == 0 {
		p.Embedding.Retry.MaxAttempts = 3
	}
	if p.Embedding.Retry.InitialBackoffMs == 0 {
		p.Embedding.Retry.InitialBackoffMs = 500
	}
	if p.Embedding.Retry.MaxBackoffMs == 0 {
		p.Embedding.Retry.MaxBackoffMs = 15000
	}
	if p.Embedding.Retry.Multiplier == 0 {
		p.Embedding.Retry.Multiplier = 2.0
	}
	if p.Embedding.GapTolerance == 0 {
		p.Embedding.GapTolerance = 0.1
	}
	if p.Retrieval.TopK == 0 {
		p.Retrieval.TopK = 5
	}
	if p.Retrieval.OverfetchMultiplier == 0 {
		p.Retrieval.OverfetchMultiplier = 4
	}
	if p.Retrieval.ConfidenceThreshold == 0 {
		p.Retrieval.ConfidenceThreshold = 0.35
	}
	if p.Ingest.Workers == 0 {
		p.Ingest.Workers = 2
	}
	if p.Ingest.QueueSize == 0 {
		p.Ingest.QueueSize = 64
	}
	if p.Ingest.PageBuffer == 0 {
		p.Ingest.PageBuffer = 4
	}
	if p.Ingest.ChunkBuffer == 0 {
		p.Ingest.ChunkBuffer = 8
	}
}
