package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoRelevantContext is returned by the retrieval engine when the best
// rerank score falls below the configured confidence threshold.
var ErrNoRelevantContext = errors.New("no relevant context")

// TransientProviderError wraps a network or rate-limit failure from an
// external provider. It is retryable; RetryAfter is honored when the
// provider supplied one.
type TransientProviderError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("%s: transient provider error: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// PermanentExtractionError marks a page that could not be extracted after the
// retry ceiling. The page is recorded as failed and the document continues.
type PermanentExtractionError struct {
	Page int
	Err  error
}

func (e *PermanentExtractionError) Error() string {
	return fmt.Sprintf("page %d: extraction failed permanently: %v", e.Page, e.Err)
}

func (e *PermanentExtractionError) Unwrap() error { return e.Err }

// EmbeddingFailure marks a chunk excluded from the index after the retry
// ceiling. Sibling chunks are unaffected.
type EmbeddingFailure struct {
	ChunkID string
	Err     error
}

func (e *EmbeddingFailure) Error() string {
	return fmt.Sprintf("chunk %s: embedding failed: %v", e.ChunkID, e.Err)
}

func (e *EmbeddingFailure) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable under the retry policy.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}

// RetryAfterHint extracts the provider-supplied backoff from a transient
// error, or zero when none was given.
func RetryAfterHint(err error) time.Duration {
	var te *TransientProviderError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
