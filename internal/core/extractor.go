package core

import (
	"context"

	"github.com/trestle-ai/trestle/internal/models"
)

// DocumentSource is a locally materialized copy of a source document, ready
// for page-by-page extraction.
type DocumentSource struct {
	Path        string
	ContentType string
}

// PageExtractor is the OCR/extraction capability. Providers are treated as
// fallible and rate-limited: ExtractPage may return a transient error that
// the pipeline retries with backoff.
type PageExtractor interface {
	// PageCount reports the number of pages in the source document.
	PageCount(ctx context.Context, src DocumentSource) (int, error)

	// ExtractPage extracts a single 1-based page as provider markdown with a
	// confidence score.
	ExtractPage(ctx context.Context, src DocumentSource, pageNum int) (*models.RawPage, error)
}
