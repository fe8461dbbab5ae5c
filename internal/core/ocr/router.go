package ocr

import (
	"context"
	"strings"

	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// Router dispatches extraction by content type: PDFs go to the configured PDF
// extractor (remote OCR or tabula), everything else to the fallback.
type Router struct {
	pdf      core.PageExtractor
	fallback core.PageExtractor
}

func NewRouter(pdf, fallback core.PageExtractor) *Router {
	return &Router{pdf: pdf, fallback: fallback}
}

func (r *Router) pick(src core.DocumentSource) core.PageExtractor {
	if strings.Contains(src.ContentType, "pdf") || strings.HasSuffix(strings.ToLower(src.Path), ".pdf") {
		return r.pdf
	}
	return r.fallback
}

func (r *Router) PageCount(ctx context.Context, src core.DocumentSource) (int, error) {
	return r.pick(src).PageCount(ctx, src)
}

func (r *Router) ExtractPage(ctx context.Context, src core.DocumentSource, pageNum int) (*models.RawPage, error) {
	return r.pick(src).ExtractPage(ctx, src, pageNum)
}

var _ core.PageExtractor = (*Router)(nil)
