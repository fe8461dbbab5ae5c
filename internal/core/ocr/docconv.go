package ocr

import (
	"context"
	"fmt"
	"os"

	"code.sajari.com/docconv"

	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// DocconvExtractor handles non-PDF formats (docx, html, plain text) via
// sajari/docconv. These formats have no page geometry, so the whole document
// is presented as a single page.
type DocconvExtractor struct {
	useReadability bool
}

func NewDocconvExtractor(useReadability bool) *DocconvExtractor {
	return &DocconvExtractor{useReadability: useReadability}
}

func (e *DocconvExtractor) PageCount(_ context.Context, _ core.DocumentSource) (int, error) {
	return 1, nil
}

func (e *DocconvExtractor) ExtractPage(_ context.Context, src core.DocumentSource, pageNum int) (*models.RawPage, error) {
	if pageNum != 1 {
		return nil, fmt.Errorf("docconv: page %d requested from single-page source", pageNum)
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("docconv: open %s: %w", src.Path, err)
	}
	defer f.Close()

	res, err := docconv.Convert(f, src.ContentType, e.useReadability)
	if err != nil {
		return nil, fmt.Errorf("docconv: convert %s: %w", src.Path, err)
	}
	return &models.RawPage{Number: 1, Markdown: res.Body, Confidence: 1.0}, nil
}

var _ core.PageExtractor = (*DocconvExtractor)(nil)
