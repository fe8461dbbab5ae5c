package pagemodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle-ai/trestle/internal/models"
)

func normalize(t *testing.T, num int, markdown string) *models.Page {
	t.Helper()
	return New().Normalize(&models.RawPage{Number: num, Markdown: markdown, Confidence: 1.0})
}

func TestNormalize_EmptyPage(t *testing.T) {
	page := normalize(t, 1, "")
	assert.True(t, page.Empty())
	assert.Equal(t, 1, page.Number)
}

func TestNormalize_ParagraphsSplitOnBlankLines(t *testing.T) {
	page := normalize(t, 3, "First paragraph line one.\ncontinues here.\n\nSecond paragraph.")

	require.Len(t, page.Elements, 2)
	require.NotNil(t, page.Elements[0].Span)
	assert.Equal(t, models.SpanText, page.Elements[0].Span.Kind)
	assert.Equal(t, "First paragraph line one.\ncontinues here.", page.Elements[0].Span.Text)
	assert.Equal(t, "Second paragraph.", page.Elements[1].Span.Text)
}

func TestNormalize_HashHeadings(t *testing.T) {
	page := normalize(t, 1, "# Budget Overview\n\nSome prose.\n\n## Personnel")

	require.Len(t, page.Elements, 3)
	h := page.Elements[0].Span
	require.NotNil(t, h)
	assert.Equal(t, models.SpanHeading, h.Kind)
	assert.Equal(t, "Budget Overview", h.Text)
	assert.Equal(t, 1, h.Level)

	h2 := page.Elements[2].Span
	assert.Equal(t, models.SpanHeading, h2.Kind)
	assert.Equal(t, 2, h2.Level)
}

func TestNormalize_NumberedHeadings(t *testing.T) {
	page := normalize(t, 1, "3.2 Foundations and Substructure")

	require.Len(t, page.Elements, 1)
	h := page.Elements[0].Span
	require.NotNil(t, h)
	assert.Equal(t, models.SpanHeading, h.Kind)
	assert.Equal(t, "3.2 Foundations and Substructure", h.Text)
	assert.Equal(t, 2, h.Level)
}

func TestNormalize_NumberedProseIsNotHeading(t *testing.T) {
	// Ends with a period, reads like a sentence.
	page := normalize(t, 1, "1. The contractor shall complete all work by December.")

	require.Len(t, page.Elements, 1)
	assert.Equal(t, models.SpanText, page.Elements[0].Span.Kind)
}

func TestNormalize_TableWithHeader(t *testing.T) {
	md := "| Item | Cost |\n|---|---|\n| Concrete | 500 |\n| Steel | 900 |"
	page := normalize(t, 2, md)

	require.Len(t, page.Elements, 1)
	tbl := page.Elements[0].Table
	require.NotNil(t, tbl)
	assert.Equal(t, [][]string{{"Item", "Cost"}}, tbl.Header)
	assert.Equal(t, [][]string{{"Concrete", "500"}, {"Steel", "900"}}, tbl.Rows)
	assert.False(t, tbl.Malformed)
	assert.Equal(t, 2, tbl.Columns())
	assert.False(t, tbl.ContinuesFromPrevious)
	// It is the page's last element, so it may run onto the next page.
	assert.True(t, tbl.ContinuesOnNext)
}

func TestNormalize_HeaderlessTableOpeningPageContinues(t *testing.T) {
	page := normalize(t, 5, "| Rebar | 120 |\n| Gravel | 80 |\n\nNarrative resumes.")

	require.Len(t, page.Elements, 2)
	tbl := page.Elements[0].Table
	require.NotNil(t, tbl)
	assert.Empty(t, tbl.Header)
	assert.True(t, tbl.ContinuesFromPrevious)
	assert.False(t, tbl.ContinuesOnNext)
}

func TestNormalize_TableFollowedByProseDoesNotContinue(t *testing.T) {
	md := "Intro.\n\n| A | B |\n|---|---|\n| 1 | 2 |\n\nAfterword."
	page := normalize(t, 1, md)

	require.Len(t, page.Elements, 3)
	tbl := page.Elements[1].Table
	require.NotNil(t, tbl)
	assert.False(t, tbl.ContinuesFromPrevious)
	assert.False(t, tbl.ContinuesOnNext)
}

func TestNormalize_RaggedTableIsMalformed(t *testing.T) {
	md := "| A | B |\n|---|---|\n| 1 | 2 | 3 |\n| only one |"
	page := normalize(t, 1, md)

	require.Len(t, page.Elements, 1)
	tbl := page.Elements[0].Table
	require.NotNil(t, tbl)
	assert.True(t, tbl.Malformed)
	assert.Equal(t, md, tbl.Raw)
}

func TestNormalize_MixedContentOrderPreserved(t *testing.T) {
	md := "# Section\n\nBefore table.\n\n| X | Y |\n|---|---|\n| 1 | 2 |\n\nAfter table."
	page := normalize(t, 4, md)

	require.Len(t, page.Elements, 4)
	assert.NotNil(t, page.Elements[0].Span)
	assert.NotNil(t, page.Elements[1].Span)
	assert.NotNil(t, page.Elements[2].Table)
	assert.NotNil(t, page.Elements[3].Span)

	tables := page.Tables()
	assert.Len(t, tables, 1)
}
