package sqlitestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle-ai/trestle/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoad_UnknownDocumentIsNil(t *testing.T) {
	s := newTestStore(t)
	cp, err := s.Load(context.Background(), "never-started")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestSave_Load_Roundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := models.NewCheckpoint("doc1", 12)
	cp.Status = models.StatusInProgress
	cp.LastPageProcessed = 7
	cp.ProducedChunks = []string{"c1", "c2", "c3"}
	cp.EmbeddedChunks = []string{"c1", "c2"}
	cp.FailedPages = []int{5}
	cp.FailedChunks = []string{"c3"}
	require.NoError(t, s.Save(ctx, cp))

	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusInProgress, got.Status)
	assert.Equal(t, 12, got.TotalPages)
	assert.Equal(t, 7, got.LastPageProcessed)
	assert.Equal(t, []string{"c1", "c2", "c3"}, got.ProducedChunks)
	assert.Equal(t, []string{"c1", "c2"}, got.EmbeddedChunks)
	assert.Equal(t, []int{5}, got.FailedPages)
	assert.Equal(t, []string{"c3"}, got.FailedChunks)
}

func TestSave_ReplacesExistingCheckpoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cp := models.NewCheckpoint("doc1", 3)
	require.NoError(t, s.Save(ctx, cp))

	cp.Status = models.StatusComplete
	cp.LastPageProcessed = 3
	require.NoError(t, s.Save(ctx, cp))

	got, err := s.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Equal(t, 3, got.LastPageProcessed)
}

func TestRawPages_RoundtripOrderedAndUpserted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRawPage(ctx, "doc1", &models.RawPage{Number: 2, Markdown: "second", Confidence: 0.8}))
	require.NoError(t, s.SaveRawPage(ctx, "doc1", &models.RawPage{Number: 1, Markdown: "first", Confidence: 1.0}))
	require.NoError(t, s.SaveRawPage(ctx, "doc2", &models.RawPage{Number: 1, Markdown: "other doc", Confidence: 1.0}))

	// Re-extraction overwrites the stored page.
	require.NoError(t, s.SaveRawPage(ctx, "doc1", &models.RawPage{Number: 2, Markdown: "second, corrected", Confidence: 0.9}))

	pages, err := s.LoadRawPages(ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, 1, pages[0].Number)
	assert.Equal(t, "first", pages[0].Markdown)
	assert.Equal(t, 2, pages[1].Number)
	assert.Equal(t, "second, corrected", pages[1].Markdown)
	assert.InDelta(t, 0.9, pages[1].Confidence, 1e-9)
}

func TestLoadRawPages_EmptyDocument(t *testing.T) {
	s := newTestStore(t)
	pages, err := s.LoadRawPages(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Empty(t, pages)
}
