package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/chunker"
	"github.com/trestle-ai/trestle/internal/core/embedbatch"
	"github.com/trestle-ai/trestle/internal/core/pagemodel"
	"github.com/trestle-ai/trestle/internal/core/retrieval"
	"github.com/trestle-ai/trestle/internal/core/vectorstore/memory"
	"github.com/trestle-ai/trestle/internal/models"
)

// memCheckpoints is an in-memory CheckpointStore that deep-copies on both
// Save and Load, so a test sees only what was made durable.
type memCheckpoints struct {
	mu    sync.Mutex
	cps   map[string][]byte
	pages map[string]map[int]models.RawPage
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: map[string][]byte{}, pages: map[string]map[int]models.RawPage{}}
}

func (s *memCheckpoints) Load(_ context.Context, documentID string) (*models.IngestionCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.cps[documentID]
	if !ok {
		return nil, nil
	}
	var cp models.IngestionCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *memCheckpoints) Save(_ context.Context, cp *models.IngestionCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cps[cp.DocumentID] = data
	s.mu.Unlock()
	return nil
}

func (s *memCheckpoints) SaveRawPage(_ context.Context, documentID string, page *models.RawPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages[documentID] == nil {
		s.pages[documentID] = map[int]models.RawPage{}
	}
	s.pages[documentID][page.Number] = *page
	return nil
}

func (s *memCheckpoints) LoadRawPages(_ context.Context, documentID string) ([]models.RawPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RawPage
	for _, p := range s.pages[documentID] {
		out = append(out, p)
	}
	return out, nil
}

func (s *memCheckpoints) rawPageCount(documentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages[documentID])
}

// fakeExtractor serves pages from a map and counts calls per page.
type fakeExtractor struct {
	mu        sync.Mutex
	pages     map[int]string
	failPages map[int]bool
	calls     map[int]int
	countCall int
}

func newFakeExtractor(pages map[int]string) *fakeExtractor {
	return &fakeExtractor{pages: pages, failPages: map[int]bool{}, calls: map[int]int{}}
}

func (f *fakeExtractor) PageCount(context.Context, core.DocumentSource) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.countCall++
	return len(f.pages), nil
}

func (f *fakeExtractor) ExtractPage(_ context.Context, _ core.DocumentSource, pageNum int) (*models.RawPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[pageNum]++
	if f.failPages[pageNum] {
		return nil, errors.New("ocr rejected page")
	}
	return &models.RawPage{Number: pageNum, Markdown: f.pages[pageNum], Confidence: 1.0}, nil
}

func (f *fakeExtractor) callCount(pageNum int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pageNum]
}

// countingEmbedder embeds deterministically and counts embeddings per text.
// Texts containing failText fail their batch.
type countingEmbedder struct {
	mu       sync.Mutex
	perText  map[string]int
	failText string
}

func newCountingEmbedder() *countingEmbedder {
	return &countingEmbedder{perText: map[string]int{}}
}

func (f *countingEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failText != "" && strings.Contains(text, f.failText) {
			return nil, fmt.Errorf("provider rejected input")
		}
		f.perText[text]++
		vecs[i] = []float32{float32(len(text)), 1}
	}
	return vecs, nil
}

func (f *countingEmbedder) timesEmbedded(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perText[text]
}

type harness struct {
	pipeline    *Pipeline
	checkpoints *memCheckpoints
	extractor   *fakeExtractor
	embedder    *countingEmbedder
	vectors     *memory.Storage
	pcfg        *config.Pipeline
}

func newHarness(pages map[int]string, gapTolerance float64) *harness {
	pcfg := &config.Pipeline{
		Chunker: config.ChunkerConfig{MaxChunkSize: 1500, Overlap: 200},
		Extraction: config.ExtractionConfig{
			Retry: config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 2, Multiplier: 2},
		},
		Embedding: config.EmbeddingConfig{
			MaxBatchItems: 10,
			MaxBatchChars: 20000,
			MaxInFlight:   2,
			Retry:         config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 2, Multiplier: 2},
			GapTolerance:  gapTolerance,
		},
		Ingest: config.IngestConfig{Workers: 1, QueueSize: 4, PageBuffer: 2, ChunkBuffer: 8},
	}

	h := &harness{
		checkpoints: newMemCheckpoints(),
		extractor:   newFakeExtractor(pages),
		embedder:    newCountingEmbedder(),
		vectors:     memory.NewStorage(),
		pcfg:        pcfg,
	}
	h.pipeline = h.pipelineWith(h.extractor)
	return h
}

// pipelineWith builds a pipeline over the harness collaborators with a
// substitute extractor.
func (h *harness) pipelineWith(extractor core.PageExtractor) *Pipeline {
	embed := embedbatch.New(h.embedder, h.vectors, h.pcfg.Embedding)
	return NewPipeline(
		h.checkpoints,
		extractor,
		pagemodel.New(),
		chunker.New(chunker.Config{MaxChunkSize: h.pcfg.Chunker.MaxChunkSize, Overlap: h.pcfg.Chunker.Overlap}),
		embed,
		nil,
		h.pcfg,
	)
}

func (h *harness) storedTexts(t *testing.T) []string {
	t.Helper()
	res, err := h.vectors.SearchChunks(context.Background(), []float32{1, 0}, 100, "")
	require.NoError(t, err)
	texts := make([]string, len(res))
	for i, sc := range res {
		texts[i] = sc.Record.Text
	}
	return texts
}

var testSrc = core.DocumentSource{Path: "/tmp/doc.pdf", ContentType: "application/pdf"}

func threePageDoc() map[int]string {
	return map[int]string{
		1: "# Intro\n\nThis is the opening narrative of the document.",
		2: "| Item | Cost |\n|---|---|\n| A | 1 |",
		3: "| B | 2 |\n\nClosing remarks for the document.",
	}
}

func TestProcessOne_CompletesAndIndexes(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	require.NoError(t, h.pipeline.ProcessOne(context.Background(), "doc1", testSrc))

	cp, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, models.StatusComplete, cp.Status)
	assert.Equal(t, 3, cp.LastPageProcessed)
	assert.Empty(t, cp.FailedPages)
	assert.Empty(t, cp.FailedChunks)
	assert.Equal(t, len(cp.ProducedChunks), len(cp.EmbeddedChunks))

	// Prose, the cross-page table, and the closing prose.
	texts := h.storedTexts(t)
	require.Len(t, texts, 3)
	joined := strings.Join(texts, "\n====\n")
	assert.Contains(t, joined, "opening narrative")
	assert.Contains(t, joined, "| A | 1 |\n| B | 2 |")
	assert.Contains(t, joined, "Closing remarks")
}

func TestProcessOne_TerminalDocumentIsANoOp(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	ctx := context.Background()
	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))

	before := map[int]int{}
	for n := 1; n <= 3; n++ {
		before[n] = h.extractor.callCount(n)
	}
	indexed := h.vectors.Len()

	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))

	for n := 1; n <= 3; n++ {
		assert.Equal(t, before[n], h.extractor.callCount(n), "page %d re-extracted", n)
	}
	assert.Equal(t, indexed, h.vectors.Len())
}

func TestProcessOne_FailedPageFailsDocument(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	h.extractor.failPages[2] = true

	require.NoError(t, h.pipeline.ProcessOne(context.Background(), "doc1", testSrc))

	cp, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cp.Status)
	assert.Equal(t, []int{2}, cp.FailedPages)
	// The surviving pages were still chunked and embedded.
	assert.Greater(t, h.vectors.Len(), 0)
}

func TestReingest_ResumesWithoutRepeatingWork(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	h.extractor.failPages[2] = true
	ctx := context.Background()

	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))
	firstRunCalls := h.extractor.callCount(1)
	require.Equal(t, 1, firstRunCalls)

	h.extractor.failPages = map[int]bool{}
	require.NoError(t, h.pipeline.Reingest(ctx, "doc1", testSrc))

	cp, err := h.checkpoints.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, cp.Status)
	assert.Empty(t, cp.FailedPages)

	// Stored pages replay without another OCR call; only the failed page is
	// re-extracted.
	assert.Equal(t, 1, h.extractor.callCount(1))
	assert.Equal(t, 1, h.extractor.callCount(3))
	assert.Equal(t, 2, h.extractor.callCount(2))

	// The merged table now exists in the index.
	joined := strings.Join(h.storedTexts(t), "\n====\n")
	assert.Contains(t, joined, "| A | 1 |\n| B | 2 |")

	// Chunks embedded in the first run are not re-embedded on resume.
	for text, n := range h.embedder.perText {
		assert.Equal(t, 1, n, "text embedded %d times: %q", n, text)
	}
}

func headedTable(name, cell string) string {
	return fmt.Sprintf("| %s | Value |\n|---|---|\n| %s | 1 |", name, cell)
}

func TestProcessOne_EmbeddingGapWithinTolerance(t *testing.T) {
	pages := map[int]string{
		1: headedTable("Alpha", "a"),
		2: headedTable("Beta", "POISON"),
		3: headedTable("Gamma", "c"),
	}
	h := newHarness(pages, 0.5)
	h.embedder.failText = "POISON"

	require.NoError(t, h.pipeline.ProcessOne(context.Background(), "doc1", testSrc))

	cp, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleteWithGaps, cp.Status)
	assert.Len(t, cp.FailedChunks, 1)
	assert.Equal(t, 2, h.vectors.Len())
}

func TestProcessOne_EmbeddingGapBeyondToleranceFails(t *testing.T) {
	pages := map[int]string{
		1: headedTable("Alpha", "a"),
		2: headedTable("Beta", "POISON"),
		3: headedTable("Gamma", "c"),
	}
	h := newHarness(pages, 0)
	h.embedder.failText = "POISON"

	require.NoError(t, h.pipeline.ProcessOne(context.Background(), "doc1", testSrc))

	cp, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cp.Status)
}

func TestReopen_LeavesNonTerminalCheckpointAlone(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	ctx := context.Background()

	cp := models.NewCheckpoint("doc1", 3)
	cp.Status = models.StatusInProgress
	require.NoError(t, h.checkpoints.Save(ctx, cp))

	require.NoError(t, h.pipeline.Reopen(ctx, "doc1"))

	got, err := h.checkpoints.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, got.Status)
}

func TestIngestThenQuery_EndToEnd(t *testing.T) {
	pages := map[int]string{
		1: "| Phase | Cost | Year |\n|---|---|---|\n| Excavation | 1.2M | 2024 |",
		2: "| Lining | 3.4M | 2025 |\n\n## Funding\n\nThe project is funded by municipal construction bonds.",
	}
	h := newHarness(pages, 0)
	ctx := context.Background()
	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))

	engine := retrieval.New(h.embedder, h.vectors, retrieval.NewLexicalReranker(),
		config.RetrievalConfig{TopK: 3, OverfetchMultiplier: 4, ConfidenceThreshold: 0.2})

	res, err := engine.Query(ctx, "How is the project funded?", 3, "doc1")
	require.NoError(t, err)
	require.False(t, res.NoRelevantContext)
	require.NotEmpty(t, res.Blocks)

	best := res.Blocks[0]
	assert.Contains(t, best.Text, "municipal construction bonds")
	assert.Equal(t, "doc1", best.Citation.DocumentID)
	assert.Equal(t, 2, best.Citation.StartPage)

	// The cross-page table landed as one retrievable chunk.
	res, err = engine.Query(ctx, "What did the tunnel lining phase cost?", 3, "doc1")
	require.NoError(t, err)
	require.False(t, res.NoRelevantContext)
	var tableBlock *models.ContextBlock
	for i := range res.Blocks {
		if strings.Contains(res.Blocks[i].Text, "| Lining | 3.4M | 2025 |") {
			tableBlock = &res.Blocks[i]
		}
	}
	require.NotNil(t, tableBlock)
	assert.Contains(t, tableBlock.Text, "| Phase | Cost | Year |")
	assert.Equal(t, 1, tableBlock.Citation.StartPage)
	assert.Equal(t, 2, tableBlock.Citation.EndPage)
}

func TestProcessOne_ClearsStaleFailedPageOnResume(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	ctx := context.Background()

	// An earlier run recorded page 2 as failed and was killed before it
	// could finalize; on resume the page extracts fine.
	cp := models.NewCheckpoint("doc1", 3)
	cp.Status = models.StatusInProgress
	cp.FailedPages = []int{2}
	require.NoError(t, h.checkpoints.Save(ctx, cp))

	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))

	got, err := h.checkpoints.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Empty(t, got.FailedPages)
	assert.Equal(t, 1, h.extractor.callCount(2))
}

func TestProcessOne_ClearsStaleFailedChunkOnResume(t *testing.T) {
	pages := map[int]string{
		1: headedTable("Alpha", "a"),
		2: headedTable("Beta", "POISON"),
		3: headedTable("Gamma", "c"),
	}
	h := newHarness(pages, 0)
	h.embedder.failText = "POISON"
	ctx := context.Background()

	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))
	cp, err := h.checkpoints.Load(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, cp.Status)
	require.Len(t, cp.FailedChunks, 1)

	// Simulate a crash between the embed failure and finalize: the document
	// is back in progress with the stale failure still on record.
	cp.Status = models.StatusInProgress
	require.NoError(t, h.checkpoints.Save(ctx, cp))
	h.embedder.failText = ""

	require.NoError(t, h.pipeline.ProcessOne(ctx, "doc1", testSrc))

	got, err := h.checkpoints.Load(ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Empty(t, got.FailedChunks)
	assert.Equal(t, 3, h.vectors.Len())
}

// haltingExtractor stops the run the first time a given page is requested,
// waiting until every earlier page is durably stored before cancelling so the
// interruption point is deterministic.
type haltingExtractor struct {
	inner  *fakeExtractor
	store  *memCheckpoints
	docID  string
	atPage int
	cancel context.CancelFunc
	once   sync.Once
}

func (h *haltingExtractor) PageCount(ctx context.Context, src core.DocumentSource) (int, error) {
	return h.inner.PageCount(ctx, src)
}

func (h *haltingExtractor) ExtractPage(ctx context.Context, src core.DocumentSource, pageNum int) (*models.RawPage, error) {
	if pageNum == h.atPage {
		first := false
		h.once.Do(func() { first = true })
		if first {
			deadline := time.Now().Add(5 * time.Second)
			for h.store.rawPageCount(h.docID) < h.atPage-1 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			h.cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	return h.inner.ExtractPage(ctx, src, pageNum)
}

func TestProcessOne_CancelledRunResumesWithoutRework(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	halting := &haltingExtractor{
		inner: h.extractor, store: h.checkpoints, docID: "doc1", atPage: 3, cancel: cancel,
	}
	pipeline := h.pipelineWith(halting)

	require.Error(t, pipeline.ProcessOne(runCtx, "doc1", testSrc))

	// The interrupted run left a resumable checkpoint with the first two
	// pages durably stored and no terminal status.
	cp, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, models.StatusInProgress, cp.Status)
	assert.GreaterOrEqual(t, h.checkpoints.rawPageCount("doc1"), 2)

	// A fresh run finishes the document from where the first one stopped.
	require.NoError(t, pipeline.ProcessOne(context.Background(), "doc1", testSrc))

	got, err := h.checkpoints.Load(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.Empty(t, got.FailedPages)

	// Stored pages replay without another OCR call.
	assert.Equal(t, 1, h.extractor.callCount(1))
	assert.Equal(t, 1, h.extractor.callCount(2))
	assert.Equal(t, 1, h.extractor.callCount(3))
}

func TestWorker_RemovesStagedSourceAfterRun(t *testing.T) {
	h := newHarness(threePageDoc(), 0)
	staged := filepath.Join(t.TempDir(), "upload.pdf")
	require.NoError(t, os.WriteFile(staged, []byte("%PDF-1.4"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.pipeline.Start(ctx, 1)
	h.pipeline.Enqueue(Job{
		DocumentID:    "doc1",
		Source:        core.DocumentSource{Path: staged, ContentType: "application/pdf"},
		CleanupSource: true,
	})

	require.Eventually(t, func() bool {
		cp, err := h.checkpoints.Load(context.Background(), "doc1")
		return err == nil && cp != nil && cp.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, err := os.Stat(staged)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestFinalStatus(t *testing.T) {
	base := func() *models.IngestionCheckpoint {
		return &models.IngestionCheckpoint{
			ProducedChunks: []string{"a", "b", "c", "d"},
			EmbeddedChunks: []string{"a", "b", "c", "d"},
		}
	}

	cp := base()
	assert.Equal(t, models.StatusComplete, finalStatus(cp, 0.1))

	cp = base()
	cp.FailedPages = []int{3}
	assert.Equal(t, models.StatusFailed, finalStatus(cp, 0.1))

	cp = base()
	cp.FailedChunks = []string{"d"}
	assert.Equal(t, models.StatusCompleteWithGaps, finalStatus(cp, 0.25))

	cp = base()
	cp.FailedChunks = []string{"c", "d"}
	assert.Equal(t, models.StatusFailed, finalStatus(cp, 0.25))
}
