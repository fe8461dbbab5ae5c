// Package ingest orchestrates the extract -> chunk -> embed flow for one
// document, using the checkpoint store to make re-runs idempotent and
// crash-safe.
package ingest

import (
	"context"
	"fmt"
	"log"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/core/chunker"
	"github.com/trestle-ai/trestle/internal/core/embedbatch"
	"github.com/trestle-ai/trestle/internal/core/pagemodel"
	"github.com/trestle-ai/trestle/internal/models"
)

// Job identifies one document to ingest together with its local source copy.
// CleanupSource marks Source.Path as a staging copy owned by the pipeline;
// the worker removes it once the run finishes.
type Job struct {
	DocumentID    string
	Source        core.DocumentSource
	CleanupSource bool
}

// Pipeline drives resumable ingestion. Documents are independent: each run
// owns its document's checkpoint exclusively; no state is shared across
// documents beyond the injected collaborators.
type Pipeline struct {
	checkpoints core.CheckpointStore
	extractor   core.PageExtractor
	adapter     *pagemodel.Adapter
	chunker     *chunker.Chunker
	embed       *embedbatch.Manager
	db          core.DbClient // optional status mirror for listings; may be nil
	cfg         config.IngestConfig
	gapTol      float64
	retry       core.RetryPolicy
	jobs        chan Job
}

func NewPipeline(
	checkpoints core.CheckpointStore,
	extractor core.PageExtractor,
	adapter *pagemodel.Adapter,
	ch *chunker.Chunker,
	embed *embedbatch.Manager,
	db core.DbClient,
	pcfg *config.Pipeline,
) *Pipeline {
	return &Pipeline{
		checkpoints: checkpoints,
		extractor:   extractor,
		adapter:     adapter,
		chunker:     ch,
		embed:       embed,
		db:          db,
		cfg:         pcfg.Ingest,
		gapTol:      pcfg.Embedding.GapTolerance,
		retry: core.RetryPolicy{
			MaxAttempts:    pcfg.Extraction.Retry.MaxAttempts,
			InitialBackoff: pcfg.Extraction.Retry.Initial(),
			MaxBackoff:     pcfg.Extraction.Retry.Max(),
			Multiplier:     pcfg.Extraction.Retry.Multiplier,
		},
		jobs: make(chan Job, pcfg.Ingest.QueueSize),
	}
}

// Start launches the worker pool reading from the jobs queue.
func (p *Pipeline) Start(ctx context.Context, numWorkers int) {
	if numWorkers <= 0 {
		numWorkers = p.cfg.Workers
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					log.Printf("IngestPipeline: worker %d shutting down", w)
					return
				case job := <-p.jobs:
					log.Printf("IngestPipeline: worker %d processing document %s", w, job.DocumentID)
					if err := p.ProcessOne(ctx, job.DocumentID, job.Source); err != nil {
						log.Printf("IngestPipeline: document %s: %v", job.DocumentID, err)
					}
					if job.CleanupSource {
						if err := os.Remove(job.Source.Path); err != nil && !os.IsNotExist(err) {
							log.Printf("IngestPipeline: remove staged source %s: %v", job.Source.Path, err)
						}
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a document for ingestion. Blocks when the queue is full.
func (p *Pipeline) Enqueue(job Job) {
	p.jobs <- job
}

// Status returns the current checkpoint for a document, nil if never started.
func (p *Pipeline) Status(ctx context.Context, documentID string) (*models.IngestionCheckpoint, error) {
	return p.checkpoints.Load(ctx, documentID)
}

// Reopen puts a terminal document back to in_progress. Failed pages and
// chunks are cleared so they are retried; stored pages and embedded chunks
// are reused. A non-terminal checkpoint is left untouched.
func (p *Pipeline) Reopen(ctx context.Context, documentID string) error {
	cp, err := p.checkpoints.Load(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil && cp.Status.Terminal() {
		cp.Status = models.StatusInProgress
		cp.FailedPages = nil
		cp.FailedChunks = nil
		if err := p.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("reopen checkpoint: %w", err)
		}
	}
	return nil
}

// Reingest explicitly reopens a terminal document and runs it again,
// synchronously. Server callers reopen and enqueue instead.
func (p *Pipeline) Reingest(ctx context.Context, documentID string, src core.DocumentSource) error {
	if err := p.Reopen(ctx, documentID); err != nil {
		return err
	}
	return p.ProcessOne(ctx, documentID, src)
}

// ProcessOne ingests a single document. It is idempotent: a completed
// document is a no-op, an in-progress one resumes from its checkpoint, and
// re-runs converge to the same chunk and vector set.
func (p *Pipeline) ProcessOne(ctx context.Context, documentID string, src core.DocumentSource) error {
	cp, err := p.checkpoints.Load(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp != nil && cp.Status.Terminal() {
		log.Printf("IngestPipeline: document %s already %s, skipping", documentID, cp.Status)
		return nil
	}
	if cp == nil {
		total, err := p.extractor.PageCount(ctx, src)
		if err != nil {
			return fmt.Errorf("page count: %w", err)
		}
		cp = models.NewCheckpoint(documentID, total)
		if err := p.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("create checkpoint: %w", err)
		}
	}
	cp.Status = models.StatusInProgress

	storedPages, err := p.checkpoints.LoadRawPages(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load raw pages: %w", err)
	}
	stored := make(map[int]models.RawPage, len(storedPages))
	for _, rp := range storedPages {
		stored[rp.Number] = rp
	}

	led := newLedger(p.checkpoints, cp)
	if p.db != nil {
		_ = p.db.UpdateDocumentStatus(ctx, documentID, string(models.StatusInProgress))
	}

	if err := p.run(ctx, documentID, src, cp.TotalPages, stored, led); err != nil {
		// Cancellation between page boundaries leaves the checkpoint
		// consistent; a later run resumes from it.
		return err
	}

	final := led.snapshot()
	status := finalStatus(&final, p.gapTol)
	if err := led.finalize(ctx, status); err != nil {
		return fmt.Errorf("finalize checkpoint: %w", err)
	}
	if p.db != nil {
		_ = p.db.UpdateDocumentStatus(ctx, documentID, string(status))
	}

	log.Printf("IngestPipeline: document %s finished %s (pages=%d chunks=%d embedded=%d failed_pages=%v)",
		documentID, status, final.LastPageProcessed, len(final.ProducedChunks), len(final.EmbeddedChunks), final.FailedPages)
	return nil
}

type pageResult struct {
	num    int
	raw    *models.RawPage
	stored bool
	failed bool
}

// run ties the three stages together with bounded handoff channels so OCR of
// page N+1 overlaps chunking and embedding of page N.
func (p *Pipeline) run(
	ctx context.Context,
	documentID string,
	src core.DocumentSource,
	totalPages int,
	stored map[int]models.RawPage,
	led *ledger,
) error {
	g, gctx := errgroup.WithContext(ctx)
	pageCh := make(chan pageResult, p.cfg.PageBuffer)
	chunkCh := make(chan models.Chunk, p.cfg.ChunkBuffer)

	// Stage 1: extraction. Stored pages replay without touching the OCR
	// service; missing pages are extracted with retry and rate limiting
	// handled by the provider client.
	g.Go(func() error {
		defer close(pageCh)
		for n := 1; n <= totalPages; n++ {
			var res pageResult
			if rp, ok := stored[n]; ok {
				res = pageResult{num: n, raw: &rp, stored: true}
			} else {
				var raw *models.RawPage
				err := p.retry.Do(gctx, func() error {
					r, extractErr := p.extractor.ExtractPage(gctx, src, n)
					if extractErr == nil {
						raw = r
					}
					return extractErr
				})
				if err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					log.Printf("IngestPipeline: document %s page %d failed permanently: %v", documentID, n, err)
					res = pageResult{num: n, failed: true}
				} else {
					res = pageResult{num: n, raw: raw}
				}
			}
			select {
			case pageCh <- res:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Stage 2: normalize + chunk + checkpoint. One page is one unit of work:
	// its chunks are durably recorded before the resume point advances past
	// it, and only then are they handed to the embedding stage.
	g.Go(func() error {
		defer close(chunkCh)
		stream := p.chunker.NewStream(documentID)
		forward := func(chunks []models.Chunk) error {
			for _, ch := range chunks {
				if led.hasEmbedded(ch.ID) {
					continue // already confirmed in a previous run
				}
				select {
				case chunkCh <- ch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		}

		for res := range pageCh {
			if res.failed {
				if err := led.pageFailed(gctx, res.num); err != nil {
					return err
				}
				continue
			}
			page := p.adapter.Normalize(res.raw)
			closed := stream.Push(page)
			if err := led.pageDone(gctx, res.raw, chunkIDs(closed), res.stored); err != nil {
				return err
			}
			if err := forward(closed); err != nil {
				return err
			}
		}

		closed := stream.Close()
		if err := led.chunksProduced(gctx, chunkIDs(closed)); err != nil {
			return err
		}
		return forward(closed)
	})

	// Stage 3: batched embedding with idempotent upsert.
	g.Go(func() error {
		return p.embed.Run(gctx, chunkCh, func(o embedbatch.Outcome) {
			var err error
			if o.Err != nil {
				err = led.embedFailed(gctx, o.Chunk.ID)
			} else {
				err = led.embedded(gctx, o.Chunk.ID)
			}
			if err != nil && gctx.Err() == nil {
				log.Printf("IngestPipeline: document %s checkpoint update: %v", documentID, err)
			}
		})
	})

	return g.Wait()
}

// finalStatus derives the terminal status: any failed page fails the
// document; embedding gaps below the tolerance leave it usable but flagged.
func finalStatus(cp *models.IngestionCheckpoint, gapTolerance float64) models.CheckpointStatus {
	if len(cp.FailedPages) > 0 {
		return models.StatusFailed
	}
	if n := len(cp.FailedChunks); n > 0 {
		produced := len(cp.ProducedChunks)
		if produced > 0 && float64(n)/float64(produced) <= gapTolerance {
			return models.StatusCompleteWithGaps
		}
		return models.StatusFailed
	}
	return models.StatusComplete
}

func chunkIDs(chunks []models.Chunk) []string {
	if len(chunks) == 0 {
		return nil
	}
	ids := make([]string, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	return ids
}
