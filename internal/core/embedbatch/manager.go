// Package embedbatch groups chunks into size-bounded batches, embeds them
// with retry and a bounded worker pool, and upserts vectors keyed by chunk ID.
package embedbatch

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// Outcome reports the terminal result for one chunk: embedded and upserted,
// or excluded from the index after the retry ceiling.
type Outcome struct {
	Chunk models.Chunk
	Err   error
}

// Manager drives the embedding stage. Batches are bounded by item count and
// aggregate character budget to respect provider limits; in-flight calls are
// bounded to respect the provider's concurrent-request limit.
type Manager struct {
	embedder core.EmbeddingProvider
	store    core.VectorStore
	cfg      config.EmbeddingConfig
	retry    core.RetryPolicy
}

func New(embedder core.EmbeddingProvider, store core.VectorStore, cfg config.EmbeddingConfig) *Manager {
	retry := core.RetryPolicy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.Initial(),
		MaxBackoff:     cfg.Retry.Max(),
		Multiplier:     cfg.Retry.Multiplier,
	}
	return &Manager{embedder: embedder, store: store, cfg: cfg, retry: retry}
}

// Run consumes the chunk stream until it closes, reporting an Outcome for
// every chunk. report may be invoked from multiple worker goroutines.
// Only pipeline-level failures (context cancelled) return an error; per-chunk
// failures are contained in their outcomes.
func (m *Manager) Run(ctx context.Context, in <-chan models.Chunk, report func(Outcome)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.MaxInFlight)

	batch := make([]models.Chunk, 0, m.cfg.MaxBatchItems)
	chars := 0

	dispatch := func(items []models.Chunk) {
		g.Go(func() error {
			return m.processBatch(gctx, items, report)
		})
	}

	for chunk := range in {
		if len(batch) > 0 &&
			(len(batch) >= m.cfg.MaxBatchItems || chars+chunk.Length > m.cfg.MaxBatchChars) {
			dispatch(batch)
			batch = make([]models.Chunk, 0, m.cfg.MaxBatchItems)
			chars = 0
		}
		batch = append(batch, chunk)
		chars += chunk.Length

		select {
		case <-gctx.Done():
			return g.Wait()
		default:
		}
	}
	if len(batch) > 0 {
		dispatch(batch)
	}
	return g.Wait()
}

// processBatch embeds one batch. A failed batch is not retried wholesale:
// its chunks are requeued individually up to the retry ceiling, so one bad
// chunk never blocks its siblings.
func (m *Manager) processBatch(ctx context.Context, items []models.Chunk, report func(Outcome)) error {
	texts := make([]string, len(items))
	for i := range items {
		texts[i] = items[i].Text
	}

	var vecs [][]float32
	err := m.retry.Do(ctx, func() error {
		var embedErr error
		vecs, embedErr = m.embedder.EmbedTexts(ctx, texts)
		if embedErr == nil && len(vecs) != len(items) {
			embedErr = fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(items))
		}
		return embedErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("EmbedManager: batch of %d failed, requeueing individually: %v", len(items), err)
		return m.processIndividually(ctx, items, report)
	}

	return m.upsert(ctx, items, vecs, report)
}

func (m *Manager) processIndividually(ctx context.Context, items []models.Chunk, report func(Outcome)) error {
	for i := range items {
		chunk := items[i]
		var vecs [][]float32
		err := m.retry.Do(ctx, func() error {
			var embedErr error
			vecs, embedErr = m.embedder.EmbedTexts(ctx, []string{chunk.Text})
			if embedErr == nil && len(vecs) != 1 {
				embedErr = fmt.Errorf("embed size mismatch: got %d want 1", len(vecs))
			}
			return embedErr
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report(Outcome{Chunk: chunk, Err: &core.EmbeddingFailure{ChunkID: chunk.ID, Err: err}})
			continue
		}
		if err := m.upsert(ctx, []models.Chunk{chunk}, vecs, report); err != nil {
			return err
		}
	}
	return nil
}

// upsert writes the vector records and reports success per chunk. Upsert is
// keyed by chunk ID, so resending an unchanged chunk overwrites identically.
func (m *Manager) upsert(ctx context.Context, items []models.Chunk, vecs [][]float32, report func(Outcome)) error {
	records := make([]models.VectorRecord, len(items))
	for i := range items {
		records[i] = models.VectorRecord{
			ChunkID:     items[i].ID,
			DocumentID:  items[i].DocumentID,
			Type:        items[i].Type,
			StartPage:   items[i].StartPage,
			EndPage:     items[i].EndPage,
			HeadingPath: items[i].HeadingPath,
			Text:        items[i].Text,
			Embedding:   vecs[i],
		}
	}

	err := m.retry.Do(ctx, func() error {
		return m.store.UpsertChunks(ctx, records)
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for i := range items {
			report(Outcome{Chunk: items[i], Err: &core.EmbeddingFailure{ChunkID: items[i].ID, Err: err}})
		}
		return nil
	}
	for i := range items {
		report(Outcome{Chunk: items[i]})
	}
	return nil
}
