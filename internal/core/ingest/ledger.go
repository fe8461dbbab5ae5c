package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// ledger owns the checkpoint for the duration of one ingestion run. Every
// mutation is applied and saved under the mutex, so the store always sees a
// single atomic writer per document even though page progress and embedding
// outcomes arrive from different stages.
type ledger struct {
	mu    sync.Mutex
	store core.CheckpointStore
	cp    *models.IngestionCheckpoint
}

func newLedger(store core.CheckpointStore, cp *models.IngestionCheckpoint) *ledger {
	return &ledger{store: store, cp: cp}
}

// pageDone records one page's unit of work: the raw page made durable, the
// chunks it closed recorded as produced, and the resume point advanced.
// Replayed pages skip the raw-page write; everything else is idempotent.
func (l *ledger) pageDone(ctx context.Context, raw *models.RawPage, chunkIDs []string, replay bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !replay {
		if err := l.store.SaveRawPage(ctx, l.cp.DocumentID, raw); err != nil {
			return err
		}
	}
	l.cp.RecordProduced(chunkIDs...)
	// A page an interrupted run left in FailedPages has now extracted
	// successfully; the stale entry must not fail the document at finalize.
	l.cp.FailedPages = removeInt(l.cp.FailedPages, raw.Number)
	if raw.Number > l.cp.LastPageProcessed {
		l.cp.LastPageProcessed = raw.Number
	}
	return l.save(ctx)
}

// pageFailed records a page that exhausted the extraction retry ceiling.
func (l *ledger) pageFailed(ctx context.Context, pageNum int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.cp.FailedPages {
		if p == pageNum {
			return nil
		}
	}
	l.cp.FailedPages = append(l.cp.FailedPages, pageNum)
	if pageNum > l.cp.LastPageProcessed {
		l.cp.LastPageProcessed = pageNum
	}
	return l.save(ctx)
}

// chunksProduced records chunks closed at end of document, after the last
// page's own unit of work.
func (l *ledger) chunksProduced(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cp.RecordProduced(chunkIDs...)
	return l.save(ctx)
}

func (l *ledger) embedded(ctx context.Context, chunkID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cp.RecordEmbedded(chunkID)
	l.cp.FailedChunks = removeString(l.cp.FailedChunks, chunkID)
	return l.save(ctx)
}

func (l *ledger) embedFailed(ctx context.Context, chunkID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.cp.FailedChunks {
		if id == chunkID {
			return nil
		}
	}
	l.cp.FailedChunks = append(l.cp.FailedChunks, chunkID)
	return l.save(ctx)
}

func removeInt(list []int, v int) []int {
	out := list[:0]
	for _, n := range list {
		if n != v {
			out = append(out, n)
		}
	}
	return out
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (l *ledger) hasEmbedded(chunkID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cp.HasEmbedded(chunkID)
}

// finalize moves the checkpoint into its terminal status.
func (l *ledger) finalize(ctx context.Context, status models.CheckpointStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cp.Status.CanTransitionTo(status) || l.cp.Status == status {
		l.cp.Status = status
	}
	return l.save(ctx)
}

func (l *ledger) snapshot() models.IngestionCheckpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.cp
}

func (l *ledger) save(ctx context.Context) error {
	l.cp.UpdatedAt = time.Now().UTC()
	return l.store.Save(ctx, l.cp)
}
