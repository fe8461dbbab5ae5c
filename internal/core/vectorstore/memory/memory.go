// Package memory is a brute-force in-memory vector store. It backs the CLI
// and tests; the API server uses the pgvector-backed store instead.
package memory

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// Storage keys records by chunk ID, so upserting an existing chunk replaces
// it rather than appending a duplicate.
type Storage struct {
	mu      sync.RWMutex
	records map[string]models.VectorRecord
}

func NewStorage() *Storage {
	return &Storage{records: make(map[string]models.VectorRecord)}
}

func (s *Storage) UpsertChunks(_ context.Context, records []models.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.ChunkID] = r
	}
	return nil
}

func (s *Storage) SearchChunks(_ context.Context, queryVec []float32, limit int, documentID string) ([]models.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scored := make([]models.ScoredChunk, 0, len(s.records))
	for _, r := range s.records {
		if documentID != "" && r.DocumentID != documentID {
			continue
		}
		scored = append(scored, models.ScoredChunk{
			Record:     r,
			Similarity: cosine(queryVec, r.Embedding),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.ChunkID < scored[j].Record.ChunkID
	})
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Len reports the number of stored records.
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ core.VectorStore = (*Storage)(nil)
