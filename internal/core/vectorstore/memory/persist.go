package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/trestle-ai/trestle/internal/models"
)

// persistedRecord carries the embedding explicitly; VectorRecord hides it
// from API JSON.
type persistedRecord struct {
	models.VectorRecord
	Embedding []float32 `json:"embedding"`
}

// SaveFile writes the full index to path as JSON. Used by the CLI so the
// index survives between invocations.
func (s *Storage) SaveFile(path string) error {
	s.mu.RLock()
	out := make([]persistedRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, persistedRecord{VectorRecord: r, Embedding: r.Embedding})
	}
	s.mu.RUnlock()

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile replaces the index with the contents of path. A missing file
// leaves the store empty.
func (s *Storage) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var in []persistedRecord
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode index %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]models.VectorRecord, len(in))
	for _, pr := range in {
		r := pr.VectorRecord
		r.Embedding = pr.Embedding
		s.records[r.ChunkID] = r
	}
	return nil
}
