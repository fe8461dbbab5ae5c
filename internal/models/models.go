package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	FirstName    string    `db:"first_name" json:"first_name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document represents an uploaded source document. A document is immutable
// once ingested; re-ingesting the same document converges to the same chunk
// set because chunk IDs are content-derived.
type Document struct {
	ID          string    `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"user_id"`
	FileName    string    `db:"file_name" json:"file_name"`
	StorageURL  string    `db:"storage_url" json:"storage_url"`
	SourceType  string    `db:"source_type" json:"source_type"` // "upload" or "local"
	ContentType string    `db:"content_type" json:"content_type"`
	Status      string    `db:"status" json:"status"` // mirrors the checkpoint status for listing
	PageCount   int       `db:"page_count" json:"page_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// RawPage is one page of raw extractor output before normalization: the
// provider's markdown rendering plus its reported confidence.
type RawPage struct {
	Number     int     `json:"page"`
	Markdown   string  `json:"markdown"`
	Confidence float64 `json:"confidence"`
}

// SpanKind distinguishes prose spans from detected section headings.
type SpanKind int

const (
	SpanText SpanKind = iota
	SpanHeading
)

// TextSpan is a normalized run of page text. Level is set only for headings
// (1 = top level).
type TextSpan struct {
	Kind  SpanKind
	Text  string
	Level int
}

// TableBlock is a normalized table cell grid. Header holds the header row(s),
// Rows the body rows. The continuation flags are set by the page model
// adapter's boundary heuristics. Malformed grids keep their raw text so the
// chunker can degrade them to plain text instead of failing.
type TableBlock struct {
	Header                [][]string
	Rows                  [][]string
	ContinuesFromPrevious bool
	ContinuesOnNext       bool
	Malformed             bool
	Raw                   string
}

// Columns returns the column count of the table, preferring the header.
func (t *TableBlock) Columns() int {
	if len(t.Header) > 0 {
		return len(t.Header[0])
	}
	if len(t.Rows) > 0 {
		return len(t.Rows[0])
	}
	return 0
}

// PageElement is one ordered unit of page content: either a span or a table.
type PageElement struct {
	Span  *TextSpan
	Table *TableBlock
}

// Page is the normalized form of one OCR'd page.
type Page struct {
	Number   int
	Elements []PageElement
}

// Tables returns the page's table blocks in order.
func (p *Page) Tables() []*TableBlock {
	var out []*TableBlock
	for i := range p.Elements {
		if p.Elements[i].Table != nil {
			out = append(out, p.Elements[i].Table)
		}
	}
	return out
}

// Empty reports whether the page carries no content at all.
func (p *Page) Empty() bool {
	return len(p.Elements) == 0
}

// ChunkType classifies the retrievable unit.
type ChunkType string

const (
	ChunkTypeText          ChunkType = "text"
	ChunkTypeTable         ChunkType = "table"
	ChunkTypeTableDegraded ChunkType = "table_degraded"
)

// Chunk is the retrievable unit produced by the chunker. ID is a
// deterministic hash of document ID and content span, so re-chunking an
// unmodified document regenerates identical IDs and upserts converge.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Type        ChunkType `json:"type"`
	StartPage   int       `json:"start_page"`
	EndPage     int       `json:"end_page"`
	HeadingPath []string  `json:"heading_path"`
	Text        string    `json:"text"`
	Length      int       `json:"length"`
	Position    int       `json:"position"`
}

// ChunkID derives the stable chunk identifier from the owning document and
// the chunk's content span.
func ChunkID(documentID string, startPage, endPage int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:%d:", documentID, startPage, endPage)
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// CheckpointStatus is the explicit state of a document's ingestion run.
type CheckpointStatus string

const (
	StatusNotStarted       CheckpointStatus = "not_started"
	StatusInProgress       CheckpointStatus = "in_progress"
	StatusComplete         CheckpointStatus = "complete"
	StatusCompleteWithGaps CheckpointStatus = "complete_with_gaps"
	StatusFailed           CheckpointStatus = "failed"
)

// CanTransitionTo enforces the legal status transitions. Terminal states only
// reopen to in_progress when re-ingestion is explicitly requested.
func (s CheckpointStatus) CanTransitionTo(t CheckpointStatus) bool {
	switch s {
	case StatusNotStarted:
		return t == StatusInProgress
	case StatusInProgress:
		return t == StatusComplete || t == StatusCompleteWithGaps || t == StatusFailed
	case StatusComplete, StatusCompleteWithGaps, StatusFailed:
		return t == StatusInProgress
	}
	return false
}

// Terminal reports whether the status ends an ingestion run.
func (s CheckpointStatus) Terminal() bool {
	return s == StatusComplete || s == StatusCompleteWithGaps || s == StatusFailed
}

// IngestionCheckpoint is the durable progress ledger for one document. It is
// the sole source of truth for resume decisions and has a single writer: the
// ingestion run that owns the document.
type IngestionCheckpoint struct {
	DocumentID        string           `json:"document_id"`
	Status            CheckpointStatus `json:"status"`
	LastPageProcessed int              `json:"last_page_processed"`
	TotalPages        int              `json:"total_pages"`
	ProducedChunks    []string         `json:"produced_chunks"`
	EmbeddedChunks    []string         `json:"embedded_chunks"`
	FailedPages       []int            `json:"failed_pages"`
	FailedChunks      []string         `json:"failed_chunks"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// NewCheckpoint creates a fresh in-progress checkpoint for a document.
func NewCheckpoint(documentID string, totalPages int) *IngestionCheckpoint {
	return &IngestionCheckpoint{
		DocumentID: documentID,
		Status:     StatusInProgress,
		TotalPages: totalPages,
		UpdatedAt:  time.Now().UTC(),
	}
}

// HasProduced reports whether the chunk ID was already durably recorded.
func (c *IngestionCheckpoint) HasProduced(chunkID string) bool {
	return containsString(c.ProducedChunks, chunkID)
}

// HasEmbedded reports whether the chunk ID was already confirmed embedded.
func (c *IngestionCheckpoint) HasEmbedded(chunkID string) bool {
	return containsString(c.EmbeddedChunks, chunkID)
}

// RecordProduced appends chunk IDs not yet in the produced set.
func (c *IngestionCheckpoint) RecordProduced(chunkIDs ...string) {
	for _, id := range chunkIDs {
		if !c.HasProduced(id) {
			c.ProducedChunks = append(c.ProducedChunks, id)
		}
	}
}

// RecordEmbedded appends chunk IDs not yet in the embedded set.
func (c *IngestionCheckpoint) RecordEmbedded(chunkIDs ...string) {
	for _, id := range chunkIDs {
		if !c.HasEmbedded(id) {
			c.EmbeddedChunks = append(c.EmbeddedChunks, id)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// VectorRecord is the persisted, denormalized form of an embedded chunk.
// Upsert is keyed by ChunkID.
type VectorRecord struct {
	ChunkID     string    `json:"chunk_id"`
	DocumentID  string    `json:"document_id"`
	Type        ChunkType `json:"type"`
	StartPage   int       `json:"start_page"`
	EndPage     int       `json:"end_page"`
	HeadingPath []string  `json:"heading_path"`
	Text        string    `json:"text"`
	Embedding   []float32 `json:"-"`
}

// ScoredChunk is a nearest-neighbor candidate with its raw similarity.
type ScoredChunk struct {
	Record     VectorRecord
	Similarity float64
}

// RankedChunk is a candidate after cross-encoder reranking.
type RankedChunk struct {
	ScoredChunk
	RerankScore float64
}

// Citation attributes a context block to its source chunks and page range.
type Citation struct {
	ChunkIDs   []string `json:"chunk_ids"`
	DocumentID string   `json:"document_id"`
	StartPage  int      `json:"start_page"`
	EndPage    int      `json:"end_page"`
}

// ContextBlock is one merged, cited unit of retrieved context.
type ContextBlock struct {
	Text        string   `json:"text"`
	HeadingPath []string `json:"heading_path"`
	Citation    Citation `json:"citation"`
	RerankScore float64  `json:"rerank_score"`
	Similarity  float64  `json:"similarity"`
}

// RetrievalResult is the outcome of a query against the index. When the best
// rerank score fell below the confidence threshold, NoRelevantContext is set
// and Blocks is empty.
type RetrievalResult struct {
	Blocks            []ContextBlock `json:"blocks"`
	NoRelevantContext bool           `json:"no_relevant_context"`
}
