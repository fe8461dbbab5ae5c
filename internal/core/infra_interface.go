package core

import (
	"context"
	"io"

	"github.com/trestle-ai/trestle/internal/models"
)

// DbClient defines the relational persistence operations for users and
// document records. It abstracts Postgres so higher layers never depend on a
// specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status string) error

	Close() error
}

// VectorStore is the key -> vector upsert/query service. Upsert is keyed by
// chunk ID: re-embedding the same chunk overwrites rather than duplicates.
type VectorStore interface {
	UpsertChunks(ctx context.Context, records []models.VectorRecord) error
	SearchChunks(ctx context.Context, queryVec []float32, limit int, documentID string) ([]models.ScoredChunk, error)
}

// CheckpointStore is the durable document_id -> IngestionCheckpoint mapping,
// surviving process restarts. Save replaces the whole checkpoint atomically;
// Load returns nil (no error) for a document that was never started.
// Raw pages extracted so far are stored alongside the checkpoint so a resumed
// run can rebuild chunker state without re-sending pages to the OCR service.
type CheckpointStore interface {
	Load(ctx context.Context, documentID string) (*models.IngestionCheckpoint, error)
	Save(ctx context.Context, cp *models.IngestionCheckpoint) error

	SaveRawPage(ctx context.Context, documentID string, page *models.RawPage) error
	LoadRawPages(ctx context.Context, documentID string) ([]models.RawPage, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)

	GetObjectReader(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}
