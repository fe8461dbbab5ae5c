// Package db is the Postgres/pgvector persistence layer: users, documents,
// the vector index, and ingestion checkpoints all live here.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/trestle-ai/trestle/internal/config"
	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

// DatabaseClient implements core.DbClient, core.VectorStore and
// core.CheckpointStore on a single pool.
type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Sensible pool settings for an API service; adjust as needed.
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, first_name, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()), COALESCE($6, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		user.ID, user.FirstName, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, first_name, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(
		&u.ID, &u.FirstName, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Documents

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, file_name, storage_url, source_type, content_type, status, page_count, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, now()))
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.FileName, doc.StorageURL, doc.SourceType, doc.ContentType,
		doc.Status, doc.PageCount, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, source_type, content_type, status, page_count, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var d models.Document
	err := c.db.QueryRowContext(ctx, q, id).Scan(
		&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.SourceType, &d.ContentType,
		&d.Status, &d.PageCount, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string) ([]models.Document, error) {
	const q = `
		SELECT id, user_id, file_name, storage_url, source_type, content_type, status, page_count, created_at, updated_at
		FROM documents
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := c.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(
			&d.ID, &d.UserID, &d.FileName, &d.StorageURL, &d.SourceType, &d.ContentType,
			&d.Status, &d.PageCount, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateDocumentStatus(ctx context.Context, id string, status string) error {
	const q = `
		UPDATE documents
		SET status = $2, updated_at = now()
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, id, status)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("document not found: %s", id)
	}
	return nil
}

// Vector index

// UpsertChunks writes vector records in one transaction, keyed by chunk ID so
// re-embedding overwrites instead of duplicating.
func (c *DatabaseClient) UpsertChunks(ctx context.Context, records []models.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO chunk_vectors
			(chunk_id, document_id, chunk_type, start_page, end_page, heading_path, text, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (chunk_id) DO UPDATE SET
			chunk_type = EXCLUDED.chunk_type,
			start_page = EXCLUDED.start_page,
			end_page = EXCLUDED.end_page,
			heading_path = EXCLUDED.heading_path,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range records {
		r := &records[i]
		heading, err := json.Marshal(r.HeadingPath)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.ChunkID, r.DocumentID, string(r.Type), r.StartPage, r.EndPage,
			heading, r.Text, pgvector.NewVector(r.Embedding),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SearchChunks returns the nearest records by cosine distance. documentID
// narrows the search when non-empty.
func (c *DatabaseClient) SearchChunks(ctx context.Context, queryVec []float32, limit int, documentID string) ([]models.ScoredChunk, error) {
	const q = `
		SELECT chunk_id, document_id, chunk_type, start_page, end_page, heading_path, text,
			1 - (embedding <=> $1) AS similarity
		FROM chunk_vectors
		WHERE ($2 = '' OR document_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(queryVec), documentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var (
			sc      models.ScoredChunk
			ctype   string
			heading []byte
		)
		if err := rows.Scan(
			&sc.Record.ChunkID, &sc.Record.DocumentID, &ctype,
			&sc.Record.StartPage, &sc.Record.EndPage, &heading, &sc.Record.Text,
			&sc.Similarity,
		); err != nil {
			return nil, err
		}
		sc.Record.Type = models.ChunkType(ctype)
		if len(heading) > 0 {
			if err := json.Unmarshal(heading, &sc.Record.HeadingPath); err != nil {
				return nil, err
			}
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Checkpoints

func (c *DatabaseClient) Load(ctx context.Context, documentID string) (*models.IngestionCheckpoint, error) {
	const q = `SELECT state FROM ingestion_checkpoints WHERE document_id = $1`
	var state []byte
	err := c.db.QueryRowContext(ctx, q, documentID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp models.IngestionCheckpoint
	if err := json.Unmarshal(state, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", documentID, err)
	}
	return &cp, nil
}

func (c *DatabaseClient) Save(ctx context.Context, cp *models.IngestionCheckpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO ingestion_checkpoints (document_id, state, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			updated_at = now()
	`
	_, err = c.db.ExecContext(ctx, q, cp.DocumentID, state)
	return err
}

func (c *DatabaseClient) SaveRawPage(ctx context.Context, documentID string, page *models.RawPage) error {
	const q = `
		INSERT INTO raw_pages (document_id, page_number, markdown, confidence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, page_number) DO UPDATE SET
			markdown = EXCLUDED.markdown,
			confidence = EXCLUDED.confidence
	`
	_, err := c.db.ExecContext(ctx, q, documentID, page.Number, page.Markdown, page.Confidence)
	return err
}

func (c *DatabaseClient) LoadRawPages(ctx context.Context, documentID string) ([]models.RawPage, error) {
	const q = `
		SELECT page_number, markdown, confidence
		FROM raw_pages
		WHERE document_id = $1
		ORDER BY page_number ASC
	`
	rows, err := c.db.QueryContext(ctx, q, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RawPage
	for rows.Next() {
		var p models.RawPage
		if err := rows.Scan(&p.Number, &p.Markdown, &p.Confidence); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var (
	_ core.DbClient        = (*DatabaseClient)(nil)
	_ core.VectorStore     = (*DatabaseClient)(nil)
	_ core.CheckpointStore = (*DatabaseClient)(nil)
)
