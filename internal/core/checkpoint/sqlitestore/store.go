// Package sqlitestore is a local CheckpointStore for CLI use: one SQLite file
// holding checkpoints and extracted raw pages, so ingestion can resume across
// process restarts without a server-side database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/trestle-ai/trestle/internal/core"
	"github.com/trestle-ai/trestle/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    document_id TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    updated_at  TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS raw_pages (
    document_id TEXT NOT NULL,
    page_number INTEGER NOT NULL,
    markdown    TEXT NOT NULL,
    confidence  REAL NOT NULL DEFAULT 1.0,
    PRIMARY KEY (document_id, page_number)
);
`

// Store implements core.CheckpointStore on a local SQLite file.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) the checkpoint database under dataDir. An empty
// dataDir defaults to ~/.trestle/data.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".trestle", "data")
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "checkpoints.db")

	// WAL keeps the writer from blocking status reads.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context, documentID string) (*models.IngestionCheckpoint, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE document_id = ?`, documentID).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cp models.IngestionCheckpoint
	if err := json.Unmarshal([]byte(state), &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", documentID, err)
	}
	return &cp, nil
}

func (s *Store) Save(ctx context.Context, cp *models.IngestionCheckpoint) error {
	state, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (document_id, state, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (document_id) DO UPDATE SET
			state = excluded.state,
			updated_at = datetime('now')
	`, cp.DocumentID, string(state))
	return err
}

func (s *Store) SaveRawPage(ctx context.Context, documentID string, page *models.RawPage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_pages (document_id, page_number, markdown, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (document_id, page_number) DO UPDATE SET
			markdown = excluded.markdown,
			confidence = excluded.confidence
	`, documentID, page.Number, page.Markdown, page.Confidence)
	return err
}

func (s *Store) LoadRawPages(ctx context.Context, documentID string) ([]models.RawPage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_number, markdown, confidence
		FROM raw_pages
		WHERE document_id = ?
		ORDER BY page_number ASC
	`, documentID)
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

var _ core.CheckpointStore = (*Store)(nil)
