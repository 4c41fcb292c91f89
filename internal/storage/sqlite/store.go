// Package sqlite persists dispatch outcomes for the diagnostics surface.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/audible-ai/audible/internal/domain"
)

// Store is a SQLite-backed dispatch history.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the history database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *Store) initSchema() error {
	schema := `CREATE TABLE IF NOT EXISTS dispatches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		backend TEXT NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		error_type TEXT,
		error_message TEXT,
		superseded INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches(created_at);
	CREATE INDEX IF NOT EXISTS idx_dispatches_backend ON dispatches(backend);`

	_, err := s.db.Exec(schema)
	return err
}

// RecordDispatch appends one dispatch attempt outcome.
func (s *Store) RecordDispatch(ctx context.Context, rec domain.DispatchRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches
			(request_id, backend, success, latency_ms, error_type, error_message, superseded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		string(rec.Backend),
		boolToInt(rec.Success),
		rec.LatencyMs,
		nullable(rec.ErrorType),
		nullable(rec.ErrorMessage),
		boolToInt(rec.Superseded),
		rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// RecentDispatches returns up to limit outcomes, newest first.
func (s *Store) RecentDispatches(ctx context.Context, limit int) ([]domain.DispatchRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, backend, success, latency_ms, error_type, error_message, superseded, created_at
		FROM dispatches
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	var out []domain.DispatchRecord
	for rows.Next() {
		var (
			rec         domain.DispatchRecord
			backendName string
			success     int
			superseded  int
			errType     sql.NullString
			errMessage  sql.NullString
		)
		if err := rows.Scan(&rec.RequestID, &backendName, &success, &rec.LatencyMs,
			&errType, &errMessage, &superseded, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		rec.Backend = domain.BackendName(backendName)
		rec.Success = success != 0
		rec.Superseded = superseded != 0
		rec.ErrorType = errType.String
		rec.ErrorMessage = errMessage.String
		out = append(out, rec)
	}

	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
