package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// PostgresStore keeps run history in the run_events table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a history store over db, creating its table if needed
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	query := `
		CREATE TABLE IF NOT EXISTS run_events (
			id BIGSERIAL PRIMARY KEY,
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			cause TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to ensure run_events table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS run_events_run_idx ON run_events (run_id, id DESC)`); err != nil {
		return nil, fmt.Errorf("failed to ensure run_events index: %w", err)
	}

	log.Printf("✓ run_events table ready")
	return &PostgresStore{db: db}, nil
}

// Append implements Store
func (s *PostgresStore) Append(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	query := `
		INSERT INTO run_events (run_id, kind, stage, error, cause, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.db.ExecContext(ctx, query, ev.RunID, string(ev.Kind), ev.Stage, ev.Error, ev.Cause, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// Recent implements Store
func (s *PostgresStore) Recent(ctx context.Context, runID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `
		SELECT id, run_id, kind, stage, error, cause, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var kind string
		if err := rows.Scan(&ev.ID, &ev.RunID, &kind, &ev.Stage, &ev.Error, &ev.Cause, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		ev.Kind = Kind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
