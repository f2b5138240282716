package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// Ledger counts sightings of object-created notifications. The first sighting of an
// identity claims it; later sightings are duplicates of the same logical upload.
type Ledger interface {
	// Record counts one sighting of identity. It returns the seen count and the run id
	// stored by the first sighting.
	Record(ctx context.Context, identity string, runID string) (int, string, error)

	// Release forgets identity so a redelivered notification can claim it again
	Release(ctx context.Context, identity string) error
}

// Tracker is a Postgres-backed Ledger
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a new dedupe tracker
func NewTracker(db *sql.DB) (*Tracker, error) {
	tracker := &Tracker{db: db}

	// Create table if not exists
	if err := tracker.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

// ensureTable creates the object_dedupe table if it doesn't exist
func (t *Tracker) ensureTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS object_dedupe (
			identity TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1
		)
	`

	_, err := t.db.Exec(query)
	if err != nil {
		return fmt.Errorf("failed to create object_dedupe table: %w", err)
	}

	log.Printf("✓ object_dedupe table ready")
	return nil
}

// Record implements Ledger
func (t *Tracker) Record(ctx context.Context, identity string, runID string) (int, string, error) {
	// Upsert: increment seen_count if exists, insert if not; the first run id is kept
	query := `
		INSERT INTO object_dedupe (identity, run_id, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, NOW(), NOW(), 1)
		ON CONFLICT (identity) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = object_dedupe.seen_count + 1
		RETURNING seen_count, run_id
	`

	var seenCount int
	var claimedBy string
	err := t.db.QueryRowContext(ctx, query, identity, runID).Scan(&seenCount, &claimedBy)
	if err != nil {
		return 0, "", fmt.Errorf("failed to record dedupe: %w", err)
	}

	return seenCount, claimedBy, nil
}

// Release implements Ledger
func (t *Tracker) Release(ctx context.Context, identity string) error {
	if _, err := t.db.ExecContext(ctx, `DELETE FROM object_dedupe WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("failed to release dedupe claim: %w", err)
	}
	return nil
}

// GetSeenCount retrieves the seen count for an identity
func (t *Tracker) GetSeenCount(ctx context.Context, identity string) (int, error) {
	query := `SELECT seen_count FROM object_dedupe WHERE identity = $1`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, identity).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
