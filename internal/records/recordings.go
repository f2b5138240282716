package records

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"
)

// Recording is one entry of the secondary recordings index owned by a user
type Recording struct {
	RecordingID string
	UserID      string
	InterviewID string
	Name        string
	Status      string
	UpdatedAt   time.Time
}

// RecordingsIndex is the per-user index of uploaded recordings
type RecordingsIndex interface {
	// Upsert inserts or replaces a recording entry
	Upsert(ctx context.Context, rec Recording) error

	// FindByInterview returns the user's recordings linked to interviewID
	FindByInterview(ctx context.Context, userID, interviewID string) ([]Recording, error)

	// SetStatus updates the status of one recording
	SetStatus(ctx context.Context, userID, recordingID, status string) error
}

// MemoryRecordings is an in-process RecordingsIndex
type MemoryRecordings struct {
	mu         sync.Mutex
	recordings map[string]Recording
}

// NewMemoryRecordings creates an empty index
func NewMemoryRecordings() *MemoryRecordings {
	return &MemoryRecordings{recordings: make(map[string]Recording)}
}

func recordingKey(userID, recordingID string) string {
	return userID + "/" + recordingID
}

// Upsert implements RecordingsIndex
func (m *MemoryRecordings) Upsert(ctx context.Context, rec Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now()
	m.recordings[recordingKey(rec.UserID, rec.RecordingID)] = rec
	return nil
}

// FindByInterview implements RecordingsIndex
func (m *MemoryRecordings) FindByInterview(ctx context.Context, userID, interviewID string) ([]Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Recording
	for _, rec := range m.recordings {
		if rec.UserID == userID && rec.InterviewID == interviewID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetStatus implements RecordingsIndex
func (m *MemoryRecordings) SetStatus(ctx context.Context, userID, recordingID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordingKey(userID, recordingID)
	rec, ok := m.recordings[key]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	m.recordings[key] = rec
	return nil
}

// PostgresRecordings stores the recordings index in the recordings table
type PostgresRecordings struct {
	db *sql.DB
}

// NewPostgresRecordings creates the index over db, creating its table if needed
func NewPostgresRecordings(ctx context.Context, db *sql.DB) (*PostgresRecordings, error) {
	query := `
		CREATE TABLE IF NOT EXISTS recordings (
			user_id TEXT NOT NULL,
			recording_id TEXT NOT NULL,
			interview_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, recording_id)
		)
	`
	if _, err := db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("failed to ensure recordings table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS recordings_interview_idx ON recordings (user_id, interview_id)`); err != nil {
		return nil, fmt.Errorf("failed to ensure recordings index: %w", err)
	}

	log.Printf("✓ recordings table ready")
	return &PostgresRecordings{db: db}, nil
}

// Upsert implements RecordingsIndex
func (p *PostgresRecordings) Upsert(ctx context.Context, rec Recording) error {
	query := `
		INSERT INTO recordings (user_id, recording_id, interview_id, name, status, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, recording_id) DO UPDATE
		SET interview_id = EXCLUDED.interview_id,
		    name = EXCLUDED.name,
		    status = EXCLUDED.status,
		    updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, rec.UserID, rec.RecordingID, rec.InterviewID, rec.Name, rec.Status); err != nil {
		return fmt.Errorf("failed to upsert recording: %w", err)
	}
	return nil
}

// FindByInterview implements RecordingsIndex
func (p *PostgresRecordings) FindByInterview(ctx context.Context, userID, interviewID string) ([]Recording, error) {
	query := `
		SELECT user_id, recording_id, interview_id, name, status, updated_at
		FROM recordings
		WHERE user_id = $1 AND interview_id = $2
	`
	rows, err := p.db.QueryContext(ctx, query, userID, interviewID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		var rec Recording
		if err := rows.Scan(&rec.UserID, &rec.RecordingID, &rec.InterviewID, &rec.Name, &rec.Status, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetStatus implements RecordingsIndex
func (p *PostgresRecordings) SetStatus(ctx context.Context, userID, recordingID, status string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE recordings SET status = $3, updated_at = NOW() WHERE user_id = $1 AND recording_id = $2`,
		userID, recordingID, status)
	if err != nil {
		return fmt.Errorf("failed to update recording status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
