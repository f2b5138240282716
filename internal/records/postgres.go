package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// PostgresStore persists processing records in the processing_records table
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over db, creating its table if needed
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}

	if err := store.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure processing_records table: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS processing_records (
			interview_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			current_step TEXT NOT NULL DEFAULT '',
			analysis_key TEXT NOT NULL DEFAULT '',
			transcript_key TEXT NOT NULL DEFAULT '',
			total_score INTEGER,
			error_message TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return err
	}

	log.Printf("✓ processing_records table ready")
	return nil
}

// Create implements Store
func (s *PostgresStore) Create(ctx context.Context, rec ProcessingRecord) (bool, error) {
	query := `
		INSERT INTO processing_records (interview_id, status, progress, current_step, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 1, NOW(), NOW())
		ON CONFLICT (interview_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query, rec.InterviewID, string(rec.Status), rec.Progress, rec.CurrentStep)
	if err != nil {
		return false, fmt.Errorf("failed to insert record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Get implements Store
func (s *PostgresStore) Get(ctx context.Context, interviewID string) (*ProcessingRecord, error) {
	query := `
		SELECT interview_id, status, progress, current_step, analysis_key, transcript_key,
		       total_score, error_message, version, created_at, updated_at
		FROM processing_records
		WHERE interview_id = $1
	`

	var rec ProcessingRecord
	var status string
	var score sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, interviewID).Scan(
		&rec.InterviewID,
		&status,
		&rec.Progress,
		&rec.CurrentStep,
		&rec.AnalysisKey,
		&rec.TranscriptKey,
		&score,
		&rec.ErrorMessage,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}

	rec.Status = pipeline.RecordStatus(status)
	if score.Valid {
		v := int(score.Int64)
		rec.TotalScore = &v
	}
	return &rec, nil
}

// CompareAndSwap implements Store. Unset patch fields are passed as NULL and keep the stored value.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, interviewID string, version int64, patch Patch) error {
	query := `
		UPDATE processing_records
		SET status = COALESCE($3, status),
		    progress = COALESCE($4, progress),
		    current_step = COALESCE($5, current_step),
		    analysis_key = COALESCE($6, analysis_key),
		    transcript_key = COALESCE($7, transcript_key),
		    total_score = COALESCE($8, total_score),
		    error_message = COALESCE($9, error_message),
		    version = version + 1,
		    updated_at = NOW()
		WHERE interview_id = $1 AND version = $2
	`

	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, query,
		interviewID,
		version,
		status,
		nullInt(patch.Progress),
		nullString(patch.CurrentStep),
		nullString(patch.AnalysisKey),
		nullString(patch.TranscriptKey),
		nullInt(patch.TotalScore),
		nullString(patch.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM processing_records WHERE interview_id = $1)`, interviewID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check record: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
