package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tendant/transcript-pipeline/pkg/pipeline"
)

// maxUpdateAttempts bounds the compare-and-set retry loop in Update
const maxUpdateAttempts = 5

// ProcessingRecord is the persisted status of one run, polled by the UI
type ProcessingRecord struct {
	InterviewID   string
	Status        pipeline.RecordStatus
	Progress      int
	CurrentStep   string
	AnalysisKey   string
	TranscriptKey string
	TotalScore    *int
	ErrorMessage  string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the record holds a final status
func (r *ProcessingRecord) Terminal() bool {
	return r.Status == pipeline.RecordCompleted || r.Status == pipeline.RecordFailed
}

// View converts the record into its JSON shape
func (r *ProcessingRecord) View() pipeline.ProcessingRecordView {
	return pipeline.ProcessingRecordView{
		InterviewID:   r.InterviewID,
		Status:        r.Status,
		Progress:      r.Progress,
		CurrentStep:   r.CurrentStep,
		AnalysisKey:   r.AnalysisKey,
		TranscriptKey: r.TranscriptKey,
		TotalScore:    r.TotalScore,
		ErrorMessage:  r.ErrorMessage,
		UpdatedAt:     r.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// Patch is a partial update; nil fields are left unchanged
type Patch struct {
	Status        *pipeline.RecordStatus
	Progress      *int
	CurrentStep   *string
	AnalysisKey   *string
	TranscriptKey *string
	TotalScore    *int
	ErrorMessage  *string
}

// ApplyTo copies the set fields of p onto rec
func (p Patch) ApplyTo(rec *ProcessingRecord) {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Progress != nil {
		rec.Progress = *p.Progress
	}
	if p.CurrentStep != nil {
		rec.CurrentStep = *p.CurrentStep
	}
	if p.AnalysisKey != nil {
		rec.AnalysisKey = *p.AnalysisKey
	}
	if p.TranscriptKey != nil {
		rec.TranscriptKey = *p.TranscriptKey
	}
	if p.TotalScore != nil {
		score := *p.TotalScore
		rec.TotalScore = &score
	}
	if p.ErrorMessage != nil {
		rec.ErrorMessage = *p.ErrorMessage
	}
}

// Store persists processing records keyed by interview id
type Store interface {
	// Create inserts rec unless a record with the same id exists; it reports whether it inserted
	Create(ctx context.Context, rec ProcessingRecord) (bool, error)

	// Get returns the record or ErrNotFound
	Get(ctx context.Context, interviewID string) (*ProcessingRecord, error)

	// CompareAndSwap applies patch only if the stored version equals version
	CompareAndSwap(ctx context.Context, interviewID string, version int64, patch Patch) error

	// Ping checks the store is reachable
	Ping(ctx context.Context) error
}

// Update reads the current record, asks mutate for a patch and writes it with
// compare-and-set, retrying on conflict. A missing record is created first.
// mutate returning false skips the write.
func Update(ctx context.Context, store Store, interviewID string, mutate func(current *ProcessingRecord) (Patch, bool)) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := store.Get(ctx, interviewID)
		if errors.Is(err, ErrNotFound) {
			if _, err := store.Create(ctx, ProcessingRecord{
				InterviewID: interviewID,
				Status:      pipeline.RecordProcessing,
			}); err != nil {
				return fmt.Errorf("failed to create record: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}

		patch, ok := mutate(current)
		if !ok {
			return nil
		}

		err = store.CompareAndSwap(ctx, interviewID, current.Version, patch)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update record %s: %w", interviewID, ErrVersionConflict)
}

// String returns a pointer to s
func String(s string) *string {
	return &s
}

// Int returns a pointer to i
func Int(i int) *int {
	return &i
}

// Status returns a pointer to s
func Status(s pipeline.RecordStatus) *pipeline.RecordStatus {
	return &s
}
