package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWorkflowNotFound is returned when no workflow has the requested id
var ErrWorkflowNotFound = errors.New("workflow not found")

// WorkflowStatus is a row of the DBOS workflow status table
type WorkflowStatus struct {
	WorkflowID string    `json:"workflow_id"`
	Status     string    `json:"status"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetWorkflowStatus reads the durable status of a run from the DBOS system tables
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowID string) (*WorkflowStatus, error) {
	query := `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

	var info WorkflowStatus
	var createdAt, updatedAt int64
	err := r.db.QueryRowContext(ctx, query, workflowID).Scan(
		&info.WorkflowID,
		&info.Status,
		&info.Name,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	info.CreatedAt = time.UnixMilli(createdAt).UTC()
	info.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &info, nil
}
