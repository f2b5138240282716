package pipeline

// ObjectCreatedEvent is the object-store notification that starts a run
type ObjectCreatedEvent struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	VersionID string `json:"version_id,omitempty"`
	ETag      string `json:"etag,omitempty"`
	Sequencer string `json:"sequencer,omitempty"`
	Size      int64  `json:"size,omitempty"`
}

// Identity returns the string identifying one logical upload of one object version.
// Duplicate deliveries of the same notification share an identity.
func (e ObjectCreatedEvent) Identity() string {
	version := e.VersionID
	if version == "" {
		version = e.ETag
	}
	if version == "" {
		version = e.Sequencer
	}
	return e.Bucket + "/" + e.Key + "#" + version
}

// RunInput is the original trigger payload of a run
type RunInput struct {
	Bucket        string `json:"bucket"`
	Key           string `json:"key"`
	RecordingName string `json:"recording_name"`
	UserID        string `json:"user_id,omitempty"`
	InterviewID   string `json:"interview_id"`
	RecordingID   string `json:"recording_id,omitempty"`
}

// RunStatus is the terminal status carried by a run-status event
type RunStatus string

// RunStatus constants
const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunTimedOut  RunStatus = "timed_out"
	RunAborted   RunStatus = "aborted"
)

// Valid reports whether s is one of the known terminal statuses
func (s RunStatus) Valid() bool {
	switch s {
	case RunSucceeded, RunFailed, RunTimedOut, RunAborted:
		return true
	}
	return false
}

// RunStatusEvent is emitted when a run reaches a terminal status.
// Input and Output hold serialized JSON and may be absent or invalid.
type RunStatusEvent struct {
	ExecutionID string    `json:"executionId"`
	Status      RunStatus `json:"status"`
	Input       string    `json:"input"`
	Output      string    `json:"output,omitempty"`
}

// RecordStatus is the status column of a processing record
type RecordStatus string

// RecordStatus constants
const (
	RecordProcessing RecordStatus = "processing"
	RecordCompleted  RecordStatus = "completed"
	RecordFailed     RecordStatus = "failed"
)

// Recording index status constants
const (
	RecordingProcessing = "PROCESSING"
	RecordingAnalyzed   = "ANALYZED"
	RecordingError      = "ERROR"
)

// Bus topics
const (
	TopicObjectCreated = "object_created"
	TopicRunStatus     = "run_status"
)

// ProcessingRecordView is the JSON shape of a processing record served to clients
type ProcessingRecordView struct {
	InterviewID   string       `json:"interview_id"`
	Status        RecordStatus `json:"status"`
	Progress      int          `json:"progress"`
	CurrentStep   string       `json:"current_step,omitempty"`
	AnalysisKey   string       `json:"analysis_key,omitempty"`
	TranscriptKey string       `json:"transcript_key,omitempty"`
	TotalScore    *int         `json:"total_score,omitempty"`
	ErrorMessage  string       `json:"error_message,omitempty"`
	UpdatedAt     string       `json:"updated_at"`
}

// TriggerResponse is returned by the webhook endpoints after a notification is accepted
type TriggerResponse struct {
	Accepted bool   `json:"accepted"`
	Topic    string `json:"topic"`
}

// RunView is returned by GET /v1/runs/{runId}
type RunView struct {
	ProcessingRecordView
	// WorkflowStatus is the durable workflow state, when the service runs on DBOS
	WorkflowStatus string `json:"workflow_status,omitempty"`
}

// UploadResponse is returned after a recording is uploaded to the standalone service
type UploadResponse struct {
	ContentID string `json:"content_id"`
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
}
