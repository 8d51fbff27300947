package model

type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusProcessing RunStatus = "processing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusPaused     RunStatus = "paused"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

func (s RunStatus) Active() bool {
	return s == RunStatusPending || s == RunStatusProcessing
}

type PauseReason string

const (
	PauseNone        PauseReason = ""
	PauseBudget      PauseReason = "budget"
	PauseCancelled   PauseReason = "cancelled"
	PauseInterrupted PauseReason = "interrupted"
	PauseDuplicate   PauseReason = "duplicate_key"
	PauseWriteFailed PauseReason = "chunk_write_failed"
	PauseUnavailable PauseReason = "unavailable"
)

// Resumable reports whether a run paused for this reason is picked up again
// automatically. Any other reason needs an operator.
func (r PauseReason) Resumable() bool {
	return r == PauseBudget || r == PauseInterrupted || r == PauseUnavailable
}

const maxReportErrors = 50

type IngestReport struct {
	Created   int64    `json:"created"`
	Updated   int64    `json:"updated"`
	Unchanged int64    `json:"unchanged"`
	Skipped   int64    `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// AddError records a row-level error, keeping only the most recent ones.
func (r *IngestReport) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	if len(r.Errors) > maxReportErrors {
		r.Errors = r.Errors[len(r.Errors)-maxReportErrors:]
	}
}

type IngestRun struct {
	ID              string        `json:"id"`
	SourceID        string        `json:"source_id"`
	SourcePath      string        `json:"source_path"`
	SourceHash      string        `json:"source_hash"`
	TotalRows       *int64        `json:"total_rows"`
	ProcessedRows   int64         `json:"processed_rows"`
	LastOffset      int64         `json:"last_offset"`
	ChunkSize       int           `json:"chunk_size"`
	Status          RunStatus     `json:"status"`
	PauseReason     PauseReason   `json:"pause_reason,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
	// LeaseToken identifies the process that owns a processing entry.
	LeaseToken      string        `json:"-"`
	Report          *IngestReport `json:"report"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	StartedAt       int64         `json:"started_at"`
	UpdatedAt       int64         `json:"updated_at"`
	CompletedAt     *int64        `json:"completed_at,omitempty"`
}

// Progress is the processed share of the source in percent, or 0 while the
// total is unknown.
func (r *IngestRun) Progress() int {
	if r.TotalRows == nil || *r.TotalRows <= 0 {
		return 0
	}
	return int(float64(r.ProcessedRows) / float64(*r.TotalRows) * 100)
}
