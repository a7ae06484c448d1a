package batch

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a run. Runs start as running and
// move to completed or failed exactly once.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal reports whether the status is completed or failed
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobType names a kind of job. At most one run per type is running at a time.
type JobType string

const (
	JobUpdateCheck  JobType = "update_check"
	JobHistoryPrune JobType = "history_prune"
)

// StaleRunMessage is recorded on runs failed by stale-lock recovery
const StaleRunMessage = "job was interrupted, likely a process restart"

// TimeoutMessage prefixes the error recorded on runs cut off by the job timeout
const TimeoutMessage = "job exceeded timeout"

var (
	// ErrRunNotActive is returned when finishing a run that is no longer
	// running or is owned by another process
	ErrRunNotActive = errors.New("run is not active")
	// ErrUnknownJobType is returned when starting a job type that was never registered
	ErrUnknownJobType = errors.New("unknown job type")
)

// Run is one execution of a job
type Run struct {
	ID           int64      `json:"id"`
	JobType      JobType    `json:"job_type"`
	Status       RunStatus  `json:"status"`
	IsManual     bool       `json:"is_manual"`
	Owner        string     `json:"-"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	CheckedCount int        `json:"checked_count"`
	UpdatedCount int        `json:"updated_count"`
	ErrorMessage string     `json:"error_message,omitempty"`
	LogText      string     `json:"log_text,omitempty"`
}

// AcquireRequest asks the store to lock a job type and insert a running row
type AcquireRequest struct {
	JobType  JobType
	IsManual bool
	// Owner identifies the process; only the owner may finish the run
	Owner     string
	StartedAt time.Time
	// A running row started before StaleBefore is failed and replaced
	StaleBefore time.Time
}

// AcquireResult reports the outcome of AcquireRun
type AcquireResult struct {
	// Run is the inserted row when Acquired
	Run      *Run
	Acquired bool
	// ExistingRunID is the fresh running row that blocked acquisition
	ExistingRunID int64
	// ReapedRunID is a stale row failed on the way to acquiring, if any
	ReapedRunID int64
}

// Outcome is written once at a run's terminal transition
type Outcome struct {
	Status       RunStatus
	CompletedAt  time.Time
	CheckedCount int
	UpdatedCount int
	ErrorMessage string
	LogText      string
}

// Store persists runs. AcquireRun must check for a running row and insert
// the new one atomically.
type Store interface {
	AcquireRun(ctx context.Context, req AcquireRequest) (AcquireResult, error)
	FinishRun(ctx context.Context, id int64, owner string, outcome Outcome) error
	// FailStaleRuns fails running rows started before olderThan and returns their ids
	FailStaleRuns(ctx context.Context, olderThan time.Time, message string, now time.Time) ([]int64, error)
	// LatestRun returns the most recent run of jobType, or of any type when
	// jobType is empty. It returns nil when there is none.
	LatestRun(ctx context.Context, jobType JobType) (*Run, error)
	LatestRunsByJobType(ctx context.Context) (map[JobType]Run, error)
	RecentRuns(ctx context.Context, limit int) ([]Run, error)
	// PruneRuns deletes terminal runs started before olderThan
	PruneRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// Result is what a job reports back to the scheduler
type Result struct {
	Checked int
	Updated int
	// Error summarizes partial failures of a run that still completed
	Error string
}

// JobFunc executes one run. Lines written to log are stored with the run.
type JobFunc func(ctx context.Context, run Run, log *LogBuffer) (Result, error)

// CompletionHook receives every run after its terminal transition
type CompletionHook func(ctx context.Context, run Run)

// StartResult is returned by StartJob. AlreadyRunning is a normal outcome, not an error.
type StartResult struct {
	RunID          int64 `json:"run_id,omitempty"`
	AlreadyRunning bool  `json:"already_running"`
	ExistingRunID  int64 `json:"existing_run_id,omitempty"`
}
