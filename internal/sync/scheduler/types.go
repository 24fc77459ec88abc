package scheduler

import (
	"context"
	"time"
)

// JobType selects which queue a job runs on.
type JobType int

const (
	// JobTypeMetadata covers remote metadata calls: listings, change
	// feeds, renames, deletes.
	JobTypeMetadata JobType = iota
	// JobTypeFileTransfer covers uploads and downloads.
	JobTypeFileTransfer
)

func (t JobType) String() string {
	switch t {
	case JobTypeMetadata:
		return "metadata"
	case JobTypeFileTransfer:
		return "file_transfer"
	default:
		return "unknown"
	}
}

// Priority orders job start within a queue. User-initiated jobs start
// before background jobs; within a class, first-in starts first.
type Priority int

const (
	PriorityUserInitiated Priority = iota
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityUserInitiated:
		return "user"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// JobState is the lifecycle state of a job.
//
//	QUEUED -> RUNNING -> DONE
//	              \-> RETRY_WAIT -> QUEUED
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateRetryWait JobState = "retry_wait"
	JobStateDone      JobState = "done"
)

// JobID identifies a scheduled job.
type JobID string

// JobInfo is a diagnostic snapshot of one job.
type JobInfo struct {
	ID             JobID
	Type           JobType
	State          JobState
	Priority       Priority
	Description    string
	RetryCount     int
	BytesProcessed int64
	BytesTotal     int64
	CreatedAt      time.Time
}

// Progress reports transfer progress from inside a running job.
type Progress func(processed, total int64)

// JobFunc performs (or re-performs, on retry) the remote work of a job.
// Cancelling ctx is the job's best-effort abort.
type JobFunc func(ctx context.Context, progress Progress) error

// Callback receives ownership of the job's outcome exactly once, on
// terminal completion: success, exhausted retries, or cancellation.
type Callback func(err error)

// Observer receives job lifecycle notifications. Callbacks run outside
// the scheduler's lock but on scheduler-owned goroutines; keep them
// fast.
type Observer interface {
	OnJobAdded(info JobInfo)
	OnJobUpdated(info JobInfo)
	OnJobDone(info JobInfo, err error)
}

// ConnectionStatus gates job admission.
type ConnectionStatus int

const (
	// Disconnected holds every job.
	Disconnected ConnectionStatus = iota
	// Metered lets metadata and user-initiated transfers through;
	// background transfers wait unless configured otherwise.
	Metered
	// Connected lets everything through.
	Connected
)

// ConnectionMonitor reports the current connectivity condition.
type ConnectionMonitor interface {
	Status() ConnectionStatus
}

// StaticConnection is a fixed-status monitor, used as the default and
// in tests.
type StaticConnection ConnectionStatus

func (c StaticConnection) Status() ConnectionStatus { return ConnectionStatus(c) }
