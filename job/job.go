// Package job defines the snowflow job model: recurring job types, the
// per-attempt records the scheduler drives through their lifecycle, and the
// SQLite store that persists them.
package job

import (
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job record.
type State string

const (
	// StatePending means the record exists but has not been accepted by the
	// remote service yet.
	StatePending State = "pending"

	// StateSubmitted means the remote service accepted the task and returned
	// a handle, but no poll has observed it running yet.
	StateSubmitted State = "submitted"

	// StateRunning means a poll observed the remote task executing.
	StateRunning State = "running"

	// StateSucceeded means the remote task completed and produced an artifact.
	StateSucceeded State = "succeeded"

	// StateFailed means the task failed permanently, either remotely or
	// because submission was rejected.
	StateFailed State = "failed"

	// StateTimedOut means the task exceeded its deadline and was abandoned.
	StateTimedOut State = "timed_out"

	// StateCancelled means an operator cancelled the record.
	StateCancelled State = "cancelled"
)

// OpenStates are the non-terminal states. At most one record per job type may
// be in any of these at a time.
var OpenStates = []State{StatePending, StateSubmitted, StateRunning}

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// IsOpen reports whether the state is one of the open (non-terminal) states.
func (s State) IsOpen() bool {
	return !s.IsTerminal()
}

// Record is one attempt of a recurring job type. Retries are new records with
// attempt incremented; a record never leaves a terminal state.
type Record struct {
	ID       string
	JobType  string
	Attempt  int
	State    State
	Params   []byte // JSON parameters captured at creation time

	// Remote task tracking
	TaskHandle string
	Artifact   string
	Error      string

	// Dispatch outcome tracking. PublishError records the last publish
	// failure so reconciliation can report it; PublishedAt and NotifiedAt
	// being set means the corresponding dispatch step ran.
	PublishError string
	PublishedAt  *time.Time
	NotifiedAt   *time.Time

	// Polling bookkeeping
	SubmittedAt     *time.Time
	LastPolledAt    *time.Time
	NextCheckAt     *time.Time
	PollIntervalSec int
	LeaseUntil      *time.Time

	CancelAckedAt *time.Time
	CompletedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord creates a pending record for the given job type with a fresh ID.
func NewRecord(jobType string, params []byte, attempt int, now time.Time) *Record {
	return &Record{
		ID:              uuid.New().String(),
		JobType:         jobType,
		Attempt:         attempt,
		State:           StatePending,
		Params:          params,
		PollIntervalSec: DefaultPollIntervalSec,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// DefaultPollIntervalSec is the starting poll interval for newly submitted
// records. Transient poll failures back off from here.
const DefaultPollIntervalSec = 15

// MaxPollIntervalSec caps the poll backoff.
const MaxPollIntervalSec = 300

// NextPollInterval doubles the current poll interval, capped at
// MaxPollIntervalSec. Used after transient poll failures so an unhealthy
// remote service is not hammered.
func NextPollInterval(current int) int {
	if current <= 0 {
		current = DefaultPollIntervalSec
	}
	next := current * 2
	if next > MaxPollIntervalSec {
		next = MaxPollIntervalSec
	}
	return next
}

// TimedOut reports whether the record has exceeded the given timeout measured
// from its submission time. Records that were never submitted cannot time out.
func (r *Record) TimedOut(timeout time.Duration, now time.Time) bool {
	if r.SubmittedAt == nil || timeout <= 0 {
		return false
	}
	return now.Sub(*r.SubmittedAt) > timeout
}
