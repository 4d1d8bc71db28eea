// Package remote wraps the export service's asynchronous task API: submit a
// task, poll it by handle, cancel it. Errors are classified so the scheduler
// can tell a retryable hiccup from a rejected request.
package remote

import (
	"context"

	"github.com/observatorio-andes/snowflow/errors"
)

// Phase is the normalized observation of a remote task.
type Phase string

const (
	// PhaseRunning covers every remote state that means "still in flight",
	// including queued states the service reports before execution starts.
	PhaseRunning Phase = "running"

	// PhaseSucceeded means the task completed and produced an artifact.
	PhaseSucceeded Phase = "succeeded"

	// PhaseFailed means the task ended without an artifact, whether it
	// errored or was cancelled remotely.
	PhaseFailed Phase = "failed"
)

// TaskStatus is one poll observation of a remote task.
type TaskStatus struct {
	Phase Phase

	// ArtifactRef identifies the produced artifact when Phase is succeeded.
	ArtifactRef string

	// Detail carries the raw remote state and any error message the service
	// reported, for logs and record bookkeeping.
	Detail string
}

// Client is the remote task API used by the scheduler. Implementations must
// be safe for concurrent use.
type Client interface {
	// Submit starts a remote task and returns its handle. The call returns
	// as soon as the service accepts the task; completion is observed via
	// Poll.
	Submit(ctx context.Context, jobType string, params []byte) (handle string, err error)

	// Poll reports the task's current status. A missing handle yields an
	// error matching ErrTaskNotFound.
	Poll(ctx context.Context, handle string) (*TaskStatus, error)

	// Cancel requests cancellation of a task. Cancelling a task that already
	// finished is not an error.
	Cancel(ctx context.Context, handle string) error
}

// ErrTaskNotFound means the service has no task for the polled handle. The
// scheduler treats it like a remote failure: the attempt is lost but the job
// type may retry.
var ErrTaskNotFound = errors.New("remote task not found")

// transientError marks an error as retryable without consuming an attempt.
type transientError struct {
	cause error
}

func (e *transientError) Error() string { return e.cause.Error() }
func (e *transientError) Unwrap() error { return e.cause }

// MarkTransient wraps err as transient: network failures, 5xx responses, and
// quota pushback. Nil stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{cause: err}
}

// IsTransient reports whether err is marked transient. Errors that are not
// transient and not ErrTaskNotFound are permanent rejections.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
