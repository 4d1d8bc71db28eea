// Package dispatch holds the downstream effects of terminal job transitions:
// publishing artifacts to the results site and notifying operators. The
// scheduler invokes these after a record reaches a terminal state and records
// the outcome, so a dispatch that failed is retried on a later tick.
package dispatch

import (
	"context"

	"github.com/observatorio-andes/snowflow/job"
)

// Outcome classifies a terminal transition for notification purposes.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeFailure           Outcome = "failure"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeExhausted         Outcome = "attempts_exhausted"
	OutcomeSubmissionFailure Outcome = "submission_failure"
)

// Event describes a terminal transition handed to the notifier.
type Event struct {
	Record  *job.Record
	Outcome Outcome

	// Message is the human-readable summary: the artifact on success, the
	// error on failure.
	Message string
}

// Publisher publishes a succeeded record's artifact downstream.
// Implementations must be idempotent: the scheduler re-invokes Publish for
// any succeeded record whose publication was never confirmed.
type Publisher interface {
	Publish(ctx context.Context, rec *job.Record) error
}

// Notifier delivers a terminal-transition notification to operators.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NoopPublisher ignores publications. Used when publishing is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, rec *job.Record) error { return nil }

// NoopNotifier ignores notifications. Used when email is disabled.
type NoopNotifier struct{}

func (NoopNotifier) Notify(ctx context.Context, ev Event) error { return nil }
