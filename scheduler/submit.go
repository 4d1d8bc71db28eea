// Package scheduler runs the two timer loops that drive snowflow: the
// Initiator creates and submits job records when their cadence is due, and
// the Orchestrator polls in-flight records to a terminal state and fires the
// downstream effects. The loops share nothing in-process; the job store is
// their only rendezvous, so either can run in a separate process.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/dispatch"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/remote"
)

// submitter is the shared submission path. The initiator uses it for fresh
// and lingering pending records; the orchestrator uses it to resubmit retry
// records immediately when the job type has no retry backoff.
type submitter struct {
	store    *job.Store
	client   remote.Client
	notifier dispatch.Notifier
	log      *zap.SugaredLogger
}

// submit pushes one pending record to the remote service.
//
// Transient submission failures leave the record pending so the next
// initiator tick re-attempts without consuming an attempt. Permanent
// rejections terminate the record as failed and fire a submission-failure
// notification.
func (s *submitter) submit(ctx context.Context, rec *job.Record, now time.Time) error {
	handle, err := s.client.Submit(ctx, rec.JobType, rec.Params)
	if err != nil {
		if remote.IsTransient(err) {
			s.log.Warnw("Transient submission failure, will retry next tick",
				"record_id", rec.ID,
				"job_type", rec.JobType,
				"error", err,
			)
			return nil
		}

		s.log.Errorw("Submission rejected permanently",
			"record_id", rec.ID,
			"job_type", rec.JobType,
			"error", err,
		)
		if terr := s.store.MarkFailed(rec.ID, err.Error(), now); terr != nil {
			return errors.Wrap(terr, "failed to record submission rejection")
		}
		s.notify(ctx, rec.ID, dispatch.OutcomeSubmissionFailure, err.Error())
		return nil
	}

	if err := s.store.MarkSubmitted(rec.ID, handle, now); err != nil {
		// A concurrent instance moved the record first; the remote task is
		// now tracked by whoever won.
		if errors.IsConflictError(err) {
			s.log.Warnw("Record moved during submission", "record_id", rec.ID, "handle", handle)
			return nil
		}
		return err
	}

	s.log.Infow("Job submitted",
		"record_id", rec.ID,
		"job_type", rec.JobType,
		"attempt", rec.Attempt,
		"handle", handle,
	)
	return nil
}

// notify sends a best-effort notification for the record. Failures are
// logged, never escalated; a successful delivery is recorded so the
// reconcile pass knows it is done.
func (s *submitter) notify(ctx context.Context, recordID string, outcome dispatch.Outcome, message string) {
	rec, err := s.store.Get(recordID)
	if err != nil {
		s.log.Errorw("Failed to load record for notification", "record_id", recordID, "error", err)
		return
	}

	ev := dispatch.Event{Record: rec, Outcome: outcome, Message: message}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.Warnw("Notification failed",
			"record_id", recordID,
			"outcome", outcome,
			"error", err,
		)
		return
	}
	if err := s.store.MarkNotified(recordID, time.Now()); err != nil {
		s.log.Warnw("Failed to record notification", "record_id", recordID, "error", err)
	}
}
