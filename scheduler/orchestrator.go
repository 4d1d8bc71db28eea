package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/dispatch"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/remote"
)

// Orchestrator drives every in-flight job record toward a terminal state.
// Each tick it leases due records, polls their remote tasks, applies the
// retry and timeout policy, and re-dispatches any succeeded record whose
// downstream effects were never confirmed.
type Orchestrator struct {
	store     *job.Store
	registry  *job.Registry
	client    remote.Client
	publisher dispatch.Publisher
	sub       *submitter

	interval  time.Duration
	lease     time.Duration
	batchSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger

	mu         sync.Mutex
	lastActive int
}

// OrchestratorConfig configures the orchestrator loop.
type OrchestratorConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// Lease is how long a claimed record stays invisible to peer instances.
	Lease time.Duration

	// BatchSize caps how many records one tick polls.
	BatchSize int
}

// NewOrchestrator creates an orchestrator. Call Start to begin ticking.
func NewOrchestrator(ctx context.Context, store *job.Store, registry *job.Registry, client remote.Client, publisher dispatch.Publisher, notifier dispatch.Notifier, cfg OrchestratorConfig, log *zap.SugaredLogger) *Orchestrator {
	loopCtx, cancel := context.WithCancel(ctx)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Orchestrator{
		store:      store,
		registry:   registry,
		client:     client,
		publisher:  publisher,
		sub:        &submitter{store: store, client: client, notifier: notifier, log: log},
		interval:   cfg.Interval,
		lease:      cfg.Lease,
		batchSize:  cfg.BatchSize,
		ctx:        loopCtx,
		cancel:     cancel,
		log:        log,
		lastActive: -1,
	}
}

// Start begins the orchestrator loop.
func (o *Orchestrator) Start() {
	o.wg.Add(1)
	go o.run()
	o.log.Infow("Orchestrator started",
		"interval", o.interval,
		"lease", o.lease,
		"batch_size", o.batchSize,
	)
}

// Stop gracefully stops the orchestrator loop.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.log.Infow("Orchestrator stopped")
}

func (o *Orchestrator) run() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case now := <-ticker.C:
			if err := o.Tick(o.ctx, now); err != nil {
				o.log.Warnw("Orchestrator tick error", "error", err)
			}
			o.logActivity()
		}
	}
}

// Tick runs one orchestrator pass. Per-record failures are isolated: an
// error polling one record never blocks the rest of the batch.
func (o *Orchestrator) Tick(ctx context.Context, now time.Time) error {
	o.ackCancellations(ctx, now)

	leased, err := o.store.LeaseDue(now, o.lease, o.batchSize)
	if err != nil {
		return errors.Wrap(err, "failed to lease due records")
	}

	for _, rec := range leased {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := o.process(ctx, rec, now); err != nil {
			o.log.Errorw("Failed to process record",
				"record_id", rec.ID,
				"job_type", rec.JobType,
				"error", err,
			)
		}
	}

	o.reconcile(ctx)
	return nil
}

// process polls one leased record and advances its state.
func (o *Orchestrator) process(ctx context.Context, rec *job.Record, now time.Time) error {
	jt, err := o.registry.Get(rec.JobType)
	if err != nil {
		// The catalog no longer knows this type; nothing can retry it.
		if terr := o.store.MarkFailed(rec.ID, "job type removed from catalog", now); terr != nil {
			return terr
		}
		o.sub.notify(ctx, rec.ID, dispatch.OutcomeFailure, "job type removed from catalog")
		return nil
	}

	status, err := o.client.Poll(ctx, rec.TaskHandle)
	if err != nil {
		if errors.Is(err, remote.ErrTaskNotFound) {
			// The handle expired remotely; the attempt is lost but the job
			// type may retry.
			return o.failAndRetry(ctx, rec, jt, dispatch.OutcomeFailure, err.Error(), now)
		}
		// Transient poll failure: state untouched, back off and try later.
		o.log.Warnw("Poll failed, backing off",
			"record_id", rec.ID,
			"handle", rec.TaskHandle,
			"error", err,
		)
		return o.store.RecordPollBackoff(rec.ID, rec.PollIntervalSec, now)
	}

	switch status.Phase {
	case remote.PhaseSucceeded:
		if err := o.store.MarkSucceeded(rec.ID, status.ArtifactRef, now); err != nil {
			if errors.IsConflictError(err) {
				return nil // a peer instance finished it first
			}
			return err
		}
		o.log.Infow("Job succeeded",
			"record_id", rec.ID,
			"job_type", rec.JobType,
			"attempt", rec.Attempt,
			"artifact", status.ArtifactRef,
		)
		o.dispatchSuccess(ctx, rec.ID)
		return nil

	case remote.PhaseFailed:
		return o.failAndRetry(ctx, rec, jt, dispatch.OutcomeFailure, status.Detail, now)

	default: // still running
		if rec.TimedOut(jt.Timeout, now) {
			return o.timeOut(ctx, rec, jt, now)
		}
		if rec.State == job.StateSubmitted {
			if err := o.store.MarkRunning(rec.ID, now); err != nil && !errors.IsConflictError(err) {
				return err
			}
		}
		// Every status check backs off the next poll, up to the cap.
		return o.store.RecordPollBackoff(rec.ID, rec.PollIntervalSec, now)
	}
}

// failAndRetry marks the record failed and applies the retry policy.
func (o *Orchestrator) failAndRetry(ctx context.Context, rec *job.Record, jt *job.Type, outcome dispatch.Outcome, detail string, now time.Time) error {
	if err := o.store.MarkFailed(rec.ID, detail, now); err != nil {
		if errors.IsConflictError(err) {
			return nil
		}
		return err
	}
	o.log.Warnw("Job attempt failed",
		"record_id", rec.ID,
		"job_type", rec.JobType,
		"attempt", rec.Attempt,
		"detail", detail,
	)
	return o.retryOrExhaust(ctx, rec, jt, outcome, detail, now)
}

// timeOut marks the record timed out, best-effort cancels the remote task,
// and applies the retry policy. Timeouts count as failures for retries.
func (o *Orchestrator) timeOut(ctx context.Context, rec *job.Record, jt *job.Type, now time.Time) error {
	detail := fmt.Sprintf("task exceeded %s timeout", jt.Timeout)
	if err := o.store.MarkTimedOut(rec.ID, detail, now); err != nil {
		if errors.IsConflictError(err) {
			return nil
		}
		return err
	}
	o.log.Warnw("Job timed out",
		"record_id", rec.ID,
		"job_type", rec.JobType,
		"attempt", rec.Attempt,
		"timeout", jt.Timeout,
	)

	if err := o.client.Cancel(ctx, rec.TaskHandle); err != nil {
		o.log.Warnw("Failed to cancel timed-out remote task",
			"record_id", rec.ID,
			"handle", rec.TaskHandle,
			"error", err,
		)
	}

	return o.retryOrExhaust(ctx, rec, jt, dispatch.OutcomeTimeout, detail, now)
}

// retryOrExhaust creates the successor record when attempts remain,
// otherwise fires the terminal failure notification. The predecessor is
// already terminal and is never touched again.
func (o *Orchestrator) retryOrExhaust(ctx context.Context, rec *job.Record, jt *job.Type, outcome dispatch.Outcome, detail string, now time.Time) error {
	if rec.Attempt >= jt.MaxAttempts {
		msg := fmt.Sprintf("attempt %d/%d: %s", rec.Attempt, jt.MaxAttempts, detail)
		o.sub.notify(ctx, rec.ID, dispatch.OutcomeExhausted, msg)
		return nil
	}

	retry := job.NewRecord(jt.Name, jt.Params, rec.Attempt+1, now)
	if jt.Backoff > 0 {
		due := now.Add(jt.Backoff)
		retry.NextCheckAt = &due
	}
	if err := o.store.CreateIfIdle(retry); err != nil {
		if errors.IsConflictError(err) {
			o.log.Debugw("Retry already created by a peer", "job_type", jt.Name)
			return nil
		}
		return err
	}
	o.log.Infow("Retry record created",
		"record_id", retry.ID,
		"job_type", jt.Name,
		"attempt", retry.Attempt,
		"backoff", jt.Backoff,
		"after", outcome,
	)

	if jt.Backoff <= 0 {
		// No backoff: resubmit immediately through the shared path instead
		// of waiting for the next initiator tick.
		return o.sub.submit(ctx, retry, now)
	}
	return nil
}

// dispatchSuccess runs the downstream effects for a succeeded record:
// publish the artifact, then notify. Each step is recorded separately so a
// crash in between is repaired by the reconcile pass, and publishing is
// idempotent so re-running it is safe.
func (o *Orchestrator) dispatchSuccess(ctx context.Context, recordID string) {
	rec, err := o.store.Get(recordID)
	if err != nil {
		o.log.Errorw("Failed to load record for dispatch", "record_id", recordID, "error", err)
		return
	}

	if rec.PublishedAt == nil {
		if err := o.publisher.Publish(ctx, rec); err != nil {
			// Publication failure is not job failure: the record stays
			// succeeded and the error is tracked for the next reconcile.
			o.log.Errorw("Publish failed",
				"record_id", rec.ID,
				"artifact", rec.Artifact,
				"error", err,
			)
			if serr := o.store.SetPublishError(rec.ID, err.Error(), time.Now()); serr != nil {
				o.log.Errorw("Failed to record publish error", "record_id", rec.ID, "error", serr)
			}
		} else if err := o.store.MarkPublished(rec.ID, time.Now()); err != nil {
			o.log.Errorw("Failed to mark record published", "record_id", rec.ID, "error", err)
		}
	}

	if rec.NotifiedAt == nil {
		msg := "artifact: " + rec.Artifact
		if rec.PublishError != "" {
			msg += "\npublication pending: " + rec.PublishError
		}
		o.sub.notify(ctx, rec.ID, dispatch.OutcomeSuccess, msg)
	}
}

// reconcile re-dispatches succeeded records whose publication or
// notification was never confirmed, repairing crashes between the terminal
// transition and the downstream effects.
func (o *Orchestrator) reconcile(ctx context.Context) {
	pending, err := o.store.ListSucceededUndispatched()
	if err != nil {
		o.log.Warnw("Failed to list undispatched records", "error", err)
		return
	}
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return
		default:
		}
		o.dispatchSuccess(ctx, rec.ID)
	}
}

// ackCancellations best-effort cancels the remote tasks of operator-cancelled
// records so compute stops early; the records are already terminal.
func (o *Orchestrator) ackCancellations(ctx context.Context, now time.Time) {
	cancelled, err := o.store.ListCancelledUnacked()
	if err != nil {
		o.log.Warnw("Failed to list cancelled records", "error", err)
		return
	}
	for _, rec := range cancelled {
		if err := o.client.Cancel(ctx, rec.TaskHandle); err != nil {
			o.log.Warnw("Remote cancellation failed",
				"record_id", rec.ID,
				"handle", rec.TaskHandle,
				"error", err,
			)
			continue
		}
		if err := o.store.MarkCancelAcked(rec.ID, now); err != nil {
			o.log.Warnw("Failed to record cancel ack", "record_id", rec.ID, "error", err)
		}
	}
}

// logActivity logs the in-flight record count with a memory stats line, but
// only when the count changed since the last tick.
func (o *Orchestrator) logActivity() {
	open, err := o.store.ListOpen()
	if err != nil {
		return
	}

	o.mu.Lock()
	changed := len(open) != o.lastActive
	o.lastActive = len(open)
	o.mu.Unlock()
	if !changed {
		return
	}

	msg := fmt.Sprintf("Orchestrator - %d records in flight", len(open))
	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		usedGB := float64(total-available) / (1 << 30)
		totalGB := float64(total) / (1 << 30)
		msg += fmt.Sprintf(" │ Mem: %.1f/%.1fGB (%.0f%%)", usedGB, totalGB, usedGB/totalGB*100)
	}
	o.log.Infow(msg)
}
