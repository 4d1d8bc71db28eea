package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/observatorio-andes/snowflow/dispatch"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/remote"
)

// Initiator decides, once per tick, which job types are due and ensures
// exactly one new record is created and submitted per due type. The atomic
// conditional insert in the store is the duplicate-submission guard; the
// initiator never checks-then-creates in two steps.
type Initiator struct {
	store    *job.Store
	registry *job.Registry
	sub      *submitter
	loc      *time.Location
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.SugaredLogger
}

// InitiatorConfig configures the initiator loop.
type InitiatorConfig struct {
	// Interval is the tick cadence.
	Interval time.Duration

	// Location is the timezone calendar cadences are evaluated in.
	Location *time.Location
}

// NewInitiator creates an initiator. Call Start to begin ticking.
func NewInitiator(ctx context.Context, store *job.Store, registry *job.Registry, client remote.Client, notifier dispatch.Notifier, cfg InitiatorConfig, log *zap.SugaredLogger) *Initiator {
	loopCtx, cancel := context.WithCancel(ctx)
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Initiator{
		store:    store,
		registry: registry,
		sub:      &submitter{store: store, client: client, notifier: notifier, log: log},
		loc:      loc,
		interval: cfg.Interval,
		ctx:      loopCtx,
		cancel:   cancel,
		log:      log,
	}
}

// Start begins the initiator loop.
func (i *Initiator) Start() {
	i.wg.Add(1)
	go i.run()
	i.log.Infow("Initiator started", "interval", i.interval, "job_types", i.registry.Len())
}

// Stop gracefully stops the initiator loop.
func (i *Initiator) Stop() {
	i.cancel()
	i.wg.Wait()
	i.log.Infow("Initiator stopped")
}

func (i *Initiator) run() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case now := <-ticker.C:
			if err := i.Tick(i.ctx, now); err != nil {
				i.log.Warnw("Initiator tick error", "error", err)
			}
		}
	}
}

// Tick runs one initiator pass: re-submit lingering pending records, then
// create and submit a record for every due job type. Per-type failures are
// isolated; one type's error never blocks the others.
func (i *Initiator) Tick(ctx context.Context, now time.Time) error {
	if err := i.submitPending(ctx, now); err != nil {
		i.log.Warnw("Failed to re-submit pending records", "error", err)
	}

	for _, jt := range i.registry.All() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := i.initiateType(ctx, jt, now); err != nil {
			i.log.Errorw("Failed to initiate job type",
				"job_type", jt.Name,
				"error", err,
			)
		}
	}
	return nil
}

// submitPending pushes records that are pending from an earlier tick: either
// a transient submission failure or a retry record waiting out its backoff.
func (i *Initiator) submitPending(ctx context.Context, now time.Time) error {
	pending, err := i.store.ListPending()
	if err != nil {
		return err
	}

	for _, rec := range pending {
		if rec.NextCheckAt != nil && now.Before(*rec.NextCheckAt) {
			continue // retry backoff not elapsed
		}
		if err := i.sub.submit(ctx, rec, now); err != nil {
			i.log.Errorw("Failed to submit pending record",
				"record_id", rec.ID,
				"job_type", rec.JobType,
				"error", err,
			)
		}
	}
	return nil
}

// initiateType creates and submits a new record for the job type when its
// cadence says it is due and no open record exists. The cadence is evaluated
// against the last settled run regardless of outcome, so an exhausted lineage
// is not restarted until the next period.
func (i *Initiator) initiateType(ctx context.Context, jt *job.Type, now time.Time) error {
	last, err := i.store.LastSettled(jt.Name)
	if err != nil {
		return err
	}
	if !jt.Cadence.Due(last, now, i.loc) {
		return nil
	}

	rec := job.NewRecord(jt.Name, jt.Params, 1, now)
	if err := i.store.CreateIfIdle(rec); err != nil {
		if errors.IsConflictError(err) {
			// An open record already exists: either in flight or claimed by
			// a concurrent instance this tick.
			i.log.Debugw("Job type already has an open record", "job_type", jt.Name)
			return nil
		}
		return err
	}

	i.log.Infow("Job record created", "record_id", rec.ID, "job_type", jt.Name)
	return i.sub.submit(ctx, rec, now)
}
