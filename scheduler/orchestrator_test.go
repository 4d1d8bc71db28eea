package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observatorio-andes/snowflow/dispatch"
	"github.com/observatorio-andes/snowflow/errors"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/remote"
)

const retryCatalog = `
[[job]]
name = "daily_export"
cadence = "daily"
max_attempts = 3
timeout = "1h"
`

// submitOne runs an initiator tick and returns the freshly submitted record.
func submitOne(t *testing.T, h *harness, now time.Time) *job.Record {
	t.Helper()
	require.NoError(t, h.initiator.Tick(context.Background(), now))
	rec := h.openFor(t, "daily_export")
	require.NotNil(t, rec)
	require.Equal(t, job.StateSubmitted, rec.State)
	return rec
}

func TestOrchestratorLifecycle(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	t.Run("running then succeeded dispatches exactly once", func(t *testing.T) {
		h := newHarness(t, retryCatalog)
		rec := submitOne(t, h, t0)

		// Tick 2: remote still running
		require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))
		got, err := h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateRunning, got.State)
		require.NotNil(t, got.LastPolledAt)

		// Tick 3: remote succeeded
		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseSucceeded, ArtifactRef: "2024-01-15.csv"}, nil
		}
		require.NoError(t, h.orch.Tick(ctx, t0.Add(2*time.Minute)))

		got, err = h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateSucceeded, got.State)
		assert.Equal(t, "2024-01-15.csv", got.Artifact)
		require.NotNil(t, got.PublishedAt)
		require.NotNil(t, got.NotifiedAt)

		assert.Equal(t, []string{"2024-01-15.csv"}, h.publisher.artifacts())
		events := h.notifier.notified()
		require.Len(t, events, 1)
		assert.Equal(t, dispatch.OutcomeSuccess, events[0].Outcome)

		// Further ticks change nothing: terminal records are not polled and
		// dispatch is not repeated
		require.NoError(t, h.orch.Tick(ctx, t0.Add(3*time.Minute)))
		assert.Len(t, h.publisher.artifacts(), 1)
		assert.Len(t, h.notifier.notified(), 1)
	})

	t.Run("transient poll failure backs off without touching state", func(t *testing.T) {
		h := newHarness(t, retryCatalog)
		rec := submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return nil, remote.MarkTransient(errors.New("connection reset"))
		}
		pollAt := t0.Add(time.Minute)
		require.NoError(t, h.orch.Tick(ctx, pollAt))

		got, err := h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateSubmitted, got.State, "poll error must not consume the attempt")
		assert.Equal(t, 2*job.DefaultPollIntervalSec, got.PollIntervalSec)
		require.NotNil(t, got.NextCheckAt)
		assert.Equal(t, pollAt.Add(2*job.DefaultPollIntervalSec*time.Second).Unix(), got.NextCheckAt.Unix())
	})

	t.Run("long-running task backs off toward the poll cap", func(t *testing.T) {
		h := newHarness(t, retryCatalog)
		rec := submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseRunning}, nil
		}

		at := t0
		for i, want := range []int{30, 60, 120, 240, 300, 300} {
			at = at.Add(5 * time.Minute)
			require.NoError(t, h.orch.Tick(ctx, at))

			got, err := h.store.Get(rec.ID)
			require.NoError(t, err)
			assert.Equal(t, job.StateRunning, got.State)
			assert.Equal(t, want, got.PollIntervalSec, "poll %d", i+1)
			require.NotNil(t, got.NextCheckAt)
			assert.Equal(t, at.Add(time.Duration(want)*time.Second).Unix(), got.NextCheckAt.Unix())
		}
	})

	t.Run("remote failure creates the retry and resubmits immediately", func(t *testing.T) {
		h := newHarness(t, retryCatalog)
		rec := submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseFailed, Detail: "FAILED: collection empty"}, nil
		}
		require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))

		recs := h.allFor(t, "daily_export")
		require.Len(t, recs, 2)
		assert.Equal(t, job.StateFailed, recs[0].State)
		assert.Contains(t, recs[0].Error, "collection empty")
		assert.Equal(t, 2, recs[1].Attempt)
		assert.Equal(t, job.StateSubmitted, recs[1].State, "no backoff configured, resubmitted immediately")
		assert.NotEqual(t, rec.ID, recs[1].ID)

		// The retry then succeeds; the failed predecessor stays failed
		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseSucceeded, ArtifactRef: "retry.csv"}, nil
		}
		require.NoError(t, h.orch.Tick(ctx, t0.Add(2*time.Minute)))

		recs = h.allFor(t, "daily_export")
		assert.Equal(t, job.StateFailed, recs[0].State)
		assert.Equal(t, job.StateSucceeded, recs[1].State)
	})

	t.Run("always failing produces exactly max_attempts records", func(t *testing.T) {
		h := newHarness(t, retryCatalog) // max_attempts = 3
		submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseFailed, Detail: "FAILED"}, nil
		}
		for i := 1; i <= 5; i++ {
			require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Duration(i)*time.Minute)))
		}

		recs := h.allFor(t, "daily_export")
		require.Len(t, recs, 3, "original plus exactly two retries")
		for _, rec := range recs {
			assert.Equal(t, job.StateFailed, rec.State)
		}
		assert.Equal(t, 3, recs[2].Attempt)

		events := h.notifier.notified()
		require.Len(t, events, 1, "only the exhausted attempt notifies")
		assert.Equal(t, dispatch.OutcomeExhausted, events[0].Outcome)
	})

	t.Run("timeout fires on the first poll past the deadline", func(t *testing.T) {
		h := newHarness(t, retryCatalog) // timeout 1h
		rec := submitOne(t, h, t0)

		// 59 minutes in: still fine
		require.NoError(t, h.orch.Tick(ctx, t0.Add(59*time.Minute)))
		got, err := h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateRunning, got.State)

		// Just past the hour: timed out, remote task cancelled, retry created
		require.NoError(t, h.orch.Tick(ctx, t0.Add(61*time.Minute)))
		got, err = h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateTimedOut, got.State)
		assert.Equal(t, []string{rec.TaskHandle}, h.client.cancelled())

		retry := h.openFor(t, "daily_export")
		require.NotNil(t, retry)
		assert.Equal(t, 2, retry.Attempt)
	})

	t.Run("expired handle counts as a failed attempt", func(t *testing.T) {
		h := newHarness(t, retryCatalog)
		rec := submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return nil, errors.Wrap(remote.ErrTaskNotFound, "poll")
		}
		require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))

		got, err := h.store.Get(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, job.StateFailed, got.State)

		retry := h.openFor(t, "daily_export")
		require.NotNil(t, retry)
		assert.Equal(t, 2, retry.Attempt)
	})

	t.Run("retry with backoff waits for the initiator", func(t *testing.T) {
		h := newHarness(t, `
[[job]]
name = "daily_export"
cadence = "daily"
max_attempts = 2
backoff = "10m"
timeout = "1h"
`)
		submitOne(t, h, t0)

		h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
			return &remote.TaskStatus{Phase: remote.PhaseFailed, Detail: "FAILED"}, nil
		}
		failAt := t0.Add(time.Minute)
		require.NoError(t, h.orch.Tick(ctx, failAt))

		retry := h.openFor(t, "daily_export")
		require.NotNil(t, retry)
		assert.Equal(t, job.StatePending, retry.State, "backoff defers submission to the initiator")
		require.NotNil(t, retry.NextCheckAt)
		assert.Equal(t, failAt.Add(10*time.Minute).Unix(), retry.NextCheckAt.Unix())
	})
}

func TestOrchestratorPublishFailure(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	h := newHarness(t, retryCatalog)
	rec := submitOne(t, h, t0)

	h.client.pollFn = func(handle string) (*remote.TaskStatus, error) {
		return &remote.TaskStatus{Phase: remote.PhaseSucceeded, ArtifactRef: "a.csv"}, nil
	}
	h.publisher.failWith = errors.New("push rejected")
	require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))

	got, err := h.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State, "publish failure must not fail the job")
	assert.Nil(t, got.PublishedAt)
	assert.Contains(t, got.PublishError, "push rejected")
	require.NotNil(t, got.NotifiedAt, "success notification still goes out")

	// The site comes back: the reconcile pass republishes on the next tick
	h.publisher.failWith = nil
	require.NoError(t, h.orch.Tick(ctx, t0.Add(2*time.Minute)))

	got, err = h.store.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedAt)
	assert.Empty(t, got.PublishError)
	assert.Equal(t, []string{"a.csv"}, h.publisher.artifacts())
	assert.Len(t, h.notifier.notified(), 1, "notification is not repeated")
}

func TestOrchestratorCrashRecoveryDispatch(t *testing.T) {
	// A record already succeeded but never dispatched models a crash between
	// the terminal transition and the downstream effects.
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	h := newHarness(t, retryCatalog)
	rec := job.NewRecord("daily_export", nil, 1, t0)
	require.NoError(t, h.store.CreateIfIdle(rec))
	require.NoError(t, h.store.MarkSubmitted(rec.ID, "operations/h1", t0))
	require.NoError(t, h.store.MarkSucceeded(rec.ID, "a.csv", t0))

	require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))

	got, err := h.store.Get(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PublishedAt)
	require.NotNil(t, got.NotifiedAt)
	assert.Equal(t, []string{"a.csv"}, h.publisher.artifacts())
}

func TestOrchestratorCancellation(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

	h := newHarness(t, retryCatalog)
	rec := submitOne(t, h, t0)

	// Operator cancels the record out of band
	require.NoError(t, h.store.MarkCancelled(rec.ID, t0.Add(30*time.Second)))

	require.NoError(t, h.orch.Tick(ctx, t0.Add(time.Minute)))

	assert.Equal(t, []string{rec.TaskHandle}, h.client.cancelled())
	got, err := h.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, got.State)
	require.NotNil(t, got.CancelAckedAt)

	// Once acknowledged the record is left alone
	require.NoError(t, h.orch.Tick(ctx, t0.Add(2*time.Minute)))
	assert.Len(t, h.client.cancelled(), 1)
}

func TestOrchestratorStartStop(t *testing.T) {
	h := newHarness(t, retryCatalog)
	h.orch.interval = 10 * time.Millisecond

	h.orch.Start()
	time.Sleep(50 * time.Millisecond)
	h.orch.Stop()
}
