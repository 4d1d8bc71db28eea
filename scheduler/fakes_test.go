package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/observatorio-andes/snowflow/dispatch"
	snowtest "github.com/observatorio-andes/snowflow/internal/testing"
	"github.com/observatorio-andes/snowflow/job"
	"github.com/observatorio-andes/snowflow/remote"
)

// fakeClient scripts the remote service. Submit hands out sequential handles
// unless submitFn overrides it; Poll consults pollFn.
type fakeClient struct {
	mu       sync.Mutex
	submits  []string // job types submitted, in order
	cancels  []string // handles cancelled, in order
	submitFn func(jobType string) (string, error)
	pollFn   func(handle string) (*remote.TaskStatus, error)
	nextID   int
}

func (c *fakeClient) Submit(ctx context.Context, jobType string, params []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitFn != nil {
		handle, err := c.submitFn(jobType)
		if err != nil {
			return "", err
		}
		c.submits = append(c.submits, jobType)
		return handle, nil
	}
	c.nextID++
	c.submits = append(c.submits, jobType)
	return fmt.Sprintf("operations/%s-%d", jobType, c.nextID), nil
}

func (c *fakeClient) Poll(ctx context.Context, handle string) (*remote.TaskStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pollFn != nil {
		return c.pollFn(handle)
	}
	return &remote.TaskStatus{Phase: remote.PhaseRunning, Detail: "RUNNING"}, nil
}

func (c *fakeClient) Cancel(ctx context.Context, handle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, handle)
	return nil
}

func (c *fakeClient) submitted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.submits...)
}

func (c *fakeClient) cancelled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

// fakePublisher records publications and fails on demand.
type fakePublisher struct {
	mu        sync.Mutex
	published []string // artifacts, in order
	failWith  error
}

func (p *fakePublisher) Publish(ctx context.Context, rec *job.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return p.failWith
	}
	p.published = append(p.published, rec.Artifact)
	return nil
}

func (p *fakePublisher) artifacts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

// fakeNotifier records events and fails on demand.
type fakeNotifier struct {
	mu       sync.Mutex
	events   []dispatch.Event
	failWith error
}

func (n *fakeNotifier) Notify(ctx context.Context, ev dispatch.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failWith != nil {
		return n.failWith
	}
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) notified() []dispatch.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]dispatch.Event(nil), n.events...)
}

// harness wires a real store against the fakes for direct Tick calls.
type harness struct {
	store     *job.Store
	registry  *job.Registry
	client    *fakeClient
	publisher *fakePublisher
	notifier  *fakeNotifier
	initiator *Initiator
	orch      *Orchestrator
}

func newHarness(t *testing.T, catalog string) *harness {
	t.Helper()

	store := job.NewStore(snowtest.CreateTestDB(t))
	registry, err := job.LoadRegistryFromString(catalog)
	require.NoError(t, err)

	h := &harness{
		store:     store,
		registry:  registry,
		client:    &fakeClient{},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}

	log := zaptest.NewLogger(t).Sugar()
	h.initiator = NewInitiator(context.Background(), store, registry, h.client, h.notifier,
		InitiatorConfig{Interval: time.Minute}, log)
	h.orch = NewOrchestrator(context.Background(), store, registry, h.client, h.publisher, h.notifier,
		OrchestratorConfig{Interval: time.Minute, Lease: time.Minute, BatchSize: 50}, log)
	return h
}

// openFor returns the single open record for the job type, or nil.
func (h *harness) openFor(t *testing.T, jobType string) *job.Record {
	t.Helper()
	open, err := h.store.ListOpen()
	require.NoError(t, err)
	var found *job.Record
	for _, rec := range open {
		if rec.JobType == jobType {
			require.Nil(t, found, "more than one open record for %s", jobType)
			found = rec
		}
	}
	return found
}

// allFor returns every record for the job type, oldest first.
func (h *harness) allFor(t *testing.T, jobType string) []*job.Record {
	t.Helper()
	recs, err := h.store.List(jobType, 100)
	require.NoError(t, err)
	// List returns newest first; reverse for lineage order
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs
}
