package jetsync

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/broker/membroker"
	"github.com/coregx/jetsync/model"
	"github.com/coregx/jetsync/retry"
)

// memOutboxRepo is an in-memory OutboxRepository for tests. It copies
// records on the way in and out so callers cannot mutate stored state.
type memOutboxRepo struct {
	mu   sync.Mutex
	recs map[string]model.OutboxRecord
}

func newMemOutboxRepo() *memOutboxRepo {
	return &memOutboxRepo{recs: make(map[string]model.OutboxRecord)}
}

func (r *memOutboxRepo) FindOrCreate(_ context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.recs[rec.EventID]; ok {
		out := existing
		return &out, false, nil
	}
	r.recs[rec.EventID] = *rec
	out := *rec
	return &out, true, nil
}

func (r *memOutboxRepo) ClaimPublishing(_ context.Context, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[eventID]
	if !ok || !rec.IsDispatchable() {
		return false, nil
	}
	rec.Status = model.OutboxStatusPublishing
	r.recs[eventID] = rec
	return true, nil
}

func (r *memOutboxRepo) Save(_ context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[rec.EventID] = *rec
	out := *rec
	return &out, nil
}

func (r *memOutboxRepo) FindByEventID(_ context.Context, eventID string) (*model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[eventID]
	if !ok {
		return nil, ErrNoData
	}
	out := rec
	return &out, nil
}

func (r *memOutboxRepo) FindPending(_ context.Context, limit int) ([]model.OutboxRecord, error) {
	return r.findByStatus(model.OutboxStatusPending, limit)
}

func (r *memOutboxRepo) FindFailed(_ context.Context, limit int) ([]model.OutboxRecord, error) {
	return r.findByStatus(model.OutboxStatusFailed, limit)
}

func (r *memOutboxRepo) FindStalePublishing(_ context.Context, olderThan time.Duration, limit int) ([]model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var out []model.OutboxRecord
	for _, rec := range r.recs {
		if rec.Status == model.OutboxStatusPublishing && rec.EnqueuedAt.Before(cutoff) && len(out) < limit {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}

func (r *memOutboxRepo) findByStatus(status model.OutboxStatus, limit int) ([]model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboxRecord
	for _, rec := range r.recs {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) FindRecent(_ context.Context, n int) ([]model.OutboxRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboxRecord
	for _, rec := range r.recs {
		out = append(out, rec)
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.After(out[j].EnqueuedAt) })
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *memOutboxRepo) DeleteOlderThan(_ context.Context, age time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	deleted := 0
	for id, rec := range r.recs {
		if rec.Status == model.OutboxStatusSent && rec.EnqueuedAt.Before(cutoff) {
			delete(r.recs, id)
			deleted++
		}
	}
	return deleted, nil
}

// notifySpy records notification calls.
type notifySpy struct {
	mu           sync.Mutex
	publishFails []string
	deadLetters  []string
}

func (n *notifySpy) NotifyPublishFailed(_ context.Context, eventID, _ string, _ error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.publishFails = append(n.publishFails, eventID)
	return nil
}

func (n *notifySpy) NotifyDeadLettered(_ context.Context, eventID, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deadLetters = append(n.deadLetters, eventID)
	return nil
}

func fastLadder() retry.Ladder {
	return retry.Ladder{
		Delays:    []time.Duration{time.Millisecond},
		Retryable: broker.IsTransient,
	}
}

// newPublisherFixture wires a publisher against an in-memory broker whose
// destination-side stream already binds the publish subject.
func newPublisherFixture(t *testing.T, repo OutboxRepository, opts ...PublisherOption) (*Publisher, *membroker.Broker) {
	t.Helper()
	b := membroker.New()

	js := newTestStreamContext(t, b)
	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name:     "test-crm-sync-stream",
		Subjects: []string{"test.billing.sync.crm", "test.crm.sync.dlq"},
	}))

	m := newTestManager(t, &membroker.Dialer{Broker: b})
	t.Cleanup(m.Close)

	base := []PublisherOption{
		WithPublisherConnection(m),
		WithPublisherConfig(validConfig()),
		WithPublisherLogger(&NoopLogger{}),
		WithPublishRetry(fastLadder()),
	}
	if repo != nil {
		base = append(base, WithOutboxRepository(repo))
	}
	p, err := NewPublisher(append(base, opts...)...)
	require.NoError(t, err)
	return p, b
}

func TestNewPublisher_RequiresDestination(t *testing.T) {
	m := newTestManager(t, &membroker.Dialer{Broker: membroker.New()})
	defer m.Close()

	cfg := validConfig()
	cfg.Destination = ""

	_, err := NewPublisher(
		WithPublisherConnection(m),
		WithPublisherConfig(cfg),
		WithPublisherLogger(&NoopLogger{}),
	)
	assert.Error(t, err)
}

func TestPublisher_DirectPublish(t *testing.T) {
	p, b := newPublisherFixture(t, nil)

	result := p.Publish(context.Background(), "invoice", "invoice.created",
		map[string]any{"invoice_id": "INV-1"}, WithResourceID("INV-1"))

	require.True(t, result.OK, "publish failed: %v", result.Err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.EventID)
	assert.Equal(t, "test.billing.sync.crm", result.Subject)
	assert.Equal(t, 1, result.Attempts)

	msgs := b.SubjectMessages("test.billing.sync.crm")
	require.Len(t, msgs, 1)

	env, err := model.ParseEnvelope(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, result.EventID, env.EventID)
	assert.Equal(t, "billing", env.Producer)
	assert.Equal(t, "invoice.created", env.EventType)
}

func TestPublisher_DirectPublishRetriesTransientFailures(t *testing.T) {
	p, b := newPublisherFixture(t, nil)
	b.FailNextPublishes(broker.ErrTimeout)

	result := p.Publish(context.Background(), "invoice", "invoice.created", nil)

	require.True(t, result.OK, "publish failed: %v", result.Err)
	assert.Equal(t, 2, result.Attempts)
}

func TestPublisher_DirectPublishExhaustionReportsInResult(t *testing.T) {
	spy := &notifySpy{}
	p, b := newPublisherFixture(t, nil, WithPublisherNotifications(spy))
	b.FailNextPublishes(broker.ErrTimeout, broker.ErrTimeout)

	result := p.Publish(context.Background(), "invoice", "invoice.created", nil)

	assert.False(t, result.OK)
	require.Error(t, result.Err)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []string{result.EventID}, spy.publishFails)
}

func TestPublisher_PublishOrError(t *testing.T) {
	p, b := newPublisherFixture(t, nil)

	assert.NoError(t, p.PublishOrError(context.Background(), "invoice", "invoice.created", nil))

	b.FailNextPublishes(broker.ErrTimeout, broker.ErrTimeout)
	assert.Error(t, p.PublishOrError(context.Background(), "invoice", "invoice.created", nil))
}

func TestPublisher_OutboxMarksSent(t *testing.T) {
	repo := newMemOutboxRepo()
	p, _ := newPublisherFixture(t, repo)

	result := p.Publish(context.Background(), "invoice", "invoice.created", nil)
	require.True(t, result.OK, "publish failed: %v", result.Err)

	rec, err := repo.FindByEventID(context.Background(), result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.True(t, rec.SentAt.Valid)
}

func TestPublisher_OutboxDuplicateShortCircuits(t *testing.T) {
	repo := newMemOutboxRepo()
	p, b := newPublisherFixture(t, repo)

	first := p.Publish(context.Background(), "invoice", "invoice.created", nil,
		WithEventID("evt-1"))
	require.True(t, first.OK, "publish failed: %v", first.Err)

	second := p.Publish(context.Background(), "invoice", "invoice.created", nil,
		WithEventID("evt-1"))
	require.True(t, second.OK)
	assert.True(t, second.Duplicate)
	assert.Zero(t, second.Attempts)

	// The broker saw exactly one copy.
	assert.Len(t, b.SubjectMessages("test.billing.sync.crm"), 1)
}

func TestPublisher_OutboxClaimContention(t *testing.T) {
	repo := newMemOutboxRepo()
	p, _ := newPublisherFixture(t, repo)

	// Another process holds the claim for this event id.
	rec, err := model.NewOutboxRecord("evt-1", "test.billing.sync.crm", []byte("{}"), nil)
	require.NoError(t, err)
	rec.MarkPublishing()
	_, err = repo.Save(context.Background(), rec)
	require.NoError(t, err)

	result := p.Publish(context.Background(), "invoice", "invoice.created", nil,
		WithEventID("evt-1"))

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Err, ErrPublishInFlight)
}

func TestPublisher_OutboxMarksFailedOnExhaustion(t *testing.T) {
	repo := newMemOutboxRepo()
	p, b := newPublisherFixture(t, repo)
	b.FailNextPublishes(broker.ErrTimeout, broker.ErrTimeout)

	result := p.Publish(context.Background(), "invoice", "invoice.created", nil)
	require.False(t, result.OK)

	rec, err := repo.FindByEventID(context.Background(), result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusFailed, rec.Status)
	assert.True(t, rec.LastError.Valid)
}

func TestPublisher_RedispatchPending(t *testing.T) {
	repo := newMemOutboxRepo()
	p, b := newPublisherFixture(t, repo)

	// First attempt exhausts its retries and the record parks as failed.
	b.FailNextPublishes(broker.ErrTimeout, broker.ErrTimeout)
	result := p.Publish(context.Background(), "invoice", "invoice.created", nil)
	require.False(t, result.OK)

	// The broker recovered; the sweep re-dispatches the parked record.
	sent, err := p.RedispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	rec, err := repo.FindByEventID(context.Background(), result.EventID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, rec.Status)
	assert.Len(t, b.SubjectMessages("test.billing.sync.crm"), 1)
}

func TestPublisher_RedispatchPendingReclaimsStaleClaims(t *testing.T) {
	repo := newMemOutboxRepo()
	p, b := newPublisherFixture(t, repo)

	// A crashed process left the record claimed, with no outcome written.
	rec, err := model.NewOutboxRecord("evt-stuck", "test.billing.sync.crm", []byte(`{}`),
		map[string]string{broker.DedupHeader: "evt-stuck"})
	require.NoError(t, err)
	rec.MarkPublishing()
	rec.EnqueuedAt = time.Now().UTC().Add(-time.Hour)
	_, err = repo.Save(context.Background(), rec)
	require.NoError(t, err)

	// The orphaned claim still blocks a regular publish of the event.
	blocked := p.Publish(context.Background(), "invoice", "invoice.created", nil,
		WithEventID("evt-stuck"))
	assert.ErrorIs(t, blocked.Err, ErrPublishInFlight)

	sent, err := p.RedispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got, err := repo.FindByEventID(context.Background(), "evt-stuck")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusSent, got.Status)
	assert.Len(t, b.SubjectMessages("test.billing.sync.crm"), 1)
}

func TestPublisher_RedispatchPendingLeavesFreshClaimsAlone(t *testing.T) {
	repo := newMemOutboxRepo()
	p, _ := newPublisherFixture(t, repo)

	// A live dispatch holds the claim; the sweep must not steal it.
	rec, err := model.NewOutboxRecord("evt-live", "test.billing.sync.crm", []byte(`{}`), nil)
	require.NoError(t, err)
	rec.MarkPublishing()
	_, err = repo.Save(context.Background(), rec)
	require.NoError(t, err)

	sent, err := p.RedispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)

	got, err := repo.FindByEventID(context.Background(), "evt-live")
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStatusPublishing, got.Status)
}

func TestPublisher_RedispatchPendingWithoutOutbox(t *testing.T) {
	p, _ := newPublisherFixture(t, nil)
	_, err := p.RedispatchPending(context.Background(), 10)
	assert.Error(t, err)
}

func TestPublisher_RedispatchPendingEmpty(t *testing.T) {
	repo := newMemOutboxRepo()
	p, _ := newPublisherFixture(t, repo)

	sent, err := p.RedispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
}
