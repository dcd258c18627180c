package jetsync

import (
	"context"
	"time"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/model"
	"github.com/coregx/jetsync/retry"
)

// Publisher builds wire envelopes and dispatches them with idempotent,
// retried delivery. With an outbox repository attached, every publish is
// recorded durably before and after the network call so a crash between
// "dispatched" and "marked sent" can never lose or double-apply an event:
// the dedup header carries the event id, and either the broker or the
// consumer-side inbox recognizes a re-dispatch as a duplicate.
type Publisher struct {
	conn          *ConnectionManager
	cfg           Config
	outboxRepo    OutboxRepository
	ladder        retry.Ladder
	logger        Logger
	notifier      NotificationService
	staleClaimAge time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher) error

// NewPublisher creates a new Publisher with the provided options.
//
// Required options:
//   - WithPublisherConnection: the shared connection manager
//   - WithPublisherConfig: a Config with a Destination set
//   - WithPublisherLogger: logger instance
//
// Optional options:
//   - WithOutboxRepository: enables the transactional outbox
//   - WithPublishRetry: custom dispatch retry ladder
//   - WithPublisherNotifications: failure notification hooks
//   - WithStaleClaimAge: abandoned-claim threshold for the redispatch sweep
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		ladder:        retry.DefaultPublishLadder(broker.IsTransient),
		notifier:      &NoOpNotificationService{},
		staleClaimAge: 5 * time.Minute,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply publisher option", err)
		}
	}

	if p.conn == nil {
		return nil, NewError(ErrCodeConfiguration, "ConnectionManager is required (use WithPublisherConnection)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithPublisherLogger)")
	}
	if p.cfg.Destination == "" {
		return nil, NewError(ErrCodeConfiguration, "a destination application is required for publishing (set Config.Destination)")
	}

	return p, nil
}

// WithPublisherConnection sets the shared connection manager.
func WithPublisherConnection(conn *ConnectionManager) PublisherOption {
	return func(p *Publisher) error {
		if conn == nil {
			return NewError(ErrCodeConfiguration, "connection manager cannot be nil")
		}
		p.conn = conn
		return nil
	}
}

// WithPublisherConfig sets the Config the publisher derives subjects from.
func WithPublisherConfig(cfg Config) PublisherOption {
	return func(p *Publisher) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		p.cfg = cfg
		return nil
	}
}

// WithPublisherLogger sets the logger instance.
func WithPublisherLogger(logger Logger) PublisherOption {
	return func(p *Publisher) error {
		if logger == nil {
			return NewError(ErrCodeConfiguration, "logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithOutboxRepository enables the transactional outbox.
func WithOutboxRepository(repo OutboxRepository) PublisherOption {
	return func(p *Publisher) error {
		if repo == nil {
			return NewError(ErrCodeConfiguration, "outbox repository cannot be nil")
		}
		p.outboxRepo = repo
		return nil
	}
}

// WithPublishRetry sets a custom dispatch retry ladder.
func WithPublishRetry(l retry.Ladder) PublisherOption {
	return func(p *Publisher) error {
		p.ladder = l
		return nil
	}
}

// WithPublisherNotifications sets the notification hooks.
func WithPublisherNotifications(n NotificationService) PublisherOption {
	return func(p *Publisher) error {
		if n == nil {
			return NewError(ErrCodeConfiguration, "notification service cannot be nil")
		}
		p.notifier = n
		return nil
	}
}

// WithStaleClaimAge sets how long a record may sit in publishing before
// the redispatch sweep treats its claim as abandoned.
func WithStaleClaimAge(age time.Duration) PublisherOption {
	return func(p *Publisher) error {
		if age <= 0 {
			return NewError(ErrCodeConfiguration, "stale claim age must be positive")
		}
		p.staleClaimAge = age
		return nil
	}
}

// PublishOptions carries per-publish overrides.
type PublishOptions struct {
	EventID    string
	TraceID    string
	ResourceID string
	OccurredAt time.Time
}

// PublishOption overrides one envelope field.
type PublishOption func(*PublishOptions)

// WithEventID fixes the event id (and dedup key) instead of generating one.
func WithEventID(id string) PublishOption {
	return func(o *PublishOptions) { o.EventID = id }
}

// WithTraceID propagates an existing trace id.
func WithTraceID(id string) PublishOption {
	return func(o *PublishOptions) { o.TraceID = id }
}

// WithResourceID identifies the resource the event concerns.
func WithResourceID(id string) PublishOption {
	return func(o *PublishOptions) { o.ResourceID = id }
}

// WithOccurredAt overrides the event timestamp.
func WithOccurredAt(t time.Time) PublishOption {
	return func(o *PublishOptions) { o.OccurredAt = t.UTC() }
}

// PublishResult reports the outcome of a publish call. Failures surface
// here rather than as returned errors; use PublishOrError for the
// raising variant.
type PublishResult struct {
	OK        bool
	Duplicate bool
	EventID   string
	Subject   string
	Attempts  int
	Err       error
}

// Publish builds the envelope for one event and dispatches it to the
// destination subject.
//
// Without an outbox repository, dispatch runs under the retry ladder and
// the failure (if any) is reported in the result, never raised. With the
// outbox enabled, the record is loaded or created first; a record already
// in sent state short-circuits as a duplicate success without a second
// network dispatch, and the publishing claim guarantees at most one
// in-flight attempt per event id across processes.
func (p *Publisher) Publish(ctx context.Context, resourceType, eventType string, payload map[string]any, opts ...PublishOption) PublishResult {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}

	env := model.NewEnvelope(p.cfg.AppName, resourceType, o.ResourceID, eventType, payload)
	if o.EventID != "" {
		env.EventID = o.EventID
	}
	if o.TraceID != "" {
		env.TraceID = o.TraceID
	}
	if !o.OccurredAt.IsZero() {
		env.OccurredAt = o.OccurredAt
	}

	subjectName := p.cfg.PublishSubject()
	result := PublishResult{EventID: env.EventID, Subject: subjectName}

	body, err := env.Marshal()
	if err != nil {
		result.Err = NewErrorWithCause(ErrCodePublish, "envelope build failed", err)
		return result
	}
	headers := map[string]string{broker.DedupHeader: env.EventID}

	if p.outboxRepo == nil {
		p.dispatch(ctx, &result, subjectName, body, headers)
		return result
	}
	p.publishThroughOutbox(ctx, &result, subjectName, body, headers)
	return result
}

// PublishOrError is the raise-on-failure variant of Publish.
func (p *Publisher) PublishOrError(ctx context.Context, resourceType, eventType string, payload map[string]any, opts ...PublishOption) error {
	result := p.Publish(ctx, resourceType, eventType, payload, opts...)
	if result.OK {
		return nil
	}
	if result.Err != nil {
		return result.Err
	}
	return NewError(ErrCodePublish, "publish failed")
}

// dispatch performs the network call under the retry ladder. Only
// transient transport errors are retried.
func (p *Publisher) dispatch(ctx context.Context, result *PublishResult, subjectName string, body []byte, headers map[string]string) {
	js, err := p.conn.Connect(ctx)
	if err != nil {
		result.Err = err
		p.notifyFailure(ctx, result)
		return
	}

	err = p.ladder.Do(ctx, func() error {
		result.Attempts++
		return js.Publish(ctx, subjectName, body, broker.Header(headers))
	})
	if err != nil {
		result.Err = NewErrorWithCause(ErrCodePublish, "dispatch failed", err)
		p.logger.Errorf("Publish failed (event_id=%s, subject=%s, attempts=%d): %v",
			result.EventID, subjectName, result.Attempts, err)
		p.notifyFailure(ctx, result)
		return
	}

	result.OK = true
	p.logger.Debugf("Published event %s to %s (attempts=%d)", result.EventID, subjectName, result.Attempts)
}

// publishThroughOutbox runs the durable publish sequence. The claim (the
// pending/failed to publishing status flip) is the only step inside the
// row's critical section; the network call and the final status write
// happen outside it so no lock is held across I/O.
func (p *Publisher) publishThroughOutbox(ctx context.Context, result *PublishResult, subjectName string, body []byte, headers map[string]string) {
	rec, err := model.NewOutboxRecord(result.EventID, subjectName, body, headers)
	if err != nil {
		result.Err = NewErrorWithCause(ErrCodePublish, "outbox record build failed", err)
		return
	}

	rec, _, err = p.outboxRepo.FindOrCreate(ctx, rec)
	if err != nil {
		result.Err = NewErrorWithCause(ErrCodeDatabase, "outbox lookup failed", err)
		return
	}
	if rec.IsSent() {
		result.OK = true
		result.Duplicate = true
		p.logger.Debugf("Event %s already sent, skipping dispatch", result.EventID)
		return
	}

	claimed, err := p.outboxRepo.ClaimPublishing(ctx, result.EventID)
	if err != nil {
		result.Err = NewErrorWithCause(ErrCodeDatabase, "outbox claim failed", err)
		return
	}
	if !claimed {
		// Someone else holds the claim, or the record went to sent between
		// the lookup and the claim.
		current, err := p.outboxRepo.FindByEventID(ctx, result.EventID)
		if err == nil && current.IsSent() {
			result.OK = true
			result.Duplicate = true
			return
		}
		result.Err = ErrPublishInFlight
		return
	}
	rec.MarkPublishing()

	p.dispatch(ctx, result, subjectName, body, headers)

	if result.OK {
		rec.MarkSent()
	} else {
		rec.MarkFailed(result.Err)
	}
	if _, err := p.outboxRepo.Save(ctx, rec); err != nil {
		p.logger.Errorf("Failed to persist outbox state for event %s: %v", result.EventID, err)
		if result.OK {
			// The broker accepted the message; the dedup header makes a
			// later re-dispatch harmless.
			return
		}
		result.Err = NewErrorWithCause(ErrCodeDatabase, "outbox save failed", err)
	}
}

// RedispatchPending re-attempts dispatch for outbox records stuck in
// pending or failed state, oldest first - the crash-recovery sweep the
// outbox pattern requires. Records parked in publishing longer than the
// stale-claim age are reclaimed too: that state only outlives a dispatch
// when the claiming process died before writing the outcome. Returns the
// number of records marked sent.
func (p *Publisher) RedispatchPending(ctx context.Context, limit int) (int, error) {
	if p.outboxRepo == nil {
		return 0, NewError(ErrCodeConfiguration, "outbox repository is not configured")
	}

	records, err := p.outboxRepo.FindPending(ctx, limit)
	if err != nil && !IsNoData(err) {
		return 0, err
	}
	if remaining := limit - len(records); remaining > 0 {
		failed, err := p.outboxRepo.FindFailed(ctx, remaining)
		if err != nil && !IsNoData(err) {
			return 0, err
		}
		records = append(records, failed...)
	}

	sent := 0
	for i := range records {
		if p.redispatchOne(ctx, &records[i]) {
			sent++
		}
	}

	if remaining := limit - len(records); remaining > 0 {
		reclaimed, err := p.reclaimStaleClaims(ctx, remaining)
		if err != nil {
			return sent, err
		}
		sent += reclaimed
	}
	return sent, nil
}

// reclaimStaleClaims recovers records whose publishing claim was never
// released: the record flips back to failed, freeing the claim, then runs
// through the normal redispatch path. Should the original holder somehow
// still be dispatching, the dedup header makes the extra copy harmless.
func (p *Publisher) reclaimStaleClaims(ctx context.Context, limit int) (int, error) {
	stale, err := p.outboxRepo.FindStalePublishing(ctx, p.staleClaimAge, limit)
	if err != nil {
		if IsNoData(err) {
			return 0, nil
		}
		return 0, err
	}

	sent := 0
	for i := range stale {
		rec := &stale[i]
		p.logger.Warnf("Reclaiming stale publishing claim for event %s (age=%s)",
			rec.EventID, rec.Age().Round(time.Second))
		rec.MarkFailed(errStaleClaim)
		if _, err := p.outboxRepo.Save(ctx, rec); err != nil {
			p.logger.Errorf("Failed to release stale claim for event %s: %v", rec.EventID, err)
			continue
		}
		if p.redispatchOne(ctx, rec) {
			sent++
		}
	}
	return sent, nil
}

var errStaleClaim = NewError(ErrCodePublish, "publishing claim abandoned, reclaimed by redispatch sweep")

// redispatchOne claims and re-dispatches a single stored record.
func (p *Publisher) redispatchOne(ctx context.Context, rec *model.OutboxRecord) bool {
	claimed, err := p.outboxRepo.ClaimPublishing(ctx, rec.EventID)
	if err != nil || !claimed {
		return false
	}
	rec.MarkPublishing()

	headers, err := rec.HeaderMap()
	if err != nil {
		rec.MarkFailed(err)
		_, _ = p.outboxRepo.Save(ctx, rec)
		return false
	}

	result := PublishResult{EventID: rec.EventID, Subject: rec.Subject}
	p.dispatch(ctx, &result, rec.Subject, []byte(rec.Payload), headers)

	if result.OK {
		rec.MarkSent()
	} else {
		rec.MarkFailed(result.Err)
	}
	if _, err := p.outboxRepo.Save(ctx, rec); err != nil {
		p.logger.Errorf("Failed to persist outbox state for event %s: %v", rec.EventID, err)
	}
	return result.OK
}

func (p *Publisher) notifyFailure(ctx context.Context, result *PublishResult) {
	if err := p.notifier.NotifyPublishFailed(ctx, result.EventID, result.Subject, result.Err); err != nil {
		p.logger.Warnf("Failed to send publish failure notification: %v", err)
	}
}
