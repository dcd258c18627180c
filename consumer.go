package jetsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/model"
	"github.com/coregx/jetsync/retry"
)

// Handler processes one successfully parsed event. Returning an error
// drives the redelivery/dead-letter decision; the handler never sees the
// same event twice when the inbox is enabled.
type Handler interface {
	Handle(ctx context.Context, event *model.Envelope) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, event *model.Envelope) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event *model.Envelope) error {
	return f(ctx, event)
}

// Outcome is the per-message processing decision.
type Outcome int

const (
	// OutcomeAck acknowledges the message; done.
	OutcomeAck Outcome = iota

	// OutcomeNak requests redelivery per the consumer's backoff.
	OutcomeNak

	// OutcomeDeadLetter quarantines the message on the dead-letter
	// subject and stops redelivery.
	OutcomeDeadLetter
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeNak:
		return "nak"
	case OutcomeDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// decideOutcome maps a handler result and the message's delivery count
// onto an outcome. Pure function; the ack/nak/DLQ decision never rides on
// exceptions.
func decideOutcome(handlerErr error, deliveries, maxDeliver int) Outcome {
	if handlerErr == nil {
		return OutcomeAck
	}
	if maxDeliver > 0 && deliveries >= maxDeliver {
		return OutcomeDeadLetter
	}
	return OutcomeNak
}

// Consumer runs the pull/process loop for one durable consumer: it
// fetches batches, enforces idempotent processing via the inbox record,
// escalates poison and retry-exhausted messages to the dead-letter
// subject, and acks or naks according to the handler outcome.
//
// One Consumer runs one logical worker; it never fetches concurrently
// against its own durable. Run distinct Consumers (distinct durable
// names) for parallelism.
type Consumer struct {
	conn      *ConnectionManager
	cfg       Config
	spec      ConsumerSpec
	subs      *SubscriptionManager
	inboxRepo InboxRepository
	handler   Handler
	logger    Logger
	notifier  NotificationService

	batchSize         int
	fetchTimeout      time.Duration
	idleBackoff       time.Duration
	reconnectStrategy retry.Strategy

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
}

// NewConsumer creates a new Consumer with the provided options.
//
// Required options:
//   - WithConsumerConnection: the shared connection manager
//   - WithConsumerConfig: the Config naming stream, durable and subjects
//   - WithConsumerHandler: the event handler
//   - WithConsumerLogger: logger instance
//
// Optional options:
//   - WithInboxRepository: enables exactly-once-ish processing
//   - WithConsumerSpec: overrides the durable consumer configuration
//   - WithConsumerBatch: batch size and fetch timeout
//   - WithConsumerNotifications: dead-letter notification hooks
func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	c := &Consumer{
		notifier:          &NoOpNotificationService{},
		batchSize:         10,
		fetchTimeout:      5 * time.Second,
		idleBackoff:       time.Second,
		reconnectStrategy: retry.DefaultRefreshStrategy(),
		stop:              make(chan struct{}),
		finished:          make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply consumer option", err)
		}
	}

	if c.conn == nil {
		return nil, NewError(ErrCodeConfiguration, "ConnectionManager is required (use WithConsumerConnection)")
	}
	if c.handler == nil {
		return nil, NewError(ErrCodeConfiguration, "Handler is required (use WithConsumerHandler)")
	}
	if c.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConsumerLogger)")
	}

	if c.spec.Durable == "" {
		c.spec = ConsumerSpec{
			Stream:        c.cfg.StreamName(),
			Durable:       c.cfg.DurableName(),
			FilterSubject: c.cfg.FilterSubject(),
			MaxDeliver:    5,
			AckWait:       30 * time.Second,
			Backoff:       []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		}
	}
	if err := c.spec.Validate(); err != nil {
		return nil, err
	}

	if c.subs == nil {
		subs, err := NewSubscriptionManager(WithSubscriptionManagerLogger(c.logger))
		if err != nil {
			return nil, err
		}
		c.subs = subs
	}

	return c, nil
}

// Run ensures the durable consumer exists, binds a pull subscription and
// processes batches until Stop is called or ctx is done. Transport-level
// fetch errors trigger reconnect-and-resubscribe with exponential backoff;
// they are never raised out of the loop.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	defer close(c.finished)

	sub, err := c.subscribe(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-c.stop:
			return c.drain(sub)
		case <-ctx.Done():
			return c.drain(sub)
		default:
		}

		msgs, err := sub.Fetch(c.batchSize, c.fetchTimeout)
		if err != nil {
			if errors.Is(err, broker.ErrTimeout) {
				c.sleep(ctx, c.idleBackoff)
				continue
			}
			c.logger.Warnf("Fetch failed on %s, resubscribing: %v", c.spec.Durable, err)
			sub, err = c.resubscribe(ctx, sub)
			if err != nil {
				return err
			}
			continue
		}

		for _, msg := range msgs {
			c.process(ctx, msg)
		}
	}
}

// Stop requests a cooperative shutdown: the loop finishes the current
// batch's acks and naks, then unbinds. Stop blocks until the loop exits
// or ctx is done. Stopping a consumer that never ran returns immediately;
// a Run issued afterwards exits as soon as it starts.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-c.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribe reconciles the durable consumer and binds a pull
// subscription to it.
func (c *Consumer) subscribe(ctx context.Context) (broker.Subscription, error) {
	js, err := c.conn.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.subs.EnsureConsumer(ctx, js, c.spec); err != nil {
		return nil, err
	}
	sub, err := js.PullSubscribe(c.spec.Stream, c.spec.FilterSubject, c.spec.consumerConfig())
	if err != nil {
		return nil, NewErrorWithCause(ErrCodeConsumer, "pull subscribe failed", err)
	}
	return sub, nil
}

// resubscribe rebuilds the subscription after a transport-level fetch
// error, backing off between attempts. This backoff is distinct from the
// per-message redelivery backoff, which belongs to the broker.
func (c *Consumer) resubscribe(ctx context.Context, old broker.Subscription) (broker.Subscription, error) {
	_ = old.Drain()

	var lastErr error
	for attempt := 0; attempt < c.reconnectStrategy.MaxAttempts; attempt++ {
		select {
		case <-c.stop:
			return nil, NewError(ErrCodeConsumer, "consumer stopped during resubscribe")
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.reconnectStrategy.Delay(attempt)):
		}

		sub, err := c.subscribe(ctx)
		if err == nil {
			c.logger.Infof("Resubscribed to %s after %d attempts", c.spec.Durable, attempt+1)
			return sub, nil
		}
		lastErr = err
		c.logger.Warnf("Resubscribe attempt %d/%d failed: %v", attempt+1, c.reconnectStrategy.MaxAttempts, err)
	}
	return nil, NewErrorWithCause(ErrCodeConsumer, "resubscribe failed",
		&retry.ExhaustedError{Attempts: c.reconnectStrategy.MaxAttempts, Err: lastErr})
}

// process handles one delivered message end to end. Nothing raised here
// escapes the loop: every path converges on an ack, a nak, or a
// dead-letter route.
func (c *Consumer) process(ctx context.Context, msg broker.Msg) {
	meta, err := msg.Meta()
	if err != nil {
		c.logger.Errorf("Message metadata unavailable, naking: %v", err)
		c.nak(msg)
		return
	}

	eventID := msg.HeaderValue(broker.DedupHeader)
	key := model.InboxKey(eventID, meta.Stream, meta.StreamSeq)

	var rec *model.InboxRecord
	if c.inboxRepo != nil {
		rec, _, err = c.inboxRepo.FindOrCreate(ctx, model.NewInboxRecord(eventID, meta.Stream, meta.StreamSeq, msg.Subject()))
		if err != nil {
			c.logger.Errorf("Inbox lookup failed for %s, naking: %v", key, err)
			c.nak(msg)
			return
		}
		if rec.IsProcessed() {
			// The exactly-once boundary: duplicates of a processed message
			// are acked without touching the handler.
			c.logger.Debugf("Duplicate delivery of processed event %s, acking", key)
			c.ack(msg)
			return
		}
	}

	env, parseErr := model.ParseEnvelope(msg.Data())
	if parseErr != nil {
		// Not retryable: the body will never parse on redelivery. Route to
		// the dead-letter subject and terminate delivery on first sight.
		c.logger.Errorf("Malformed payload on %s (key=%s), dead-lettering: %v", msg.Subject(), key, parseErr)
		if c.deadLetter(ctx, msg, key, "malformed payload: "+parseErr.Error()) != nil {
			// No quarantined copy exists yet; keep the message alive and
			// retry the dead-letter route on redelivery.
			c.nak(msg)
			return
		}
		if err := msg.Term(); err != nil {
			c.logger.Errorf("Term failed for %s: %v", key, err)
		}
		c.saveInbox(ctx, rec, func() { rec.MarkFailed(parseErr) })
		return
	}

	// Flip to processing before the handler runs so a crash leaves an
	// observable record.
	c.saveInbox(ctx, rec, func() { rec.MarkProcessing() })

	handlerErr := c.handler.Handle(ctx, env)

	switch decideOutcome(handlerErr, meta.NumDelivered, c.spec.MaxDeliver) {
	case OutcomeAck:
		c.ack(msg)
		c.saveInbox(ctx, rec, func() { rec.MarkProcessed() })

	case OutcomeNak:
		c.logger.Warnf("Handler failed for event %s (deliveries=%d/%d, subject=%s), naking: %v",
			env.EventID, meta.NumDelivered, c.spec.MaxDeliver, msg.Subject(), handlerErr)
		c.nak(msg)
		c.saveInbox(ctx, rec, func() { rec.MarkFailed(handlerErr) })

	case OutcomeDeadLetter:
		c.logger.Errorf("Handler failed for event %s on final delivery %d, dead-lettering: %v",
			env.EventID, meta.NumDelivered, handlerErr)
		if c.deadLetter(ctx, msg, env.EventID, "max deliveries exhausted: "+handlerErr.Error()) != nil {
			c.nak(msg)
			c.saveInbox(ctx, rec, func() { rec.MarkFailed(handlerErr) })
			return
		}
		c.ack(msg)
		c.saveInbox(ctx, rec, func() { rec.MarkFailed(handlerErr) })
	}
}

// deadLetter republishes the raw body on the dead-letter subject. The
// dedup header gets a dlq-scoped value so the broker does not collapse
// the quarantined copy onto the original publish. A non-nil return means
// no quarantined copy was written; callers must keep the message alive.
func (c *Consumer) deadLetter(ctx context.Context, msg broker.Msg, key, reason string) error {
	js, err := c.conn.StreamContext()
	if err != nil {
		c.logger.Errorf("Dead-letter routing unavailable for %s: %v", key, err)
		return err
	}

	headers := broker.Header{
		broker.DedupHeader:   "dlq-" + key,
		"Jetsync-Origin":     msg.Subject(),
		"Jetsync-DLQ-Reason": reason,
	}
	if err := js.Publish(ctx, c.cfg.DeadLetterSubject(), msg.Data(), headers); err != nil {
		c.logger.Errorf("Dead-letter publish failed for %s: %v", key, err)
		return err
	}
	if err := c.notifier.NotifyDeadLettered(ctx, key, msg.Subject(), reason); err != nil {
		c.logger.Warnf("Failed to send dead-letter notification: %v", err)
	}
	return nil
}

// saveInbox applies mutate and persists the record when the inbox is
// enabled. Persistence failures are logged, never raised: they must not
// block the ack/nak already decided.
func (c *Consumer) saveInbox(ctx context.Context, rec *model.InboxRecord, mutate func()) {
	if c.inboxRepo == nil || rec == nil {
		return
	}
	mutate()
	if _, err := c.inboxRepo.Save(ctx, rec); err != nil {
		c.logger.Errorf("Inbox save failed for %s: %v", rec.EventID, err)
	}
}

func (c *Consumer) ack(msg broker.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Errorf("Ack failed: %v", err)
	}
}

func (c *Consumer) nak(msg broker.Msg) {
	if err := msg.Nak(); err != nil {
		c.logger.Errorf("Nak failed: %v", err)
	}
}

// drain unbinds the subscription after the current batch's acks and naks
// have been issued.
func (c *Consumer) drain(sub broker.Subscription) error {
	c.logger.Info("Consumer stopped")
	return sub.Drain()
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-time.After(d):
	}
}
