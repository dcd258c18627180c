package jetsync

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/coregx/jetsync/broker"
)

// ConsumerSpec is the desired server-side configuration of one durable
// pull consumer. Its identity key is (Stream, Durable).
//
// FilterSubject is immutable once the consumer exists: drift against the
// desired value is resolved by delete and recreate, never by an in-place
// patch, because the broker refuses filter mutations on a live cursor.
type ConsumerSpec struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	Backoff       []time.Duration
}

// Validate checks the spec's required fields.
func (s ConsumerSpec) Validate() error {
	if s.Stream == "" {
		return NewError(ErrCodeConfiguration, "consumer spec requires a stream name")
	}
	if s.Durable == "" {
		return NewError(ErrCodeConfiguration, "consumer spec requires a durable name")
	}
	if s.FilterSubject == "" {
		return NewError(ErrCodeConfiguration, "consumer spec requires a filter subject")
	}
	return nil
}

// consumerConfig maps the spec onto the broker contract. Ack policy is
// always explicit.
func (s ConsumerSpec) consumerConfig() broker.ConsumerConfig {
	return broker.ConsumerConfig{
		Durable:       s.Durable,
		FilterSubject: s.FilterSubject,
		MaxDeliver:    s.MaxDeliver,
		AckWait:       s.AckWait,
		Backoff:       s.Backoff,
	}
}

// SubscriptionManager reconciles durable consumers' server-side
// configuration against their desired specs.
//
// Thread safety: safe for concurrent use; all state lives on the broker.
type SubscriptionManager struct {
	logger Logger
}

// SubscriptionManagerOption configures a SubscriptionManager.
type SubscriptionManagerOption func(*SubscriptionManager) error

// NewSubscriptionManager creates a new SubscriptionManager.
//
// Required options:
//   - WithSubscriptionManagerLogger: logger instance
func NewSubscriptionManager(opts ...SubscriptionManagerOption) (*SubscriptionManager, error) {
	sm := &SubscriptionManager{}

	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply subscription manager option", err)
		}
	}

	if sm.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithSubscriptionManagerLogger)")
	}

	return sm, nil
}

// WithSubscriptionManagerLogger sets the logger instance.
func WithSubscriptionManagerLogger(logger Logger) SubscriptionManagerOption {
	return func(sm *SubscriptionManager) error {
		if logger == nil {
			return NewError(ErrCodeConfiguration, "logger cannot be nil")
		}
		sm.logger = logger
		return nil
	}
}

// EnsureConsumer reconciles the durable consumer against the desired spec:
//
//   - not found: create with the desired configuration
//   - found with matching filter subject: no-op (logged only)
//   - found with a mismatched filter subject: delete then recreate; the
//     deletion error is swallowed (the consumer may already be gone) and
//     creation proceeds regardless
func (m *SubscriptionManager) EnsureConsumer(ctx context.Context, js broker.StreamContext, spec ConsumerSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	info, err := js.ConsumerInfo(ctx, spec.Stream, spec.Durable)
	if err != nil {
		if !errors.Is(err, broker.ErrConsumerNotFound) {
			return NewErrorWithCause(ErrCodeTopology, "consumer lookup failed", err)
		}
		m.logger.Infof("Creating consumer %s on stream %s (filter=%s)", spec.Durable, spec.Stream, spec.FilterSubject)
		if err := js.AddConsumer(ctx, spec.Stream, spec.consumerConfig()); err != nil {
			return NewErrorWithCause(ErrCodeTopology, "consumer creation failed", err)
		}
		return nil
	}

	if info.Config.FilterSubject == spec.FilterSubject {
		m.logger.Debugf("Consumer %s on stream %s already matches desired filter", spec.Durable, spec.Stream)
		return nil
	}

	m.logger.Warnf("Consumer %s on stream %s has drifted filter subject %q (want %q), recreating",
		spec.Durable, spec.Stream, info.Config.FilterSubject, spec.FilterSubject)

	if err := js.DeleteConsumer(ctx, spec.Stream, spec.Durable); err != nil {
		// The consumer may have been deleted out from under us; creation
		// below decides whether that matters.
		m.logger.Warnf("Consumer %s deletion failed (continuing): %v", spec.Durable, err)
	}
	if err := js.AddConsumer(ctx, spec.Stream, spec.consumerConfig()); err != nil {
		return NewErrorWithCause(ErrCodeTopology, "consumer recreation failed", err)
	}
	return nil
}

// ackWaitSecondsCeiling is the largest bare integer still interpreted as
// seconds by NormalizeAckWait. Anything above is taken as already being in
// the broker's nanosecond unit.
const ackWaitSecondsCeiling = 86_400

// NormalizeAckWait maps a bare integer from human configuration onto the
// broker's nanosecond duration unit. Small integers (up to one day) are
// read as seconds; larger values are assumed to be nanoseconds already.
func NormalizeAckWait(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	if v <= ackWaitSecondsCeiling {
		return time.Duration(v) * time.Second
	}
	return time.Duration(v)
}

// ParseAckWait parses a human ack-wait value. An explicit unit suffix
// ("30s", "500ms") always wins; a bare integer goes through the
// NormalizeAckWait heuristic.
func ParseAckWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NormalizeAckWait(v), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, NewErrorWithCause(ErrCodeConfiguration, "invalid ack wait value", err)
	}
	return d, nil
}
