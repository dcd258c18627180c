package jetsync

import (
	"context"
	"errors"
	"time"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/subject"
)

// TopologyProvisioner reconciles one stream's subject set against the
// desired subjects, safely in the presence of other streams and of other
// provisioners running concurrently.
//
// The reconciliation is best-effort, convergent and idempotent: subjects
// that would overlap another stream's subjects are skipped and logged,
// never raised; repeated runs with the same desired set converge on the
// same final configuration. Broker-level overlap rejections (a concurrent
// provisioner won the race) trigger exactly one re-fetch-and-retry.
type TopologyProvisioner struct {
	streamName string
	subjects   []string
	logger     Logger
	retryDelay time.Duration
}

// TopologyOption configures a TopologyProvisioner.
type TopologyOption func(*TopologyProvisioner) error

// NewTopologyProvisioner creates a provisioner with the provided options.
//
// Required options:
//   - WithTopologyStream: the stream name and its desired subjects
//   - WithTopologyLogger: logger instance
func NewTopologyProvisioner(opts ...TopologyOption) (*TopologyProvisioner, error) {
	p := &TopologyProvisioner{
		retryDelay: 250 * time.Millisecond,
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply topology option", err)
		}
	}

	if p.streamName == "" {
		return nil, NewError(ErrCodeConfiguration, "stream name is required (use WithTopologyStream)")
	}
	if p.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithTopologyLogger)")
	}

	return p, nil
}

// WithTopologyStream sets the stream and desired subject set.
func WithTopologyStream(streamName string, subjects ...string) TopologyOption {
	return func(p *TopologyProvisioner) error {
		if streamName == "" {
			return NewError(ErrCodeConfiguration, "stream name cannot be empty")
		}
		p.streamName = streamName
		p.subjects = subjects
		return nil
	}
}

// WithTopologyLogger sets the logger instance.
func WithTopologyLogger(logger Logger) TopologyOption {
	return func(p *TopologyProvisioner) error {
		if logger == nil {
			return NewError(ErrCodeConfiguration, "logger cannot be nil")
		}
		p.logger = logger
		return nil
	}
}

// WithTopologyRetryDelay sets the pause before the single overlap-race
// retry.
func WithTopologyRetryDelay(d time.Duration) TopologyOption {
	return func(p *TopologyProvisioner) error {
		p.retryDelay = d
		return nil
	}
}

// Provision implements Provisioner against the configured stream.
func (p *TopologyProvisioner) Provision(ctx context.Context, js broker.StreamContext) error {
	return p.Ensure(ctx, js, p.streamName, p.subjects)
}

// Ensure reconciles the stream's subject set against desired:
//
//  1. Desired subjects are normalized and deduplicated.
//  2. A missing stream is created with the subset of desired subjects
//     that overlaps no other stream; blocked subjects are logged and
//     skipped.
//  3. An existing stream gains the desired subjects not already covered
//     by its subject set and not overlapping another stream; when nothing
//     remains the call is a no-op.
//  4. A broker-side overlap rejection (lost race against a concurrent
//     provisioner) triggers one re-fetch-and-recompute retry after a
//     short delay; a persisting conflict is logged and the stream is
//     left unchanged.
//
// Only truly unexpected broker errors are returned.
func (p *TopologyProvisioner) Ensure(ctx context.Context, js broker.StreamContext, streamName string, desired []string) error {
	desired = subject.Normalize(desired)
	if len(desired) == 0 {
		return nil
	}

	err := p.ensureOnce(ctx, js, streamName, desired)
	if err == nil {
		return nil
	}
	if !errors.Is(err, broker.ErrSubjectOverlap) {
		return NewErrorWithCause(ErrCodeTopology, "stream reconciliation failed", err)
	}

	// Lost a race against another provisioner; re-fetch and recompute once.
	p.logger.Warnf("Stream %s update rejected as overlap, retrying once", streamName)
	select {
	case <-ctx.Done():
		return NewErrorWithCause(ErrCodeTopology, "stream reconciliation canceled", ctx.Err())
	case <-time.After(p.retryDelay):
	}

	err = p.ensureOnce(ctx, js, streamName, desired)
	if err == nil {
		return nil
	}
	if errors.Is(err, broker.ErrSubjectOverlap) {
		p.logger.Warnf("Stream %s still conflicts after retry, leaving unchanged", streamName)
		return nil
	}
	return NewErrorWithCause(ErrCodeTopology, "stream reconciliation failed", err)
}

// ensureOnce runs one fetch-partition-mutate cycle.
func (p *TopologyProvisioner) ensureOnce(ctx context.Context, js broker.StreamContext, streamName string, desired []string) error {
	info, err := js.StreamInfo(ctx, streamName)
	exists := true
	if err != nil {
		if !errors.Is(err, broker.ErrStreamNotFound) {
			return err
		}
		exists = false
	}

	others, err := p.otherStreamSubjects(ctx, js, streamName)
	if err != nil {
		return err
	}

	if !exists {
		allowed, blocked := partitionAgainst(others, desired)
		p.logSkipped(streamName, blocked)
		if len(allowed) == 0 {
			p.logger.Warnf("Stream %s not created: every desired subject overlaps another stream", streamName)
			return nil
		}
		p.logger.Infof("Creating stream %s with subjects %v", streamName, allowed)
		return js.AddStream(ctx, broker.StreamConfig{Name: streamName, Subjects: allowed})
	}

	existing := info.Config.Subjects
	var additions []string
	for _, s := range desired {
		if subject.Covered(existing, s) {
			continue
		}
		additions = append(additions, s)
	}
	if len(additions) == 0 {
		p.logger.Debugf("Stream %s already covers desired subjects", streamName)
		return nil
	}

	allowed, blocked := partitionAgainst(others, additions)
	p.logSkipped(streamName, blocked)
	if len(allowed) == 0 {
		return nil
	}

	merged := subject.Normalize(append(append([]string{}, existing...), allowed...))
	p.logger.Infof("Extending stream %s with subjects %v", streamName, allowed)
	return js.UpdateStream(ctx, broker.StreamConfig{Name: streamName, Subjects: merged})
}

// otherStreamSubjects collects the subject sets of every stream except
// streamName. A stream disappearing mid-listing is skipped.
func (p *TopologyProvisioner) otherStreamSubjects(ctx context.Context, js broker.StreamContext, streamName string) ([]string, error) {
	names, err := js.StreamNames(ctx)
	if err != nil {
		return nil, err
	}

	var subjects []string
	for _, name := range names {
		if name == streamName {
			continue
		}
		info, err := js.StreamInfo(ctx, name)
		if err != nil {
			if errors.Is(err, broker.ErrStreamNotFound) {
				continue
			}
			return nil, err
		}
		subjects = append(subjects, info.Config.Subjects...)
	}
	return subjects, nil
}

// partitionAgainst splits candidates into those free of overlap with the
// given foreign subjects and those blocked by one.
func partitionAgainst(others, candidates []string) (allowed, blocked []string) {
	for _, c := range candidates {
		if subject.OverlapAny(others, c) {
			blocked = append(blocked, c)
			continue
		}
		allowed = append(allowed, c)
	}
	return allowed, blocked
}

func (p *TopologyProvisioner) logSkipped(streamName string, blocked []string) {
	for _, s := range blocked {
		p.logger.Warnf("Skipping subject %s for stream %s: overlaps another stream", s, streamName)
	}
}
