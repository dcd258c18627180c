package jetsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/broker/membroker"
)

func newTestStreamContext(t *testing.T, b *membroker.Broker) broker.StreamContext {
	t.Helper()
	d := &membroker.Dialer{Broker: b}
	conn, err := d.Dial(nil, broker.DialOptions{})
	require.NoError(t, err)
	js, err := conn.StreamContext()
	require.NoError(t, err)
	return js
}

func newTopology(t *testing.T, streamName string, subjects ...string) *TopologyProvisioner {
	t.Helper()
	p, err := NewTopologyProvisioner(
		WithTopologyStream(streamName, subjects...),
		WithTopologyLogger(&NoopLogger{}),
		WithTopologyRetryDelay(time.Millisecond),
	)
	require.NoError(t, err)
	return p
}

func TestTopologyProvisioner_RequiresStreamAndLogger(t *testing.T) {
	_, err := NewTopologyProvisioner(WithTopologyLogger(&NoopLogger{}))
	assert.Error(t, err)

	_, err = NewTopologyProvisioner(WithTopologyStream("s", "a.b"))
	assert.Error(t, err)
}

func TestTopologyProvisioner_CreatesStream(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	p := newTopology(t, "s1", "a.b", " a.b ", "c.d")

	require.NoError(t, p.Provision(context.Background(), js))

	// Normalized and deduplicated.
	assert.Equal(t, []string{"a.b", "c.d"}, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_IdempotentProvisioning(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	p := newTopology(t, "s1", "a.b", "c.d")

	require.NoError(t, p.Provision(context.Background(), js))
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, []string{"a.b", "c.d"}, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_SkipsBlockedSubjectsOnCreate(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)

	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "other", Subjects: []string{"a.*"},
	}))

	// "a.b" overlaps other's "a.*" and must be skipped, not raised.
	p := newTopology(t, "s1", "a.b", "c.d")
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, []string{"c.d"}, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_AllSubjectsBlockedSkipsCreation(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)

	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "other", Subjects: []string{"a.>"},
	}))

	p := newTopology(t, "s1", "a.b", "a.c.d")
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Nil(t, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_ExtendsExistingStream(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)

	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "s1", Subjects: []string{"a.b.c"},
	}))

	// "a.*.c" is broader than "a.b.c", so it is an addition, not covered.
	p := newTopology(t, "s1", "a.*.c", "d.e")
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, []string{"a.b.c", "a.*.c", "d.e"}, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_CoveredSubjectsAreNoOp(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)

	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "s1", Subjects: []string{"a.*.c"},
	}))

	// "a.b.c" is already covered by "a.*.c": nothing to do.
	p := newTopology(t, "s1", "a.b.c")
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, []string{"a.*.c"}, b.StreamSubjects("s1"))
}

// racingStreamContext rejects the first n mutating calls with
// ErrSubjectOverlap, emulating a concurrent provisioner winning the race
// between the overlap pre-check and the mutation.
type racingStreamContext struct {
	broker.StreamContext
	rejections int
	addCalls   int
}

func (r *racingStreamContext) AddStream(ctx context.Context, cfg broker.StreamConfig) error {
	r.addCalls++
	if r.rejections > 0 {
		r.rejections--
		return broker.ErrSubjectOverlap
	}
	return r.StreamContext.AddStream(ctx, cfg)
}

func TestTopologyProvisioner_RetriesOnceOnOverlapRace(t *testing.T) {
	b := membroker.New()
	js := &racingStreamContext{StreamContext: newTestStreamContext(t, b), rejections: 1}
	p := newTopology(t, "s1", "a.b")

	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, 2, js.addCalls)
	assert.Equal(t, []string{"a.b"}, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_PersistingConflictLeavesStreamUnchanged(t *testing.T) {
	b := membroker.New()
	js := &racingStreamContext{StreamContext: newTestStreamContext(t, b), rejections: 2}
	p := newTopology(t, "s1", "a.b")

	// Both attempts rejected: logged and swallowed, never raised.
	require.NoError(t, p.Provision(context.Background(), js))

	assert.Equal(t, 2, js.addCalls)
	assert.Nil(t, b.StreamSubjects("s1"))
}

func TestTopologyProvisioner_EmptyDesiredIsNoOp(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	p := newTopology(t, "s1", "  ", "")

	require.NoError(t, p.Provision(context.Background(), js))
	assert.Nil(t, b.StreamSubjects("s1"))
}
