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

func testConsumerSpec() ConsumerSpec {
	return ConsumerSpec{
		Stream:        "s1",
		Durable:       "workers",
		FilterSubject: "a.b",
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		Backoff:       []time.Duration{time.Second, 5 * time.Second},
	}
}

func newSubscriptionManager(t *testing.T) *SubscriptionManager {
	t.Helper()
	sm, err := NewSubscriptionManager(WithSubscriptionManagerLogger(&NoopLogger{}))
	require.NoError(t, err)
	return sm
}

func TestConsumerSpec_Validate(t *testing.T) {
	assert.NoError(t, testConsumerSpec().Validate())

	missingStream := testConsumerSpec()
	missingStream.Stream = ""
	assert.Error(t, missingStream.Validate())

	missingDurable := testConsumerSpec()
	missingDurable.Durable = ""
	assert.Error(t, missingDurable.Validate())

	missingFilter := testConsumerSpec()
	missingFilter.FilterSubject = ""
	assert.Error(t, missingFilter.Validate())
}

func TestSubscriptionManager_CreatesMissingConsumer(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "s1", Subjects: []string{"a.b"},
	}))

	sm := newSubscriptionManager(t)
	require.NoError(t, sm.EnsureConsumer(context.Background(), js, testConsumerSpec()))

	info, err := js.ConsumerInfo(context.Background(), "s1", "workers")
	require.NoError(t, err)
	assert.Equal(t, "a.b", info.Config.FilterSubject)
	assert.Equal(t, 5, info.Config.MaxDeliver)
}

func TestSubscriptionManager_MatchingConsumerIsNoOp(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "s1", Subjects: []string{"a.b"},
	}))

	sm := newSubscriptionManager(t)
	require.NoError(t, sm.EnsureConsumer(context.Background(), js, testConsumerSpec()))
	require.NoError(t, sm.EnsureConsumer(context.Background(), js, testConsumerSpec()))

	info, err := js.ConsumerInfo(context.Background(), "s1", "workers")
	require.NoError(t, err)
	assert.Equal(t, "a.b", info.Config.FilterSubject)
}

func TestSubscriptionManager_RecreatesOnFilterDrift(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)
	require.NoError(t, js.AddStream(context.Background(), broker.StreamConfig{
		Name: "s1", Subjects: []string{"a.b", "a.c"},
	}))

	drifted := testConsumerSpec()
	drifted.FilterSubject = "a.c"
	require.NoError(t, js.AddConsumer(context.Background(), "s1", broker.ConsumerConfig{
		Durable:       drifted.Durable,
		FilterSubject: drifted.FilterSubject,
	}))

	sm := newSubscriptionManager(t)
	require.NoError(t, sm.EnsureConsumer(context.Background(), js, testConsumerSpec()))

	info, err := js.ConsumerInfo(context.Background(), "s1", "workers")
	require.NoError(t, err)
	assert.Equal(t, "a.b", info.Config.FilterSubject)
}

func TestSubscriptionManager_MissingStreamIsRaised(t *testing.T) {
	b := membroker.New()
	js := newTestStreamContext(t, b)

	sm := newSubscriptionManager(t)
	err := sm.EnsureConsumer(context.Background(), js, testConsumerSpec())
	require.Error(t, err)

	var jsErr *Error
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrCodeTopology, jsErr.Code)
}

func TestNormalizeAckWait(t *testing.T) {
	tests := []struct {
		name  string
		value int64
		want  time.Duration
	}{
		{"zero", 0, 0},
		{"negative", -5, 0},
		{"small integer is seconds", 30, 30 * time.Second},
		{"ceiling is still seconds", 86_400, 86_400 * time.Second},
		{"above ceiling is nanoseconds", 30_000_000_000, 30 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeAckWait(tt.value))
		})
	}
}

func TestParseAckWait(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    time.Duration
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"bare seconds", "30", 30 * time.Second, false},
		{"bare nanoseconds", "30000000000", 30 * time.Second, false},
		{"duration suffix", "45s", 45 * time.Second, false},
		{"millisecond suffix", "500ms", 500 * time.Millisecond, false},
		{"garbage", "soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAckWait(tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
