package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOutboxRecord(t *testing.T) {
	before := time.Now().UTC()
	rec, err := NewOutboxRecord("evt-1", "prod.billing.sync.crm", []byte(`{"a":1}`),
		map[string]string{"Nats-Msg-Id": "evt-1"})
	require.NoError(t, err)

	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, "prod.billing.sync.crm", rec.Subject)
	assert.Equal(t, `{"a":1}`, rec.Payload)
	assert.Equal(t, OutboxStatusPending, rec.Status)
	assert.Equal(t, 0, rec.Attempts)
	assert.False(t, rec.SentAt.Valid)
	assert.WithinDuration(t, before, rec.EnqueuedAt, time.Second)

	headers, err := rec.HeaderMap()
	require.NoError(t, err)
	assert.Equal(t, "evt-1", headers["Nats-Msg-Id"])
}

func TestNewOutboxRecord_RequiresEventID(t *testing.T) {
	_, err := NewOutboxRecord("", "s", nil, nil)
	assert.ErrorIs(t, err, ErrOutboxMissingEventID)
}

func TestOutboxRecord_Lifecycle(t *testing.T) {
	rec, err := NewOutboxRecord("evt-1", "s", nil, nil)
	require.NoError(t, err)
	assert.True(t, rec.IsDispatchable())
	assert.False(t, rec.IsSent())

	rec.MarkPublishing()
	assert.Equal(t, OutboxStatusPublishing, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.False(t, rec.IsDispatchable())

	rec.MarkSent()
	assert.Equal(t, OutboxStatusSent, rec.Status)
	assert.True(t, rec.IsSent())
	assert.True(t, rec.SentAt.Valid)
	assert.False(t, rec.LastError.Valid)
	assert.False(t, rec.IsDispatchable())
}

func TestOutboxRecord_MarkFailed(t *testing.T) {
	rec, err := NewOutboxRecord("evt-1", "s", nil, nil)
	require.NoError(t, err)

	rec.MarkPublishing()
	rec.MarkFailed(errors.New("no responders"))

	assert.Equal(t, OutboxStatusFailed, rec.Status)
	assert.True(t, rec.LastError.Valid)
	assert.Equal(t, "no responders", rec.LastError.String)

	// A failed record is claimable again.
	assert.True(t, rec.IsDispatchable())

	rec.MarkPublishing()
	assert.Equal(t, 2, rec.Attempts)

	// Success clears the stale error text.
	rec.MarkSent()
	assert.False(t, rec.LastError.Valid)
}

func TestOutboxRecord_HeaderMapEmpty(t *testing.T) {
	rec := &OutboxRecord{}
	headers, err := rec.HeaderMap()
	require.NoError(t, err)
	assert.Empty(t, headers)
}

func TestOutboxRecord_TableName(t *testing.T) {
	rec := &OutboxRecord{}
	assert.Equal(t, "jetsync_outbox", rec.TableName())
}
