package jetsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/broker/membroker"
	"github.com/coregx/jetsync/retry"
)

func fastConnectStrategy() retry.Linear {
	return retry.Linear{MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func fastRefreshStrategy() retry.Strategy {
	return retry.Strategy{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2.0,
	}
}

func newTestManager(t *testing.T, d *membroker.Dialer, opts ...ConnectionOption) *ConnectionManager {
	t.Helper()
	base := []ConnectionOption{
		WithConnectionConfig(validConfig()),
		WithDialer(d),
		WithConnectionLogger(&NoopLogger{}),
		WithConnectStrategy(fastConnectStrategy()),
		WithRefreshStrategy(fastRefreshStrategy()),
	}
	m, err := NewConnectionManager(append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func TestConnectionManager_RequiredOptions(t *testing.T) {
	_, err := NewConnectionManager(WithConnectionLogger(&NoopLogger{}))
	assert.Error(t, err)

	_, err = NewConnectionManager(
		WithDialer(&membroker.Dialer{Broker: membroker.New()}),
		WithConnectionLogger(&NoopLogger{}),
	)
	assert.Error(t, err) // no servers
}

func TestConnectionManager_ConnectAndCache(t *testing.T) {
	d := &membroker.Dialer{Broker: membroker.New()}
	m := newTestManager(t, d)
	defer m.Close()

	assert.Equal(t, StateDisconnected, m.State())

	js, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NotNil(t, js)
	assert.Equal(t, StateConnected, m.State())
	assert.False(t, m.ConnectedAt().IsZero())

	// A second Connect reuses the live handle without dialing again.
	again, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, js, again)
	assert.Equal(t, 1, d.DialCount())
}

func TestConnectionManager_ConnectRetriesThenSucceeds(t *testing.T) {
	d := &membroker.Dialer{Broker: membroker.New(), FailDials: 2}
	m := newTestManager(t, d)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 3, d.DialCount())
}

func TestConnectionManager_ConnectExhaustionIsFatal(t *testing.T) {
	dialErr := errors.New("refused")
	d := &membroker.Dialer{Broker: membroker.New(), FailDials: 99, DialErr: dialErr}
	m := newTestManager(t, d)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, m.State())

	var jsErr *Error
	require.ErrorAs(t, err, &jsErr)
	assert.Equal(t, ErrCodeConnection, jsErr.Code)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, dialErr)
}

func TestConnectionManager_ConnectFailsWhenAccountUnreachable(t *testing.T) {
	b := membroker.New()
	b.SetAccountError(errors.New("no permissions"))
	m := newTestManager(t, &membroker.Dialer{Broker: b})
	defer m.Close()

	_, err := m.Connect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateFailed, m.State())
}

func TestConnectionManager_SkipStreamVerifyBypassesAccountCheck(t *testing.T) {
	b := membroker.New()
	b.SetAccountError(errors.New("no permissions"))

	cfg := validConfig()
	cfg.SkipStreamVerify = true
	m := newTestManager(t, &membroker.Dialer{Broker: b}, WithConnectionConfig(cfg))
	defer m.Close()

	_, err := m.Connect(context.Background())
	assert.NoError(t, err)
}

func TestConnectionManager_ProvisionerRunsOnConnect(t *testing.T) {
	b := membroker.New()
	m := newTestManager(t, &membroker.Dialer{Broker: b},
		WithProvisioner(newTopology(t, "test-billing-sync-stream", "test.crm.sync.billing")),
	)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"test.crm.sync.billing"}, b.StreamSubjects("test-billing-sync-stream"))
}

func TestConnectionManager_StreamContextRequiresConnection(t *testing.T) {
	m := newTestManager(t, &membroker.Dialer{Broker: membroker.New()})
	defer m.Close()

	_, err := m.StreamContext()
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = m.Connect(context.Background())
	require.NoError(t, err)

	js, err := m.StreamContext()
	require.NoError(t, err)
	assert.NotNil(t, js)
}

func TestConnectionManager_ReconnectRebuildsStreamContext(t *testing.T) {
	b := membroker.New()
	m := newTestManager(t, &membroker.Dialer{Broker: b},
		WithProvisioner(newTopology(t, "test-billing-sync-stream", "test.crm.sync.billing")),
	)
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	b.TriggerReconnect()

	assert.Equal(t, StateConnected, m.State())
	_, err = m.StreamContext()
	assert.NoError(t, err)
}

func TestConnectionManager_HealthSnapshot(t *testing.T) {
	b := membroker.New()
	m := newTestManager(t, &membroker.Dialer{Broker: b},
		WithProvisioner(newTopology(t, "test-billing-sync-stream", "test.crm.sync.billing")),
	)
	defer m.Close()

	// Before connecting everything is down.
	health := m.Health(context.Background())
	assert.False(t, health.Connected)
	assert.False(t, health.StreamExists)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	health = m.Health(context.Background())
	assert.True(t, health.Connected)
	assert.True(t, health.StreamExists)
}

func TestConnectionManager_ConnectedProbeCaching(t *testing.T) {
	b := membroker.New()
	m := newTestManager(t, &membroker.Dialer{Broker: b}, WithHealthCacheTTL(time.Hour))
	defer m.Close()

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	assert.True(t, m.Connected(context.Background(), false))

	// The account breaking is invisible while the cached probe is fresh.
	b.SetAccountError(errors.New("down"))
	assert.True(t, m.Connected(context.Background(), false))

	// skipCache forces a fresh round-trip.
	assert.False(t, m.Connected(context.Background(), true))
}

func TestConnectionManager_Close(t *testing.T) {
	m := newTestManager(t, &membroker.Dialer{Broker: membroker.New()})

	_, err := m.Connect(context.Background())
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, StateDisconnected, m.State())
	_, err = m.StreamContext()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "failed", StateFailed.String())
}

var _ broker.Dialer = (*membroker.Dialer)(nil)
