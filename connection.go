package jetsync

import (
	"context"
	"sync"
	"time"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/retry"
)

// ConnState is the connection lifecycle state. It is owned exclusively by
// the ConnectionManager; transitions are the only source of truth for
// whether a stream-context handle is usable.
type ConnState int32

const (
	// StateDisconnected is the initial state, before any connect attempt.
	StateDisconnected ConnState = iota

	// StateConnecting indicates an initial connect attempt is running.
	StateConnecting

	// StateConnected indicates a live connection with a usable
	// stream-context handle.
	StateConnected

	// StateReconnecting indicates the transport re-established itself and
	// the stream-context handle is being rebuilt.
	StateReconnecting

	// StateFailed indicates connect retries were exhausted, or a
	// reconnect-time rebuild failed and background recovery is running.
	StateFailed
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Provisioner reconciles broker topology against a stream-context handle.
// It runs on initial connect and again after every reconnect-triggered
// handle rebuild.
type Provisioner interface {
	Provision(ctx context.Context, js broker.StreamContext) error
}

// HealthStatus is the operational health-check result.
type HealthStatus struct {
	Connected    bool  `json:"connected"`
	StreamExists bool  `json:"stream_exists"`
	RTTMillis    int64 `json:"rtt_ms"`
}

// ConnectionManager owns the single broker connection and the derived
// stream-context handle shared by all publish and subscribe call sites.
//
// Failure semantics: initial connect failures are fatal after retry
// exhaustion; reconnection failures are self-healing via a supervised
// background rebuild loop and are never raised, because traffic may
// resume before the bounded retry gives up.
//
// Thread safety: safe for concurrent use. A single mutex guards every
// read and replacement of the connection and stream-context handles.
type ConnectionManager struct {
	cfg             Config
	dialer          broker.Dialer
	logger          Logger
	provisioner     Provisioner
	connectStrategy retry.Linear
	refreshStrategy retry.Strategy
	healthTTL       time.Duration
	flushTimeout    time.Duration

	mu          sync.Mutex
	state       ConnState
	conn        broker.Conn
	js          broker.StreamContext
	connectedAt time.Time

	probeAt time.Time
	probeOK bool

	refreshCancel context.CancelFunc
	refreshDone   chan struct{}
}

// ConnectionOption configures a ConnectionManager.
type ConnectionOption func(*ConnectionManager) error

// NewConnectionManager creates a new ConnectionManager with the provided
// options.
//
// Required options:
//   - WithConnectionConfig: the validated Config
//   - WithDialer: the broker dialer
//   - WithConnectionLogger: logger instance
//
// Optional options:
//   - WithProvisioner: topology provisioning run on connect and reconnect
//   - WithConnectStrategy / WithRefreshStrategy: retry tuning
//   - WithHealthCacheTTL: health probe cache window (default 30s)
func NewConnectionManager(opts ...ConnectionOption) (*ConnectionManager, error) {
	m := &ConnectionManager{
		connectStrategy: retry.DefaultConnectStrategy(),
		refreshStrategy: retry.DefaultRefreshStrategy(),
		healthTTL:       30 * time.Second,
		flushTimeout:    2 * time.Second,
		state:           StateDisconnected,
	}

	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, NewErrorWithCause(ErrCodeConfiguration, "failed to apply connection option", err)
		}
	}

	if m.dialer == nil {
		return nil, NewError(ErrCodeConfiguration, "Dialer is required (use WithDialer)")
	}
	if m.logger == nil {
		return nil, NewError(ErrCodeConfiguration, "Logger is required (use WithConnectionLogger)")
	}
	if len(m.cfg.Servers) == 0 {
		return nil, NewError(ErrCodeConfiguration, "Config with at least one server is required (use WithConnectionConfig)")
	}

	return m, nil
}

// WithConnectionConfig sets the Config the manager connects with.
func WithConnectionConfig(cfg Config) ConnectionOption {
	return func(m *ConnectionManager) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		m.cfg = cfg
		return nil
	}
}

// WithDialer sets the broker dialer.
func WithDialer(d broker.Dialer) ConnectionOption {
	return func(m *ConnectionManager) error {
		if d == nil {
			return NewError(ErrCodeConfiguration, "dialer cannot be nil")
		}
		m.dialer = d
		return nil
	}
}

// WithConnectionLogger sets the logger instance.
func WithConnectionLogger(logger Logger) ConnectionOption {
	return func(m *ConnectionManager) error {
		if logger == nil {
			return NewError(ErrCodeConfiguration, "logger cannot be nil")
		}
		m.logger = logger
		return nil
	}
}

// WithProvisioner sets the topology provisioner run on connect and on
// every reconnect-triggered handle rebuild.
func WithProvisioner(p Provisioner) ConnectionOption {
	return func(m *ConnectionManager) error {
		m.provisioner = p
		return nil
	}
}

// WithConnectStrategy tunes the initial-connect linear retry.
func WithConnectStrategy(s retry.Linear) ConnectionOption {
	return func(m *ConnectionManager) error {
		m.connectStrategy = s
		return nil
	}
}

// WithRefreshStrategy tunes the background rebuild exponential retry.
func WithRefreshStrategy(s retry.Strategy) ConnectionOption {
	return func(m *ConnectionManager) error {
		m.refreshStrategy = s
		return nil
	}
}

// WithHealthCacheTTL sets how long a health probe result is reused.
func WithHealthCacheTTL(ttl time.Duration) ConnectionOption {
	return func(m *ConnectionManager) error {
		m.healthTTL = ttl
		return nil
	}
}

// State returns the current lifecycle state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectedAt returns when the current connection was established.
func (m *ConnectionManager) ConnectedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAt
}

// Connect establishes the broker connection, verifies the stream subsystem
// (unless the configuration skips it), runs topology provisioning, and
// returns the stream-context handle.
//
// When already connected with a live client the cached handle is returned
// without I/O. Connect attempts retry with linearly increasing delay; once
// retries are exhausted the state is Failed and a CONNECTION_ERROR is
// returned.
func (m *ConnectionManager) Connect(ctx context.Context) (broker.StreamContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateConnected && m.conn != nil && m.conn.IsConnected() {
		return m.js, nil
	}

	m.state = StateConnecting
	var lastErr error
	for attempt := 1; attempt <= m.connectStrategy.MaxAttempts; attempt++ {
		if delay := m.connectStrategy.Delay(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				m.state = StateFailed
				return nil, NewErrorWithCause(ErrCodeConnection, "connect canceled", ctx.Err())
			case <-time.After(delay):
			}
		}

		if lastErr = m.connectOnce(ctx); lastErr == nil {
			m.state = StateConnected
			m.connectedAt = time.Now()
			m.logger.Infof("Connected to broker (servers=%d, stream=%s)", len(m.cfg.Servers), m.cfg.StreamName())
			return m.js, nil
		}
		m.logger.Warnf("Connect attempt %d/%d failed: %v", attempt, m.connectStrategy.MaxAttempts, lastErr)
	}

	m.state = StateFailed
	return nil, NewErrorWithCause(ErrCodeConnection, "broker connection failed",
		&retry.ExhaustedError{Attempts: m.connectStrategy.MaxAttempts, Err: lastErr})
}

// connectOnce performs one dial + handle build + verification +
// provisioning cycle. Callers hold m.mu.
func (m *ConnectionManager) connectOnce(ctx context.Context) error {
	conn, err := m.dialer.Dial(m.cfg.Servers, broker.DialOptions{
		Name:         m.cfg.AppName,
		OnReconnect:  m.handleReconnect,
		OnDisconnect: m.handleDisconnect,
	})
	if err != nil {
		return err
	}

	js, err := conn.StreamContext()
	if err != nil {
		conn.Close()
		return err
	}

	if !m.cfg.SkipStreamVerify {
		if err := js.AccountReachable(ctx); err != nil {
			conn.Close()
			return err
		}
	}

	if m.provisioner != nil {
		if err := m.provisioner.Provision(ctx, js); err != nil {
			conn.Close()
			return err
		}
	}

	m.conn = conn
	m.js = js
	return nil
}

// StreamContext returns the current handle, or ErrNotConnected when the
// manager is not in the Connected state.
func (m *ConnectionManager) StreamContext() (broker.StreamContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected || m.js == nil {
		return nil, ErrNotConnected
	}
	return m.js, nil
}

// handleDisconnect is invoked by the transport when the connection drops.
func (m *ConnectionManager) handleDisconnect(err error) {
	m.logger.Warnf("Broker connection lost: %v", err)
}

// handleReconnect is invoked by the transport after it re-established a
// dropped connection. The old stream-context handle belongs to the
// previous connection epoch and must be rebuilt; topology is re-run
// because the broker may have restarted empty.
//
// A rebuild failure leaves the transport connection intact and hands
// recovery to a supervised background loop; it is never raised.
func (m *ConnectionManager) handleReconnect() {
	m.mu.Lock()
	m.state = StateReconnecting
	m.logger.Info("Broker reconnected, rebuilding stream context")

	if err := m.rebuildLocked(context.Background()); err != nil {
		m.state = StateFailed
		m.logger.Errorf("Stream context rebuild failed, starting background recovery: %v", err)
		m.startRefreshLocked()
		m.mu.Unlock()
		return
	}

	m.state = StateConnected
	m.mu.Unlock()
	m.logger.Info("Stream context rebuilt")
}

// rebuildLocked rebuilds the stream-context handle from the live
// connection and re-runs provisioning. Callers hold m.mu.
func (m *ConnectionManager) rebuildLocked(ctx context.Context) error {
	if m.conn == nil {
		return ErrNotConnected
	}
	js, err := m.conn.StreamContext()
	if err != nil {
		return err
	}
	if m.provisioner != nil {
		if err := m.provisioner.Provision(ctx, js); err != nil {
			return err
		}
	}
	m.js = js
	return nil
}

// startRefreshLocked starts the background rebuild loop, replacing any
// previous one. Callers hold m.mu.
func (m *ConnectionManager) startRefreshLocked() {
	m.stopRefreshLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.refreshCancel = cancel
	m.refreshDone = done

	go m.refreshLoop(ctx, done)
}

// stopRefreshLocked cancels a running background rebuild loop. Callers
// hold m.mu.
func (m *ConnectionManager) stopRefreshLocked() {
	if m.refreshCancel != nil {
		m.refreshCancel()
		m.refreshCancel = nil
		m.refreshDone = nil
	}
}

// refreshLoop retries the stream-context rebuild with bounded exponential
// backoff until it succeeds, the attempts cap is reached, or the transport
// disconnects.
func (m *ConnectionManager) refreshLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for attempt := 0; attempt < m.refreshStrategy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.refreshStrategy.Delay(attempt)):
		}

		m.mu.Lock()
		if m.conn == nil || !m.conn.IsConnected() {
			m.mu.Unlock()
			m.logger.Warnf("Background recovery stopped: transport disconnected")
			return
		}
		err := m.rebuildLocked(ctx)
		if err == nil {
			m.state = StateConnected
			m.refreshCancel = nil
			m.refreshDone = nil
			m.mu.Unlock()
			m.logger.Infof("Background recovery rebuilt stream context after %d attempts", attempt+1)
			return
		}
		m.mu.Unlock()
		m.logger.Warnf("Background rebuild attempt %d/%d failed: %v", attempt+1, m.refreshStrategy.MaxAttempts, err)
	}

	m.logger.Errorf("Background recovery gave up after %d attempts", m.refreshStrategy.MaxAttempts)
}

// Connected reports whether the broker is reachable. The probe result is
// cached for the configured TTL to bound overhead; skipCache forces a
// fresh probe at the cost of a round-trip. A double-check under the
// manager lock prevents duplicate concurrent probes.
func (m *ConnectionManager) Connected(ctx context.Context, skipCache bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !skipCache && time.Since(m.probeAt) < m.healthTTL && !m.probeAt.IsZero() {
		return m.probeOK
	}

	m.probeOK = m.probeLocked(ctx)
	m.probeAt = time.Now()
	return m.probeOK
}

// probeLocked performs the health round-trip: a management call when
// permitted, otherwise a transport flush. Callers hold m.mu.
func (m *ConnectionManager) probeLocked(ctx context.Context) bool {
	if m.state != StateConnected || m.conn == nil || !m.conn.IsConnected() {
		return false
	}
	if m.cfg.SkipStreamVerify {
		return m.conn.Flush(m.flushTimeout) == nil
	}
	return m.js.AccountReachable(ctx) == nil
}

// Health returns the operational health snapshot: transport liveness,
// stream existence, and measured round-trip time.
func (m *ConnectionManager) Health(ctx context.Context) HealthStatus {
	m.mu.Lock()
	conn, js := m.conn, m.js
	state := m.state
	m.mu.Unlock()

	var status HealthStatus
	if state != StateConnected || conn == nil || !conn.IsConnected() {
		return status
	}
	status.Connected = true

	if rtt, err := conn.RTT(); err == nil {
		status.RTTMillis = rtt.Milliseconds()
	}
	if js != nil {
		if _, err := js.StreamInfo(ctx, m.cfg.StreamName()); err == nil {
			status.StreamExists = true
		}
	}
	return status
}

// Close cancels background recovery and tears the connection down.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.stopRefreshLocked()
	conn := m.conn
	m.conn = nil
	m.js = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
