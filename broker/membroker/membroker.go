// Package membroker provides an in-memory implementation of the broker
// contract. It emulates the parts of the persistent-stream protocol the
// reliability layer depends on: subject-addressed streams with overlap
// enforcement, dedup-header suppression, durable pull consumers with
// delivery counting, and nak redelivery.
//
// It exists for tests. It is not a message broker.
package membroker

import (
	"context"
	"sync"
	"time"

	"github.com/coregx/jetsync/broker"
	"github.com/coregx/jetsync/subject"
)

// Broker is the shared in-memory broker state. A single Broker may back
// any number of connections; all of them see the same streams.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	dedup   map[string]struct{}
	conns   []*conn

	// failure injection
	publishErrs []error
	fetchErrs   []error
	accountErr  error
}

// New creates an empty in-memory broker.
func New() *Broker {
	return &Broker{
		streams: make(map[string]*stream),
		dedup:   make(map[string]struct{}),
	}
}

type stream struct {
	cfg       broker.StreamConfig
	seq       uint64
	msgs      []*storedMsg
	consumers map[string]*consumer
}

type storedMsg struct {
	subjectName string
	data        []byte
	header      broker.Header
	seq         uint64
	ts          time.Time
}

type consumer struct {
	cfg        broker.ConsumerConfig
	pending    []*storedMsg
	deliveries map[uint64]int
	done       map[uint64]bool
}

// Dialer hands out connections to the shared broker.
type Dialer struct {
	Broker *Broker

	// FailDials makes the first n Dial calls fail with DialErr.
	FailDials int
	DialErr   error

	mu    sync.Mutex
	dials int
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(_ []string, opts broker.DialOptions) (broker.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.FailDials
	d.mu.Unlock()

	if fail {
		if d.DialErr != nil {
			return nil, d.DialErr
		}
		return nil, broker.ErrTimeout
	}

	c := &conn{b: d.Broker, opts: opts, connected: true}
	d.Broker.mu.Lock()
	d.Broker.conns = append(d.Broker.conns, c)
	d.Broker.mu.Unlock()
	return c, nil
}

// DialCount reports how many Dial calls were made.
func (d *Dialer) DialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type conn struct {
	b         *Broker
	opts      broker.DialOptions
	mu        sync.Mutex
	connected bool
}

func (c *conn) StreamContext() (broker.StreamContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, broker.ErrConnectionClosed
	}
	return &streamContext{b: c.b}, nil
}

func (c *conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *conn) Flush(_ time.Duration) error {
	if !c.IsConnected() {
		return broker.ErrConnectionClosed
	}
	return nil
}

func (c *conn) RTT() (time.Duration, error) {
	if !c.IsConnected() {
		return 0, broker.ErrConnectionClosed
	}
	return time.Millisecond, nil
}

func (c *conn) Close() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// TriggerReconnect simulates the transport dropping and re-establishing
// every live connection, firing each connection's OnReconnect callback the
// way the real client does from its own goroutine.
func (b *Broker) TriggerReconnect() {
	b.mu.Lock()
	conns := make([]*conn, len(b.conns))
	copy(conns, b.conns)
	b.mu.Unlock()

	for _, c := range conns {
		if c.IsConnected() && c.opts.OnReconnect != nil {
			c.opts.OnReconnect()
		}
	}
}

// FailNextPublishes makes the next len(errs) Publish calls fail in order.
func (b *Broker) FailNextPublishes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErrs = append(b.publishErrs, errs...)
}

// FailNextFetches makes the next len(errs) Fetch calls fail in order.
func (b *Broker) FailNextFetches(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchErrs = append(b.fetchErrs, errs...)
}

// SetAccountError makes AccountReachable return err.
func (b *Broker) SetAccountError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountErr = err
}

// StreamSubjects returns the subject set of a stream, or nil when the
// stream does not exist.
func (b *Broker) StreamSubjects(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		return nil
	}
	out := make([]string, len(s.cfg.Subjects))
	copy(out, s.cfg.Subjects)
	return out
}

// SubjectMessages returns the payloads appended under the exact subject,
// in append order, across all streams.
func (b *Broker) SubjectMessages(subjectName string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, s := range b.streams {
		for _, m := range s.msgs {
			if m.subjectName == subjectName {
				out = append(out, m.data)
			}
		}
	}
	return out
}

type streamContext struct {
	b *Broker
}

func (s *streamContext) Publish(_ context.Context, subjectName string, data []byte, header broker.Header) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		return err
	}

	target := b.ownerOf(subjectName)
	if target == nil {
		return broker.ErrNoResponders
	}

	if id := header[broker.DedupHeader]; id != "" {
		if _, seen := b.dedup[id]; seen {
			return nil // duplicate silently dropped
		}
		b.dedup[id] = struct{}{}
	}

	target.seq++
	msg := &storedMsg{
		subjectName: subjectName,
		data:        append([]byte(nil), data...),
		header:      cloneHeader(header),
		seq:         target.seq,
		ts:          time.Now(),
	}
	target.msgs = append(target.msgs, msg)

	for _, c := range target.consumers {
		if subject.Matches(c.cfg.FilterSubject, subjectName) {
			c.pending = append(c.pending, msg)
		}
	}
	return nil
}

// ownerOf returns the stream owning the given subject. Callers hold b.mu.
func (b *Broker) ownerOf(subjectName string) *stream {
	for _, s := range b.streams {
		for _, pat := range s.cfg.Subjects {
			if subject.Matches(pat, subjectName) {
				return s
			}
		}
	}
	return nil
}

func (s *streamContext) AddStream(_ context.Context, cfg broker.StreamConfig) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkOverlap(cfg); err != nil {
		return err
	}
	b.streams[cfg.Name] = &stream{
		cfg:       cloneStreamConfig(cfg),
		consumers: make(map[string]*consumer),
	}
	return nil
}

func (s *streamContext) UpdateStream(_ context.Context, cfg broker.StreamConfig) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.streams[cfg.Name]
	if !ok {
		return broker.ErrStreamNotFound
	}
	if err := b.checkOverlap(cfg); err != nil {
		return err
	}
	existing.cfg = cloneStreamConfig(cfg)
	return nil
}

// checkOverlap rejects a config whose subjects overlap another stream's
// subjects, mirroring the broker-side invariant. Callers hold b.mu.
func (b *Broker) checkOverlap(cfg broker.StreamConfig) error {
	for name, other := range b.streams {
		if name == cfg.Name {
			continue
		}
		for _, mine := range cfg.Subjects {
			if subject.OverlapAny(other.cfg.Subjects, mine) {
				return broker.ErrSubjectOverlap
			}
		}
	}
	return nil
}

func (s *streamContext) StreamInfo(_ context.Context, name string) (*broker.StreamInfo, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[name]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	return &broker.StreamInfo{
		Config:   cloneStreamConfig(st.cfg),
		Messages: uint64(len(st.msgs)),
	}, nil
}

func (s *streamContext) StreamNames(_ context.Context) ([]string, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.streams))
	for name := range b.streams {
		names = append(names, name)
	}
	return names, nil
}

func (s *streamContext) AddConsumer(_ context.Context, streamName string, cfg broker.ConsumerConfig) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addConsumerLocked(streamName, cfg)
}

func (b *Broker) addConsumerLocked(streamName string, cfg broker.ConsumerConfig) error {
	st, ok := b.streams[streamName]
	if !ok {
		return broker.ErrStreamNotFound
	}
	if _, exists := st.consumers[cfg.Durable]; exists {
		return nil
	}
	c := &consumer{
		cfg:        cfg,
		deliveries: make(map[uint64]int),
		done:       make(map[uint64]bool),
	}
	// Deliver-all: backfill from the stream's existing messages.
	for _, m := range st.msgs {
		if subject.Matches(cfg.FilterSubject, m.subjectName) {
			c.pending = append(c.pending, m)
		}
	}
	st.consumers[cfg.Durable] = c
	return nil
}

func (s *streamContext) DeleteConsumer(_ context.Context, streamName, durable string) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[streamName]
	if !ok {
		return broker.ErrStreamNotFound
	}
	if _, ok := st.consumers[durable]; !ok {
		return broker.ErrConsumerNotFound
	}
	delete(st.consumers, durable)
	return nil
}

func (s *streamContext) ConsumerInfo(_ context.Context, streamName, durable string) (*broker.ConsumerInfo, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.streams[streamName]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	c, ok := st.consumers[durable]
	if !ok {
		return nil, broker.ErrConsumerNotFound
	}
	return &broker.ConsumerInfo{
		Stream:     streamName,
		Config:     c.cfg,
		NumPending: uint64(len(c.pending)),
	}, nil
}

func (s *streamContext) AccountReachable(_ context.Context) error {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accountErr
}

func (s *streamContext) PullSubscribe(streamName, subjectName string, cfg broker.ConsumerConfig) (broker.Subscription, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.FilterSubject == "" {
		cfg.FilterSubject = subjectName
	}
	if err := b.addConsumerLocked(streamName, cfg); err != nil {
		return nil, err
	}
	return &subscription{b: b, streamName: streamName, durable: cfg.Durable}, nil
}

type subscription struct {
	b          *Broker
	streamName string
	durable    string
	drained    bool
}

func (s *subscription) Fetch(batch int, _ time.Duration) ([]broker.Msg, error) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()

	if s.drained {
		return nil, broker.ErrConnectionClosed
	}
	if len(b.fetchErrs) > 0 {
		err := b.fetchErrs[0]
		b.fetchErrs = b.fetchErrs[1:]
		return nil, err
	}

	st, ok := b.streams[s.streamName]
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	c, ok := st.consumers[s.durable]
	if !ok {
		return nil, broker.ErrConsumerNotFound
	}

	var out []broker.Msg
	for len(c.pending) > 0 && len(out) < batch {
		m := c.pending[0]
		c.pending = c.pending[1:]
		if c.done[m.seq] {
			continue
		}
		c.deliveries[m.seq]++
		out = append(out, &message{
			b:           b,
			streamName:  s.streamName,
			c:           c,
			m:           m,
			numDeliv:    c.deliveries[m.seq],
			subjectName: m.subjectName,
		})
	}
	if len(out) == 0 {
		return nil, broker.ErrTimeout
	}
	return out, nil
}

func (s *subscription) Drain() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.drained = true
	return nil
}

type message struct {
	b           *Broker
	streamName  string
	c           *consumer
	m           *storedMsg
	numDeliv    int
	subjectName string
}

func (m *message) Subject() string { return m.subjectName }
func (m *message) Data() []byte    { return m.m.data }

func (m *message) HeaderValue(key string) string {
	return m.m.header[key]
}

func (m *message) Meta() (broker.MsgMeta, error) {
	return broker.MsgMeta{
		Stream:       m.streamName,
		StreamSeq:    m.m.seq,
		NumDelivered: m.numDeliv,
		Timestamp:    m.m.ts,
	}, nil
}

func (m *message) Ack() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	m.c.done[m.m.seq] = true
	return nil
}

func (m *message) Nak() error {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	if m.c.done[m.m.seq] {
		return nil
	}
	if m.c.cfg.MaxDeliver > 0 && m.c.deliveries[m.m.seq] >= m.c.cfg.MaxDeliver {
		// Redelivery budget exhausted; the broker stops delivering.
		return nil
	}
	m.c.pending = append(m.c.pending, m.m)
	return nil
}

func (m *message) Term() error {
	return m.Ack()
}

func cloneHeader(h broker.Header) broker.Header {
	out := make(broker.Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneStreamConfig(cfg broker.StreamConfig) broker.StreamConfig {
	out := cfg
	out.Subjects = append([]string(nil), cfg.Subjects...)
	return out
}
