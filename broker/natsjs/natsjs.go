// Package natsjs adapts the broker contract onto NATS JetStream using the
// nats.go client. All broker-specific error values are translated to the
// broker package's sentinels so the core never imports nats.go directly.
package natsjs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/coregx/jetsync/broker"
)

// jsStreamSubjectOverlapCode is the JetStream API error code returned when
// a stream mutation would overlap another stream's subjects.
const jsStreamSubjectOverlapCode = 10065

// Dialer implements broker.Dialer over nats.Connect.
type Dialer struct {
	// Options are appended to the options derived from broker.DialOptions.
	// Use for credentials, TLS, and reconnect tuning.
	Options []nats.Option
}

// Dial connects to the given servers.
func (d *Dialer) Dial(servers []string, opts broker.DialOptions) (broker.Conn, error) {
	natsOpts := []nats.Option{
		nats.Name(opts.Name),
	}
	if opts.OnReconnect != nil {
		cb := opts.OnReconnect
		natsOpts = append(natsOpts, nats.ReconnectHandler(func(_ *nats.Conn) { cb() }))
	}
	if opts.OnDisconnect != nil {
		cb := opts.OnDisconnect
		natsOpts = append(natsOpts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { cb(err) }))
	}
	natsOpts = append(natsOpts, d.Options...)

	nc, err := nats.Connect(strings.Join(servers, ","), natsOpts...)
	if err != nil {
		return nil, translate(err)
	}
	return &conn{nc: nc}, nil
}

type conn struct {
	nc *nats.Conn
}

func (c *conn) StreamContext() (broker.StreamContext, error) {
	js, err := c.nc.JetStream()
	if err != nil {
		return nil, translate(err)
	}
	return &streamContext{js: js}, nil
}

func (c *conn) IsConnected() bool { return c.nc.IsConnected() }

func (c *conn) Flush(timeout time.Duration) error {
	return translate(c.nc.FlushTimeout(timeout))
}

func (c *conn) RTT() (time.Duration, error) {
	rtt, err := c.nc.RTT()
	return rtt, translate(err)
}

func (c *conn) Close() { c.nc.Close() }

type streamContext struct {
	js nats.JetStreamContext
}

func (s *streamContext) Publish(ctx context.Context, subjectName string, data []byte, header broker.Header) error {
	msg := nats.NewMsg(subjectName)
	msg.Data = data
	for k, v := range header {
		msg.Header.Set(k, v)
	}
	_, err := s.js.PublishMsg(msg, nats.Context(ctx))
	return translate(err)
}

func (s *streamContext) PullSubscribe(streamName, subjectName string, cfg broker.ConsumerConfig) (broker.Subscription, error) {
	opts := []nats.SubOpt{
		nats.BindStream(streamName),
		nats.AckExplicit(),
		nats.ManualAck(),
	}
	if cfg.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(cfg.MaxDeliver))
	}
	if cfg.AckWait > 0 {
		opts = append(opts, nats.AckWait(cfg.AckWait))
	}
	if len(cfg.Backoff) > 0 {
		opts = append(opts, nats.BackOff(cfg.Backoff))
	}

	sub, err := s.js.PullSubscribe(subjectName, cfg.Durable, opts...)
	if err != nil {
		return nil, translate(err)
	}
	return &subscription{sub: sub}, nil
}

func (s *streamContext) AddStream(ctx context.Context, cfg broker.StreamConfig) error {
	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
	}, nats.Context(ctx))
	return translate(err)
}

func (s *streamContext) UpdateStream(ctx context.Context, cfg broker.StreamConfig) error {
	_, err := s.js.UpdateStream(&nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
	}, nats.Context(ctx))
	return translate(err)
}

func (s *streamContext) StreamInfo(ctx context.Context, name string) (*broker.StreamInfo, error) {
	info, err := s.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		return nil, translate(err)
	}
	return &broker.StreamInfo{
		Config: broker.StreamConfig{
			Name:     info.Config.Name,
			Subjects: info.Config.Subjects,
		},
		Messages: info.State.Msgs,
	}, nil
}

func (s *streamContext) StreamNames(ctx context.Context) ([]string, error) {
	var names []string
	for name := range s.js.StreamNames(nats.Context(ctx)) {
		names = append(names, name)
	}
	if err := ctx.Err(); err != nil {
		return nil, translate(err)
	}
	return names, nil
}

func (s *streamContext) AddConsumer(ctx context.Context, streamName string, cfg broker.ConsumerConfig) error {
	_, err := s.js.AddConsumer(streamName, &nats.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.FilterSubject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		BackOff:       cfg.Backoff,
	}, nats.Context(ctx))
	return translate(err)
}

func (s *streamContext) DeleteConsumer(ctx context.Context, streamName, durable string) error {
	return translate(s.js.DeleteConsumer(streamName, durable, nats.Context(ctx)))
}

func (s *streamContext) ConsumerInfo(ctx context.Context, streamName, durable string) (*broker.ConsumerInfo, error) {
	info, err := s.js.ConsumerInfo(streamName, durable, nats.Context(ctx))
	if err != nil {
		return nil, translate(err)
	}
	return &broker.ConsumerInfo{
		Stream: info.Stream,
		Config: broker.ConsumerConfig{
			Durable:       info.Config.Durable,
			FilterSubject: info.Config.FilterSubject,
			MaxDeliver:    info.Config.MaxDeliver,
			AckWait:       info.Config.AckWait,
			Backoff:       info.Config.BackOff,
		},
		NumPending: info.NumPending,
	}, nil
}

func (s *streamContext) AccountReachable(ctx context.Context) error {
	_, err := s.js.AccountInfo(nats.Context(ctx))
	return translate(err)
}

type subscription struct {
	sub *nats.Subscription
}

func (s *subscription) Fetch(batch int, timeout time.Duration) ([]broker.Msg, error) {
	msgs, err := s.sub.Fetch(batch, nats.MaxWait(timeout))
	if err != nil {
		return nil, translate(err)
	}
	out := make([]broker.Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &message{msg: m})
	}
	return out, nil
}

func (s *subscription) Drain() error { return translate(s.sub.Drain()) }

type message struct {
	msg *nats.Msg
}

func (m *message) Subject() string { return m.msg.Subject }
func (m *message) Data() []byte    { return m.msg.Data }

func (m *message) HeaderValue(key string) string {
	return m.msg.Header.Get(key)
}

func (m *message) Meta() (broker.MsgMeta, error) {
	meta, err := m.msg.Metadata()
	if err != nil {
		return broker.MsgMeta{}, translate(err)
	}
	return broker.MsgMeta{
		Stream:       meta.Stream,
		StreamSeq:    meta.Sequence.Stream,
		NumDelivered: int(meta.NumDelivered),
		Timestamp:    meta.Timestamp,
	}, nil
}

func (m *message) Ack() error  { return translate(m.msg.Ack()) }
func (m *message) Nak() error  { return translate(m.msg.Nak()) }
func (m *message) Term() error { return translate(m.msg.Term()) }

// translate maps nats.go errors onto the broker package sentinels while
// preserving the original error for logs.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jsStreamSubjectOverlapCode {
		return wrap(broker.ErrSubjectOverlap, err)
	}

	switch {
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return wrap(broker.ErrTimeout, err)
	case errors.Is(err, nats.ErrNoResponders):
		return wrap(broker.ErrNoResponders, err)
	case errors.Is(err, nats.ErrStreamNotFound):
		return wrap(broker.ErrStreamNotFound, err)
	case errors.Is(err, nats.ErrConsumerNotFound):
		return wrap(broker.ErrConsumerNotFound, err)
	case errors.Is(err, nats.ErrConnectionClosed):
		return wrap(broker.ErrConnectionClosed, err)
	}
	return err
}

// wrap keeps both the sentinel and the transport error visible to errors.Is.
func wrap(sentinel, cause error) error {
	return &translatedError{sentinel: sentinel, cause: cause}
}

type translatedError struct {
	sentinel error
	cause    error
}

func (e *translatedError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }

func (e *translatedError) Is(target error) bool {
	return errors.Is(e.sentinel, target)
}

func (e *translatedError) Unwrap() error { return e.cause }
