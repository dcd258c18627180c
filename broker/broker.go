// Package broker defines the client contract against the pub/sub broker's
// persistent-stream facility. The reliability layer depends only on these
// interfaces; concrete transports live in subpackages (natsjs for NATS
// JetStream, membroker for the in-memory test emulator).
package broker

import (
	"context"
	"errors"
	"time"
)

// DedupHeader is the message header the broker uses to silently drop a
// republished message whose value it has already seen.
const DedupHeader = "Nats-Msg-Id"

// Sentinel errors adapters must map broker-specific failures onto.
var (
	// ErrTimeout indicates a fetch or round-trip exceeded its deadline.
	ErrTimeout = errors.New("broker: timeout")

	// ErrNoResponders indicates no server-side responder for the request.
	ErrNoResponders = errors.New("broker: no responders")

	// ErrStreamNotFound indicates the named stream does not exist.
	ErrStreamNotFound = errors.New("broker: stream not found")

	// ErrConsumerNotFound indicates the named durable consumer does not exist.
	ErrConsumerNotFound = errors.New("broker: consumer not found")

	// ErrSubjectOverlap indicates a stream mutation was rejected because its
	// subjects overlap with another stream's subjects.
	ErrSubjectOverlap = errors.New("broker: subjects overlap with an existing stream")

	// ErrConnectionClosed indicates the underlying connection is gone.
	ErrConnectionClosed = errors.New("broker: connection closed")
)

// IsTransient reports whether err is a transport-level failure that a retry
// may resolve: timeouts, missing responders, and closed connections.
// Topology errors (overlap, not-found) are never transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNoResponders) ||
		errors.Is(err, ErrConnectionClosed)
}

// Header carries message headers as single-valued key/value pairs.
type Header map[string]string

// DialOptions configures a Dialer.
type DialOptions struct {
	// Name identifies the connection to the broker (shows up in monitoring).
	Name string

	// OnReconnect fires after the transport re-established a dropped
	// connection on its own. The stream context derived from the previous
	// connection epoch must be considered stale.
	OnReconnect func()

	// OnDisconnect fires when the transport loses the connection.
	OnDisconnect func(error)
}

// Dialer establishes broker connections.
type Dialer interface {
	// Dial connects to one of the given servers. Implementations validate
	// nothing about the URLs; callers are expected to have done so.
	Dial(servers []string, opts DialOptions) (Conn, error)
}

// Conn is a live transport connection.
type Conn interface {
	// StreamContext returns a handle to the persistent-stream subsystem.
	// The handle is bound to the current connection epoch.
	StreamContext() (StreamContext, error)

	// IsConnected reports whether the transport currently holds a live
	// connection (reconnection may be in progress when false).
	IsConnected() bool

	// Flush performs a transport round-trip within the given timeout.
	Flush(timeout time.Duration) error

	// RTT returns the measured round-trip time to the server.
	RTT() (time.Duration, error)

	// Close tears the connection down.
	Close()
}

// StreamConfig describes a stream to create or update.
type StreamConfig struct {
	Name     string
	Subjects []string
}

// StreamInfo describes an existing stream.
type StreamInfo struct {
	Config   StreamConfig
	Messages uint64
}

// ConsumerConfig describes a durable pull consumer.
type ConsumerConfig struct {
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
	Backoff       []time.Duration
}

// ConsumerInfo describes an existing durable consumer.
type ConsumerInfo struct {
	Stream     string
	Config     ConsumerConfig
	NumPending uint64
}

// StreamContext is the stream-capable subsystem handle: publishing with
// dedup semantics, pull subscriptions, and stream/consumer administration.
type StreamContext interface {
	// Publish appends a message to the stream owning subject. The dedup
	// header, when present, makes redundant publishes a server-side no-op.
	Publish(ctx context.Context, subjectName string, data []byte, header Header) error

	// PullSubscribe binds a pull subscription to the durable consumer on
	// the given stream, creating the consumer when it does not exist.
	PullSubscribe(streamName, subjectName string, cfg ConsumerConfig) (Subscription, error)

	// AddStream creates a stream.
	AddStream(ctx context.Context, cfg StreamConfig) error

	// UpdateStream updates a stream's configuration.
	UpdateStream(ctx context.Context, cfg StreamConfig) error

	// StreamInfo returns info for a stream, or ErrStreamNotFound.
	StreamInfo(ctx context.Context, name string) (*StreamInfo, error)

	// StreamNames lists all stream names known to the broker.
	StreamNames(ctx context.Context) ([]string, error)

	// AddConsumer creates a durable consumer on the stream.
	AddConsumer(ctx context.Context, streamName string, cfg ConsumerConfig) error

	// DeleteConsumer removes a durable consumer.
	DeleteConsumer(ctx context.Context, streamName, durable string) error

	// ConsumerInfo returns info for a durable consumer, or ErrConsumerNotFound.
	ConsumerInfo(ctx context.Context, streamName, durable string) (*ConsumerInfo, error)

	// AccountReachable performs a management round-trip to verify the
	// stream subsystem responds. Requires management permissions.
	AccountReachable(ctx context.Context) error
}

// Subscription is a bound pull subscription over a durable consumer.
type Subscription interface {
	// Fetch pulls up to batch messages, waiting at most timeout.
	// Returns ErrTimeout when no message arrived in time.
	Fetch(batch int, timeout time.Duration) ([]Msg, error)

	// Drain unbinds the subscription after in-flight acks complete.
	Drain() error
}

// MsgMeta carries broker-side delivery metadata for a fetched message.
type MsgMeta struct {
	Stream       string
	StreamSeq    uint64
	NumDelivered int
	Timestamp    time.Time
}

// Msg is a single fetched message with its acknowledgment handles.
type Msg interface {
	Subject() string
	Data() []byte

	// HeaderValue returns the first value for the header key, or "".
	HeaderValue(key string) string

	// Meta returns delivery metadata.
	Meta() (MsgMeta, error)

	// Ack acknowledges the message; the broker will not redeliver it.
	Ack() error

	// Nak negatively acknowledges; the broker redelivers per the
	// consumer's backoff configuration.
	Nak() error

	// Term terminates delivery; the broker will never redeliver,
	// independent of remaining delivery attempts.
	Term() error
}
