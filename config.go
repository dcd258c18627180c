package jetsync

import (
	"fmt"
	"net/url"
	"strconv"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/coregx/jetsync/subject"
)

// Config identifies one application's place in the sync topology and
// derives every subject and name from it.
//
// The canonical naming scheme (one scheme, no historical variants):
//
//	publish subject   {env}.{app}.sync.{dest}
//	filter subject    {env}.{dest}.sync.{app}
//	dead-letter       {env}.{app}.sync.dlq
//	stream name       {env}-{app}-sync-stream
//	durable consumer  {env}-{app}-workers
type Config struct {
	// Environment is the deployment environment component (e.g. "prod").
	Environment string

	// AppName is this application's name component.
	AppName string

	// Destination is the peer application events are synced with. Required
	// for publishing.
	Destination string

	// Servers lists broker URLs (nats://, tls:// or ws:// scheme).
	Servers []string

	// OutboxEnabled turns on the publisher-side transactional outbox.
	OutboxEnabled bool

	// InboxEnabled turns on consumer-side idempotent processing.
	InboxEnabled bool

	// SkipStreamVerify skips the management round-trip after connecting,
	// for deployments whose credentials lack management permissions.
	SkipStreamVerify bool
}

// Validate checks the configuration. Subject name components must not
// contain wildcard characters, whitespace or control characters; server
// URLs must carry a supported scheme and a well-formed host and port.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Environment, validation.Required, validation.By(componentRule)),
		validation.Field(&c.AppName, validation.Required, validation.By(componentRule)),
		validation.Field(&c.Destination, validation.When(c.Destination != "", validation.By(componentRule))),
		validation.Field(&c.Servers, validation.Required, validation.Each(validation.By(serverURLRule))),
	)
	if err != nil {
		return NewErrorWithCause(ErrCodeConfiguration, "invalid configuration", err)
	}
	return nil
}

func componentRule(value interface{}) error {
	s, _ := value.(string)
	return subject.ValidateComponent(s)
}

func serverURLRule(value interface{}) error {
	s, _ := value.(string)
	return ValidateServerURL(s)
}

// ValidateServerURL validates a single broker URL: the scheme must be
// nats, tls or ws(s), the host must be present, and the port, when given,
// must be numeric.
func ValidateServerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", raw, err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	if port := u.Port(); port != "" {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("invalid port %q in %q", port, raw)
		}
	}
	return nil
}

// PublishSubject returns the subject this application publishes sync
// events on.
func (c Config) PublishSubject() string {
	return fmt.Sprintf("%s.%s.sync.%s", c.Environment, c.AppName, c.Destination)
}

// FilterSubject returns the subject this application consumes from: the
// destination application's publish subject toward us.
func (c Config) FilterSubject() string {
	return fmt.Sprintf("%s.%s.sync.%s", c.Environment, c.Destination, c.AppName)
}

// DeadLetterSubject returns the quarantine subject for unparseable or
// exhausted messages.
func (c Config) DeadLetterSubject() string {
	return fmt.Sprintf("%s.%s.sync.dlq", c.Environment, c.AppName)
}

// StreamName returns this application's stream name.
func (c Config) StreamName() string {
	return fmt.Sprintf("%s-%s-sync-stream", c.Environment, c.AppName)
}

// DurableName returns this application's durable consumer name.
func (c Config) DurableName() string {
	return fmt.Sprintf("%s-%s-workers", c.Environment, c.AppName)
}

// StreamSubjects returns the desired subject set of this application's
// stream: its inbound filter subject (when a destination is configured)
// plus the dead-letter subject. The publish subject is owned by the
// destination's stream, where it is their filter subject; binding it here
// would create a cross-stream overlap.
func (c Config) StreamSubjects() []string {
	subjects := []string{c.DeadLetterSubject()}
	if c.Destination != "" {
		subjects = append([]string{c.FilterSubject()}, subjects...)
	}
	return subjects
}
