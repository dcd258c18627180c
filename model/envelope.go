// Package model contains the domain records of the reliability layer: the
// wire envelope and the durable outbox/inbox records whose lifecycles the
// publisher and consumer drive.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// tablePrefix is prepended to every table name used by the SQL adapters.
const tablePrefix = "jetsync_"

// SchemaVersion is the current envelope schema version.
const SchemaVersion = 1

// Envelope is the wire message body carried on every published message.
// It is immutable once built; EventID doubles as the broker-level dedup key.
type Envelope struct {
	EventID       string         `json:"event_id"`
	SchemaVersion int            `json:"schema_version"`
	EventType     string         `json:"event_type"`
	Producer      string         `json:"producer"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	TraceID       string         `json:"trace_id"`
	Payload       map[string]any `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh event id and trace id.
// OccurredAt is now in UTC; callers override fields via the returned value
// before first use only.
func NewEnvelope(producer, resourceType, resourceID, eventType string, payload map[string]any) *Envelope {
	return &Envelope{
		EventID:       uuid.NewString(),
		SchemaVersion: SchemaVersion,
		EventType:     eventType,
		Producer:      producer,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		OccurredAt:    time.Now().UTC(),
		TraceID:       uuid.NewString(),
		Payload:       payload,
	}
}

// Marshal serializes the envelope to its JSON wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// ParseEnvelope parses and validates a wire body. A failure here is not
// retryable: the body will never become parseable on redelivery.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks the envelope's required fields.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return ErrEnvelopeMissingEventID
	}
	if e.EventType == "" {
		return ErrEnvelopeMissingEventType
	}
	if e.SchemaVersion <= 0 {
		return ErrEnvelopeBadSchemaVersion
	}
	return nil
}

// Envelope domain errors.
var (
	ErrEnvelopeMissingEventID   = DomainError{Code: "MISSING_EVENT_ID", Message: "envelope has no event id"}
	ErrEnvelopeMissingEventType = DomainError{Code: "MISSING_EVENT_TYPE", Message: "envelope has no event type"}
	ErrEnvelopeBadSchemaVersion = DomainError{Code: "BAD_SCHEMA_VERSION", Message: "envelope schema version must be positive"}
)

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}
