package model

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OutboxStatus represents the lifecycle state of an outbox record.
type OutboxStatus string

const (
	// OutboxStatusPending indicates the record was written before any
	// dispatch attempt.
	OutboxStatusPending OutboxStatus = "pending"

	// OutboxStatusPublishing indicates a dispatch attempt is in flight.
	// At most one process may hold a record in this state.
	OutboxStatusPublishing OutboxStatus = "publishing"

	// OutboxStatusSent indicates the broker accepted the message.
	OutboxStatusSent OutboxStatus = "sent"

	// OutboxStatusFailed indicates dispatch gave up; the record stays for
	// operator-driven retry or cleanup.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxRecord is the publisher-side durable record of an intended publish,
// written before the network call so that "committed implies eventually
// published" holds across process crashes.
//
// Lifecycle: pending → publishing → {sent | failed}. The key is EventID;
// the same value rides the dedup header so the broker or the consumer-side
// inbox recognizes a re-dispatched duplicate even when the record and the
// network call disagree about the outcome.
type OutboxRecord struct {
	ID         int64          `json:"id"`
	EventID    string         `json:"eventID" db:"event_id"`
	Subject    string         `json:"subject" db:"subject"`
	Payload    string         `json:"payload" db:"payload"`
	Headers    string         `json:"headers" db:"headers"`
	Status     OutboxStatus   `json:"status" db:"status"`
	Attempts   int            `json:"attempts" db:"attempts"`
	LastError  sql.NullString `json:"lastError" db:"last_error"`
	EnqueuedAt time.Time      `json:"enqueuedAt" db:"enqueued_at"`
	SentAt     sql.NullTime   `json:"sentAt" db:"sent_at"`
}

// TableName returns the database table name for OutboxRecord.
func (r *OutboxRecord) TableName() string {
	return tablePrefix + "outbox"
}

// NewOutboxRecord creates a pending outbox record for the given dispatch.
// Headers are stored JSON-encoded.
func NewOutboxRecord(eventID, subjectName string, payload []byte, headers map[string]string) (*OutboxRecord, error) {
	if eventID == "" {
		return nil, ErrOutboxMissingEventID
	}
	encoded, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return &OutboxRecord{
		EventID:    eventID,
		Subject:    subjectName,
		Payload:    string(payload),
		Headers:    string(encoded),
		Status:     OutboxStatusPending,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// HeaderMap decodes the stored headers.
func (r *OutboxRecord) HeaderMap() (map[string]string, error) {
	if r.Headers == "" {
		return map[string]string{}, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(r.Headers), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPublishing flips the record into the in-flight state and counts the
// attempt. Callers must hold the record's claim.
func (r *OutboxRecord) MarkPublishing() {
	r.Status = OutboxStatusPublishing
	r.Attempts++
}

// MarkSent records a successful dispatch.
func (r *OutboxRecord) MarkSent() {
	r.Status = OutboxStatusSent
	r.SentAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	r.LastError = sql.NullString{}
}

// MarkFailed records a dispatch give-up with the error text.
func (r *OutboxRecord) MarkFailed(err error) {
	r.Status = OutboxStatusFailed
	if err != nil {
		r.LastError = sql.NullString{String: err.Error(), Valid: true}
	}
}

// IsSent reports whether the broker already accepted this event.
func (r *OutboxRecord) IsSent() bool {
	return r.Status == OutboxStatusSent
}

// IsDispatchable reports whether a new dispatch attempt may claim the
// record: only pending and failed records qualify.
func (r *OutboxRecord) IsDispatchable() bool {
	return r.Status == OutboxStatusPending || r.Status == OutboxStatusFailed
}

// Age returns how long ago the record was enqueued.
func (r *OutboxRecord) Age() time.Duration {
	return time.Since(r.EnqueuedAt)
}

// Outbox domain errors.
var (
	ErrOutboxMissingEventID = DomainError{Code: "MISSING_EVENT_ID", Message: "outbox record requires an event id"}
)
