package model

import (
	"database/sql"
	"fmt"
	"time"
)

// InboxStatus represents the lifecycle state of an inbox record.
type InboxStatus string

const (
	// InboxStatusReceived indicates the message was seen but not yet handed
	// to the handler.
	InboxStatusReceived InboxStatus = "received"

	// InboxStatusProcessing indicates the handler is (or was, before a
	// crash) running for this message. Records stuck here are observable
	// for operational cleanup.
	InboxStatusProcessing InboxStatus = "processing"

	// InboxStatusProcessed indicates the handler completed. A processed
	// record must never be handed to the handler again.
	InboxStatusProcessed InboxStatus = "processed"

	// InboxStatusFailed indicates the last handler invocation failed; the
	// broker will redeliver per the consumer's backoff.
	InboxStatusFailed InboxStatus = "failed"
)

// InboxRecord is the consumer-side durable record of a consumed message,
// keyed by the message's dedup id. It is what makes at-least-once delivery
// safe: duplicates and redelivery reorderings collapse onto one record.
//
// Lifecycle: received → processing → {processed | failed}.
type InboxRecord struct {
	ID          int64          `json:"id"`
	EventID     string         `json:"eventID" db:"event_id"`
	Stream      string         `json:"stream" db:"stream"`
	StreamSeq   uint64         `json:"streamSeq" db:"stream_seq"`
	Subject     string         `json:"subject" db:"subject"`
	Status      InboxStatus    `json:"status" db:"status"`
	Attempts    int            `json:"attempts" db:"attempts"`
	LastError   sql.NullString `json:"lastError" db:"last_error"`
	ReceivedAt  time.Time      `json:"receivedAt" db:"received_at"`
	ProcessedAt sql.NullTime   `json:"processedAt" db:"processed_at"`
}

// TableName returns the database table name for InboxRecord.
func (r *InboxRecord) TableName() string {
	return tablePrefix + "inbox"
}

// InboxKey derives the dedup key for a delivered message: the event id when
// present, otherwise the (stream, stream sequence) pair the broker assigned.
func InboxKey(eventID, stream string, streamSeq uint64) string {
	if eventID != "" {
		return eventID
	}
	return fmt.Sprintf("%s:%d", stream, streamSeq)
}

// NewInboxRecord creates a received-state record for a delivered message.
func NewInboxRecord(eventID, stream string, streamSeq uint64, subjectName string) *InboxRecord {
	return &InboxRecord{
		EventID:    InboxKey(eventID, stream, streamSeq),
		Stream:     stream,
		StreamSeq:  streamSeq,
		Subject:    subjectName,
		Status:     InboxStatusReceived,
		ReceivedAt: time.Now().UTC(),
	}
}

// MarkProcessing flips the record into the handler-running state and counts
// the attempt. Written before the handler runs for crash observability.
func (r *InboxRecord) MarkProcessing() {
	r.Status = InboxStatusProcessing
	r.Attempts++
}

// MarkProcessed records handler completion.
func (r *InboxRecord) MarkProcessed() {
	r.Status = InboxStatusProcessed
	r.ProcessedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	r.LastError = sql.NullString{}
}

// MarkFailed records a handler failure without blocking redelivery.
func (r *InboxRecord) MarkFailed(err error) {
	r.Status = InboxStatusFailed
	if err != nil {
		r.LastError = sql.NullString{String: err.Error(), Valid: true}
	}
}

// IsProcessed reports whether the handler already completed this message.
func (r *InboxRecord) IsProcessed() bool {
	return r.Status == InboxStatusProcessed
}

// Age returns how long ago the message was first seen.
func (r *InboxRecord) Age() time.Duration {
	return time.Since(r.ReceivedAt)
}
