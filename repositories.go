package jetsync

import (
	"context"
	"time"

	"github.com/coregx/jetsync/model"
)

// OutboxRepository defines the persistence interface for publisher-side
// outbox records.
//
// Implementations must be safe for concurrent use across processes: the
// event_id column carries a unique index, and ClaimPublishing provides
// row-scoped mutual exclusion without serializing unrelated events.
type OutboxRepository interface {
	// FindOrCreate inserts rec unless a record with its event id already
	// exists, in which case the existing record is returned unchanged.
	// The boolean reports whether a new record was created.
	FindOrCreate(ctx context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, bool, error)

	// ClaimPublishing atomically moves the record for eventID from a
	// dispatchable state (pending or failed) to publishing. It returns
	// false when the record is already sent or another process holds the
	// claim. This is the at-most-one-in-flight guarantee.
	ClaimPublishing(ctx context.Context, eventID string) (bool, error)

	// Save persists the record's current state (status, attempts, error,
	// timestamps) by event id.
	Save(ctx context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, error)

	// FindByEventID loads a record. Returns ErrNoData if not found.
	FindByEventID(ctx context.Context, eventID string) (*model.OutboxRecord, error)

	// FindPending finds records awaiting a first dispatch, oldest first.
	FindPending(ctx context.Context, limit int) ([]model.OutboxRecord, error)

	// FindFailed finds records whose dispatch gave up, oldest first.
	FindFailed(ctx context.Context, limit int) ([]model.OutboxRecord, error)

	// FindStalePublishing finds records stuck in publishing longer than
	// olderThan, oldest first. A record only stays in publishing when the
	// claiming process died before writing the outcome.
	FindStalePublishing(ctx context.Context, olderThan time.Duration, limit int) ([]model.OutboxRecord, error)

	// FindRecent returns the n most recently enqueued records.
	FindRecent(ctx context.Context, n int) ([]model.OutboxRecord, error)

	// DeleteOlderThan removes sent records older than age. Returns the
	// number of rows removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// InboxRepository defines the persistence interface for consumer-side
// inbox records, keyed by the message dedup id.
type InboxRepository interface {
	// FindOrCreate inserts rec unless a record with its event id already
	// exists, in which case the existing record is returned unchanged.
	// The boolean reports whether a new record was created.
	FindOrCreate(ctx context.Context, rec *model.InboxRecord) (*model.InboxRecord, bool, error)

	// Save persists the record's current state by event id.
	Save(ctx context.Context, rec *model.InboxRecord) (*model.InboxRecord, error)

	// FindByEventID loads a record. Returns ErrNoData if not found.
	FindByEventID(ctx context.Context, eventID string) (*model.InboxRecord, error)

	// FindStaleProcessing finds records stuck in processing longer than
	// olderThan - the crash-observability query for operational cleanup.
	FindStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]model.InboxRecord, error)

	// FindFailed finds records whose last handler invocation failed.
	FindFailed(ctx context.Context, limit int) ([]model.InboxRecord, error)

	// DeleteOlderThan removes processed records older than age. Returns
	// the number of rows removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int, error)
}
