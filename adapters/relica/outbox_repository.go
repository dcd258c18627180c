package relica

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/coregx/relica"

	"github.com/coregx/jetsync"
	"github.com/coregx/jetsync/model"
)

// OutboxRepository implements jetsync.OutboxRepository using Relica.
type OutboxRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewOutboxRepository creates a new OutboxRepository with default table prefix.
func NewOutboxRepository(sqlDB *sql.DB, driverName string) *OutboxRepository {
	return &OutboxRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "jetsync_",
	}
}

// NewOutboxRepositoryWithPrefix creates a new OutboxRepository with custom table prefix.
func NewOutboxRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *OutboxRepository {
	return &OutboxRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *OutboxRepository) tableName() string {
	return r.tablePrefix + "outbox"
}

// FindOrCreate inserts rec unless a record with its event id already exists.
// The unique index on event_id arbitrates concurrent inserts: the loser of
// the race re-reads the winner's row.
func (r *OutboxRepository) FindOrCreate(ctx context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, bool, error) {
	existing, err := r.FindByEventID(ctx, rec.EventID)
	if err == nil {
		return existing, false, nil
	}
	if !jetsync.IsNoData(err) {
		return nil, false, err
	}

	insertErr := r.db.WithContext(ctx).Model(rec).Table(r.tableName()).Insert()
	if insertErr == nil {
		return rec, true, nil
	}

	// Unique-index violation means another process inserted first.
	existing, err = r.FindByEventID(ctx, rec.EventID)
	if err == nil {
		return existing, false, nil
	}
	return nil, false, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to insert outbox record", insertErr)
}

// ClaimPublishing atomically moves the record from a dispatchable state to
// publishing. The status guard in the WHERE clause makes the claim exclusive
// across processes without locking unrelated rows.
func (r *OutboxRepository) ClaimPublishing(ctx context.Context, eventID string) (bool, error) {
	res, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status": model.OutboxStatusPublishing,
		}).
		Where("event_id = ? AND status IN (?, ?)", eventID, model.OutboxStatusPending, model.OutboxStatusFailed).
		WithContext(ctx).
		Execute()

	if err != nil {
		return false, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to claim outbox record", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to read claim result", err)
	}
	return affected == 1, nil
}

// Save persists the record's current state by event id.
func (r *OutboxRepository) Save(ctx context.Context, rec *model.OutboxRecord) (*model.OutboxRecord, error) {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":     rec.Status,
			"attempts":   rec.Attempts,
			"last_error": rec.LastError,
			"sent_at":    rec.SentAt,
		}).
		Where("event_id = ?", rec.EventID).
		WithContext(ctx).
		Execute()

	if err != nil {
		return rec, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to save outbox record", err)
	}
	return rec, nil
}

// FindByEventID retrieves an outbox record by event id.
func (r *OutboxRepository) FindByEventID(ctx context.Context, eventID string) (*model.OutboxRecord, error) {
	var rec model.OutboxRecord

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("event_id = ?", eventID).
		WithContext(ctx).
		One(&rec)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, jetsync.ErrNoData
	}
	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to load outbox record", err)
	}

	return &rec, nil
}

// FindPending retrieves records awaiting a first dispatch, oldest first.
func (r *OutboxRepository) FindPending(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	return r.findByStatus(ctx, model.OutboxStatusPending, limit)
}

// FindFailed retrieves records whose dispatch gave up, oldest first.
func (r *OutboxRepository) FindFailed(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	return r.findByStatus(ctx, model.OutboxStatusFailed, limit)
}

// FindStalePublishing retrieves records stuck in publishing longer than
// olderThan, oldest first. These are abandoned claims: the claiming
// process died before writing sent or failed.
func (r *OutboxRepository) FindStalePublishing(ctx context.Context, olderThan time.Duration, limit int) ([]model.OutboxRecord, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var records []model.OutboxRecord
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND enqueued_at < ?", model.OutboxStatusPublishing, cutoff).
		OrderBy("enqueued_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find stale outbox records", err)
	}

	if len(records) == 0 {
		return nil, jetsync.ErrNoData
	}

	return records, nil
}

func (r *OutboxRepository) findByStatus(ctx context.Context, status model.OutboxStatus, limit int) ([]model.OutboxRecord, error) {
	var records []model.OutboxRecord

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ?", status).
		OrderBy("enqueued_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find outbox records", err)
	}

	if len(records) == 0 {
		return nil, jetsync.ErrNoData
	}

	return records, nil
}

// FindRecent retrieves the n most recently enqueued records.
func (r *OutboxRepository) FindRecent(ctx context.Context, n int) ([]model.OutboxRecord, error) {
	var records []model.OutboxRecord

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		OrderBy("enqueued_at DESC").
		Limit(int64(n)).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find recent outbox records", err)
	}

	if len(records) == 0 {
		return nil, jetsync.ErrNoData
	}

	return records, nil
}

// DeleteOlderThan removes sent records enqueued more than age ago.
func (r *OutboxRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	var records []model.OutboxRecord
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND enqueued_at < ?", model.OutboxStatusSent, cutoff).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return 0, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find expired outbox records", err)
	}

	deleted := 0
	for i := range records {
		if err := r.db.WithContext(ctx).Model(&records[i]).Table(r.tableName()).Delete(); err != nil {
			return deleted, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to delete outbox record", err)
		}
		deleted++
	}

	return deleted, nil
}
