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

// InboxRepository implements jetsync.InboxRepository using Relica.
type InboxRepository struct {
	db          *relica.DB
	tablePrefix string
}

// NewInboxRepository creates a new InboxRepository with default table prefix.
func NewInboxRepository(sqlDB *sql.DB, driverName string) *InboxRepository {
	return &InboxRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: "jetsync_",
	}
}

// NewInboxRepositoryWithPrefix creates a new InboxRepository with custom table prefix.
func NewInboxRepositoryWithPrefix(sqlDB *sql.DB, driverName, prefix string) *InboxRepository {
	return &InboxRepository{
		db:          relica.WrapDB(sqlDB, driverName),
		tablePrefix: prefix,
	}
}

func (r *InboxRepository) tableName() string {
	return r.tablePrefix + "inbox"
}

// FindOrCreate inserts rec unless a record with its event id already exists.
// The unique index on event_id arbitrates concurrent inserts from parallel
// consumers fetching the same redelivered message.
func (r *InboxRepository) FindOrCreate(ctx context.Context, rec *model.InboxRecord) (*model.InboxRecord, bool, error) {
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

	existing, err = r.FindByEventID(ctx, rec.EventID)
	if err == nil {
		return existing, false, nil
	}
	return nil, false, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to insert inbox record", insertErr)
}

// Save persists the record's current state by event id.
func (r *InboxRepository) Save(ctx context.Context, rec *model.InboxRecord) (*model.InboxRecord, error) {
	_, err := r.db.WithContext(ctx).Update(r.tableName()).
		Set(map[string]interface{}{
			"status":       rec.Status,
			"attempts":     rec.Attempts,
			"last_error":   rec.LastError,
			"processed_at": rec.ProcessedAt,
		}).
		Where("event_id = ?", rec.EventID).
		WithContext(ctx).
		Execute()

	if err != nil {
		return rec, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to save inbox record", err)
	}
	return rec, nil
}

// FindByEventID retrieves an inbox record by its dedup id.
func (r *InboxRepository) FindByEventID(ctx context.Context, eventID string) (*model.InboxRecord, error) {
	var rec model.InboxRecord

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("event_id = ?", eventID).
		WithContext(ctx).
		One(&rec)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, jetsync.ErrNoData
	}
	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to load inbox record", err)
	}

	return &rec, nil
}

// FindStaleProcessing retrieves records stuck in processing longer than
// olderThan, oldest first. A stale row marks a handler that crashed between
// MarkProcessing and its terminal save.
func (r *InboxRepository) FindStaleProcessing(ctx context.Context, olderThan time.Duration, limit int) ([]model.InboxRecord, error) {
	var records []model.InboxRecord

	cutoff := time.Now().UTC().Add(-olderThan)

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND received_at < ?", model.InboxStatusProcessing, cutoff).
		OrderBy("received_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find stale inbox records", err)
	}

	if len(records) == 0 {
		return nil, jetsync.ErrNoData
	}

	return records, nil
}

// FindFailed retrieves records whose last handler invocation failed, oldest
// first.
func (r *InboxRepository) FindFailed(ctx context.Context, limit int) ([]model.InboxRecord, error) {
	var records []model.InboxRecord

	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ?", model.InboxStatusFailed).
		OrderBy("received_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return nil, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find failed inbox records", err)
	}

	if len(records) == 0 {
		return nil, jetsync.ErrNoData
	}

	return records, nil
}

// DeleteOlderThan removes processed records received more than age ago.
func (r *InboxRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	var records []model.InboxRecord
	err := r.db.WithContext(ctx).Select("*").
		From(r.tableName()).
		Where("status = ? AND received_at < ?", model.InboxStatusProcessed, cutoff).
		WithContext(ctx).
		All(&records)

	if err != nil {
		return 0, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to find expired inbox records", err)
	}

	deleted := 0
	for i := range records {
		if err := r.db.WithContext(ctx).Model(&records[i]).Table(r.tableName()).Delete(); err != nil {
			return deleted, jetsync.NewErrorWithCause(jetsync.ErrCodeDatabase, "failed to delete inbox record", err)
		}
		deleted++
	}

	return deleted, nil
}
