package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/repository"
	"gorm.io/gorm"
)

const (
	claimInboxSql = `INSERT INTO inbox (event_id, consumer_name, event_type, correlation_id, causation_id, payload, created_at, status, attempt_count, received_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'PROCESSING', 1, NOW(), NOW())
ON CONFLICT (event_id, consumer_name) DO UPDATE
SET status = 'PROCESSING', attempt_count = inbox.attempt_count + 1, updated_at = NOW()
WHERE inbox.dead_lettered_at IS NULL
  AND (inbox.status IN ('FAILED', 'RECEIVED') OR (inbox.status = 'PROCESSING' AND inbox.updated_at < ?))
RETURNING attempt_count`

	markProcessedSql   = "UPDATE inbox SET status = 'PROCESSED', processed_at = NOW(), updated_at = NOW() WHERE event_id = ? AND consumer_name = ? AND status = 'PROCESSING' AND attempt_count = ?"
	markInboxFailedSql = "UPDATE inbox SET status = 'FAILED', last_error = ?, updated_at = NOW(), dead_lettered_at = CASE WHEN CAST(? AS boolean) THEN NOW() END WHERE event_id = ? AND consumer_name = ? AND status = 'PROCESSING' AND attempt_count = ?"
	replayInboxSql     = "UPDATE inbox SET status = 'RECEIVED', attempt_count = 0, dead_lettered_at = NULL, updated_at = NOW() WHERE event_id = ? AND consumer_name = ? AND dead_lettered_at IS NOT NULL"
	purgeInboxSql      = "DELETE FROM inbox WHERE (event_id, consumer_name) IN (SELECT event_id, consumer_name FROM inbox WHERE status = 'PROCESSED' AND processed_at < ? ORDER BY processed_at ASC LIMIT ?)"
)

type InboxRepository struct {
	db     *gorm.DB
	logger gbx.Logger
}

var _ gbx.Loggable = (*InboxRepository)(nil)
var _ gbx.InboxRepository = (*InboxRepository)(nil)

func NewInbox(db *gorm.DB) *InboxRepository {
	if db == nil {
		panic("db is mandatory")
	}
	return &InboxRepository{
		db:     db,
		logger: &gbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *InboxRepository) SetLogger(l gbx.Logger) {
	r.logger = l
}

func (r *InboxRepository) Claim(ctx context.Context, rec *gbx.IncomingRecord, staleBefore time.Time) (gbx.ClaimResult, error) {
	var attempts []int
	err := r.db.WithContext(ctx).Raw(claimInboxSql, rec.EventId, rec.ConsumerName, string(rec.EventType),
		rec.CorrelationId, nullableUUID(rec.CausationId), rec.Payload, rec.CreatedAt, staleBefore).Scan(&attempts).Error
	if err != nil {
		return gbx.ClaimResult{}, fmt.Errorf("could not claim %s for %s: %w", rec.EventId, rec.ConsumerName, err)
	}
	if len(attempts) == 1 {
		return gbx.ClaimResult{Outcome: gbx.ClaimAcquired, Attempt: attempts[0]}, nil
	}

	var row inboxRow
	err = r.db.WithContext(ctx).
		Select("status", "dead_lettered_at").
		Where("event_id = ? AND consumer_name = ?", rec.EventId, rec.ConsumerName).
		Take(&row).Error
	if err != nil {
		return gbx.ClaimResult{}, fmt.Errorf("could not read the inbox state of %s for %s: %w", rec.EventId, rec.ConsumerName, err)
	}
	return gbx.ClaimResult{Outcome: repository.ClassifyRefusedClaim(row.Status, row.DeadLetteredAt != nil)}, nil
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int) error {
	res := r.db.WithContext(ctx).Exec(markProcessedSql, eventId, consumer, attempt)
	if res.Error != nil {
		return fmt.Errorf("could not mark %s as processed for %s: %w", eventId, consumer, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", gbx.ErrClaimLost, eventId, consumer)
	}
	return nil
}

func (r *InboxRepository) MarkFailed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int, errMsg string, deadLetter bool) error {
	res := r.db.WithContext(ctx).Exec(markInboxFailedSql, errMsg, deadLetter, eventId, consumer, attempt)
	if res.Error != nil {
		return fmt.Errorf("could not mark %s as failed for %s: %w", eventId, consumer, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%s", gbx.ErrClaimLost, eventId, consumer)
	}
	return nil
}

func (r *InboxRepository) Get(ctx context.Context, eventId uuid.UUID, consumer string) (*gbx.IncomingRecord, error) {
	var row inboxRow
	err := r.db.WithContext(ctx).Where("event_id = ? AND consumer_name = ?", eventId, consumer).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", gbx.ErrRecordNotFound, eventId, consumer)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s for %s: %w", eventId, consumer, err)
	}
	return row.record(), nil
}

func (r *InboxRepository) ListDeadLetters(ctx context.Context, limit int) ([]*gbx.IncomingRecord, error) {
	var rows []inboxRow
	err := r.db.WithContext(ctx).
		Where("dead_lettered_at IS NOT NULL").
		Order("dead_lettered_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not list inbox dead letters: %w", err)
	}
	records := make([]*gbx.IncomingRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].record()
	}
	return records, nil
}

func (r *InboxRepository) Replay(ctx context.Context, eventId uuid.UUID, consumer string) (bool, error) {
	res := r.db.WithContext(ctx).Exec(replayInboxSql, eventId, consumer)
	if res.Error != nil {
		return false, fmt.Errorf("could not replay %s for %s: %w", eventId, consumer, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *InboxRepository) PurgeProcessed(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	res := r.db.WithContext(ctx).Exec(purgeInboxSql, before, batchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("could not purge processed records: %w", res.Error)
	}
	return res.RowsAffected, nil
}
