package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gorm binds '?' placeholders, so the statements are spelled out here
// instead of reusing the Postgres numbered ones.
const (
	insertOutboxSql        = "INSERT INTO outbox (event_id, event_type, correlation_id, causation_id, payload, created_at, status, attempt_count, next_attempt_at) VALUES (?, ?, ?, ?, ?, ?, 'PENDING', 0, NOW())"
	markPublishedSql       = "UPDATE outbox SET status = 'PUBLISHED', published_at = NOW(), lease_owner = NULL, lease_expires_at = NULL WHERE event_id = ? AND status <> 'PUBLISHED'"
	markFailedSql          = "UPDATE outbox SET status = 'PENDING', attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?, lease_owner = NULL, lease_expires_at = NULL WHERE event_id = ? AND status = 'LEASED' AND lease_owner = ?"
	markDeadLetteredSql    = "UPDATE outbox SET status = 'FAILED', attempt_count = attempt_count + 1, last_error = ?, lease_owner = NULL, lease_expires_at = NULL WHERE event_id = ? AND status = 'LEASED' AND lease_owner = ?"
	replayOutboxSql        = "UPDATE outbox SET status = 'PENDING', attempt_count = 0, next_attempt_at = NOW() WHERE event_id = ? AND status = 'FAILED'"
	purgeOutboxSql         = "DELETE FROM outbox WHERE event_id IN (SELECT event_id FROM outbox WHERE status = 'PUBLISHED' AND published_at < ? ORDER BY published_at ASC LIMIT ?)"
	dueOutboxCondition     = "(status = ? AND next_attempt_at <= NOW()) OR (status = ? AND lease_expires_at < NOW())"
	leaseExpiresExpression = "NOW() + make_interval(secs => ?)"
)

type Repository struct {
	txKey  gbx.TxKey
	db     *gorm.DB
	logger gbx.Logger
}

var _ gbx.Loggable = (*Repository)(nil)
var _ gbx.OutboxRepository = (*Repository)(nil)

func New(txKey gbx.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     db,
		logger: &gbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gbx.Logger) {
	r.logger = l
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// be a pointer to an instance of gorm.DB.
func (r *Repository) Save(ctx context.Context, e *gbx.Envelope) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return fmt.Errorf("%w: a *gorm.DB transaction was expected", gbx.ErrTxNotFound)
	}
	err := tx.WithContext(ctx).Exec(insertOutboxSql, e.EventId, string(e.EventType), e.CorrelationId,
		nullableUUID(e.CausationId), e.Payload, e.CreatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// LeaseNextBatch picks due records with SELECT ... FOR UPDATE SKIP LOCKED and
// leases them before the transaction releases the row locks.
func (r *Repository) LeaseNextBatch(ctx context.Context, owner uuid.UUID, max int, lease time.Duration) ([]*gbx.OutgoingRecord, error) {
	var leased []outboxRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		err := tx.Model(&outboxRow{}).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(dueOutboxCondition, string(gbx.OutgoingPending), string(gbx.OutgoingLeased)).
			Order("created_at ASC").
			Limit(max).
			Pluck("event_id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}
		err = tx.Model(&outboxRow{}).Where("event_id IN ?", ids).Updates(map[string]any{
			"status":           string(gbx.OutgoingLeased),
			"lease_owner":      owner,
			"lease_expires_at": gorm.Expr(leaseExpiresExpression, lease.Seconds()),
		}).Error
		if err != nil {
			return err
		}
		return tx.Where("event_id IN ?", ids).Order("created_at ASC").Find(&leased).Error
	})
	if err != nil {
		return nil, fmt.Errorf("could not lease outbox records: %w", err)
	}

	records := make([]*gbx.OutgoingRecord, len(leased))
	for i := range leased {
		records[i] = leased[i].record()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, eventId uuid.UUID) error {
	res := r.db.WithContext(ctx).Exec(markPublishedSql, eventId)
	if res.Error != nil {
		return fmt.Errorf("could not mark %s as published: %w", eventId, res.Error)
	}
	if res.RowsAffected == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", eventId))
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, eventId, owner uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	res := r.db.WithContext(ctx).Exec(markFailedSql, errMsg, nextAttemptAt, eventId, owner)
	if res.Error != nil {
		return fmt.Errorf("could not mark %s as failed: %w", eventId, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", gbx.ErrLeaseLost, eventId)
	}
	return nil
}

func (r *Repository) MarkDeadLettered(ctx context.Context, eventId, owner uuid.UUID, errMsg string) error {
	res := r.db.WithContext(ctx).Exec(markDeadLetteredSql, errMsg, eventId, owner)
	if res.Error != nil {
		return fmt.Errorf("could not dead-letter %s: %w", eventId, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", gbx.ErrLeaseLost, eventId)
	}
	return nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*gbx.OutgoingRecord, error) {
	var rows []outboxRow
	err := r.db.WithContext(ctx).
		Where("status = ?", string(gbx.OutgoingFailed)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not list outbox dead letters: %w", err)
	}
	records := make([]*gbx.OutgoingRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].record()
	}
	return records, nil
}

func (r *Repository) Replay(ctx context.Context, eventId uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(replayOutboxSql, eventId)
	if res.Error != nil {
		return false, fmt.Errorf("could not replay %s: %w", eventId, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) PurgePublished(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	res := r.db.WithContext(ctx).Exec(purgeOutboxSql, before, batchSize)
	if res.Error != nil {
		return 0, fmt.Errorf("could not purge published records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Get returns a single outbox record.
func (r *Repository) Get(ctx context.Context, eventId uuid.UUID) (*gbx.OutgoingRecord, error) {
	var row outboxRow
	err := r.db.WithContext(ctx).Where("event_id = ?", eventId).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, gbx.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.record(), nil
}
