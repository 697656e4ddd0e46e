package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/repository"
)

const raNotSupported string = "RowsAffected not supported"

// Repository is the outbox store on top of database/sql. Statements use
// Postgres placeholders, so the driver must speak them (pgx/v5/stdlib).
type Repository struct {
	txKey  gbx.TxKey
	db     *sql.DB
	logger gbx.Logger
}

var _ gbx.Loggable = (*Repository)(nil)
var _ gbx.OutboxRepository = (*Repository)(nil)

func New(txKey gbx.TxKey, db *sql.DB) *Repository {
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
// be a pointer to an instance of sql.Tx.
func (r *Repository) Save(ctx context.Context, e *gbx.Envelope) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return fmt.Errorf("%w: an *sql.Tx transaction was expected", gbx.ErrTxNotFound)
	}
	_, err := tx.ExecContext(ctx, repository.InsertOutboxSql, e.EventId, string(e.EventType), e.CorrelationId,
		repository.NullableUUID(e.CausationId), e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

func (r *Repository) LeaseNextBatch(ctx context.Context, owner uuid.UUID, max int, lease time.Duration) ([]*gbx.OutgoingRecord, error) {
	rows, err := r.db.QueryContext(ctx, repository.LeaseOutboxSql, max, owner, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("could not lease outbox records: %w", err)
	}
	records, err := collectOutgoing(rows)
	if err != nil {
		return nil, fmt.Errorf("could not lease outbox records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, eventId uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, repository.MarkPublishedSql, eventId)
	if err != nil {
		return fmt.Errorf("could not mark %s as published: %w", eventId, err)
	}
	if ra, err := res.RowsAffected(); err == nil && ra == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", eventId))
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, eventId, owner uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	res, err := r.db.ExecContext(ctx, repository.MarkFailedSql, eventId, owner, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("could not mark %s as failed: %w", eventId, err)
	}
	return leaseGuard(res, eventId)
}

func (r *Repository) MarkDeadLettered(ctx context.Context, eventId, owner uuid.UUID, errMsg string) error {
	res, err := r.db.ExecContext(ctx, repository.MarkDeadLetteredSql, eventId, owner, errMsg)
	if err != nil {
		return fmt.Errorf("could not dead-letter %s: %w", eventId, err)
	}
	return leaseGuard(res, eventId)
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*gbx.OutgoingRecord, error) {
	rows, err := r.db.QueryContext(ctx, repository.ListOutboxFailedSql, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list outbox dead letters: %w", err)
	}
	return collectOutgoing(rows)
}

func (r *Repository) Replay(ctx context.Context, eventId uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, repository.ReplayOutboxSql, eventId)
	if err != nil {
		return false, fmt.Errorf("could not replay %s: %w", eventId, err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra == 1, nil
}

func (r *Repository) PurgePublished(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, repository.PurgeOutboxSql, before, batchSize)
	if err != nil {
		return 0, fmt.Errorf("could not purge published records: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, errors.New(raNotSupported)
	}
	return ra, nil
}

func leaseGuard(res sql.Result, eventId uuid.UUID) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return fmt.Errorf("%w: %s", gbx.ErrLeaseLost, eventId)
	}
	return nil
}

func collectOutgoing(rows *sql.Rows) ([]*gbx.OutgoingRecord, error) {
	defer rows.Close()
	var records []*gbx.OutgoingRecord
	for rows.Next() {
		rec, err := repository.ScanOutgoing(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
