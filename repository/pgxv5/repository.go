package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/repository"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Repository is the outbox store on top of a pgx pool.
type Repository struct {
	txKey  gbx.TxKey
	db     dbpool
	logger gbx.Logger
}

var _ gbx.Loggable = (*Repository)(nil)
var _ gbx.OutboxRepository = (*Repository)(nil)

func New(txKey gbx.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey:  txKey,
		db:     pool,
		logger: &gbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l gbx.Logger) {
	r.logger = l
}

// Save persist an outbox entry in the same provided business transaction
// that should be present in the context. The expected transaction should
// implement pgx.Tx interface.
func (r *Repository) Save(ctx context.Context, e *gbx.Envelope) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return fmt.Errorf("%w: a pgx.Tx transaction was expected", gbx.ErrTxNotFound)
	}
	_, err := tx.Exec(ctx, repository.InsertOutboxSql, e.EventId, string(e.EventType), e.CorrelationId,
		repository.NullableUUID(e.CausationId), e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// LeaseNextBatch leases due records with a single statement so that the
// row locks taken by FOR UPDATE SKIP LOCKED are released on return.
func (r *Repository) LeaseNextBatch(ctx context.Context, owner uuid.UUID, max int, lease time.Duration) ([]*gbx.OutgoingRecord, error) {
	rows, err := r.db.Query(ctx, repository.LeaseOutboxSql, max, owner, lease.Seconds())
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

// MarkPublished is a no-op for records already published.
func (r *Repository) MarkPublished(ctx context.Context, eventId uuid.UUID) error {
	ct, err := r.db.Exec(ctx, repository.MarkPublishedSql, eventId)
	if err != nil {
		return fmt.Errorf("could not mark %s as published: %w", eventId, err)
	}
	if ct.RowsAffected() == 0 {
		r.logger.Debug(fmt.Sprintf("outbox record '%s' was already published", eventId))
	}
	return nil
}

func (r *Repository) MarkFailed(ctx context.Context, eventId, owner uuid.UUID, errMsg string, nextAttemptAt time.Time) error {
	ct, err := r.db.Exec(ctx, repository.MarkFailedSql, eventId, owner, errMsg, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("could not mark %s as failed: %w", eventId, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", gbx.ErrLeaseLost, eventId)
	}
	return nil
}

func (r *Repository) MarkDeadLettered(ctx context.Context, eventId, owner uuid.UUID, errMsg string) error {
	ct, err := r.db.Exec(ctx, repository.MarkDeadLetteredSql, eventId, owner, errMsg)
	if err != nil {
		return fmt.Errorf("could not dead-letter %s: %w", eventId, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", gbx.ErrLeaseLost, eventId)
	}
	return nil
}

func (r *Repository) ListDeadLetters(ctx context.Context, limit int) ([]*gbx.OutgoingRecord, error) {
	rows, err := r.db.Query(ctx, repository.ListOutboxFailedSql, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list outbox dead letters: %w", err)
	}
	return collectOutgoing(rows)
}

func (r *Repository) Replay(ctx context.Context, eventId uuid.UUID) (bool, error) {
	ct, err := r.db.Exec(ctx, repository.ReplayOutboxSql, eventId)
	if err != nil {
		return false, fmt.Errorf("could not replay %s: %w", eventId, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repository) PurgePublished(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	ct, err := r.db.Exec(ctx, repository.PurgeOutboxSql, before, batchSize)
	if err != nil {
		return 0, fmt.Errorf("could not purge published records: %w", err)
	}
	return ct.RowsAffected(), nil
}

// Get returns a single outbox record.
func (r *Repository) Get(ctx context.Context, eventId uuid.UUID) (*gbx.OutgoingRecord, error) {
	rec, err := repository.ScanOutgoing(r.db.QueryRow(ctx, repository.GetOutboxSql, eventId))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, gbx.ErrRecordNotFound
	}
	return rec, err
}

func collectOutgoing(rows pgx.Rows) ([]*gbx.OutgoingRecord, error) {
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
