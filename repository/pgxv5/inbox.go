package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/repository"
)

// InboxRepository is the inbox store on top of a pgx pool.
type InboxRepository struct {
	db     dbpool
	logger gbx.Logger
}

var _ gbx.Loggable = (*InboxRepository)(nil)
var _ gbx.InboxRepository = (*InboxRepository)(nil)

func NewInbox(pool dbpool) *InboxRepository {
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &InboxRepository{
		db:     pool,
		logger: &gbx.NopLogger{},
	}
}

// SetLogger sets an optional logger.
func (r *InboxRepository) SetLogger(l gbx.Logger) {
	r.logger = l
}

// Claim relies on the (event_id, consumer_name) primary key: the insert
// either creates the row or, on conflict, takes it over when allowed.
func (r *InboxRepository) Claim(ctx context.Context, rec *gbx.IncomingRecord, staleBefore time.Time) (gbx.ClaimResult, error) {
	var attempt int
	err := r.db.QueryRow(ctx, repository.ClaimInboxSql, rec.EventId, rec.ConsumerName, string(rec.EventType),
		rec.CorrelationId, repository.NullableUUID(rec.CausationId), rec.Payload, rec.CreatedAt, staleBefore).Scan(&attempt)
	if err == nil {
		return gbx.ClaimResult{Outcome: gbx.ClaimAcquired, Attempt: attempt}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return gbx.ClaimResult{}, fmt.Errorf("could not claim %s for %s: %w", rec.EventId, rec.ConsumerName, err)
	}

	var status string
	var deadLettered bool
	err = r.db.QueryRow(ctx, repository.InboxStateSql, rec.EventId, rec.ConsumerName).Scan(&status, &deadLettered)
	if err != nil {
		return gbx.ClaimResult{}, fmt.Errorf("could not read the inbox state of %s for %s: %w", rec.EventId, rec.ConsumerName, err)
	}
	return gbx.ClaimResult{Outcome: repository.ClassifyRefusedClaim(status, deadLettered)}, nil
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int) error {
	ct, err := r.db.Exec(ctx, repository.MarkProcessedSql, eventId, consumer, attempt)
	if err != nil {
		return fmt.Errorf("could not mark %s as processed for %s: %w", eventId, consumer, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", gbx.ErrClaimLost, eventId, consumer)
	}
	return nil
}

func (r *InboxRepository) MarkFailed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int, errMsg string, deadLetter bool) error {
	ct, err := r.db.Exec(ctx, repository.MarkInboxFailedSql, eventId, consumer, attempt, errMsg, deadLetter)
	if err != nil {
		return fmt.Errorf("could not mark %s as failed for %s: %w", eventId, consumer, err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", gbx.ErrClaimLost, eventId, consumer)
	}
	return nil
}

func (r *InboxRepository) Get(ctx context.Context, eventId uuid.UUID, consumer string) (*gbx.IncomingRecord, error) {
	rec, err := repository.ScanIncoming(r.db.QueryRow(ctx, repository.GetInboxSql, eventId, consumer))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", gbx.ErrRecordNotFound, eventId, consumer)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read %s for %s: %w", eventId, consumer, err)
	}
	return rec, nil
}

func (r *InboxRepository) ListDeadLetters(ctx context.Context, limit int) ([]*gbx.IncomingRecord, error) {
	rows, err := r.db.Query(ctx, repository.ListInboxDeadSql, limit)
	if err != nil {
		return nil, fmt.Errorf("could not list inbox dead letters: %w", err)
	}
	defer rows.Close()
	var records []*gbx.IncomingRecord
	for rows.Next() {
		rec, err := repository.ScanIncoming(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *InboxRepository) Replay(ctx context.Context, eventId uuid.UUID, consumer string) (bool, error) {
	ct, err := r.db.Exec(ctx, repository.ReplayInboxSql, eventId, consumer)
	if err != nil {
		return false, fmt.Errorf("could not replay %s for %s: %w", eventId, consumer, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (r *InboxRepository) PurgeProcessed(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	ct, err := r.db.Exec(ctx, repository.PurgeInboxSql, before, batchSize)
	if err != nil {
		return 0, fmt.Errorf("could not purge processed records: %w", err)
	}
	return ct.RowsAffected(), nil
}
