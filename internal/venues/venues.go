package venues

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sportsdata/gobox/gbx"
)

const (
	VenueCreated   gbx.EventType = "VenueCreated"
	VenueProjected gbx.EventType = "VenueProjected"

	ProjectionConsumer = "venue-projection"
)

const insertVenueSql = "INSERT INTO venues (id, name, city, state, capacity, is_indoor) VALUES ($1, $2, $3, $4, $5, $6)"

const upsertProjectionSql = `INSERT INTO venue_projections (venue_id, name, city, source_event, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (venue_id) DO UPDATE SET name = EXCLUDED.name, city = EXCLUDED.city, source_event = EXCLUDED.source_event, updated_at = NOW()`

var ErrInvalidVenue = errors.New("invalid venue")

// txBeginner is satisfied by pgxpool.Pool.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// enqueuer is satisfied by gbx.Gobox.
type enqueuer interface {
	Enqueue(ctx context.Context, e *gbx.Envelope) error
}

type Venue struct {
	Id       uuid.UUID
	Name     string
	City     string
	State    string
	Capacity int
	IsIndoor bool
}

// VenueCreatedEvent is the payload of VenueCreated.
type VenueCreatedEvent struct {
	VenueId  uuid.UUID `json:"venueId"`
	Name     string    `json:"name"`
	City     string    `json:"city"`
	State    string    `json:"state,omitempty"`
	Capacity int       `json:"capacity"`
	IsIndoor bool      `json:"isIndoor"`
}

// VenueProjectedEvent is the payload of VenueProjected.
type VenueProjectedEvent struct {
	VenueId uuid.UUID `json:"venueId"`
}

// Service writes venues and the events announcing them in a single
// transaction.
type Service struct {
	txKey  gbx.TxKey
	db     txBeginner
	outbox enqueuer
}

func NewService(txKey gbx.TxKey, db txBeginner, outbox enqueuer) *Service {
	if txKey == nil || db == nil || outbox == nil {
		panic("txKey, db and outbox are mandatory")
	}
	return &Service{txKey: txKey, db: db, outbox: outbox}
}

// CreateVenue inserts the venue and enqueues VenueCreated. Either both are
// committed or none is.
func (s *Service) CreateVenue(ctx context.Context, t gbx.Trace, v Venue) (*gbx.Envelope, error) {
	if strings.TrimSpace(v.Name) == "" || strings.TrimSpace(v.City) == "" {
		return nil, fmt.Errorf("%w: name and city are required", ErrInvalidVenue)
	}
	if v.Capacity < 0 {
		return nil, fmt.Errorf("%w: capacity cannot be negative", ErrInvalidVenue)
	}
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}

	payload, err := json.Marshal(VenueCreatedEvent{
		VenueId:  v.Id,
		Name:     v.Name,
		City:     v.City,
		State:    v.State,
		Capacity: v.Capacity,
		IsIndoor: v.IsIndoor,
	})
	if err != nil {
		return nil, err
	}
	e := gbx.NewEnvelope(t, VenueCreated, payload)

	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var state *string
		if v.State != "" {
			state = &v.State
		}
		if _, err := tx.Exec(ctx, insertVenueSql, v.Id, v.Name, v.City, state, v.Capacity, v.IsIndoor); err != nil {
			return fmt.Errorf("could not insert venue %s: %w", v.Id, err)
		}
		return s.outbox.Enqueue(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return inTx(ctx, s.db, s.txKey, fn)
}

// inTx runs fn in a transaction stored in the context under txKey, so that
// the outbox joins it.
func inTx(ctx context.Context, db txBeginner, txKey gbx.TxKey, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(context.WithValue(ctx, txKey, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}
