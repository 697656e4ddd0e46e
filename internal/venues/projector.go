package venues

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/sportsdata/gobox/gbx"
)

// Projector keeps the venue read model up to date and announces every
// projection with a VenueProjected event caused by the VenueCreated one.
type Projector struct {
	txKey  gbx.TxKey
	db     txBeginner
	outbox enqueuer
}

func NewProjector(txKey gbx.TxKey, db txBeginner, outbox enqueuer) *Projector {
	if txKey == nil || db == nil || outbox == nil {
		panic("txKey, db and outbox are mandatory")
	}
	return &Projector{txKey: txKey, db: db, outbox: outbox}
}

// Register subscribes the projector to VenueCreated.
func (p *Projector) Register(r *gbx.Registry) error {
	return gbx.RegisterHandler(r, VenueCreated, ProjectionConsumer, p.Handle)
}

// Handle upserts the projection, so running it twice leaves the same row.
func (p *Projector) Handle(ctx context.Context, msg VenueCreatedEvent, m gbx.Metadata) error {
	payload, err := json.Marshal(VenueProjectedEvent{VenueId: msg.VenueId})
	if err != nil {
		return err
	}
	return inTx(ctx, p.db, p.txKey, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProjectionSql, msg.VenueId, msg.Name, msg.City, m.EventId); err != nil {
			return fmt.Errorf("could not project venue %s: %w", msg.VenueId, err)
		}
		return p.outbox.Enqueue(ctx, gbx.NewEnvelope(m.Trace(), VenueProjected, payload))
	})
}
