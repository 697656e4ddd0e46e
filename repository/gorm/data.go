package gorm

import (
	"time"

	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
)

type outboxRow struct {
	EventId        uuid.UUID `gorm:"column:event_id;primaryKey"`
	EventType      string
	CorrelationId  uuid.UUID
	CausationId    *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
	Status         string
	LeaseOwner     *uuid.UUID
	LeaseExpiresAt *time.Time
	AttemptCount   int
	NextAttemptAt  time.Time
	LastError      *string
	PublishedAt    *time.Time
}

func (outboxRow) TableName() string {
	return "outbox"
}

func (o *outboxRow) record() *gbx.OutgoingRecord {
	r := &gbx.OutgoingRecord{
		Envelope: gbx.Envelope{
			EventId:       o.EventId,
			EventType:     gbx.EventType(o.EventType),
			CorrelationId: o.CorrelationId,
			Payload:       o.Payload,
			CreatedAt:     o.CreatedAt,
		},
		Status:        gbx.OutgoingStatus(o.Status),
		AttemptCount:  o.AttemptCount,
		NextAttemptAt: o.NextAttemptAt,
	}
	if o.CausationId != nil {
		r.CausationId = *o.CausationId
	}
	if o.LeaseOwner != nil {
		r.LeaseOwner = *o.LeaseOwner
	}
	if o.LeaseExpiresAt != nil {
		r.LeaseExpiresAt = *o.LeaseExpiresAt
	}
	if o.LastError != nil {
		r.LastError = *o.LastError
	}
	return r
}

type inboxRow struct {
	EventId        uuid.UUID `gorm:"column:event_id;primaryKey"`
	ConsumerName   string    `gorm:"column:consumer_name;primaryKey"`
	EventType      string
	CorrelationId  uuid.UUID
	CausationId    *uuid.UUID
	Payload        []byte
	CreatedAt      time.Time
	Status         string
	AttemptCount   int
	LastError      *string
	ReceivedAt     time.Time
	UpdatedAt      time.Time
	ProcessedAt    *time.Time
	DeadLetteredAt *time.Time
}

func (inboxRow) TableName() string {
	return "inbox"
}

func (i *inboxRow) record() *gbx.IncomingRecord {
	r := &gbx.IncomingRecord{
		Envelope: gbx.Envelope{
			EventId:       i.EventId,
			EventType:     gbx.EventType(i.EventType),
			CorrelationId: i.CorrelationId,
			Payload:       i.Payload,
			CreatedAt:     i.CreatedAt,
		},
		ConsumerName:   i.ConsumerName,
		Status:         gbx.IncomingStatus(i.Status),
		AttemptCount:   i.AttemptCount,
		ReceivedAt:     i.ReceivedAt,
		ProcessedAt:    i.ProcessedAt,
		DeadLetteredAt: i.DeadLetteredAt,
	}
	if i.CausationId != nil {
		r.CausationId = *i.CausationId
	}
	if i.LastError != nil {
		r.LastError = *i.LastError
	}
	return r
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
