package gbx

import (
	"time"

	"github.com/google/uuid"
)

// OutgoingStatus is the delivery state of an outbox record.
type OutgoingStatus string

const (
	OutgoingPending   OutgoingStatus = "PENDING"
	OutgoingLeased    OutgoingStatus = "LEASED"
	OutgoingPublished OutgoingStatus = "PUBLISHED"
	OutgoingFailed    OutgoingStatus = "FAILED" // dead-lettered, terminal until replayed
)

// IncomingStatus is the processing state of an inbox record.
type IncomingStatus string

const (
	IncomingReceived   IncomingStatus = "RECEIVED" // reset by a replay, waiting for redelivery
	IncomingProcessing IncomingStatus = "PROCESSING"
	IncomingProcessed  IncomingStatus = "PROCESSED"
	IncomingFailed     IncomingStatus = "FAILED"
)

var outgoingTransitions = map[OutgoingStatus][]OutgoingStatus{
	OutgoingPending:   {OutgoingLeased},
	OutgoingLeased:    {OutgoingPublished, OutgoingPending, OutgoingFailed, OutgoingLeased},
	OutgoingPublished: {},
	OutgoingFailed:    {OutgoingPending},
}

var incomingTransitions = map[IncomingStatus][]IncomingStatus{
	IncomingReceived:   {IncomingProcessing},
	IncomingProcessing: {IncomingProcessed, IncomingFailed, IncomingProcessing},
	IncomingProcessed:  {},
	IncomingFailed:     {IncomingProcessing, IncomingReceived},
}

// CanTransitionTo reports whether an outbox record may move from s to next.
// A leased record may be leased again once its lease expired.
func (s OutgoingStatus) CanTransitionTo(next OutgoingStatus) bool {
	for _, t := range outgoingTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether an inbox record may move from s to next.
func (s IncomingStatus) CanTransitionTo(next IncomingStatus) bool {
	for _, t := range incomingTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// OutgoingRecord contains all the information stored in the outbox table.
type OutgoingRecord struct {
	Envelope
	Status         OutgoingStatus
	LeaseOwner     uuid.UUID // dispatcher holding the lease (uuid.Nil when not leased)
	LeaseExpiresAt time.Time
	AttemptCount   int // failed publish attempts so far
	NextAttemptAt  time.Time
	LastError      string
}

// IncomingRecord contains all the information stored in the inbox table for
// one (event, consumer) pair.
type IncomingRecord struct {
	Envelope
	ConsumerName   string
	Status         IncomingStatus
	AttemptCount   int // processing attempts so far, including the current one
	LastError      string
	ReceivedAt     time.Time
	ProcessedAt    *time.Time
	DeadLetteredAt *time.Time
}

// IsDeadLettered reports whether the record was moved aside for operator
// attention.
func (r *IncomingRecord) IsDeadLettered() bool {
	return r.DeadLetteredAt != nil
}

// ClaimOutcome describes what happened when a consumer tried to claim an
// incoming event.
type ClaimOutcome int

const (
	ClaimAcquired     ClaimOutcome = iota // the caller must run the handler
	ClaimDuplicate                        // already processed
	ClaimInFlight                         // another worker is processing it
	ClaimDeadLettered                     // parked until an operator replays it
)

func (o ClaimOutcome) String() string {
	switch o {
	case ClaimAcquired:
		return "acquired"
	case ClaimDuplicate:
		return "duplicate"
	case ClaimInFlight:
		return "in-flight"
	case ClaimDeadLettered:
		return "dead-lettered"
	default:
		return "unknown"
	}
}

// ClaimResult is returned by InboxRepository.Claim.
type ClaimResult struct {
	Outcome ClaimOutcome
	Attempt int // attempt number of the acquired claim
}

// DeadLetterReport groups the records needing operator attention.
type DeadLetterReport struct {
	Outgoing []*OutgoingRecord
	Incoming []*IncomingRecord
}
