package gbx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxRepository manages the persistent lifecycle of outgoing records.
// Save is the only operation producers interact with.
type OutboxRepository interface {

	// Save persists an outgoing record as PENDING. This operation must be
	// called inside an existing business transaction provided in the context.
	Save(ctx context.Context, e *Envelope) error

	// LeaseNextBatch atomically leases up to max records that are pending and
	// due or whose lease expired. Concurrent callers never receive the same
	// record while its lease is valid.
	LeaseNextBatch(ctx context.Context, owner uuid.UUID, max int, lease time.Duration) ([]*OutgoingRecord, error)

	// MarkPublished marks a record as PUBLISHED. Calling it for an already
	// published record is a no-op.
	MarkPublished(ctx context.Context, eventId uuid.UUID) error

	// MarkFailed records a failed attempt and reschedules the record. It
	// returns ErrLeaseLost if owner no longer holds the lease.
	MarkFailed(ctx context.Context, eventId, owner uuid.UUID, errMsg string, nextAttemptAt time.Time) error

	// MarkDeadLettered records the last failed attempt and moves the record to
	// the terminal FAILED status.
	MarkDeadLettered(ctx context.Context, eventId, owner uuid.UUID, errMsg string) error

	// ListDeadLetters returns up to limit FAILED records, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*OutgoingRecord, error)

	// Replay moves a FAILED record back to PENDING with a fresh attempt count.
	// It returns false if there is no such dead letter.
	Replay(ctx context.Context, eventId uuid.UUID) (bool, error)

	// PurgePublished deletes up to batchSize records published before the
	// provided time.
	PurgePublished(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

// InboxRepository manages the persistent lifecycle of incoming records.
type InboxRepository interface {

	// Claim inserts the record as PROCESSING or, when a row for the same
	// (event, consumer) pair exists, takes it over if it failed, was replayed
	// or has been PROCESSING since before staleBefore. The insert conflict is
	// the deduplication mechanism.
	Claim(ctx context.Context, r *IncomingRecord, staleBefore time.Time) (ClaimResult, error)

	// MarkProcessed moves a PROCESSING record to PROCESSED. attempt is the
	// one returned by Claim: if the row was taken over since, nothing changes
	// and ErrClaimLost is returned.
	MarkProcessed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int) error

	// MarkFailed moves a PROCESSING record to FAILED, optionally parking it as
	// a dead letter. It is guarded by attempt like MarkProcessed.
	MarkFailed(ctx context.Context, eventId uuid.UUID, consumer string, attempt int, errMsg string, deadLetter bool) error

	// Get returns a single record or ErrRecordNotFound.
	Get(ctx context.Context, eventId uuid.UUID, consumer string) (*IncomingRecord, error)

	// ListDeadLetters returns up to limit dead-lettered records, oldest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*IncomingRecord, error)

	// Replay clears the dead letter mark of a record and resets it to
	// RECEIVED so that its next delivery runs the handler again.
	Replay(ctx context.Context, eventId uuid.UUID, consumer string) (bool, error)

	// PurgeProcessed deletes up to batchSize records processed before the
	// provided time.
	PurgeProcessed(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

// ProcessedCache is an optional fast path in front of the inbox that
// remembers (event, consumer) pairs already processed. The inbox stays the
// source of truth.
type ProcessedCache interface {
	IsProcessed(ctx context.Context, eventId uuid.UUID, consumer string) (bool, error)
	MarkProcessed(ctx context.Context, eventId uuid.UUID, consumer string) error
}
