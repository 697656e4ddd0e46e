// Package repository holds the Postgres statements and row mapping shared by
// the pgxv5 and sql backends.
package repository

import (
	"time"

	"github.com/google/uuid"
	"github.com/sportsdata/gobox/gbx"
)

const outgoingColumns = "event_id, event_type, correlation_id, causation_id, payload, created_at, status, lease_owner, lease_expires_at, attempt_count, next_attempt_at, last_error"

const incomingColumns = "event_id, consumer_name, event_type, correlation_id, causation_id, payload, created_at, status, attempt_count, last_error, received_at, processed_at, dead_lettered_at"

const (
	InsertOutboxSql = "INSERT INTO outbox (event_id, event_type, correlation_id, causation_id, payload, created_at, status, attempt_count, next_attempt_at) VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', 0, NOW())"

	// LeaseOutboxSql leases due or expired records in creation order. Rows
	// locked by a concurrent lease are skipped.
	LeaseOutboxSql = `WITH due AS (
	SELECT event_id FROM outbox
	WHERE (status = 'PENDING' AND next_attempt_at <= NOW())
	   OR (status = 'LEASED' AND lease_expires_at < NOW())
	ORDER BY created_at ASC
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox o SET status = 'LEASED', lease_owner = $2, lease_expires_at = NOW() + make_interval(secs => $3)
FROM due WHERE o.event_id = due.event_id
RETURNING o.event_id, o.event_type, o.correlation_id, o.causation_id, o.payload, o.created_at, o.status, o.lease_owner, o.lease_expires_at, o.attempt_count, o.next_attempt_at, o.last_error`

	MarkPublishedSql       = "UPDATE outbox SET status = 'PUBLISHED', published_at = NOW(), lease_owner = NULL, lease_expires_at = NULL WHERE event_id = $1 AND status <> 'PUBLISHED'"
	MarkFailedSql          = "UPDATE outbox SET status = 'PENDING', attempt_count = attempt_count + 1, last_error = $3, next_attempt_at = $4, lease_owner = NULL, lease_expires_at = NULL WHERE event_id = $1 AND status = 'LEASED' AND lease_owner = $2"
	MarkDeadLetteredSql    = "UPDATE outbox SET status = 'FAILED', attempt_count = attempt_count + 1, last_error = $3, lease_owner = NULL, lease_expires_at = NULL WHERE event_id = $1 AND status = 'LEASED' AND lease_owner = $2"
	ListOutboxFailedSql    = "SELECT " + outgoingColumns + " FROM outbox WHERE status = 'FAILED' ORDER BY created_at ASC LIMIT $1"
	ReplayOutboxSql        = "UPDATE outbox SET status = 'PENDING', attempt_count = 0, next_attempt_at = NOW() WHERE event_id = $1 AND status = 'FAILED'"
	PurgeOutboxSql         = "DELETE FROM outbox WHERE event_id IN (SELECT event_id FROM outbox WHERE status = 'PUBLISHED' AND published_at < $1 ORDER BY published_at ASC LIMIT $2)"
	GetOutboxSql           = "SELECT " + outgoingColumns + " FROM outbox WHERE event_id = $1"
	CountOutboxByStatusSql = "SELECT COUNT(*) FROM outbox WHERE status = $1"
)

const (
	// ClaimInboxSql inserts a PROCESSING row or takes over a failed, replayed
	// or stale one. No returned row means the claim was refused.
	ClaimInboxSql = `INSERT INTO inbox (event_id, consumer_name, event_type, correlation_id, causation_id, payload, created_at, status, attempt_count, received_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 'PROCESSING', 1, NOW(), NOW())
ON CONFLICT (event_id, consumer_name) DO UPDATE
SET status = 'PROCESSING', attempt_count = inbox.attempt_count + 1, updated_at = NOW()
WHERE inbox.dead_lettered_at IS NULL
  AND (inbox.status IN ('FAILED', 'RECEIVED') OR (inbox.status = 'PROCESSING' AND inbox.updated_at < $8))
RETURNING attempt_count`

	InboxStateSql      = "SELECT status, dead_lettered_at IS NOT NULL FROM inbox WHERE event_id = $1 AND consumer_name = $2"
	MarkProcessedSql   = "UPDATE inbox SET status = 'PROCESSED', processed_at = NOW(), updated_at = NOW() WHERE event_id = $1 AND consumer_name = $2 AND status = 'PROCESSING' AND attempt_count = $3"
	MarkInboxFailedSql = "UPDATE inbox SET status = 'FAILED', last_error = $4, updated_at = NOW(), dead_lettered_at = CASE WHEN $5::boolean THEN NOW() END WHERE event_id = $1 AND consumer_name = $2 AND status = 'PROCESSING' AND attempt_count = $3"
	GetInboxSql        = "SELECT " + incomingColumns + " FROM inbox WHERE event_id = $1 AND consumer_name = $2"
	ListInboxDeadSql   = "SELECT " + incomingColumns + " FROM inbox WHERE dead_lettered_at IS NOT NULL ORDER BY dead_lettered_at ASC LIMIT $1"
	ReplayInboxSql     = "UPDATE inbox SET status = 'RECEIVED', attempt_count = 0, dead_lettered_at = NULL, updated_at = NOW() WHERE event_id = $1 AND consumer_name = $2 AND dead_lettered_at IS NOT NULL"
	PurgeInboxSql      = "DELETE FROM inbox WHERE (event_id, consumer_name) IN (SELECT event_id, consumer_name FROM inbox WHERE status = 'PROCESSED' AND processed_at < $1 ORDER BY processed_at ASC LIMIT $2)"
)

// Row is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type Row interface {
	Scan(dest ...any) error
}

// NullableUUID maps uuid.Nil to NULL.
func NullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}

// ScanOutgoing maps a row selected with the outbox columns.
func ScanOutgoing(row Row) (*gbx.OutgoingRecord, error) {
	var (
		r              gbx.OutgoingRecord
		eventType      string
		status         string
		causationId    *uuid.UUID
		leaseOwner     *uuid.UUID
		leaseExpiresAt *time.Time
		lastError      *string
	)
	err := row.Scan(&r.EventId, &eventType, &r.CorrelationId, &causationId, &r.Payload, &r.CreatedAt,
		&status, &leaseOwner, &leaseExpiresAt, &r.AttemptCount, &r.NextAttemptAt, &lastError)
	if err != nil {
		return nil, err
	}
	r.EventType = gbx.EventType(eventType)
	r.Status = gbx.OutgoingStatus(status)
	if causationId != nil {
		r.CausationId = *causationId
	}
	if leaseOwner != nil {
		r.LeaseOwner = *leaseOwner
	}
	if leaseExpiresAt != nil {
		r.LeaseExpiresAt = *leaseExpiresAt
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return &r, nil
}

// ScanIncoming maps a row selected with the inbox columns.
func ScanIncoming(row Row) (*gbx.IncomingRecord, error) {
	var (
		r           gbx.IncomingRecord
		eventType   string
		status      string
		causationId *uuid.UUID
		lastError   *string
	)
	err := row.Scan(&r.EventId, &r.ConsumerName, &eventType, &r.CorrelationId, &causationId, &r.Payload, &r.CreatedAt,
		&status, &r.AttemptCount, &lastError, &r.ReceivedAt, &r.ProcessedAt, &r.DeadLetteredAt)
	if err != nil {
		return nil, err
	}
	r.EventType = gbx.EventType(eventType)
	r.Status = gbx.IncomingStatus(status)
	if causationId != nil {
		r.CausationId = *causationId
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	return &r, nil
}

// ClassifyRefusedClaim turns the state of an existing inbox row into the
// outcome of a refused claim.
func ClassifyRefusedClaim(status string, deadLettered bool) gbx.ClaimOutcome {
	switch {
	case deadLettered:
		return gbx.ClaimDeadLettered
	case gbx.IncomingStatus(status) == gbx.IncomingProcessed:
		return gbx.ClaimDuplicate
	default:
		// PROCESSING, or a row that changed state under a concurrent claim
		return gbx.ClaimInFlight
	}
}

// OutboxColumns and InboxColumns return the columns expected by ScanOutgoing
// and ScanIncoming.
func OutboxColumns() []string {
	return []string{"event_id", "event_type", "correlation_id", "causation_id", "payload", "created_at", "status", "lease_owner", "lease_expires_at", "attempt_count", "next_attempt_at", "last_error"}
}

func InboxColumns() []string {
	return []string{"event_id", "consumer_name", "event_type", "correlation_id", "causation_id", "payload", "created_at", "status", "attempt_count", "last_error", "received_at", "processed_at", "dead_lettered_at"}
}
