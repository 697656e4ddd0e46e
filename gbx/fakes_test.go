package gbx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *testLogger) Info(msg string)  {}
func (l *testLogger) Debug(msg string) {}
func (l *testLogger) Warn(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *testLogger) Error(msg string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf("%s: %v", msg, err))
}

type testCounter struct {
	mu  sync.Mutex
	ctr int64
}

func (c *testCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctr += delta
}

func (c *testCounter) value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctr
}

type recordingAlerter struct {
	mu    sync.Mutex
	alert []DeadLetter
}

func (a *recordingAlerter) DeadLettered(_ context.Context, dl DeadLetter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alert = append(a.alert, dl)
}

// scriptedBroadcaster fails the first failures publishes of every event.
type scriptedBroadcaster struct {
	mu        sync.Mutex
	failures  int
	attempts  map[uuid.UUID]int
	published []*Envelope
	block     chan struct{}
}

func (b *scriptedBroadcaster) Publish(ctx context.Context, e *Envelope) error {
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return NewPublishError("test", e.EventId, ctx.Err())
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attempts == nil {
		b.attempts = map[uuid.UUID]int{}
	}
	b.attempts[e.EventId]++
	if b.attempts[e.EventId] <= b.failures {
		return NewPublishError("test", e.EventId, errors.New("broker unavailable"))
	}
	b.published = append(b.published, e)
	return nil
}

// memOutbox follows the same state machine as the SQL repositories.
type memOutbox struct {
	mu       sync.Mutex
	clock    Clock
	records  map[uuid.UUID]*OutgoingRecord
	leaseErr error
}

func newMemOutbox(c Clock) *memOutbox {
	return &memOutbox{clock: c, records: map[uuid.UUID]*OutgoingRecord{}}
}

func (m *memOutbox) Save(_ context.Context, e *Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[e.EventId]; ok {
		return errors.New("duplicate key")
	}
	m.records[e.EventId] = &OutgoingRecord{Envelope: *e, Status: OutgoingPending, NextAttemptAt: m.clock.Now()}
	return nil
}

func (m *memOutbox) LeaseNextBatch(_ context.Context, owner uuid.UUID, max int, lease time.Duration) ([]*OutgoingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseErr != nil {
		return nil, m.leaseErr
	}
	now := m.clock.Now()
	var eligible []*OutgoingRecord
	for _, r := range m.records {
		due := r.Status == OutgoingPending && !r.NextAttemptAt.After(now)
		expired := r.Status == OutgoingLeased && r.LeaseExpiresAt.Before(now)
		if due || expired {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if len(eligible) > max {
		eligible = eligible[:max]
	}
	out := make([]*OutgoingRecord, 0, len(eligible))
	for _, r := range eligible {
		r.Status = OutgoingLeased
		r.LeaseOwner = owner
		r.LeaseExpiresAt = now.Add(lease)
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memOutbox) MarkPublished(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok && r.Status != OutgoingPublished {
		r.Status = OutgoingPublished
		r.LeaseOwner = uuid.Nil
	}
	return nil
}

func (m *memOutbox) MarkFailed(_ context.Context, id, owner uuid.UUID, errMsg string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != OutgoingLeased || r.LeaseOwner != owner {
		return ErrLeaseLost
	}
	r.Status = OutgoingPending
	r.AttemptCount++
	r.LastError = errMsg
	r.NextAttemptAt = next
	r.LeaseOwner = uuid.Nil
	return nil
}

func (m *memOutbox) MarkDeadLettered(_ context.Context, id, owner uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != OutgoingLeased || r.LeaseOwner != owner {
		return ErrLeaseLost
	}
	r.Status = OutgoingFailed
	r.AttemptCount++
	r.LastError = errMsg
	r.LeaseOwner = uuid.Nil
	return nil
}

func (m *memOutbox) ListDeadLetters(_ context.Context, limit int) ([]*OutgoingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*OutgoingRecord
	for _, r := range m.records {
		if r.Status == OutgoingFailed {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memOutbox) Replay(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok || r.Status != OutgoingFailed {
		return false, nil
	}
	r.Status = OutgoingPending
	r.AttemptCount = 0
	r.NextAttemptAt = m.clock.Now()
	return true, nil
}

func (m *memOutbox) PurgePublished(_ context.Context, before time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.records {
		if n == int64(batchSize) {
			break
		}
		if r.Status == OutgoingPublished && r.CreatedAt.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

func (m *memOutbox) get(id uuid.UUID) OutgoingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.records[id]
}

type inboxKey struct {
	id       uuid.UUID
	consumer string
}

type memInboxRow struct {
	rec       IncomingRecord
	updatedAt time.Time
}

// memInbox follows the same claim rules as the SQL repositories.
type memInbox struct {
	mu       sync.Mutex
	clock    Clock
	rows     map[inboxKey]*memInboxRow
	claimErr error
}

func newMemInbox(c Clock) *memInbox {
	return &memInbox{clock: c, rows: map[inboxKey]*memInboxRow{}}
}

func (m *memInbox) Claim(_ context.Context, r *IncomingRecord, staleBefore time.Time) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return ClaimResult{}, m.claimErr
	}
	k := inboxKey{r.EventId, r.ConsumerName}
	now := m.clock.Now()
	row, ok := m.rows[k]
	if !ok {
		rec := *r
		rec.Status = IncomingProcessing
		rec.AttemptCount = 1
		m.rows[k] = &memInboxRow{rec: rec, updatedAt: now}
		return ClaimResult{Outcome: ClaimAcquired, Attempt: 1}, nil
	}
	switch {
	case row.rec.DeadLetteredAt != nil:
		return ClaimResult{Outcome: ClaimDeadLettered}, nil
	case row.rec.Status == IncomingProcessed:
		return ClaimResult{Outcome: ClaimDuplicate}, nil
	case row.rec.Status == IncomingProcessing && !row.updatedAt.Before(staleBefore):
		return ClaimResult{Outcome: ClaimInFlight}, nil
	}
	row.rec.Status = IncomingProcessing
	row.rec.AttemptCount++
	row.updatedAt = now
	return ClaimResult{Outcome: ClaimAcquired, Attempt: row.rec.AttemptCount}, nil
}

func (m *memInbox) MarkProcessed(_ context.Context, id uuid.UUID, consumer string, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inboxKey{id, consumer}]
	if !ok || row.rec.Status != IncomingProcessing || row.rec.AttemptCount != attempt {
		return ErrClaimLost
	}
	now := m.clock.Now()
	row.rec.Status = IncomingProcessed
	row.rec.ProcessedAt = &now
	row.updatedAt = now
	return nil
}

func (m *memInbox) MarkFailed(_ context.Context, id uuid.UUID, consumer string, attempt int, errMsg string, deadLetter bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inboxKey{id, consumer}]
	if !ok || row.rec.Status != IncomingProcessing || row.rec.AttemptCount != attempt {
		return ErrClaimLost
	}
	now := m.clock.Now()
	row.rec.Status = IncomingFailed
	row.rec.LastError = errMsg
	if deadLetter {
		row.rec.DeadLetteredAt = &now
	}
	row.updatedAt = now
	return nil
}

func (m *memInbox) Get(_ context.Context, id uuid.UUID, consumer string) (*IncomingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inboxKey{id, consumer}]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := row.rec
	return &cp, nil
}

func (m *memInbox) ListDeadLetters(_ context.Context, limit int) ([]*IncomingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*IncomingRecord
	for _, row := range m.rows {
		if row.rec.DeadLetteredAt != nil {
			cp := row.rec
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInbox) Replay(_ context.Context, id uuid.UUID, consumer string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inboxKey{id, consumer}]
	if !ok || row.rec.DeadLetteredAt == nil {
		return false, nil
	}
	row.rec.Status = IncomingReceived
	row.rec.AttemptCount = 0
	row.rec.DeadLetteredAt = nil
	row.updatedAt = m.clock.Now()
	return true, nil
}

func (m *memInbox) PurgeProcessed(_ context.Context, before time.Time, batchSize int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, row := range m.rows {
		if n == int64(batchSize) {
			break
		}
		if row.rec.Status == IncomingProcessed && row.rec.ProcessedAt.Before(before) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memInbox) get(id uuid.UUID, consumer string) IncomingRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[inboxKey{id, consumer}].rec
}

func (m *memInbox) setUpdatedAt(id uuid.UUID, consumer string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[inboxKey{id, consumer}].updatedAt = t
}

type memCache struct {
	mu   sync.Mutex
	seen map[inboxKey]bool
	err  error
}

func (c *memCache) IsProcessed(_ context.Context, id uuid.UUID, consumer string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.seen[inboxKey{id, consumer}], nil
}

func (c *memCache) MarkProcessed(_ context.Context, id uuid.UUID, consumer string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seen == nil {
		c.seen = map[inboxKey]bool{}
	}
	c.seen[inboxKey{id, consumer}] = true
	return nil
}
