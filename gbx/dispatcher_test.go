package gbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const VenueCreated EventType = "VenueCreated"

type broadcasterFunc func(ctx context.Context, e *Envelope) error

func (f broadcasterFunc) Publish(ctx context.Context, e *Envelope) error {
	return f(ctx, e)
}

func testSettings() Settings {
	return Settings{
		EnableDispatcher: true,
		BatchSize:        10,
		LeaseDuration:    30 * time.Second,
		PublishTimeout:   time.Second,
		MaxRetries:       5,
		BaseBackoff:      2 * time.Second,
		MaxBackoff:       time.Minute,
	}
}

type fixture struct {
	gobox   *Gobox
	outbox  *memOutbox
	inbox   *memInbox
	clock   *testClock
	logger  *testLogger
	alerter *recordingAlerter
	ctrs    map[string]*testCounter
}

func newFixture(s Settings, b Broadcaster, options ...opt) *fixture {
	f := &fixture{
		clock:   newTestClock(),
		logger:  &testLogger{},
		alerter: &recordingAlerter{},
		ctrs: map[string]*testCounter{
			"published": {}, "publishFailures": {}, "deadLettered": {},
			"processed": {}, "handlerFailures": {}, "duplicates": {},
		},
	}
	f.outbox = newMemOutbox(f.clock)
	f.inbox = newMemInbox(f.clock)
	options = append([]opt{
		WithClock(f.clock),
		WithLogger(f.logger),
		WithAlerter(f.alerter),
		WithCounters(Counters{
			Published:       f.ctrs["published"],
			PublishFailures: f.ctrs["publishFailures"],
			DeadLettered:    f.ctrs["deadLettered"],
			Processed:       f.ctrs["processed"],
			HandlerFailures: f.ctrs["handlerFailures"],
			Duplicates:      f.ctrs["duplicates"],
		}),
	}, options...)
	f.gobox = New(s, f.outbox, f.inbox, b, options...)
	return f
}

func (f *fixture) enqueue(t *testing.T, eventType EventType, payload string) *Envelope {
	e := NewEnvelope(NewTrace(), eventType, []byte(payload))
	require.NoError(t, f.gobox.Enqueue(context.Background(), e))
	return e
}

func TestDispatcher_processOutbox(t *testing.T) {
	testcases := []struct {
		name             string
		failures         int
		maxRetries       int
		cycles           int
		wantStatus       OutgoingStatus
		wantAttempts     int
		wantPublished    int
		wantAlerts       int
		wantLastErrorMsg string
	}{
		{
			name:          "pending records are published",
			failures:      0,
			maxRetries:    5,
			cycles:        1,
			wantStatus:    OutgoingPublished,
			wantAttempts:  0,
			wantPublished: 1,
		},
		{
			name:             "three failures then success",
			failures:         3,
			maxRetries:       5,
			cycles:           4,
			wantStatus:       OutgoingPublished,
			wantAttempts:     3,
			wantPublished:    1,
			wantLastErrorMsg: "broker unavailable",
		},
		{
			name:             "failures below the ceiling keep the record pending",
			failures:         10,
			maxRetries:       5,
			cycles:           3,
			wantStatus:       OutgoingPending,
			wantAttempts:     3,
			wantLastErrorMsg: "broker unavailable",
		},
		{
			name:             "exceeding the ceiling dead-letters the record",
			failures:         10,
			maxRetries:       2,
			cycles:           3,
			wantStatus:       OutgoingFailed,
			wantAttempts:     3,
			wantAlerts:       1,
			wantLastErrorMsg: "broker unavailable",
		},
		{
			name:             "no retries dead-letters on the first failure",
			failures:         10,
			maxRetries:       NoRetries,
			cycles:           3,
			wantStatus:       OutgoingFailed,
			wantAttempts:     1,
			wantAlerts:       1,
			wantLastErrorMsg: "broker unavailable",
		},
		{
			name:             "a dead letter is not leased again",
			failures:         10,
			maxRetries:       2,
			cycles:           6,
			wantStatus:       OutgoingFailed,
			wantAttempts:     3,
			wantAlerts:       1,
			wantLastErrorMsg: "broker unavailable",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			s := testSettings()
			s.MaxRetries = tc.maxRetries
			b := &scriptedBroadcaster{failures: tc.failures}
			f := newFixture(s, b)
			e := f.enqueue(t, VenueCreated, `{"id":1}`)

			for i := 0; i < tc.cycles; i++ {
				f.gobox.DispatchOnce(context.Background())
				f.clock.Advance(2 * s.MaxBackoff)
			}

			r := f.outbox.get(e.EventId)
			assert.Equal(t, tc.wantStatus, r.Status)
			assert.Equal(t, tc.wantAttempts, r.AttemptCount)
			assert.Len(t, b.published, tc.wantPublished)
			assert.Len(t, f.alerter.alert, tc.wantAlerts)
			assert.Contains(t, r.LastError, tc.wantLastErrorMsg)
			assert.Equal(t, int64(tc.wantPublished), f.ctrs["published"].value())
			assert.Equal(t, int64(tc.wantAlerts), f.ctrs["deadLettered"].value())
			if tc.wantAlerts > 0 {
				dl := f.alerter.alert[0]
				assert.Equal(t, e.EventId, dl.EventId)
				assert.Equal(t, e.CorrelationId, dl.CorrelationId)
				assert.Equal(t, tc.wantAttempts, dl.AttemptCount)
			}
		})
	}
}

func TestDispatcher_retryScheduleIsNonDecreasing(t *testing.T) {
	s := testSettings()
	s.MaxRetries = 10
	s.MaxBackoff = 20 * time.Second
	f := newFixture(s, &scriptedBroadcaster{failures: 100})
	e := f.enqueue(t, VenueCreated, `{}`)

	var delays []time.Duration
	for i := 0; i < 8; i++ {
		failedAt := f.clock.Now()
		res := f.gobox.DispatchOnce(context.Background())
		require.Equal(t, 1, res.Retried)
		r := f.outbox.get(e.EventId)
		assert.Equal(t, OutgoingPending, r.Status)
		delays = append(delays, r.NextAttemptAt.Sub(failedAt))
		f.clock.Advance(s.MaxBackoff)
	}
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1], "attempt %d", i)
	}
	assert.Equal(t, s.MaxBackoff, delays[len(delays)-1])
}

func TestDispatcher_publishesInCreationOrder(t *testing.T) {
	b := &scriptedBroadcaster{}
	f := newFixture(testSettings(), b)
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		want = append(want, f.enqueue(t, VenueCreated, `{}`).EventId)
	}

	res := f.gobox.DispatchOnce(context.Background())

	assert.Equal(t, 5, res.Published)
	var got []uuid.UUID
	for _, e := range b.published {
		got = append(got, e.EventId)
	}
	assert.Equal(t, want, got)
}

func TestDispatcher_expiredLeaseIsReclaimed(t *testing.T) {
	s := testSettings()
	b := &scriptedBroadcaster{}
	f := newFixture(s, b)
	e := f.enqueue(t, VenueCreated, `{}`)

	// a dispatcher that crashes right after leasing
	crashed, err := f.outbox.LeaseNextBatch(context.Background(), uuid.New(), 10, s.LeaseDuration)
	require.NoError(t, err)
	require.Len(t, crashed, 1)

	res := f.gobox.DispatchOnce(context.Background())
	assert.Equal(t, 0, res.Leased)
	assert.Empty(t, b.published)

	f.clock.Advance(s.LeaseDuration + time.Second)
	res = f.gobox.DispatchOnce(context.Background())
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, OutgoingPublished, f.outbox.get(e.EventId).Status)
}

func TestDispatcher_shutdownLeavesLeasedRecords(t *testing.T) {
	b := &scriptedBroadcaster{}
	f := newFixture(testSettings(), b)
	e := f.enqueue(t, VenueCreated, `{}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.gobox.DispatchOnce(ctx)

	assert.Equal(t, 1, res.Leased)
	assert.Equal(t, 1, res.Skipped)
	r := f.outbox.get(e.EventId)
	assert.Equal(t, OutgoingLeased, r.Status)
	assert.Equal(t, 0, r.AttemptCount)
	assert.Empty(t, b.published)
}

func TestDispatcher_cancelledPublishIsNotCountedAsAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := broadcasterFunc(func(ctx context.Context, e *Envelope) error {
		cancel()
		return NewPublishError("test", e.EventId, ctx.Err())
	})
	f := newFixture(testSettings(), b)
	e := f.enqueue(t, VenueCreated, `{}`)

	res := f.gobox.DispatchOnce(ctx)

	assert.Equal(t, 1, res.Skipped)
	r := f.outbox.get(e.EventId)
	assert.Equal(t, OutgoingLeased, r.Status)
	assert.Equal(t, 0, r.AttemptCount)
}

func TestDispatcher_shutdownMidBatchCountsEveryUnpublishedRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := broadcasterFunc(func(ctx context.Context, e *Envelope) error {
		cancel()
		return NewPublishError("test", e.EventId, ctx.Err())
	})
	f := newFixture(testSettings(), b)
	for i := 0; i < 3; i++ {
		f.enqueue(t, VenueCreated, `{}`)
	}

	res := f.gobox.DispatchOnce(ctx)

	assert.Equal(t, 3, res.Leased)
	assert.Equal(t, 3, res.Skipped, "the interrupted publish and the two records after it")
	assert.Equal(t, 0, res.Published)
}

func TestDispatcher_lostLeaseIsReported(t *testing.T) {
	s := testSettings()
	var f *fixture
	b := broadcasterFunc(func(ctx context.Context, e *Envelope) error {
		// another dispatcher reclaims the record while this publish hangs
		f.clock.Advance(s.LeaseDuration + time.Second)
		_, err := f.outbox.LeaseNextBatch(ctx, uuid.New(), 10, s.LeaseDuration)
		require.NoError(t, err)
		return NewPublishError("test", e.EventId, errors.New("timeout"))
	})
	f = newFixture(s, b)
	f.enqueue(t, VenueCreated, `{}`)

	res := f.gobox.DispatchOnce(context.Background())

	assert.Equal(t, 1, res.StateUpdateFailed)
	assert.Equal(t, 0, res.Retried)
	require.NotEmpty(t, f.logger.warns)
	assert.Contains(t, f.logger.warns[len(f.logger.warns)-1], ErrLeaseLost.Error())
}

func TestDispatcher_leaseErrorIsLogged(t *testing.T) {
	f := newFixture(testSettings(), &scriptedBroadcaster{})
	f.outbox.leaseErr = errors.New("connection refused")

	res := f.gobox.DispatchOnce(context.Background())

	assert.Equal(t, DispatchResult{}, res)
	require.Len(t, f.logger.errors, 1)
	assert.Contains(t, f.logger.errors[0], "connection refused")
}

func TestDispatcher_run(t *testing.T) {
	s := testSettings()
	s.PollingInterval = 10 * time.Millisecond
	s.Dispatchers = 3
	b := &scriptedBroadcaster{}
	f := newFixture(s, b)
	for i := 0; i < 20; i++ {
		f.enqueue(t, VenueCreated, `{}`)
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.gobox.Start(ctx)
	assert.Eventually(t, func() bool {
		return f.ctrs["published"].value() == 20
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	f.gobox.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Len(t, b.published, 20)
	seen := map[uuid.UUID]bool{}
	for _, e := range b.published {
		assert.False(t, seen[e.EventId], "published twice: %s", e.EventId)
		seen[e.EventId] = true
	}
}
