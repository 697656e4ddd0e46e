package rabbitmq

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sportsdata/gobox/gbx"
	"github.com/sportsdata/gobox/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, "sports") //nolint:all
	})
	assert.Panics(t, func() {
		var ch *test.MockedAmqpChannel
		New(ch, "sports") //nolint:all
	})
	b, err := New(&test.MockedAmqpChannel{}, "sports")
	assert.NoError(t, err)
	assert.NotNil(t, b)
}

func TestPublish(t *testing.T) {
	cause := uuid.New()
	envelope := gbx.NewEnvelope(gbx.TraceFrom(uuid.New(), cause), "VenueCreated", []byte(`{"venueId":"v-1"}`))
	testcases := []struct {
		name       string
		channel    *test.MockedAmqpChannel
		timeout    time.Duration
		wantErr    bool
		wantErrMsg string
	}{
		{
			name:    "confirmed by the broker",
			channel: &test.MockedAmqpChannel{},
			wantErr: false,
		},
		{
			name:       "nacked by the broker",
			channel:    &test.MockedAmqpChannel{Nack: true},
			wantErr:    true,
			wantErrMsg: "the broker refused the message",
		},
		{
			name:       "publish fails",
			channel:    &test.MockedAmqpChannel{RetVal: errors.New("channel/connection is not open")},
			wantErr:    true,
			wantErrMsg: "channel/connection is not open",
		},
		{
			name:       "no confirmation before the deadline",
			channel:    &test.MockedAmqpChannel{NoConfirm: true},
			timeout:    50 * time.Millisecond,
			wantErr:    true,
			wantErrMsg: context.DeadlineExceeded.Error(),
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := New(tc.channel, "sports")
			require.NoError(t, err)
			ctx := context.Background()
			if tc.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tc.timeout)
				defer cancel()
			}

			err = b.Publish(ctx, envelope)

			test.AssertError(t, err, tc.wantErr)
			if tc.wantErr {
				var pe *gbx.PublishError
				assert.ErrorAs(t, err, &pe)
				assert.Equal(t, "rabbitmq", pe.Transport)
				assert.Contains(t, err.Error(), tc.wantErrMsg)
			}
			if tc.channel.RetVal == nil {
				require.Len(t, tc.channel.Published, 1)
				msg := tc.channel.Published[0]
				assert.Equal(t, "venue.created", tc.channel.RoutingKeys[0])
				assert.Equal(t, envelope.EventId.String(), msg.MessageId)
				assert.Equal(t, envelope.CorrelationId.String(), msg.CorrelationId)
				assert.Equal(t, "VenueCreated", msg.Type)
				assert.Equal(t, cause.String(), msg.Headers["causation_id"])
				assert.Equal(t, strconv.FormatInt(envelope.CreatedAt.UnixMicro(), 10), msg.Headers[gbx.HeaderCreatedAt])
				assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
			}
		})
	}
}

func TestPublishIgnoresLateConfirmations(t *testing.T) {
	ch := &test.MockedAmqpChannel{NoConfirm: true}
	b, err := New(ch, "sports")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, b.Publish(ctx, gbx.NewEnvelope(gbx.NewTrace(), "VenueCreated", nil)))

	// the first publishing is confirmed only after we gave up on it
	ch.NoConfirm = false
	ch.Nack = false
	go ch.ConfirmLate(1, false)
	assert.NoError(t, b.Publish(context.Background(), gbx.NewEnvelope(gbx.NewTrace(), "VenueCreated", nil)))
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "venue.created", RoutingKey("VenueCreated"))
	assert.Equal(t, "match.score.updated", RoutingKey("MatchScoreUpdated"))
}
