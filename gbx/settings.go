package gbx

import (
	"errors"
	"time"
)

const (
	defaultDispatchers        int           = 1
	defaultPollingInterval    time.Duration = time.Second
	defaultBatchSize          int           = 100
	defaultLeaseDuration      time.Duration = time.Second * 30
	defaultPublishTimeout     time.Duration = time.Second * 10
	defaultMaxRetries         int           = 5
	defaultBaseBackoff        time.Duration = time.Second * 2
	defaultMaxBackoff         time.Duration = time.Minute * 5
	defaultProcessingTimeout  time.Duration = time.Minute * 2
	defaultStaleGrace         time.Duration = time.Second * 30
	defaultMaxHandlerAttempts int           = 5
	defaultCleanupInterval    time.Duration = time.Hour
)

type TxKey any

// NoRetries as MaxRetries dead-letters an outgoing record on its first
// failed publish.
const NoRetries = -1

// InFlightPolicy decides what happens with a delivery whose event is being
// processed by another worker for the same consumer.
type InFlightPolicy int

const (
	InFlightRequeue InFlightPolicy = iota // nack so the transport redelivers later
	InFlightSkip                          // ack and drop the delivery
)

// FailurePolicy decides how a failed (but retryable) handler execution is
// reported to the transport.
type FailurePolicy int

const (
	FailureNack FailurePolicy = iota // force a transport level redelivery
	FailureAck                       // rely on the transport's own redelivery
)

// Settings holds the general gobox module configuration.
type Settings struct {
	EnableDispatcher   bool           // enables the polling dispatchers
	Dispatchers        int            // number of independent dispatcher loops in this process
	PollingInterval    time.Duration  // interval between outbox pollings
	BatchSize          int            // maximum records leased per cycle (and purged per statement)
	LeaseDuration      time.Duration  // how long a leased record is reserved for its dispatcher
	PublishTimeout     time.Duration  // deadline for a single Broadcaster.Publish call
	MaxRetries         int            // failed publish attempts tolerated before dead-lettering (0 = default, NoRetries = none)
	BaseBackoff        time.Duration  // delay after the first failure
	MaxBackoff         time.Duration  // cap for the exponential backoff
	ProcessingTimeout  time.Duration  // deadline of a single handler execution
	StaleAfter         time.Duration  // age after which a PROCESSING inbox row can be taken over (> ProcessingTimeout)
	MaxHandlerAttempts int            // handler attempts before an incoming event is dead-lettered
	InFlightPolicy     InFlightPolicy // behaviour for concurrent redeliveries
	FailurePolicy      FailurePolicy  // behaviour after a retryable handler failure
	RetentionPeriod    time.Duration  // age of published/processed rows to purge (0 = keep forever)
	CleanupInterval    time.Duration  // interval between purges
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	s := Settings{EnableDispatcher: true}
	_ = validateSettings(&s)
	return s
}

// validateSettings validates the established settings and sets defaults if
// needed.
func validateSettings(s *Settings) error {
	if s.Dispatchers <= 0 {
		s.Dispatchers = defaultDispatchers
	}
	if s.PollingInterval <= 0 {
		s.PollingInterval = defaultPollingInterval
	}
	if s.BatchSize <= 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.LeaseDuration <= 0 {
		s.LeaseDuration = defaultLeaseDuration
	}
	if s.PublishTimeout <= 0 {
		s.PublishTimeout = defaultPublishTimeout
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = NoRetries
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = defaultBaseBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = defaultMaxBackoff
	}
	if s.ProcessingTimeout <= 0 {
		s.ProcessingTimeout = defaultProcessingTimeout
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = s.ProcessingTimeout + defaultStaleGrace
	}
	if s.MaxHandlerAttempts <= 0 {
		s.MaxHandlerAttempts = defaultMaxHandlerAttempts
	}
	if s.RetentionPeriod < 0 {
		s.RetentionPeriod = 0
	}
	if s.CleanupInterval <= 0 {
		s.CleanupInterval = defaultCleanupInterval
	}

	if s.MaxBackoff < s.BaseBackoff {
		return errors.New("MaxBackoff must be greater than or equal to BaseBackoff")
	}
	if s.LeaseDuration <= s.PublishTimeout {
		return errors.New("LeaseDuration must be greater than PublishTimeout")
	}
	if s.StaleAfter <= s.ProcessingTimeout {
		return errors.New("StaleAfter must be greater than ProcessingTimeout")
	}
	if s.InFlightPolicy != InFlightRequeue && s.InFlightPolicy != InFlightSkip {
		return errors.New("unknown InFlightPolicy")
	}
	if s.FailurePolicy != FailureNack && s.FailurePolicy != FailureAck {
		return errors.New("unknown FailurePolicy")
	}
	return nil
}
