package trace

import (
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"spyglass/pkg/logging"
)

// TraceExchange is the broker-internal topic exchange that receives a copy of
// every published and delivered message when firehose tracing is enabled.
const TraceExchange = "amq.rabbitmq.trace"

// FilterPattern maps a configured filter mode to the routing-key pattern the
// trace queue is bound with. Unrecognized modes fall back to match-all.
func FilterPattern(mode, name string) string {
	switch mode {
	case "publish":
		return "publish.#"
	case "deliver":
		return "deliver.#"
	case "exchange":
		if name != "" {
			return "publish." + name
		}
	case "queue":
		if name != "" {
			return "deliver." + name
		}
	}
	return "#"
}

// Source owns the broker connection and the single trace subscription. Events
// are pushed through the handlers registered with SetHandlers; the session
// coordinator drives Start and Stop.
type Source struct {
	url     string
	pattern string
	logger  logging.Logger

	onEvent func(Event)
	onError func(error)

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewSource creates a trace source for the given broker URL and routing-key
// filter pattern.
func NewSource(url, pattern string, logger logging.Logger) *Source {
	return &Source{
		url:     url,
		pattern: pattern,
		logger:  logger,
	}
}

// SetHandlers registers the per-event and error callbacks. Must be called
// before Start.
func (s *Source) SetHandlers(onEvent func(Event), onError func(error)) {
	s.onEvent = onEvent
	s.onError = onError
}

// Connection exposes the current broker connection for health checks. May be
// nil when monitoring is idle.
func (s *Source) Connection() *amqp.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Connect establishes broker connectivity. Idempotent: an existing open
// connection is reused.
func (s *Source) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked()
}

func (s *Source) connectLocked() error {
	if s.conn != nil && !s.conn.IsClosed() {
		return nil
	}

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return &ConnectError{URL: s.url, Err: err}
	}

	s.conn = conn
	s.logger.Info("Connected to broker")
	return nil
}

// Start declares a transient, exclusive, auto-deleting queue bound to the
// trace exchange and starts consuming from it. Trace records are best effort:
// each delivery is acked after normalization dispatch and rejected without
// requeue when malformed.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil {
		return nil
	}

	if err := s.connectLocked(); err != nil {
		return err
	}

	channel, err := s.conn.Channel()
	if err != nil {
		return &SubscribeError{Stage: "channel", Err: err}
	}

	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		channel.Close()
		return &SubscribeError{Stage: "declare", Err: err}
	}

	if err := channel.QueueBind(queue.Name, s.pattern, TraceExchange, false, nil); err != nil {
		channel.Close()
		return &SubscribeError{Stage: "bind", Err: err}
	}

	deliveries, err := channel.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		channel.Close()
		return &SubscribeError{Stage: "consume", Err: err}
	}

	s.channel = channel
	s.logger.WithFields(logging.Fields{
		"queue":   queue.Name,
		"pattern": s.pattern,
	}).Info("Trace subscription established")

	go s.consume(deliveries)

	return nil
}

// Stop closes the subscription channel and the connection. Safe to call when
// not started.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.channel != nil {
		if err := s.channel.Close(); err != nil {
			errs = append(errs, err)
		}
		s.channel = nil
	}

	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		s.conn = nil
	}

	if len(errs) > 0 {
		return &StopError{Err: errors.Join(errs...)}
	}

	s.logger.Info("Trace subscription stopped")
	return nil
}

func (s *Source) consume(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		s.handleDelivery(delivery)
	}

	// The deliveries channel closes on Stop, but also when the broker drops
	// the connection underneath us. Only the latter is an error worth
	// surfacing.
	s.mu.Lock()
	dropped := s.channel != nil
	s.channel = nil
	s.mu.Unlock()

	if dropped && s.onError != nil {
		s.onError(&SubscribeError{Stage: "consume", Err: errors.New("trace subscription closed by broker")})
	}
}

// handleDelivery normalizes one trace record and dispatches it. Malformed
// records are rejected without requeue and never reach viewers.
func (s *Source) handleDelivery(delivery amqp.Delivery) {
	event, err := Normalize(delivery)
	if err != nil {
		s.logger.WithError(err).WithField("routing_key", delivery.RoutingKey).Debug("Rejecting malformed trace record")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			s.logger.WithError(nackErr).Warn("Failed to reject trace record")
		}
		return
	}

	if s.onEvent != nil {
		s.onEvent(event)
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		s.logger.WithError(ackErr).Warn("Failed to acknowledge trace record")
	}
}
