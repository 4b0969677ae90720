package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/resilience"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
)

// ErrDisabled is returned when no brokers are configured.
var ErrDisabled = errors.New("sink disabled: no brokers configured")

const defaultWriteTimeout = 5 * time.Second

// Producer writes messages to a broker; *kafka.Writer is one.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options configures a KafkaSink.
type Options struct {
	WriteTimeout time.Duration
	Breaker      resilience.Settings
}

// KafkaSink forwards station updates to a topic, keyed by station id.
type KafkaSink struct {
	producer Producer
	breaker  *resilience.Breaker
	timeout  time.Duration
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewWriter creates a kafka-go writer for the configured brokers and topic.
func NewWriter(cfg config.SinkConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// New creates a sink writing through producer.
func New(producer Producer, opts Options, logger *logging.Logger, metrics *monitoring.Metrics) *KafkaSink {
	logger = logging.OrNop(logger).Named("sink")
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Breaker.OnStateChange == nil {
		opts.Breaker.OnStateChange = func(name string, from, to resilience.State) {
			logger.Warn("Broker circuit changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		}
	}

	return &KafkaSink{
		producer: producer,
		breaker:  resilience.NewBreaker("kafka", opts.Breaker),
		timeout:  opts.WriteTimeout,
		logger:   logger,
		metrics:  metrics,
	}
}

// NewFromConfig creates a sink backed by a kafka-go writer.
func NewFromConfig(cfg config.SinkConfig, logger *logging.Logger, metrics *monitoring.Metrics) (*KafkaSink, error) {
	if !cfg.Enabled() {
		return nil, ErrDisabled
	}
	if cfg.Topic == "" {
		return nil, errors.New("sink topic is required")
	}
	return New(NewWriter(cfg), Options{}, logger, metrics), nil
}

// Publish writes one update. While the broker circuit is open the update is
// rejected without contacting the broker.
func (s *KafkaSink) Publish(ctx context.Context, ev protocol.UpdateEvent) error {
	value, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		s.metrics.RecordSinkMessage(monitoring.OutcomeError)
		return fmt.Errorf("encode update: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.StationID),
		Value: value,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
		},
	}

	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		return s.producer.WriteMessages(ctx, msg)
	})

	switch {
	case err == nil:
		s.metrics.RecordSinkMessage(monitoring.OutcomeSuccess)
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		s.metrics.RecordSinkMessage(monitoring.OutcomeRejected)
	default:
		s.metrics.RecordSinkMessage(monitoring.OutcomeError)
	}
	return err
}

// Run publishes every update from obs until ctx is done or obs is closed.
// Failures are logged and the update is dropped.
func (s *KafkaSink) Run(ctx context.Context, obs *realtime.Observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-obs.C():
			if !ok {
				return
			}
			if err := s.Publish(ctx, ev); err != nil {
				s.logger.Debug("Update not forwarded",
					zap.String("station_id", ev.StationID.String()),
					zap.Error(err))
			}
		}
	}
}

// State returns the broker circuit state.
func (s *KafkaSink) State() resilience.State {
	return s.breaker.State()
}

// Close closes the producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
