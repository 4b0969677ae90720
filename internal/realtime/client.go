package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/config"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/resilience"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

// Options configures a Client.
type Options struct {
	URL                  string
	Header               http.Header
	RequestTimeout       time.Duration
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration
	MaxReconnectAttempts int
	StatusPollInterval   time.Duration
	PingInterval         time.Duration
	UpdateBuffer         int
	// Resubscribe restores active subscriptions after every reconnection.
	Resubscribe bool
}

// DefaultOptions returns the reference reconnection and timeout policy.
func DefaultOptions(url string) Options {
	return Options{
		URL:                  url,
		RequestTimeout:       DefaultRequestTimeout,
		HandshakeTimeout:     10 * time.Second,
		ReconnectBaseDelay:   2 * time.Second,
		MaxReconnectAttempts: 5,
		StatusPollInterval:   DefaultStatusPollInterval,
		UpdateBuffer:         256,
		Resubscribe:          true,
	}
}

// OptionsFromConfig maps the realtime configuration section onto Options.
func OptionsFromConfig(cfg config.RealtimeConfig) Options {
	return Options{
		URL:                  cfg.Endpoint(),
		RequestTimeout:       cfg.RequestTimeout.Duration,
		HandshakeTimeout:     cfg.HandshakeTimeout.Duration,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay.Duration,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		StatusPollInterval:   cfg.StatusPollInterval.Duration,
		PingInterval:         cfg.PingInterval.Duration,
		UpdateBuffer:         cfg.UpdateBuffer,
		Resubscribe:          cfg.Resubscribe,
	}
}

// Client is the single owned handle to the backend. It combines the
// transport session, request correlation, update fan-out, subscription
// tracking and status observation. Construct one per backend and pass it
// to every consumer.
type Client struct {
	opts    Options
	logger  *logging.Logger
	metrics *monitoring.Metrics

	session       *Session
	correlator    *Correlator
	dispatcher    *Dispatcher
	subscriptions *Subscriptions
	status        *StatusObservable

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New wires a client. It does not connect; call Connect.
func New(opts Options, logger *logging.Logger, metrics *monitoring.Metrics) *Client {
	logger = logging.OrNop(logger).Named("realtime")
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = DefaultObserverBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.session = NewSession(SessionOptions{
		URL:              opts.URL,
		Header:           opts.Header,
		HandshakeTimeout: opts.HandshakeTimeout,
		Backoff: resilience.Backoff{
			Base:        opts.ReconnectBaseDelay,
			MaxAttempts: opts.MaxReconnectAttempts,
		},
		PingInterval: opts.PingInterval,
		OnMessage:    c.handleFrame,
		OnConnect:    c.handleConnect,
		OnDisconnect: c.handleDisconnect,
	}, logger, metrics)

	c.correlator = NewCorrelator(c.session.Send, opts.RequestTimeout, logger, metrics)
	c.dispatcher = NewDispatcher(logger, metrics)
	c.subscriptions = NewSubscriptions(c, logger, metrics)
	c.status = NewStatusObservable(c.session.Status, opts.StatusPollInterval)
	c.status.Start(ctx)

	return c
}

// Connect opens the connection; see Session.Connect.
func (c *Client) Connect(ctx context.Context) error {
	err := c.session.Connect(ctx)
	c.status.Refresh()
	return err
}

// Close tears the client down: pending calls fail with ErrClosed, the
// socket is closed, status watchers and update observers are closed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.correlator.Close()
		err = c.session.Close()
		c.cancel()
		c.dispatcher.Close()
		c.logger.Info("Client closed")
	})
	return err
}

// Call performs a request with the default timeout.
func (c *Client) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	return c.correlator.Call(ctx, action, payload, 0)
}

// CallWithTimeout performs a request with an explicit timeout.
func (c *Client) CallWithTimeout(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	return c.correlator.Call(ctx, action, payload, timeout)
}

// Updates registers an update observer. A non-positive buffer uses the
// configured default.
func (c *Client) Updates(buffer int) *Observer {
	if buffer <= 0 {
		buffer = c.opts.UpdateBuffer
	}
	return c.dispatcher.Observe(buffer)
}

// UpdatesFor registers an observer that only receives updates accepted by
// filter.
func (c *Client) UpdatesFor(buffer int, filter func(protocol.UpdateEvent) bool) *Observer {
	if buffer <= 0 {
		buffer = c.opts.UpdateBuffer
	}
	return c.dispatcher.ObserveFunc(buffer, filter)
}

// Subscribe starts a live feed; see Subscriptions.Subscribe.
func (c *Client) Subscribe(ctx context.Context, kind Kind, params any) error {
	return c.subscriptions.Subscribe(ctx, kind, params)
}

// Unsubscribe stops a live feed. It never fails.
func (c *Client) Unsubscribe(ctx context.Context, kind Kind) {
	c.subscriptions.Unsubscribe(ctx, kind)
}

// Subscriptions returns the acknowledged subscriptions.
func (c *Client) Subscriptions() []Subscription {
	return c.subscriptions.Active()
}

// Status returns the session status right now.
func (c *Client) Status() Status {
	return c.session.Status()
}

// WatchStatus observes polled status changes.
func (c *Client) WatchStatus() (<-chan Status, func()) {
	return c.status.Watch()
}

// Pending returns the number of in-flight calls.
func (c *Client) Pending() int {
	return c.correlator.Pending()
}

// handleFrame runs on the session read goroutine, once per frame, in wire
// order.
func (c *Client) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		c.metrics.IncMalformed()
		c.logger.Warn("Dropping malformed frame", zap.Int("bytes", len(frame)), zap.Error(err))
		return
	}
	c.metrics.RecordWSMessage("in", string(msg.Type))

	if c.correlator.Handle(msg) {
		return
	}
	if msg.Type == protocol.TypeUpdate {
		c.dispatcher.Dispatch(protocol.ParseUpdate(msg, time.Now()))
		return
	}
	c.logger.Debug("Dropping uncorrelated message",
		zap.String("type", string(msg.Type)),
		zap.String("action", msg.Action))
}

func (c *Client) handleConnect(n int) {
	c.status.Refresh()
	if n <= 1 || !c.opts.Resubscribe {
		return
	}
	c.subscriptions.Resubscribe(c.ctx)
}

func (c *Client) handleDisconnect(err error) {
	c.correlator.RejectAll(err)
	c.status.Refresh()
}
