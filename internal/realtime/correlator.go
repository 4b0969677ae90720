package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/shared/id"
)

// DefaultRequestTimeout applies to calls made without an explicit timeout.
const DefaultRequestTimeout = 10 * time.Second

// SendFunc writes one encoded frame to the transport.
type SendFunc func(frame []byte) error

// Correlator turns the message channel into request/response calls. Each
// pending request is completed exactly once: whichever of response,
// timeout, cancellation or rejection removes it from the pending map first
// wins, and the others become no-ops.
type Correlator struct {
	send    SendFunc
	seq     *id.Sequence
	timeout time.Duration
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

type pendingRequest struct {
	action string
	result chan outcome
	timer  *time.Timer
	clock  *monitoring.Timer
}

type outcome struct {
	data json.RawMessage
	err  error
}

// NewCorrelator creates a correlator writing through send.
func NewCorrelator(send SendFunc, timeout time.Duration, logger *logging.Logger, metrics *monitoring.Metrics) *Correlator {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Correlator{
		send:    send,
		seq:     id.NewSequence(),
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("correlator"),
		metrics: metrics,
		pending: make(map[string]*pendingRequest),
	}
}

// Call sends action with payload and waits for the matching response. A
// timeout of zero uses the correlator default. The returned error is
// ErrTimeout, a *ProtocolError, a send error such as ErrNotConnected, or
// ctx.Err() when the caller gives up first.
func (c *Correlator) Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	requestID := c.seq.Next().String()
	msg, err := protocol.NewRequest(action, requestID, payload)
	if err != nil {
		return nil, err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}

	p := &pendingRequest{
		action: action,
		result: make(chan outcome, 1),
		clock:  monitoring.NewTimer(c.metrics, action),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[requestID] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.complete(requestID, outcome{err: fmt.Errorf("%w: %s after %s", ErrTimeout, action, timeout)}, monitoring.OutcomeTimeout)
	})
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)

	if err := c.send(frame); err != nil {
		if c.complete(requestID, outcome{err: err}, monitoring.OutcomeError) {
			return nil, err
		}
		// Completed concurrently; its outcome is already buffered.
	} else {
		c.metrics.RecordWSMessage("out", string(protocol.TypeRequest))
	}

	select {
	case out := <-p.result:
		return out.data, out.err
	case <-ctx.Done():
		if c.complete(requestID, outcome{err: ctx.Err()}, monitoring.OutcomeCanceled) {
			<-p.result
			return nil, ctx.Err()
		}
		out := <-p.result
		return out.data, out.err
	}
}

// Handle completes the pending request matching msg.RequestID. It reports
// false, with no other effect, when no such request is pending.
func (c *Correlator) Handle(msg protocol.Message) bool {
	if msg.RequestID == "" {
		return false
	}

	p := c.take(msg.RequestID)
	if p == nil {
		c.logger.Debug("Dropping uncorrelated response",
			zap.String("request_id", msg.RequestID),
			zap.String("action", msg.Action),
			zap.String("type", string(msg.Type)))
		return false
	}

	if msg.IsError() {
		detail := msg.ErrorDetail()
		action := msg.Action
		if action == "" {
			action = p.action
		}
		p.finish(c, outcome{err: &ProtocolError{Action: action, Code: detail.Code, Message: detail.Message}}, monitoring.OutcomeRejected)
		return true
	}

	p.finish(c, outcome{data: msg.Data}, monitoring.OutcomeSuccess)
	return true
}

// RejectAll fails every pending request with err.
func (c *Correlator) RejectAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	for _, p := range pending {
		p.timer.Stop()
	}
	c.mu.Unlock()
	c.metrics.SetPending(0)

	for _, p := range pending {
		p.finish(c, outcome{err: err}, monitoring.OutcomeError)
	}
	if len(pending) > 0 {
		c.logger.Debug("Rejected pending requests", zap.Int("count", len(pending)), zap.Error(err))
	}
}

// Close rejects pending requests with ErrClosed and refuses new calls.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.RejectAll(ErrClosed)
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// take atomically removes a pending request. Only the caller that receives
// a non-nil result may complete it.
func (c *Correlator) take(requestID string) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
		p.timer.Stop()
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.metrics.SetPending(n)
	return p
}

func (c *Correlator) complete(requestID string, out outcome, label string) bool {
	p := c.take(requestID)
	if p == nil {
		return false
	}
	p.finish(c, out, label)
	return true
}

func (p *pendingRequest) finish(c *Correlator, out outcome, label string) {
	elapsed := p.clock.Stop(label)
	if errors.Is(out.err, ErrTimeout) {
		c.logger.Warn("Request timed out",
			zap.String("action", p.action),
			zap.Duration("elapsed", elapsed))
	}
	p.result <- out
}
