package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
)

// Caller performs one request/response exchange.
type Caller interface {
	Call(ctx context.Context, action string, payload any) (json.RawMessage, error)
}

// Kind names a logical live feed and the actions that start and stop it.
type Kind struct {
	Name              string
	SubscribeAction   string
	UnsubscribeAction string
}

func (k Kind) String() string { return k.Name }

// Subscription is an acknowledged live feed.
type Subscription struct {
	Kind   Kind
	Params json.RawMessage
	Ack    json.RawMessage
	Since  time.Time
}

// pendingSub marks a subscribe request awaiting its acknowledgement.
type pendingSub struct {
	canceled bool
}

// Subscriptions tracks the feeds the backend has acknowledged. A record
// exists only after a successful subscribe response.
type Subscriptions struct {
	caller  Caller
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	active  map[string]Subscription
	pending map[string]*pendingSub
}

// NewSubscriptions creates an empty subscription set issuing requests
// through caller.
func NewSubscriptions(caller Caller, logger *logging.Logger, metrics *monitoring.Metrics) *Subscriptions {
	return &Subscriptions{
		caller:  caller,
		logger:  logging.OrNop(logger).Named("subscriptions"),
		metrics: metrics,
		active:  make(map[string]Subscription),
		pending: make(map[string]*pendingSub),
	}
}

// Subscribe asks the backend to start kind with params and records it once
// acknowledged. Subscribing again with identical params while active sends
// nothing. Different params replace the active record after the new
// subscribe is acknowledged. An Unsubscribe issued while the request is in
// flight wins: the late acknowledgement is dropped, the backend is told to
// stop the feed and ErrSubscriptionCanceled is returned.
func (s *Subscriptions) Subscribe(ctx context.Context, kind Kind, params any) error {
	encoded, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}

	s.mu.Lock()
	if cur, ok := s.active[kind.Name]; ok && bytes.Equal(cur.Params, encoded) {
		s.mu.Unlock()
		return nil
	}
	p := &pendingSub{}
	s.pending[kind.Name] = p
	s.mu.Unlock()

	ack, err := s.caller.Call(ctx, kind.SubscribeAction, encoded)

	s.mu.Lock()
	if s.pending[kind.Name] == p {
		delete(s.pending, kind.Name)
	}
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", kind, err)
	}
	if p.canceled {
		s.mu.Unlock()
		s.logger.Info("Subscribe overtaken by unsubscribe", zap.String("kind", kind.Name))
		s.stop(ctx, kind)
		return fmt.Errorf("subscribe %s: %w", kind, ErrSubscriptionCanceled)
	}
	s.active[kind.Name] = Subscription{Kind: kind, Params: encoded, Ack: ack, Since: time.Now()}
	n := len(s.active)
	s.mu.Unlock()

	s.metrics.SetSubscriptionsActive(n)
	s.logger.Info("Subscribed", zap.String("kind", kind.Name))
	return nil
}

// Unsubscribe removes kind locally and then asks the backend to stop it.
// A subscribe still in flight for kind is canceled; its own completion
// sends the stop request once the backend has acknowledged it. The backend
// call is best effort: failures are logged, never returned.
func (s *Subscriptions) Unsubscribe(ctx context.Context, kind Kind) {
	s.mu.Lock()
	_, ok := s.active[kind.Name]
	delete(s.active, kind.Name)
	if p, inFlight := s.pending[kind.Name]; inFlight {
		p.canceled = true
		delete(s.pending, kind.Name)
	}
	n := len(s.active)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.metrics.SetSubscriptionsActive(n)
	s.stop(ctx, kind)
}

func (s *Subscriptions) stop(ctx context.Context, kind Kind) {
	if _, err := s.caller.Call(ctx, kind.UnsubscribeAction, nil); err != nil {
		s.logger.Warn("Unsubscribe not acknowledged",
			zap.String("kind", kind.Name),
			zap.Error(err))
		return
	}
	s.logger.Info("Unsubscribed", zap.String("kind", kind.Name))
}

// Resubscribe re-issues every active subscription, typically on a new
// connection. Feeds the backend refuses are dropped with a warning. It
// returns the number restored.
func (s *Subscriptions) Resubscribe(ctx context.Context) int {
	subs := s.Active()
	restored := 0

	for _, sub := range subs {
		ack, err := s.caller.Call(ctx, sub.Kind.SubscribeAction, sub.Params)

		s.mu.Lock()
		cur, ok := s.active[sub.Kind.Name]
		// Skip records changed or removed while the call was in flight.
		if !ok || !bytes.Equal(cur.Params, sub.Params) {
			s.mu.Unlock()
			continue
		}
		if err != nil {
			delete(s.active, sub.Kind.Name)
		} else {
			cur.Ack = ack
			cur.Since = time.Now()
			s.active[sub.Kind.Name] = cur
			restored++
		}
		n := len(s.active)
		s.mu.Unlock()
		s.metrics.SetSubscriptionsActive(n)

		if err != nil {
			s.logger.Warn("Resubscribe failed",
				zap.String("kind", sub.Kind.Name),
				zap.Error(err))
		}
	}

	if len(subs) > 0 {
		s.logger.Info("Resubscribed", zap.Int("restored", restored), zap.Int("total", len(subs)))
	}
	return restored
}

// Active returns the acknowledged subscriptions ordered by kind name.
func (s *Subscriptions) Active() []Subscription {
	s.mu.Lock()
	out := make([]Subscription, 0, len(s.active))
	for _, sub := range s.active {
		out = append(out, sub)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Kind.Name < out[j].Kind.Name })
	return out
}

// IsActive reports whether kind has an acknowledged subscription.
func (s *Subscriptions) IsActive(kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[kind.Name]
	return ok
}

// encodeParams produces the canonical payload used both on the wire and to
// compare subscriptions. Map keys are sorted by the encoder.
func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	return sonic.ConfigStd.Marshal(params)
}
