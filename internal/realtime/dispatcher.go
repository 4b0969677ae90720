package realtime

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/monitoring"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/protocol"
)

// DefaultObserverBuffer is used when Observe is given a non-positive size.
const DefaultObserverBuffer = 64

// Dispatcher fans push updates out to observers. Each observer has its own
// bounded queue; when it is full the oldest queued update is discarded, so
// a slow observer never stalls the read loop or other observers. Observers
// only see updates dispatched after they registered.
type Dispatcher struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu        sync.RWMutex
	observers map[*Observer]struct{}
	closed    bool
}

// Observer receives updates from a Dispatcher until closed.
type Observer struct {
	d       *Dispatcher
	ch      chan protocol.UpdateEvent
	filter  func(protocol.UpdateEvent) bool
	dropped atomic.Uint64
	once    sync.Once
}

// NewDispatcher creates a dispatcher with no observers.
func NewDispatcher(logger *logging.Logger, metrics *monitoring.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:    logging.OrNop(logger).Named("dispatcher"),
		metrics:   metrics,
		observers: make(map[*Observer]struct{}),
	}
}

// Observe registers an observer with the given queue size.
func (d *Dispatcher) Observe(buffer int) *Observer {
	return d.ObserveFunc(buffer, nil)
}

// ObserveFunc registers an observer that only receives updates for which
// filter returns true. A nil filter accepts everything.
func (d *Dispatcher) ObserveFunc(buffer int, filter func(protocol.UpdateEvent) bool) *Observer {
	if buffer <= 0 {
		buffer = DefaultObserverBuffer
	}
	o := &Observer{
		d:      d,
		ch:     make(chan protocol.UpdateEvent, buffer),
		filter: filter,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		o.once.Do(func() { close(o.ch) })
		return o
	}
	d.observers[o] = struct{}{}
	return o
}

// Dispatch delivers ev to every registered observer without blocking.
func (d *Dispatcher) Dispatch(ev protocol.UpdateEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	delivered := 0
	for o := range d.observers {
		if o.filter != nil && !o.filter(ev) {
			continue
		}
		if o.offer(ev) {
			d.metrics.IncUpdatesDropped()
			d.logger.Debug("Observer queue full, dropped oldest update",
				zap.String("station_id", ev.StationID.String()),
				zap.Uint64("dropped_total", o.dropped.Load()))
		}
		delivered++
	}
	d.metrics.AddUpdatesDispatched(delivered)
}

// Observers returns the number of registered observers.
func (d *Dispatcher) Observers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observers)
}

// Close unregisters and closes every observer. Later observers are created
// closed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	for o := range d.observers {
		delete(d.observers, o)
		o.once.Do(func() { close(o.ch) })
	}
}

// offer enqueues ev, evicting the oldest entry when the queue is full. It
// reports whether an entry was evicted.
func (o *Observer) offer(ev protocol.UpdateEvent) bool {
	evicted := false
	for {
		select {
		case o.ch <- ev:
			return evicted
		default:
		}
		select {
		case <-o.ch:
			o.dropped.Add(1)
			evicted = true
		default:
		}
	}
}

// C returns the update channel. It is closed when the observer or its
// dispatcher is closed.
func (o *Observer) C() <-chan protocol.UpdateEvent {
	return o.ch
}

// Dropped returns how many updates were discarded for this observer.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Close unregisters the observer and closes its channel. It is safe to call
// more than once.
func (o *Observer) Close() {
	o.d.mu.Lock()
	defer o.d.mu.Unlock()

	delete(o.d.observers, o)
	o.once.Do(func() { close(o.ch) })
}
