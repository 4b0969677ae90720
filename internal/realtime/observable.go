package realtime

import (
	"context"
	"sync"
	"time"
)

// DefaultStatusPollInterval is how often the observable samples the session.
const DefaultStatusPollInterval = time.Second

// StatusObservable publishes connection status to any number of watchers by
// polling a source at a fixed interval. Watchers see the latest value, not
// every intermediate transition.
type StatusObservable struct {
	source   func() Status
	interval time.Duration

	mu       sync.RWMutex
	current  Status
	watchers map[chan Status]struct{}
	stopped  bool
}

// NewStatusObservable creates an observable sampling source.
func NewStatusObservable(source func() Status, interval time.Duration) *StatusObservable {
	if interval <= 0 {
		interval = DefaultStatusPollInterval
	}
	return &StatusObservable{
		source:   source,
		interval: interval,
		current:  source(),
		watchers: make(map[chan Status]struct{}),
	}
}

// Start polls until ctx is done, then closes every watcher channel.
func (o *StatusObservable) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				o.stop()
				return
			case <-ticker.C:
				o.Refresh()
			}
		}
	}()
}

// Refresh samples the source immediately and notifies watchers on change.
func (o *StatusObservable) Refresh() {
	st := o.source()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped || st.same(o.current) {
		return
	}
	o.current = st
	for w := range o.watchers {
		publish(w, st)
	}
}

// Snapshot returns the most recently sampled status.
func (o *StatusObservable) Snapshot() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// Watch returns a channel that immediately holds the current status and
// then receives each observed change. The cancel func unregisters it.
func (o *StatusObservable) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	ch <- o.current
	o.watchers[ch] = struct{}{}
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.watchers[ch]; ok {
				delete(o.watchers, ch)
				close(ch)
			}
		})
	}
}

func (o *StatusObservable) stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.stopped = true
	for w := range o.watchers {
		delete(o.watchers, w)
		close(w)
	}
}

// publish replaces any unread value in w with st.
func publish(w chan Status, st Status) {
	select {
	case w <- st:
		return
	default:
	}
	select {
	case <-w:
	default:
	}
	select {
	case w <- st:
	default:
	}
}
