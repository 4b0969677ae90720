package guard

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pr-poehali-dev/network-monitoring-ui/internal/infrastructure/logging"
	"github.com/pr-poehali-dev/network-monitoring-ui/internal/realtime"
)

// DefaultCountdown is the wait before a reload once reconnection gave up.
const DefaultCountdown = 10 * time.Second

// Options configures a ReloadGuard.
type Options struct {
	Countdown time.Duration
	// Tick is the countdown resolution. Defaults to one second, capped at
	// Countdown.
	Tick time.Duration
	// Reload rebuilds the client. It runs on the guard's goroutine.
	Reload func()
}

// ReloadGuard reloads the client after the session has exhausted its
// reconnection budget. The countdown is abandoned if the connection comes
// back first.
type ReloadGuard struct {
	opts   Options
	logger *logging.Logger

	mu        sync.Mutex
	remaining time.Duration
	counting  bool
	stop      context.CancelFunc
	reloads   int
	wg        sync.WaitGroup
}

// New creates an idle guard.
func New(opts Options, logger *logging.Logger) *ReloadGuard {
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Tick > opts.Countdown {
		opts.Tick = opts.Countdown
	}
	if opts.Reload == nil {
		opts.Reload = func() {}
	}
	return &ReloadGuard{
		opts:   opts,
		logger: logging.OrNop(logger).Named("guard"),
	}
}

// Run follows statuses until the channel closes or ctx is done. Any running
// countdown is cancelled on return.
func (g *ReloadGuard) Run(ctx context.Context, statuses <-chan realtime.Status) {
	defer g.logger.Debug("Guard stopped")
	defer g.wg.Wait()
	defer g.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			g.Observe(ctx, st)
		}
	}
}

// Observe reacts to one status: a terminal status starts the countdown and
// a connected one cancels it.
func (g *ReloadGuard) Observe(ctx context.Context, st realtime.Status) {
	switch {
	case st.Terminal:
		g.start(ctx, st)
	case st.IsConnected():
		if g.cancel() {
			g.logger.Info("Connection restored, reload cancelled")
		}
	}
}

// RetryIn returns the time left before the automatic reload and whether a
// countdown is running.
func (g *ReloadGuard) RetryIn() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining, g.counting
}

// ReloadNow cancels any countdown and reloads immediately.
func (g *ReloadGuard) ReloadNow() {
	g.cancel()
	g.reload("manual")
}

// Reloads returns how many reloads have been triggered.
func (g *ReloadGuard) Reloads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reloads
}

func (g *ReloadGuard) start(parent context.Context, st realtime.Status) {
	g.mu.Lock()
	if g.counting {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	g.counting = true
	g.remaining = g.opts.Countdown
	g.stop = cancel
	g.wg.Add(1)
	g.mu.Unlock()

	g.logger.Warn("Reconnection exhausted, reload scheduled",
		zap.Duration("in", g.opts.Countdown),
		zap.String("error", st.ErrorText()))

	go func() {
		defer g.wg.Done()
		g.countdown(ctx)
	}()
}

func (g *ReloadGuard) countdown(ctx context.Context) {
	ticker := time.NewTicker(g.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			if ctx.Err() != nil {
				g.mu.Unlock()
				return
			}
			g.remaining -= g.opts.Tick
			if g.remaining > 0 {
				g.mu.Unlock()
				continue
			}
			g.remaining = 0
			g.counting = false
			g.stop = nil
			g.mu.Unlock()

			g.reload("countdown")
			return
		}
	}
}

// cancel stops a running countdown and reports whether one was running.
func (g *ReloadGuard) cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.counting {
		return false
	}
	g.stop()
	g.stop = nil
	g.counting = false
	g.remaining = 0
	return true
}

func (g *ReloadGuard) reload(trigger string) {
	g.mu.Lock()
	g.reloads++
	g.mu.Unlock()

	g.logger.Info("Reloading client", zap.String("trigger", trigger))
	g.opts.Reload()
}
