package sessionguard

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout bounds hook execution after a signal.
const DefaultTimeout = 10 * time.Second

// Guard coordinates interrupt cleanup for one session.
type Guard struct {
	timeout time.Duration
	signals []os.Signal

	mu    sync.Mutex
	hooks []func(context.Context) error

	stop    func()
	fired   chan struct{}
	armOnce sync.Once
}

// Option configures a Guard.
type Option func(*Guard)

// WithTimeout bounds cleanup after a signal.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		g.timeout = d
	}
}

// WithSignals overrides the watched signals.
func WithSignals(sigs ...os.Signal) Option {
	return func(g *Guard) {
		g.signals = sigs
	}
}

// New creates an unarmed guard.
func New(opts ...Option) *Guard {
	g := &Guard{
		timeout: DefaultTimeout,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		fired:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnInterrupt registers a cleanup hook. Hooks run in reverse
// registration order, so the last resource acquired is released first.
func (g *Guard) OnInterrupt(hook func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, hook)
}

// Arm starts watching for signals and returns a context cancelled after
// the hooks have run. Arming twice is a no-op.
func (g *Guard) Arm(ctx context.Context) context.Context {
	armed, cancel := context.WithCancel(ctx)
	g.armOnce.Do(func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, g.signals...)

		done := make(chan struct{})
		g.stop = func() {
			signal.Stop(sigCh)
			close(done)
		}

		go func() {
			select {
			case <-sigCh:
				g.runHooks()
				close(g.fired)
				cancel()
			case <-done:
			case <-ctx.Done():
			}
		}()
	})
	return armed
}

// Disarm stops signal delivery. Safe to call once after the session
// ends cleanly; hooks are not run.
func (g *Guard) Disarm() {
	if g.stop != nil {
		g.stop()
		g.stop = nil
	}
}

// Fired returns a channel closed once interrupt cleanup has finished.
func (g *Guard) Fired() <-chan struct{} {
	return g.fired
}

func (g *Guard) runHooks() {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	g.mu.Lock()
	hooks := make([]func(context.Context) error, len(g.hooks))
	copy(hooks, g.hooks)
	g.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		// A failing hook must not stop the rest of the cleanup.
		_ = hooks[i](ctx)
	}
}
