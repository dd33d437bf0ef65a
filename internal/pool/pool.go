// Package pool leases a fixed set of pre-warmed browser sessions to concurrent callers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/observability"
)

var (
	// ErrInvalidCapacity is returned by New for a capacity below one.
	ErrInvalidCapacity = errors.New("pool: capacity must be at least 1")
	// ErrPoolClosed is returned once Shutdown has started.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrNotLeased is returned when releasing a session this pool did not lease out.
	ErrNotLeased = errors.New("pool: session is not leased from this pool")
	// ErrPoolExhausted is returned when every session was lost to failed replacements.
	ErrPoolExhausted = errors.New("pool: no sessions left")
)

const (
	defaultTerminateTimeout = 30 * time.Second
	defaultStartupTimeout   = 60 * time.Second
	// Browsers are started and stopped at most this many at a time.
	lifecycleParallelism = 4
)

// Factory builds one ready-to-use session.
type Factory func(ctx context.Context) (*browser.Session, error)

// LauncherFactory adapts a browser.Launcher into a Factory.
func LauncherFactory(l browser.Launcher, opts ...browser.SessionOption) Factory {
	return func(ctx context.Context) (*browser.Session, error) {
		drv, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return browser.NewSession(drv, opts...), nil
	}
}

// Stats is a point in time view of the pool.
type Stats struct {
	Capacity int   `json:"capacity"`
	Live     int   `json:"live"`
	Idle     int   `json:"idle"`
	Leased   int   `json:"leased"`
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Replaced int64 `json:"replaced"`
	Lost     int64 `json:"lost"`
}

// Pool hands out sessions from a buffered channel. A session is either in the
// idle channel, in the leased set, or being reset by Release; never two at once.
type Pool struct {
	capacity         int
	factory          Factory
	logger           *zap.Logger
	terminateTimeout time.Duration
	startupTimeout   time.Duration

	idle  chan *browser.Session
	done  chan struct{}
	empty chan struct{}

	mu       sync.Mutex
	sessions map[string]*browser.Session
	leased   map[string]*browser.Session
	// retired holds the ids Shutdown took over, so late releases can be told
	// apart from foreign sessions.
	retired map[string]struct{}
	closed   bool
	emptied  bool
	leases   sync.WaitGroup

	acquired atomic.Int64
	released atomic.Int64
	replaced atomic.Int64
	lost     atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTerminateTimeout bounds how long a driver gets to quit, both on
// Shutdown and when a broken session is replaced.
func WithTerminateTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.terminateTimeout = d
		}
	}
}

// WithStartupTimeout bounds how long a replacement session may take to start.
func WithStartupTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.startupTimeout = d
		}
	}
}

// New pre-warms capacity sessions. If any of them fails to start, the ones
// already built are terminated and an error wrapping browser.ErrDriverConstruction
// is returned.
func New(ctx context.Context, capacity int, factory Factory, opts ...Option) (*Pool, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	p := &Pool{
		capacity:         capacity,
		factory:          factory,
		logger:           zap.NewNop(),
		terminateTimeout: defaultTerminateTimeout,
		startupTimeout:   defaultStartupTimeout,
		idle:             make(chan *browser.Session, capacity),
		done:             make(chan struct{}),
		empty:            make(chan struct{}),
		sessions:         make(map[string]*browser.Session, capacity),
		leased:           make(map[string]*browser.Session, capacity),
		retired:          make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("pool")

	start := time.Now()
	p.logger.Info("Pre-warming session pool.", zap.Int("capacity", capacity))

	created := make([]*browser.Session, capacity)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lifecycleParallelism)
	for i := range capacity {
		g.Go(func() error {
			s, err := factory(gctx)
			if err != nil {
				return fmt.Errorf("session %d of %d: %w", i+1, capacity, err)
			}
			created[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var partial []*browser.Session
		for _, s := range created {
			if s != nil {
				partial = append(partial, s)
			}
		}
		p.logger.Error("Pool pre-warm failed, terminating partial pool.", zap.Error(err), zap.Int("started", len(partial)))
		if termErr := p.terminateAll(context.WithoutCancel(ctx), partial); termErr != nil {
			p.logger.Warn("Partial pool did not terminate cleanly.", zap.Error(termErr))
		}
		return nil, fmt.Errorf("%w: pre-warm: %w", browser.ErrDriverConstruction, err)
	}

	for _, s := range created {
		p.sessions[s.ID()] = s
		p.idle <- s
	}
	p.updateGauges()
	p.logger.Info("Session pool ready.", zap.Int("capacity", capacity), zap.Duration("elapsed", time.Since(start)))
	return p, nil
}

// Acquire blocks until a session is idle and leases it to the caller. A
// canceled ctx removes the caller from the wait without consuming a session.
func (p *Pool) Acquire(ctx context.Context) (*browser.Session, error) {
	start := time.Now()
	select {
	case s := <-p.idle:
		p.mu.Lock()
		if p.closed {
			// Shutdown owns every session now and terminates this one too.
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		p.leased[s.ID()] = s
		p.leases.Add(1)
		p.updateGaugesLocked()
		p.mu.Unlock()

		p.acquired.Add(1)
		observability.PoolAcquires.Inc()
		observability.PoolAcquireWait.Observe(time.Since(start).Seconds())
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	case <-p.empty:
		return nil, ErrPoolExhausted
	}
}

// Release resets s to a blank page and makes it available again. A session
// whose reset fails is terminated and replaced through the factory; if no
// replacement can be built the pool permanently shrinks by one and the
// construction error is returned.
func (p *Pool) Release(ctx context.Context, s *browser.Session) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrNotLeased)
	}
	id := s.ID()

	p.mu.Lock()
	if cur, ok := p.leased[id]; !ok || cur != s {
		_, retired := p.retired[id]
		p.mu.Unlock()
		if retired {
			return ErrPoolClosed
		}
		return fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	delete(p.leased, id)
	closed := p.closed
	p.mu.Unlock()
	defer p.leases.Done()

	p.released.Add(1)
	observability.PoolReleases.Inc()

	if closed {
		p.logger.Debug("Session released during shutdown.", zap.String("session_id", id))
		return nil
	}

	if err := s.Reset(ctx); err != nil {
		p.logger.Warn("Session reset failed, replacing it.", zap.String("session_id", id), zap.Error(err))
		// The reset may have failed because ctx ran out; the replacement
		// must not inherit that deadline.
		return p.replace(context.WithoutCancel(ctx), s)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.idle <- s
	}
	p.updateGaugesLocked()
	return nil
}

// replace terminates old and starts a fresh session in its place, each step
// under its own timeout.
func (p *Pool) replace(ctx context.Context, old *browser.Session) error {
	termCtx, cancelTerm := context.WithTimeout(ctx, p.terminateTimeout)
	if err := old.Terminate(termCtx); err != nil {
		p.logger.Debug("Broken session did not quit cleanly.", zap.String("session_id", old.ID()), zap.Error(err))
	}
	cancelTerm()

	startCtx, cancelStart := context.WithTimeout(ctx, p.startupTimeout)
	fresh, err := p.factory(startCtx)
	cancelStart()

	p.mu.Lock()
	delete(p.sessions, old.ID())

	if err != nil {
		p.lost.Add(1)
		observability.PoolReplacements.WithLabelValues("failed").Inc()
		if len(p.sessions) == 0 && !p.emptied {
			p.emptied = true
			close(p.empty)
		}
		live := len(p.sessions)
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.logger.Error("Replacement session could not be built, pool shrinks.", zap.Int("live", live), zap.Error(err))
		return fmt.Errorf("replace session %s: %w", old.ID(), err)
	}

	if p.closed {
		// Shutdown may already have taken its snapshot.
		p.retired[fresh.ID()] = struct{}{}
		p.mu.Unlock()
		_ = fresh.Terminate(ctx)
		return nil
	}
	p.replaced.Add(1)
	observability.PoolReplacements.WithLabelValues("replaced").Inc()
	p.sessions[fresh.ID()] = fresh
	p.idle <- fresh
	p.updateGaugesLocked()
	p.mu.Unlock()
	return nil
}

// Shutdown stops the pool. It waits for leased sessions to be released until
// ctx is done, then terminates the remaining leased sessions by force and
// finally terminates every session. Calls after the first are no-ops.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.logger.Info("Shutting down session pool.", zap.Int("leased", p.Leased()))

	drained := make(chan struct{})
	go func() {
		p.leases.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.logger.Debug("All leased sessions returned.")
	case <-ctx.Done():
		p.mu.Lock()
		forced := len(p.leased)
		for id := range p.leased {
			delete(p.leased, id)
			p.leases.Done()
		}
		p.mu.Unlock()
		p.logger.Warn("Timed out waiting for leased sessions, terminating them.", zap.Int("forced", forced))
	}

	p.mu.Lock()
	all := make([]*browser.Session, 0, len(p.sessions))
	for id, s := range p.sessions {
		all = append(all, s)
		p.retired[id] = struct{}{}
	}
	clear(p.sessions)
	p.mu.Unlock()

	// Drain without closing; a late Release never sends once closed is set.
drain:
	for {
		select {
		case <-p.idle:
		default:
			break drain
		}
	}

	err := p.terminateAll(context.WithoutCancel(ctx), all)
	p.updateGauges()
	p.logger.Info("Session pool shut down.",
		zap.Int("terminated", len(all)),
		zap.Int64("acquired", p.acquired.Load()),
		zap.Int64("replaced", p.replaced.Load()),
		zap.Int64("lost", p.lost.Load()),
	)
	return err
}

// terminateAll quits sessions in parallel and joins their errors.
func (p *Pool) terminateAll(ctx context.Context, sessions []*browser.Session) error {
	ctx, cancel := context.WithTimeout(ctx, p.terminateTimeout)
	defer cancel()

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(lifecycleParallelism)
	for _, s := range sessions {
		g.Go(func() error {
			if err := s.Terminate(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateGaugesLocked()
}

func (p *Pool) updateGaugesLocked() {
	observability.PoolSessions.WithLabelValues(observability.StateLeased).Set(float64(len(p.leased)))
	observability.PoolSessions.WithLabelValues(observability.StateIdle).Set(float64(len(p.idle)))
}

func (p *Pool) Capacity() int { return p.capacity }

// Idle returns the number of sessions ready to be acquired.
func (p *Pool) Idle() int { return len(p.idle) }

func (p *Pool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	live, leased := len(p.sessions), len(p.leased)
	p.mu.Unlock()
	return Stats{
		Capacity: p.capacity,
		Live:     live,
		Idle:     len(p.idle),
		Leased:   leased,
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
		Replaced: p.replaced.Load(),
		Lost:     p.lost.Load(),
	}
}
