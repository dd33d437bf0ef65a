// Package gate is the entry point for fetch requests. It decides whether a
// request needs a browser and, if so, leases a session and renders the page.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/observability"
)

const defaultReleaseTimeout = 30 * time.Second

// Leaser is the session pool as used by the gate.
type Leaser interface {
	Acquire(ctx context.Context) (*browser.Session, error)
	Release(ctx context.Context, s *browser.Session) error
	Shutdown(ctx context.Context) error
}

// Fulfiller runs the fulfillment protocol on a leased session.
type Fulfiller interface {
	Fulfill(ctx context.Context, s *browser.Session, req *fetch.Request) (*fetch.Result, error)
}

// Gate owns a pool and hands rendered results to the caller, who must
// release each of them exactly once.
type Gate struct {
	pool           Leaser
	executor       Fulfiller
	logger         *zap.Logger
	releaseTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

var _ fetch.Releaser = (*Gate)(nil)

type Option func(*Gate)

func WithLogger(logger *zap.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithReleaseTimeout bounds the reset performed when a session is released.
func WithReleaseTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.releaseTimeout = d
		}
	}
}

func New(pool Leaser, executor Fulfiller, opts ...Option) *Gate {
	g := &Gate{
		pool:           pool,
		executor:       executor,
		logger:         zap.NewNop(),
		releaseTimeout: defaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.Named("gate")
	return g
}

// Handle renders req in a browser. It returns handled == false, without
// touching the pool, for requests that do not ask for a browser. On failure
// the session has already been released.
func (g *Gate) Handle(ctx context.Context, req *fetch.Request) (res *fetch.Result, handled bool, err error) {
	if !req.NeedsBrowser() {
		observability.GatePassthrough.Inc()
		return nil, false, nil
	}

	s, err := g.pool.Acquire(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("acquire session for %s: %w", req.URL, err)
	}

	g.propagateUserAgent(ctx, s, req)

	res, err = g.executor.Fulfill(ctx, s, req)
	if err != nil {
		if relErr := g.Release(ctx, s); relErr != nil {
			g.logger.Error("Failed to release session after a failed fetch.",
				zap.String("session_id", s.ID()), zap.Error(relErr))
			return nil, true, errors.Join(err, relErr)
		}
		return nil, true, err
	}

	res.Bind(g)
	return res, true, nil
}

// propagateUserAgent copies the request's User-Agent header into the browser.
// Failures are logged and otherwise ignored.
func (g *Gate) propagateUserAgent(ctx context.Context, s *browser.Session, req *fetch.Request) {
	ua := req.UserAgent()
	if ua == "" {
		return
	}
	err := s.SetUserAgent(ctx, ua)
	switch {
	case err == nil:
	case errors.Is(err, browser.ErrUserAgentUnsupported):
		observability.UserAgentUnsupported.Inc()
		g.logger.Warn("Driver cannot override the user agent, continuing with its default.",
			zap.String("url", req.URL), zap.String("user_agent", ua))
	default:
		g.logger.Warn("User agent override failed, continuing with the browser default.",
			zap.String("url", req.URL), zap.Error(err))
	}
}

// Release returns s to the pool. The reset runs on a context detached from
// ctx's cancellation, bounded by the release timeout.
func (g *Gate) Release(ctx context.Context, s *browser.Session) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.releaseTimeout)
	defer cancel()
	return g.pool.Release(ctx, s)
}

// Close shuts the pool down. Only the first call has an effect.
func (g *Gate) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.logger.Info("Closing request gate.")
		g.closeErr = g.pool.Shutdown(ctx)
	})
	return g.closeErr
}
