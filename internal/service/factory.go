// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/browser/cdp"
	"github.com/xkilldash9x/renderpool/internal/browser/pwengine"
	"github.com/xkilldash9x/renderpool/internal/browser/rodengine"
	"github.com/xkilldash9x/renderpool/internal/config"
	"github.com/xkilldash9x/renderpool/internal/direct"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/gate"
	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/pool"
)

// LauncherBuilder constructs the launcher for a driver configuration.
type LauncherBuilder func(cfg config.DriverConfig, logger *zap.Logger) (browser.Launcher, error)

// ComponentFactory defines the interface for creating the components needed
// to serve fetch requests. Commands depend on it so tests can swap the browser out.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	newLauncher LauncherBuilder
	traceWriter io.Writer
}

type FactoryOption func(*concreteFactory)

// WithLauncherBuilder overrides how the browser launcher is built.
func WithLauncherBuilder(b LauncherBuilder) FactoryOption {
	return func(f *concreteFactory) {
		if b != nil {
			f.newLauncher = b
		}
	}
}

// WithTraceWriter redirects exported spans. Defaults to stderr.
func WithTraceWriter(w io.Writer) FactoryOption {
	return func(f *concreteFactory) { f.traceWriter = w }
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{newLauncher: NewLauncher}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewLauncher picks the browser backend named by cfg.Kind.
func NewLauncher(cfg config.DriverConfig, logger *zap.Logger) (browser.Launcher, error) {
	opts := browser.LaunchOptionsFromConfig(cfg)
	switch cfg.Kind {
	case config.DriverChromedp:
		l, err := cdp.NewLauncher(opts, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.DriverRod:
		l, err := rodengine.NewLauncher(opts, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	case config.DriverPlaywright:
		l, err := pwengine.NewLauncher(opts, logger)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver.kind %q", config.ErrConfiguration, cfg.Kind)
	}
}

// Create wires tracing, the launcher, the session pool, the executor, the
// gate and the direct fetcher. The pool is pre-warmed here, so a broken browser setup fails now
// rather than on the first request.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			_ = components.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// 1. Tracing
	tp, err := observability.NewTracerProvider(cfg.Tracing(), cfg.Logger().ServiceName, f.traceWriter)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize tracing: %w", err)
		return nil, initializationErr
	}
	components.Tracer = tp

	// 2. Launcher
	launcher, err := f.newLauncher(cfg.Driver(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to create browser launcher: %w", err)
		return nil, initializationErr
	}
	components.Launcher = launcher
	logger.Debug("Browser launcher created.", zap.String("kind", cfg.Driver().Kind))

	// 3. Session pool
	capacity := cfg.PoolCapacity()
	factory := pool.LauncherFactory(launcher,
		browser.WithLogger(logger),
		browser.WithPollInterval(cfg.Fetch().WaitPollInterval),
	)
	sessionPool, err := pool.New(ctx, capacity, factory,
		pool.WithLogger(logger),
		pool.WithStartupTimeout(cfg.Driver().StartupTimeout),
		pool.WithTerminateTimeout(cfg.Driver().TerminateTimeout),
	)
	if err != nil {
		initializationErr = fmt.Errorf("failed to start session pool: %w", err)
		return nil, initializationErr
	}
	components.Pool = sessionPool
	logger.Debug("Session pool pre-warmed.", zap.Int("capacity", capacity))

	// 4. Executor and gate
	components.Executor = fetch.NewExecutor(
		fetch.WithLogger(logger),
		fetch.WithDefaultWaitTimeout(cfg.Fetch().DefaultWaitTimeout),
		fetch.WithNavigationTimeout(cfg.Fetch().NavigationTimeout),
	)
	components.Gate = gate.New(sessionPool, components.Executor,
		gate.WithLogger(logger),
		gate.WithReleaseTimeout(cfg.Fetch().ReleaseTimeout),
	)

	// 5. Direct downloads for requests the gate passes through
	components.Direct = direct.New(cfg.Direct(), cfg.Driver().IgnoreTLSErrors, direct.WithLogger(logger))

	logger.Info("All fetch components initialized successfully.", zap.Int("pool_capacity", capacity))
	return components, nil
}
