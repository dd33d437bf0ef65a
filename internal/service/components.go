// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/direct"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/gate"
	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/pool"
)

// Components holds everything needed to serve fetch requests and manages
// their lifecycle as a unit.
type Components struct {
	Tracer   *observability.TracerProvider
	Launcher browser.Launcher
	Pool     *pool.Pool
	Executor *fetch.Executor
	Gate     *gate.Gate
	Direct   *direct.Fetcher

	logger *zap.Logger
}

// Shutdown releases resources in reverse order of creation. It is safe on a
// partially initialized struct.
func (c *Components) Shutdown(ctx context.Context) error {
	logger := c.logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.Debug("Beginning components shutdown sequence.")

	var errs []error

	// 1. The gate owns the pool; without a gate, shut the pool down directly.
	switch {
	case c.Gate != nil:
		if err := c.Gate.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close gate: %w", err))
		}
	case c.Pool != nil:
		if err := c.Pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shut down pool: %w", err))
		}
	}

	if c.Direct != nil {
		c.Direct.Close()
	}

	// 2. Launcher resources outlive individual browsers.
	if c.Launcher != nil {
		if err := c.Launcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close launcher: %w", err))
		}
	}

	// 3. Flush spans last so shutdown work is exported too.
	if err := c.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		logger.Warn("Components shut down with errors.", zap.Error(err))
		return err
	}
	logger.Info("All fetch components shut down successfully.")
	return nil
}
