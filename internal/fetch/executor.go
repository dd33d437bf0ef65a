// Package fetch runs the browser fulfillment protocol on a leased session.
package fetch

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/observability"
)

const defaultWaitTimeout = 10 * time.Second

// Executor drives a session through navigate, cookies, wait, sleep,
// screenshot, script and harvest, strictly in that order.
type Executor struct {
	logger            *zap.Logger
	tracer            trace.Tracer
	waitTimeout       time.Duration
	navigationTimeout time.Duration
}

type Option func(*Executor)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithDefaultWaitTimeout applies to requests whose wait condition has no timeout.
func WithDefaultWaitTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.waitTimeout = d
		}
	}
}

// WithNavigationTimeout bounds the navigate step. Zero leaves it to the caller's context.
func WithNavigationTimeout(d time.Duration) Option {
	return func(e *Executor) { e.navigationTimeout = d }
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:      zap.NewNop(),
		tracer:      observability.Tracer(),
		waitTimeout: defaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("executor")
	return e
}

// Fulfill runs the protocol for req on s. On failure the returned error is a
// *StepError and the session is left as is; the caller still owns the lease.
func (e *Executor) Fulfill(ctx context.Context, s *browser.Session, req *Request) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "fetch.Fulfill", trace.WithAttributes(
		observability.AttrURL.String(req.URL),
		observability.AttrSessionID.String(s.ID()),
	))
	defer span.End()

	start := time.Now()
	res, err := e.fulfill(ctx, s, req)
	elapsed := time.Since(start)

	outcome := outcomeOf(err)
	observability.FetchTotal.WithLabelValues(outcome).Inc()
	observability.FetchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		e.logger.Warn("Fetch failed.",
			zap.String("url", req.URL),
			zap.String("session_id", s.ID()),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	span.SetAttributes(observability.AttrFinalURL.String(res.URL))
	e.logger.Debug("Fetch fulfilled.",
		zap.String("url", req.URL),
		zap.String("final_url", res.URL),
		zap.Int("bytes", len(res.Body)),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

func (e *Executor) fulfill(ctx context.Context, s *browser.Session, req *Request) (*Result, error) {
	var opts Options
	if req.Browser != nil {
		opts = *req.Browser
	}
	res := &Result{Request: req, session: s}

	run := func(step Step, fn func(ctx context.Context) error) error {
		ctx, span := e.tracer.Start(ctx, "fetch."+string(step),
			trace.WithAttributes(observability.AttrStep.String(string(step))))
		defer span.End()
		if err := fn(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
			return &StepError{Step: step, URL: req.URL, Err: err}
		}
		return nil
	}

	if err := run(StepNavigate, func(ctx context.Context) error {
		if e.navigationTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.navigationTimeout)
			defer cancel()
		}
		return s.Navigate(ctx, req.URL)
	}); err != nil {
		return nil, err
	}

	if len(req.Cookies) > 0 {
		if err := run(StepCookies, func(ctx context.Context) error {
			return s.SetCookies(ctx, req.Cookies)
		}); err != nil {
			return nil, err
		}
	}

	if opts.WaitCondition != nil {
		timeout := opts.WaitTimeout
		if timeout <= 0 {
			timeout = e.waitTimeout
		}
		if err := run(StepWait, func(ctx context.Context) error {
			return s.WaitUntil(ctx, opts.WaitCondition, timeout)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Sleep > 0 {
		if err := run(StepSleep, func(ctx context.Context) error {
			return s.Sleep(ctx, opts.Sleep)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Screenshot {
		if err := run(StepScreenshot, func(ctx context.Context) error {
			shot, err := s.Screenshot(ctx)
			res.Screenshot = shot
			return err
		}); err != nil {
			return nil, err
		}
	}

	if opts.Script != "" {
		if err := run(StepScript, func(ctx context.Context) error {
			return s.ExecuteScript(ctx, opts.Script)
		}); err != nil {
			return nil, err
		}
	}

	if err := run(StepHarvest, func(ctx context.Context) error {
		u, body, err := harvest(ctx, s)
		res.URL, res.Body = u, body
		return err
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeSuccess
	case errors.Is(err, browser.ErrWaitTimeout):
		return observability.OutcomeWaitTimeout
	case errors.Is(err, browser.ErrNavigation):
		return observability.OutcomeNavigation
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return observability.OutcomeCanceled
	default:
		return observability.OutcomeDriver
	}
}
