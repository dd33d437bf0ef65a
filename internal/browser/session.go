// File: internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/util/wait"
)

const defaultPollInterval = 500 * time.Millisecond

// Session wraps exactly one Driver. It is leased to a single caller at a time,
// so its methods are not meant to be called concurrently, with the exception
// of Terminate which may race with an in-flight operation during forced shutdown.
type Session struct {
	id           string
	driver       Driver
	logger       *zap.Logger
	pollInterval time.Duration
	createdAt    time.Time

	terminated    atomic.Bool
	terminateOnce sync.Once
	terminateErr  error
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the parent logger. The session logs under a "session" child.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPollInterval sets how often WaitUntil re-evaluates its condition.
func WithPollInterval(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewSession takes ownership of driver.
func NewSession(driver Driver, opts ...SessionOption) *Session {
	s := &Session{
		id:           uuid.NewString(),
		driver:       driver,
		logger:       zap.NewNop(),
		pollInterval: defaultPollInterval,
		createdAt:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session").With(zap.String("session_id", s.id))
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }
func (s *Session) Terminated() bool     { return s.terminated.Load() }

func (s *Session) alive() error {
	if s.terminated.Load() {
		return ErrSessionTerminated
	}
	return nil
}

// commErr classifies a failed driver command.
func commErr(op string, err error) error {
	if errors.Is(err, ErrDriverCommunication) || errors.Is(err, ErrNavigation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrDriverCommunication, op, err)
}

// Navigate loads url and blocks until the driver reports the load committed.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.driver.Navigate(ctx, url); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}
	return nil
}

// SetCookies injects every cookie into the current browsing context.
func (s *Session) SetCookies(ctx context.Context, cookies map[string]string) error {
	if err := s.alive(); err != nil {
		return err
	}
	names := make([]string, 0, len(cookies))
	for name := range cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.driver.SetCookie(ctx, Cookie{Name: name, Value: cookies[name]}); err != nil {
			return commErr("set cookie "+name, err)
		}
	}
	return nil
}

// SetUserAgent overrides the user agent if the driver supports it.
// ErrUserAgentUnsupported is returned otherwise.
func (s *Session) SetUserAgent(ctx context.Context, userAgent string) error {
	if err := s.alive(); err != nil {
		return err
	}
	setter, ok := s.driver.(UserAgentSetter)
	if !ok {
		return ErrUserAgentUnsupported
	}
	if err := setter.SetUserAgent(ctx, userAgent); err != nil {
		return commErr("set user agent", err)
	}
	return nil
}

// WaitUntil polls cond until it holds or timeout elapses, in which case
// ErrWaitTimeout is returned. A non-positive timeout checks the condition once.
// Errors returned by cond are treated as "not yet" and reported on timeout.
func (s *Session) WaitUntil(ctx context.Context, cond Condition, timeout time.Duration) error {
	if err := s.alive(); err != nil {
		return err
	}
	var lastErr error
	check := func(ctx context.Context) (bool, error) {
		if err := s.alive(); err != nil {
			return false, err
		}
		ok, err := cond(ctx, s)
		if err != nil {
			lastErr = err
			s.logger.Debug("Wait condition evaluation failed, retrying.", zap.Error(err))
			return false, nil
		}
		return ok, nil
	}

	if timeout <= 0 {
		ok, err := check(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return s.waitTimeout(timeout, lastErr)
		}
		return nil
	}

	err := wait.PollUntilContextTimeout(ctx, s.pollInterval, timeout, true, check)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case wait.Interrupted(err):
		return s.waitTimeout(timeout, lastErr)
	default:
		return err
	}
}

func (s *Session) waitTimeout(timeout time.Duration, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w after %s (last error: %v)", ErrWaitTimeout, timeout, lastErr)
	}
	return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
}

// Sleep pauses for d or until ctx is done.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Screenshot captures the current render as PNG.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	if err := s.alive(); err != nil {
		return nil, err
	}
	buf, err := s.driver.Screenshot(ctx)
	if err != nil {
		return nil, commErr("screenshot", err)
	}
	return buf, nil
}

// ExecuteScript runs script in the page context and discards its result.
func (s *Session) ExecuteScript(ctx context.Context, script string) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.driver.ExecuteScript(ctx, script); err != nil {
		return commErr("execute script", err)
	}
	return nil
}

// Evaluate runs a JavaScript expression and decodes the result into out.
func (s *Session) Evaluate(ctx context.Context, expression string, out any) error {
	if err := s.alive(); err != nil {
		return err
	}
	if err := s.driver.Evaluate(ctx, expression, out); err != nil {
		return commErr("evaluate", err)
	}
	return nil
}

// Content returns the rendered document.
func (s *Session) Content(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	src, err := s.driver.PageSource(ctx)
	if err != nil {
		return "", commErr("page source", err)
	}
	return src, nil
}

// CurrentURL returns the URL of the current document.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	if err := s.alive(); err != nil {
		return "", err
	}
	u, err := s.driver.CurrentURL(ctx)
	if err != nil {
		return "", commErr("current url", err)
	}
	return u, nil
}

// Reset navigates to BlankURL so the next lease never observes the previous page.
func (s *Session) Reset(ctx context.Context) error {
	if err := s.Navigate(ctx, BlankURL); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// Terminate quits the driver. Only the first call reaches the driver; every
// call returns its result. Other operations fail with ErrSessionTerminated afterwards.
func (s *Session) Terminate(ctx context.Context) error {
	s.terminateOnce.Do(func() {
		s.terminated.Store(true)
		if err := s.driver.Quit(ctx); err != nil {
			s.terminateErr = commErr("quit", err)
			s.logger.Warn("Driver did not quit cleanly.", zap.Error(err))
			return
		}
		s.logger.Debug("Session terminated.", zap.Duration("lifetime", time.Since(s.createdAt)))
	})
	return s.terminateErr
}
