// File: internal/browser/session_test.go
package browser_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/browser/browsertest"
	"github.com/xkilldash9x/renderpool/internal/mocks"
)

const (
	homeURL     = "https://example.test/"
	redirectURL = "https://example.test/old"
)

func testSite() browsertest.Site {
	return browsertest.Site{
		homeURL: {
			Title:     "Example",
			Body:      `<div id="app">hello</div>`,
			Selectors: []string{"#app"},
		},
		redirectURL: {RedirectTo: homeURL},
	}
}

func newTestSession(t *testing.T) (*browser.Session, *browsertest.Driver) {
	t.Helper()
	d := browsertest.NewDriver(testSite())
	s := browser.NewSession(d,
		browser.WithLogger(zaptest.NewLogger(t)),
		browser.WithPollInterval(5*time.Millisecond),
	)
	return s, d
}

func TestSession_Navigate(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	s, _ := newTestSession(t)

	require.NoError(t, s.Navigate(ctx, redirectURL))
	u, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, homeURL, u, "redirects must be reflected in the current URL")

	content, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, content, "<title>Example</title>")

	err = s.Navigate(ctx, "https://missing.test/")
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNavigation)
	assert.ErrorIs(t, err, browsertest.ErrNotFound)
}

func TestSession_SetCookiesSorted(t *testing.T) {
	ctx := context.Background()
	s, d := newTestSession(t)
	require.NoError(t, s.Navigate(ctx, homeURL))

	require.NoError(t, s.SetCookies(ctx, map[string]string{"b": "2", "a": "1", "c": "3"}))
	assert.Equal(t, []browser.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}, {Name: "c", Value: "3"}}, d.Cookies())

	d.Fail = func(op, arg string) error {
		if op == "cookie" && arg == "b" {
			return errors.New("target closed")
		}
		return nil
	}
	err := s.SetCookies(ctx, map[string]string{"b": "2"})
	assert.ErrorIs(t, err, browser.ErrDriverCommunication)
}

func TestSession_WaitUntil(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	s, d := newTestSession(t)
	require.NoError(t, s.Navigate(ctx, homeURL))

	t.Run("condition holds", func(t *testing.T) {
		assert.NoError(t, s.WaitUntil(ctx, browser.ElementPresent("#app"), time.Second))
		assert.NoError(t, s.WaitUntil(ctx, browser.TitleContains("Exam"), time.Second))
		assert.NoError(t, s.WaitUntil(ctx, browser.URLContains("example.test"), time.Second))
		assert.NoError(t, s.WaitUntil(ctx, browser.DocumentReady(), time.Second))
		assert.NoError(t, s.WaitUntil(ctx, browser.ScriptTrue("true"), time.Second))
	})

	t.Run("timeout", func(t *testing.T) {
		start := time.Now()
		err := s.WaitUntil(ctx, browser.ElementPresent("#never"), 50*time.Millisecond)
		require.Error(t, err)
		assert.ErrorIs(t, err, browser.ErrWaitTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("zero timeout checks once", func(t *testing.T) {
		assert.NoError(t, s.WaitUntil(ctx, browser.ElementPresent("#app"), 0))
		assert.ErrorIs(t, s.WaitUntil(ctx, browser.ElementPresent("#never"), 0), browser.ErrWaitTimeout)
	})

	t.Run("condition becomes true", func(t *testing.T) {
		calls := 0
		cond := func(context.Context, *browser.Session) (bool, error) {
			calls++
			return calls >= 3, nil
		}
		require.NoError(t, s.WaitUntil(ctx, cond, time.Second))
		assert.Equal(t, 3, calls)
	})

	t.Run("evaluation errors are retried and reported", func(t *testing.T) {
		d.Fail = func(op, _ string) error {
			if op == "evaluate" {
				return errors.New("execution context was destroyed")
			}
			return nil
		}
		defer func() { d.Fail = nil }()
		err := s.WaitUntil(ctx, browser.TitleContains("Example"), 30*time.Millisecond)
		assert.ErrorIs(t, err, browser.ErrWaitTimeout)
		assert.Contains(t, err.Error(), "execution context was destroyed")
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := s.WaitUntil(cctx, browser.ElementPresent("#never"), time.Second)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, browser.ErrWaitTimeout)
	})
}

func TestSession_Sleep(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, time.Hour), context.Canceled)
}

func TestSession_ScriptAndScreenshot(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSession(t)
	require.NoError(t, s.Navigate(ctx, homeURL))

	require.NoError(t, s.ExecuteScript(ctx, `document.title = "Changed"`))
	content, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, content, "<title>Changed</title>")

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)
}

func TestSession_SetUserAgent(t *testing.T) {
	ctx := context.Background()
	s, d := newTestSession(t)
	require.NoError(t, s.SetUserAgent(ctx, "renderpool-test/1.0"))
	assert.Equal(t, "renderpool-test/1.0", d.UserAgent())

	basic := browser.NewSession(browsertest.Basic{Driver: browsertest.NewDriver(nil)})
	assert.ErrorIs(t, basic.SetUserAgent(ctx, "x"), browser.ErrUserAgentUnsupported)
}

func TestSession_ResetAndTerminate(t *testing.T) {
	ctx := context.Background()
	s, d := newTestSession(t)
	require.NoError(t, s.Navigate(ctx, homeURL))

	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, browser.BlankURL, d.URL())

	require.NoError(t, s.Terminate(ctx))
	require.NoError(t, s.Terminate(ctx))
	assert.Equal(t, 1, d.Quits(), "the driver must be quit exactly once")
	assert.True(t, s.Terminated())

	assert.ErrorIs(t, s.Navigate(ctx, homeURL), browser.ErrSessionTerminated)
	_, err := s.Content(ctx)
	assert.ErrorIs(t, err, browser.ErrSessionTerminated)
}

func TestSession_TerminateError(t *testing.T) {
	s, d := newTestSession(t)
	d.Fail = func(op, _ string) error {
		if op == "quit" {
			return errors.New("process already gone")
		}
		return nil
	}
	err := s.Terminate(context.Background())
	assert.ErrorIs(t, err, browser.ErrDriverCommunication)
	assert.Equal(t, err, s.Terminate(context.Background()))
}

func TestSession_Identity(t *testing.T) {
	a, _ := newTestSession(t)
	b, _ := newTestSession(t)
	assert.NotEqual(t, a.ID(), b.ID())
	assert.False(t, a.CreatedAt().IsZero())
}

func TestSession_DriverErrorClassification(t *testing.T) {
	ctx := context.Background()
	socket := errors.New("websocket: close 1006")

	d := new(mocks.MockDriver)
	d.On("Navigate", ctx, homeURL).Return(socket).Once()
	d.On("Screenshot", ctx).Return(nil, socket).Once()
	d.On("PageSource", ctx).Return("", fmt.Errorf("wrapped: %w", browser.ErrNavigation)).Once()
	d.On("CurrentURL", ctx).Return("", fmt.Errorf("%w: target gone", browser.ErrDriverCommunication)).Once()
	d.On("ExecuteScript", ctx, "1").Return(socket).Once()
	d.On("SetCookie", ctx, browser.Cookie{Name: "a", Value: "1"}).Return(socket).Once()
	d.On("Quit", mock.Anything).Return(nil).Once()
	s := browser.NewSession(d, browser.WithLogger(zaptest.NewLogger(t)))

	err := s.Navigate(ctx, homeURL)
	assert.ErrorIs(t, err, browser.ErrNavigation)
	assert.NotErrorIs(t, err, browser.ErrDriverCommunication)

	_, err = s.Screenshot(ctx)
	assert.ErrorIs(t, err, browser.ErrDriverCommunication)
	assert.ErrorIs(t, err, socket)

	_, err = s.Content(ctx)
	assert.ErrorIs(t, err, browser.ErrNavigation, "an already classified error keeps its class")
	assert.NotErrorIs(t, err, browser.ErrDriverCommunication)

	_, err = s.CurrentURL(ctx)
	assert.ErrorIs(t, err, browser.ErrDriverCommunication)

	assert.ErrorIs(t, s.ExecuteScript(ctx, "1"), browser.ErrDriverCommunication)
	assert.ErrorIs(t, s.SetCookies(ctx, map[string]string{"a": "1"}), browser.ErrDriverCommunication)

	assert.ErrorIs(t, s.SetUserAgent(ctx, "bot"), browser.ErrUserAgentUnsupported)

	require.NoError(t, s.Terminate(ctx))
	d.AssertExpectations(t)
}
