package cdp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

// findChrome returns a local Chrome binary or skips the test.
func findChrome(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	if p := os.Getenv("RENDERPOOL_TEST_CHROME"); p != "" {
		return p
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome binary found")
	return ""
}

func TestNewLauncher_RequiresLocation(t *testing.T) {
	_, err := NewLauncher(browser.LaunchOptions{}, nil)
	assert.ErrorIs(t, err, browser.ErrDriverConstruction)

	l, err := NewLauncher(browser.LaunchOptions{RemoteEndpoint: "ws://127.0.0.1:9222"}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultStartupTimeout, l.opts.StartupTimeout)
	assert.NoError(t, l.Close())
}

func TestFlagValue(t *testing.T) {
	flags := browser.ParseFlags([]string{"--headless=false", "--mute-audio", "--lang=de", "--incognito=true"})
	var got []any
	for _, f := range flags {
		got = append(got, flagValue(f))
	}
	assert.Equal(t, []any{false, true, "de", true}, got)
}

func TestLaunch_MissingBinary(t *testing.T) {
	l, err := NewLauncher(browser.LaunchOptions{ExecutablePath: "/nonexistent/chrome", StartupTimeout: time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = l.Launch(context.Background())
	assert.ErrorIs(t, err, browser.ErrDriverConstruction)
}

func TestCombineContext(t *testing.T) {
	type key struct{}
	tab, cancelTab := context.WithCancel(context.WithValue(context.Background(), key{}, "tab"))
	defer cancelTab()

	t.Run("operation cancel", func(t *testing.T) {
		op, cancelOp := context.WithCancel(context.Background())
		combined, cancel := combineContext(tab, op)
		defer cancel()
		assert.Equal(t, "tab", combined.Value(key{}))
		cancelOp()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not canceled by the operation context")
		}
		assert.NoError(t, tab.Err())
	})

	t.Run("operation deadline", func(t *testing.T) {
		op, cancelOp := context.WithTimeout(context.Background(), time.Hour)
		defer cancelOp()
		combined, cancel := combineContext(tab, op)
		defer cancel()
		want, _ := op.Deadline()
		got, ok := combined.Deadline()
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("detach", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
		d := detach(parent)
		cancelParent()
		assert.NoError(t, d.Err())
		assert.Nil(t, d.Done())
		assert.Equal(t, "v", d.Value(key{}))
	})
}

func TestDriver_RealChrome(t *testing.T) {
	chrome := findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, "/new", http.StatusFound)
		default:
			fmt.Fprintf(w, `<html><head><title>Fixture</title></head><body><p id="x">%s</p></body></html>`, r.URL.Path)
		}
	}))
	defer srv.Close()

	l, err := NewLauncher(browser.LaunchOptions{
		ExecutablePath:  chrome,
		Headless:        true,
		IgnoreTLSErrors: true,
		StartupTimeout:  30 * time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	drv, err := l.Launch(ctx)
	require.NoError(t, err)
	s := browser.NewSession(drv, browser.WithLogger(zaptest.NewLogger(t)), browser.WithPollInterval(50*time.Millisecond))
	defer func() { assert.NoError(t, s.Terminate(context.Background())) }()

	require.NoError(t, s.Navigate(ctx, srv.URL+"/old"))
	u, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/new", u)

	require.NoError(t, s.SetCookies(ctx, map[string]string{"session": "abc"}))
	var cookie string
	require.NoError(t, s.Evaluate(ctx, "document.cookie", &cookie))
	assert.Contains(t, cookie, "session=abc")

	require.NoError(t, s.WaitUntil(ctx, browser.ElementPresent("#x"), 5*time.Second))
	require.NoError(t, s.ExecuteScript(ctx, `document.title = "Mutated";`))
	content, err := s.Content(ctx)
	require.NoError(t, err)
	assert.Contains(t, content, "<title>Mutated</title>")

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, shot)

	require.NoError(t, s.SetUserAgent(ctx, "renderpool-test"))
	var ua string
	require.NoError(t, s.Evaluate(ctx, "navigator.userAgent", &ua))
	assert.Equal(t, "renderpool-test", ua)

	require.NoError(t, s.Reset(ctx))
	u, err = s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, browser.BlankURL, u)
}
