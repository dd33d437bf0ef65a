package pwengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

func TestNewLauncher(t *testing.T) {
	_, err := NewLauncher(browser.LaunchOptions{}, nil)
	assert.ErrorIs(t, err, browser.ErrDriverConstruction)

	l, err := NewLauncher(browser.LaunchOptions{RemoteEndpoint: "ws://127.0.0.1:3000/"}, nil)
	require.NoError(t, err)
	assert.NoError(t, l.Close(), "closing a launcher that never started playwright is a no-op")
}

func TestLaunchArgs(t *testing.T) {
	l, err := NewLauncher(browser.LaunchOptions{
		ExecutablePath:  "/opt/chrome",
		Headless:        true,
		IgnoreTLSErrors: true,
		Args:            []string{"--lang=de", "--headless=new"},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"--ignore-certificate-errors", "--lang=de"}, l.launchArgs())
	assert.True(t, l.opts.HeadlessMode())

	l.opts.Args = []string{"--headless=false", "--ignore-certificate-errors=false", "--mute-audio=true"}
	assert.Equal(t, []string{"--mute-audio"}, l.launchArgs())
	assert.False(t, l.opts.HeadlessMode())
}

func TestCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	v, err := call(context.Background(), func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	assert.ErrorIs(t, do(context.Background(), func() error { return boom }), boom)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	release := make(chan struct{})
	_, err = call(ctx, func() (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	// Let the abandoned call finish before the leak check.
	time.Sleep(10 * time.Millisecond)
}
