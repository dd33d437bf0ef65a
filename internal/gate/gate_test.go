package gate_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/browser/browsertest"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/gate"
	"github.com/xkilldash9x/renderpool/internal/mocks"
	"github.com/xkilldash9x/renderpool/internal/pool"
)

func pageURL(i int) string { return fmt.Sprintf("https://news.test/%d", i) }

func testSite() browsertest.Site {
	site := browsertest.Site{}
	for i := range 10 {
		site[pageURL(i)] = browsertest.Page{Title: fmt.Sprintf("Story %d", i), Body: "<article>text</article>"}
	}
	return site
}

type fixture struct {
	gate     *gate.Gate
	pool     *pool.Pool
	launcher *browsertest.Launcher
}

func newFixture(t *testing.T, capacity int, logger *zap.Logger, opts ...browsertest.LauncherOption) *fixture {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	l := browsertest.NewLauncher(testSite(), opts...)
	p, err := pool.New(context.Background(), capacity, pool.LauncherFactory(l), pool.WithLogger(logger))
	require.NoError(t, err)
	g := gate.New(p, fetch.NewExecutor(fetch.WithLogger(logger)), gate.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, g.Close(ctx))
	})
	return &fixture{gate: g, pool: p, launcher: l}
}

func browserRequest(url string) *fetch.Request {
	return &fetch.Request{URL: url, Browser: &fetch.Options{}}
}

func TestHandle_PassThrough(t *testing.T) {
	leaser := new(mocks.MockLeaser)
	fulfiller := new(mocks.MockFulfiller)
	g := gate.New(leaser, fulfiller)

	res, handled, err := g.Handle(context.Background(), &fetch.Request{URL: "https://plain.test/"})
	require.NoError(t, err)
	assert.False(t, handled)
	assert.Nil(t, res)

	_, handled, err = g.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, handled)

	leaser.AssertNotCalled(t, "Acquire", mock.Anything)
	fulfiller.AssertNotCalled(t, "Fulfill", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_RendersAndReleases(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 1, nil)
	ctx := context.Background()

	res, handled, err := f.gate.Handle(ctx, browserRequest(pageURL(1)))
	require.NoError(t, err)
	require.True(t, handled)
	assert.Equal(t, pageURL(1), res.URL)
	assert.Equal(t, "Story 1", res.Title())
	assert.Equal(t, 1, f.pool.Leased(), "the session stays leased until the result is released")

	require.NoError(t, res.Release(ctx))
	assert.ErrorIs(t, res.Release(ctx), fetch.ErrAlreadyReleased)
	assert.Equal(t, 1, f.pool.Idle())
	assert.Equal(t, browser.BlankURL, f.launcher.Drivers()[0].URL())
}

func TestHandle_FailedFetchReleasesSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	const capacity = 2
	f := newFixture(t, capacity, nil)
	ctx := context.Background()

	// capacity+1 sequential requests, one of them failing, must all be served.
	for i := range capacity + 1 {
		url := pageURL(i)
		if i == 1 {
			url = "https://offline.test/"
		}
		res, handled, err := f.gate.Handle(ctx, browserRequest(url))
		require.True(t, handled)
		if i == 1 {
			require.Error(t, err)
			assert.ErrorIs(t, err, browser.ErrNavigation)
			assert.Nil(t, res)
			continue
		}
		require.NoError(t, err)
		require.NoError(t, res.Release(ctx))
	}

	stats := f.pool.Stats()
	assert.Equal(t, capacity, stats.Idle)
	assert.Equal(t, 0, stats.Leased)
	assert.Equal(t, stats.Acquired, stats.Released)
}

func TestHandle_UserAgent(t *testing.T) {
	t.Run("supported", func(t *testing.T) {
		f := newFixture(t, 1, nil)
		req := browserRequest(pageURL(2))
		req.Header = http.Header{"User-Agent": []string{"renderpool/1.0"}}

		res, _, err := f.gate.Handle(context.Background(), req)
		require.NoError(t, err)
		defer func() { require.NoError(t, res.Release(context.Background())) }()
		assert.Equal(t, "renderpool/1.0", f.launcher.Drivers()[0].UserAgent())
	})

	t.Run("unsupported is a warning", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		f := newFixture(t, 1, zap.New(core), browsertest.WithoutUserAgent())
		req := browserRequest(pageURL(3))
		req.Header = http.Header{"User-Agent": []string{"renderpool/1.0"}}

		res, handled, err := f.gate.Handle(context.Background(), req)
		require.NoError(t, err, "a missing capability must not fail the fetch")
		require.True(t, handled)
		require.NoError(t, res.Release(context.Background()))

		warnings := logs.FilterMessageSnippet("cannot override the user agent").All()
		require.Len(t, warnings, 1)
		assert.Equal(t, "renderpool/1.0", warnings[0].ContextMap()["user_agent"])
	})
}

func TestHandle_AcquireError(t *testing.T) {
	leaser := new(mocks.MockLeaser)
	leaser.On("Acquire", mock.Anything).Return(nil, pool.ErrPoolClosed)
	g := gate.New(leaser, new(mocks.MockFulfiller))

	_, handled, err := g.Handle(context.Background(), browserRequest(pageURL(0)))
	assert.True(t, handled)
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
	leaser.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestHandle_ReleaseErrorIsJoined(t *testing.T) {
	s := browser.NewSession(browsertest.NewDriver(testSite()))
	fetchErr := &fetch.StepError{Step: fetch.StepNavigate, URL: pageURL(0), Err: browser.ErrNavigation}
	releaseErr := errors.New("reset failed and no replacement")

	leaser := new(mocks.MockLeaser)
	leaser.On("Acquire", mock.Anything).Return(s, nil)
	leaser.On("Release", mock.Anything, s).Return(releaseErr).Once()
	fulfiller := new(mocks.MockFulfiller)
	fulfiller.On("Fulfill", mock.Anything, s, mock.Anything).Return(nil, fetchErr)

	g := gate.New(leaser, fulfiller)
	_, _, err := g.Handle(context.Background(), browserRequest(pageURL(0)))
	assert.ErrorIs(t, err, browser.ErrNavigation)
	assert.ErrorIs(t, err, releaseErr)
	leaser.AssertExpectations(t)
}

func TestHandle_CanceledRequestStillReleases(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 1, nil, browsertest.OnLaunch(func(d *browsertest.Driver) {
		d.NavigateDelay = 20 * time.Millisecond
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, handled, err := f.gate.Handle(ctx, browserRequest(pageURL(4)))
	assert.True(t, handled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 1, f.pool.Idle(), "the session must be back in the pool")
	assert.Equal(t, browser.BlankURL, f.launcher.Drivers()[0].URL())
}

func TestHandle_Concurrent(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 2, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := f.gate.Handle(ctx, browserRequest(pageURL(i)))
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("Story %d", i), res.Title())
				assert.NoError(t, res.Release(ctx))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8), f.pool.Stats().Acquired)
}

func TestClose_Once(t *testing.T) {
	leaser := new(mocks.MockLeaser)
	leaser.On("Shutdown", mock.Anything).Return(nil).Once()
	g := gate.New(leaser, new(mocks.MockFulfiller))

	require.NoError(t, g.Close(context.Background()))
	require.NoError(t, g.Close(context.Background()))
	leaser.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRelease_SlowResetKeepsPoolAtCapacity(t *testing.T) {
	logger := zaptest.NewLogger(t)
	launches := 0
	l := browsertest.NewLauncher(testSite(), browsertest.OnLaunch(func(d *browsertest.Driver) {
		launches++
		if launches == 1 {
			d.NavigateDelay = 50 * time.Millisecond
		}
	}))
	p, err := pool.New(context.Background(), 1, pool.LauncherFactory(l), pool.WithLogger(logger))
	require.NoError(t, err)
	g := gate.New(p, fetch.NewExecutor(fetch.WithLogger(logger)),
		gate.WithLogger(logger),
		gate.WithReleaseTimeout(20*time.Millisecond),
	)
	defer func() { assert.NoError(t, g.Close(context.Background())) }()

	res, handled, err := g.Handle(context.Background(), browserRequest(pageURL(0)))
	require.NoError(t, err)
	require.True(t, handled)
	require.NoError(t, res.Release(context.Background()))

	st := p.Stats()
	assert.Equal(t, 1, st.Live, "a reset that outlives the release timeout must still be replaced")
	assert.Zero(t, st.Lost)
	assert.Len(t, l.Drivers(), 2)

	res, _, err = g.Handle(context.Background(), browserRequest(pageURL(1)))
	require.NoError(t, err)
	assert.Equal(t, "Story 1", res.Title())
	require.NoError(t, res.Release(context.Background()))
}
