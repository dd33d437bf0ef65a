// Package cdp implements browser.Driver on top of chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

const defaultStartupTimeout = 60 * time.Second

// Launcher starts one Chrome process, or one tab on a remote Chrome, per driver.
type Launcher struct {
	opts   browser.LaunchOptions
	logger *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

// NewLauncher validates opts and returns a chromedp backed launcher.
func NewLauncher(opts browser.LaunchOptions, logger *zap.Logger) (*Launcher, error) {
	if opts.ExecutablePath == "" && opts.RemoteEndpoint == "" {
		return nil, fmt.Errorf("%w: chromedp needs an executable path or a remote endpoint", browser.ErrDriverConstruction)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{opts: opts, logger: logger.Named("cdp")}, nil
}

// Launch allocates a browser and waits until its first tab answers.
func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.opts.Remote() {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(detach(ctx), l.opts.RemoteEndpoint)
	} else {
		allocCtx, allocCancel = chromedp.NewExecAllocator(detach(ctx), l.allocatorOptions()...)
	}

	sugar := l.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)

	// The first Run starts the browser. Canceling its context would kill the
	// process, so the startup deadline is enforced from the outside.
	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, network.Enable(), chromedp.Navigate(browser.BlankURL))
	}()

	timer := time.NewTimer(l.opts.StartupTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-started:
	case <-timer.C:
		err = fmt.Errorf("browser did not respond within %s", l.opts.StartupTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("%w: chromedp: %w", browser.ErrDriverConstruction, err)
	}

	l.logger.Debug("Browser started.", zap.Bool("remote", l.opts.Remote()))
	return &Driver{
		tab:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		remote:      l.opts.Remote(),
		logger:      l.logger,
	}, nil
}

// Close is a no-op; every driver owns its own allocator.
func (l *Launcher) Close() error { return nil }

// allocatorOptions assembles the exec allocator flags on top of the chromedp
// defaults. Later flags override earlier ones.
func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !l.opts.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts, chromedp.ExecPath(l.opts.ExecutablePath))

	for _, f := range l.opts.StartupFlags() {
		opts = append(opts, chromedp.Flag(f.Name, flagValue(f)))
	}

	// Flags required for running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

// flagValue converts a parsed flag into the value chromedp expects. A false
// boolean removes the switch, including one set by the chromedp defaults.
func flagValue(f browser.Flag) any {
	switch {
	case f.Off:
		return false
	case f.Value == "":
		return true
	}
	return f.Value
}

// Driver controls one chromedp tab.
type Driver struct {
	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	remote      bool
	logger      *zap.Logger
}

var (
	_ browser.Driver          = (*Driver)(nil)
	_ browser.UserAgentSetter = (*Driver)(nil)
)

func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	opCtx, cancel := combineContext(d.tab, ctx)
	defer cancel()
	if err := chromedp.Run(opCtx, actions...); err != nil {
		// Report the caller's cancellation rather than chromedp's view of it.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, context.Canceled) {
			return ctxErr
		}
		return err
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, chromedp.Navigate(url))
}

func (d *Driver) SetCookie(ctx context.Context, cookie browser.Cookie) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var current string
		if err := chromedp.Location(&current).Do(ctx); err != nil {
			return err
		}
		return network.SetCookie(cookie.Name, cookie.Value).WithURL(current).Do(ctx)
	}))
}

func (d *Driver) Evaluate(ctx context.Context, expression string, out any) error {
	if out == nil {
		var discard *cdpruntime.RemoteObject
		return d.run(ctx, chromedp.Evaluate(expression, &discard))
	}
	return d.run(ctx, chromedp.Evaluate(expression, out))
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	return d.Evaluate(ctx, "(() => {\n"+script+"\n})()", nil)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.Evaluate("document.documentElement.outerHTML", &html)); err != nil {
		return "", err
	}
	return html, nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, userAgent string) error {
	return d.run(ctx, emulation.SetUserAgentOverride(userAgent))
}

// Quit closes the browser gracefully, or only the tab for a remote browser,
// and gives up waiting when ctx is done.
func (d *Driver) Quit(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Cancel(d.tab)
	}()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-ctx.Done():
		err = fmt.Errorf("browser shutdown: %w", ctx.Err())
	}
	d.tabCancel()
	d.allocCancel()
	d.logger.Debug("Browser closed.", zap.Bool("remote", d.remote), zap.Error(err))
	return err
}
