// Package pwengine implements browser.Driver on top of playwright-go.
//
// Playwright cannot override the user agent of an existing context, so drivers
// from this package do not implement browser.UserAgentSetter.
package pwengine

import (
	"context"
	"fmt"
	"io"
	"sync"

	json "github.com/json-iterator/go"
	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

// Launcher shares one playwright driver process between all browsers it launches.
type Launcher struct {
	opts   browser.LaunchOptions
	logger *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(opts browser.LaunchOptions, logger *zap.Logger) (*Launcher, error) {
	if opts.ExecutablePath == "" && opts.RemoteEndpoint == "" {
		return nil, fmt.Errorf("%w: playwright needs an executable path or a remote endpoint", browser.ErrDriverConstruction)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{opts: opts, logger: logger.Named("playwright")}, nil
}

func (l *Launcher) runtime() (*playwright.Playwright, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw != nil {
		return l.pw, nil
	}
	pw, err := playwright.Run(&playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	l.pw = pw
	return pw, nil
}

// launchArgs returns the startup flags. Headless mode is an option of its own.
func (l *Launcher) launchArgs() []string {
	var args []string
	for _, f := range l.opts.StartupFlags() {
		if f.Name == "headless" || f.Off {
			continue
		}
		args = append(args, f.Arg())
	}
	return args
}

func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	drv, err := call(ctx, func() (*Driver, error) {
		pw, err := l.runtime()
		if err != nil {
			return nil, err
		}

		var b playwright.Browser
		if l.opts.Remote() {
			b, err = pw.Chromium.Connect(l.opts.RemoteEndpoint)
		} else {
			b, err = pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
				Headless:       playwright.Bool(l.opts.HeadlessMode()),
				ExecutablePath: playwright.String(l.opts.ExecutablePath),
				Args:           l.launchArgs(),
			})
		}
		if err != nil {
			return nil, err
		}

		bctx, err := b.NewContext(playwright.BrowserNewContextOptions{
			IgnoreHttpsErrors: playwright.Bool(l.opts.IgnoreTLSErrors),
		})
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		page, err := bctx.NewPage()
		if err != nil {
			_ = bctx.Close()
			_ = b.Close()
			return nil, err
		}
		return &Driver{browser: b, context: bctx, page: page, logger: l.logger}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: playwright: %w", browser.ErrDriverConstruction, err)
	}
	l.logger.Debug("Browser started.", zap.Bool("remote", l.opts.Remote()))
	return drv, nil
}

// Close stops the playwright driver process.
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pw == nil {
		return nil
	}
	err := l.pw.Stop()
	l.pw = nil
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

// call runs fn and returns early with ctx.Err() when ctx is done first.
// Playwright calls take no context; fn keeps running in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// Driver controls one playwright page in its own browser context.
type Driver struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	logger  *zap.Logger
}

var _ browser.Driver = (*Driver)(nil)

func (d *Driver) Navigate(ctx context.Context, url string) error {
	return do(ctx, func() error {
		_, err := d.page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad})
		return err
	})
}

func (d *Driver) SetCookie(ctx context.Context, cookie browser.Cookie) error {
	return do(ctx, func() error {
		return d.context.AddCookies([]playwright.OptionalCookie{{
			Name:  cookie.Name,
			Value: cookie.Value,
			URL:   playwright.String(d.page.URL()),
		}})
	})
}

func (d *Driver) Evaluate(ctx context.Context, expression string, out any) error {
	v, err := call(ctx, func() (any, error) { return d.page.Evaluate(expression) })
	if err != nil || out == nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode evaluation result: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// ExecuteScript passes the script as a function body, which playwright invokes.
func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	return d.Evaluate(ctx, "() => {\n"+script+"\n}", nil)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	return call(ctx, func() ([]byte, error) { return d.page.Screenshot() })
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	return call(ctx, d.page.Content)
}

func (d *Driver) CurrentURL(context.Context) (string, error) {
	return d.page.URL(), nil
}

// Quit closes the browser context and the browser, which for a remote
// browser only drops the connection.
func (d *Driver) Quit(ctx context.Context) error {
	return do(ctx, func() error {
		if err := d.context.Close(); err != nil {
			d.logger.Debug("Browser context close failed.", zap.Error(err))
		}
		return d.browser.Close()
	})
}
