// Package rodengine implements browser.Driver on top of go-rod.
package rodengine

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

const defaultStartupTimeout = 60 * time.Second

// Launcher starts one Chrome process per driver, or opens one page on a
// remote browser reachable through a DevTools endpoint.
type Launcher struct {
	opts   browser.LaunchOptions
	logger *zap.Logger
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher(opts browser.LaunchOptions, logger *zap.Logger) (*Launcher, error) {
	if opts.ExecutablePath == "" && opts.RemoteEndpoint == "" {
		return nil, fmt.Errorf("%w: rod needs an executable path or a remote endpoint", browser.ErrDriverConstruction)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{opts: opts, logger: logger.Named("rod")}, nil
}

// newProcessLauncher builds a fresh launcher; a rod launcher can only launch once.
func (l *Launcher) newProcessLauncher() *launcher.Launcher {
	pl := launcher.New().Bin(l.opts.ExecutablePath).Headless(l.opts.Headless)
	for _, f := range l.opts.StartupFlags() {
		switch {
		case f.Off:
			pl = pl.Delete(flags.Flag(f.Name))
		case f.Value == "":
			pl = pl.Set(flags.Flag(f.Name))
		default:
			pl = pl.Set(flags.Flag(f.Name), f.Value)
		}
	}
	return pl.Set("no-sandbox").Set("disable-dev-shm-usage")
}

type launched struct {
	drv *Driver
	err error
}

// Launch starts or connects to a browser and opens a blank page on it.
func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	var proc *launcher.Launcher
	if !l.opts.Remote() {
		proc = l.newProcessLauncher()
	}

	done := make(chan launched, 1)
	go func() {
		drv, err := l.connect(proc)
		done <- launched{drv, err}
	}()

	timer := time.NewTimer(l.opts.StartupTimeout)
	defer timer.Stop()

	var err error
	select {
	case res := <-done:
		if res.err == nil {
			l.logger.Debug("Browser started.", zap.Bool("remote", l.opts.Remote()))
			return res.drv, nil
		}
		err = res.err
	case <-timer.C:
		err = fmt.Errorf("browser did not respond within %s", l.opts.StartupTimeout)
		go discardLate(done)
	case <-ctx.Done():
		err = ctx.Err()
		go discardLate(done)
	}
	if proc != nil {
		proc.Kill()
	}
	return nil, fmt.Errorf("%w: rod: %w", browser.ErrDriverConstruction, err)
}

// discardLate quits a browser whose connect completed after Launch gave up on it.
func discardLate(done <-chan launched) {
	if res := <-done; res.drv != nil {
		_ = res.drv.Quit(context.Background())
	}
}

func (l *Launcher) connect(proc *launcher.Launcher) (*Driver, error) {
	var (
		controlURL string
		err        error
	)
	if proc != nil {
		controlURL, err = proc.Launch()
	} else {
		controlURL, err = launcher.ResolveURL(l.opts.RemoteEndpoint)
	}
	if err != nil {
		return nil, err
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, err
	}
	if l.opts.Remote() && l.opts.IgnoreTLSErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			l.logger.Warn("Remote browser refused to ignore certificate errors.", zap.Error(err))
		}
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: browser.BlankURL})
	if err != nil {
		if proc != nil {
			_ = b.Close()
		}
		return nil, err
	}
	return &Driver{browser: b, page: page, proc: proc, logger: l.logger}, nil
}

func (l *Launcher) Close() error { return nil }

// Driver controls one rod page. For a local browser it also owns the process.
type Driver struct {
	browser *rod.Browser
	page    *rod.Page
	proc    *launcher.Launcher
	logger  *zap.Logger
}

var (
	_ browser.Driver          = (*Driver)(nil)
	_ browser.UserAgentSetter = (*Driver)(nil)
)

func (d *Driver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (d *Driver) SetCookie(ctx context.Context, cookie browser.Cookie) error {
	p := d.page.Context(ctx)
	info, err := p.Info()
	if err != nil {
		return err
	}
	return p.SetCookies([]*proto.NetworkCookieParam{{
		Name:  cookie.Name,
		Value: cookie.Value,
		URL:   info.URL,
	}})
}

func (d *Driver) Evaluate(ctx context.Context, expression string, out any) error {
	res, err := proto.RuntimeEvaluate{
		Expression:    expression,
		ReturnByValue: true,
		AwaitPromise:  true,
	}.Call(d.page.Context(ctx))
	if err != nil {
		return err
	}
	if res.ExceptionDetails != nil {
		return fmt.Errorf("javascript exception: %s", res.ExceptionDetails.Text)
	}
	if out == nil {
		return nil
	}
	return res.Result.Value.Unmarshal(out)
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	return d.Evaluate(ctx, "(() => {\n"+script+"\n})()", nil)
}

func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}

func (d *Driver) PageSource(ctx context.Context) (string, error) {
	return d.page.Context(ctx).HTML()
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, userAgent string) error {
	return d.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: userAgent})
}

// Quit closes the page on a remote browser, or the whole process otherwise.
func (d *Driver) Quit(ctx context.Context) error {
	if d.proc == nil {
		err := d.page.Context(ctx).Close()
		d.logger.Debug("Remote page closed.", zap.Error(err))
		return err
	}
	err := d.browser.Context(ctx).Close()
	if err != nil {
		d.logger.Warn("Graceful browser close failed, killing the process.", zap.Error(err))
		d.proc.Kill()
	}
	d.proc.Cleanup()
	return err
}
