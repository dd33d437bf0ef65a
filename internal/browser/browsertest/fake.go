// Package browsertest provides an in-memory browser.Driver for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

// ErrNotFound is returned when navigating to a URL with no registered page.
var ErrNotFound = errors.New("browsertest: net::ERR_NAME_NOT_RESOLVED")

// PNGHeader prefixes every fake screenshot.
var PNGHeader = []byte("\x89PNG\r\n\x1a\n")

// Page is a canned document served by the fake browser.
type Page struct {
	Title string
	Body  string
	// RedirectTo makes the page behave like a server side redirect.
	RedirectTo string
	// Selectors lists the CSS selectors that match an element on this page.
	Selectors []string
}

// Site maps URLs to pages. It is shared by every driver of a Launcher.
type Site map[string]Page

var (
	titleAssign = regexp.MustCompile(`document\.title\s*=\s*(["'])(.*?)["']`)
	querySel    = regexp.MustCompile(`^document\.querySelector\((".*")\) !== null$`)
)

// Driver is a fake browser.Driver. The zero value is not usable; use NewDriver.
type Driver struct {
	mu        sync.Mutex
	site      Site
	url       string
	title     string
	body      string
	selectors []string
	cookies   []browser.Cookie
	userAgent string
	calls     []string
	quits     int

	// Fail, when set, is consulted before every operation. A non-nil
	// return value fails the operation.
	Fail func(op, arg string) error
	// NavigateDelay blocks Navigate for the given duration or until ctx is done.
	NavigateDelay time.Duration
}

var (
	_ browser.Driver          = (*Driver)(nil)
	_ browser.UserAgentSetter = (*Driver)(nil)
)

// NewDriver returns a driver serving site, positioned on about:blank.
func NewDriver(site Site) *Driver {
	return &Driver{site: site, url: browser.BlankURL}
}

func (d *Driver) record(op, arg string) error {
	d.calls = append(d.calls, strings.TrimSpace(op+" "+arg))
	if d.Fail != nil {
		return d.Fail(op, arg)
	}
	return nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if d.NavigateDelay > 0 {
		select {
		case <-time.After(d.NavigateDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("navigate", url); err != nil {
		return err
	}
	if url == browser.BlankURL {
		d.url, d.title, d.body, d.selectors = url, "", "", nil
		return nil
	}
	page, ok := d.site[url]
	for hops := 0; ok && page.RedirectTo != "" && hops < 10; hops++ {
		url = page.RedirectTo
		page, ok = d.site[url]
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	d.url, d.title, d.body, d.selectors = url, page.Title, page.Body, page.Selectors
	return nil
}

func (d *Driver) SetCookie(_ context.Context, cookie browser.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("cookie", cookie.Name); err != nil {
		return err
	}
	d.cookies = append(d.cookies, cookie)
	return nil
}

func (d *Driver) Evaluate(_ context.Context, expression string, out any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("evaluate", expression); err != nil {
		return err
	}
	var value any
	switch {
	case expression == "document.title":
		value = d.title
	case expression == "document.readyState":
		value = "complete"
	case expression == "location.href":
		value = d.url
	case querySel.MatchString(expression):
		var sel string
		if err := json.UnmarshalFromString(querySel.FindStringSubmatch(expression)[1], &sel); err != nil {
			return err
		}
		value = d.hasSelector(sel)
	case strings.HasPrefix(expression, "Boolean("):
		inner := strings.TrimSuffix(strings.TrimPrefix(expression, "Boolean("), ")")
		value = inner == "true" || inner == "1"
	default:
		return fmt.Errorf("browsertest: unsupported expression %q", expression)
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (d *Driver) hasSelector(sel string) bool {
	for _, s := range d.selectors {
		if s == sel {
			return true
		}
	}
	return false
}

// ExecuteScript understands title assignments; anything else is recorded and ignored.
func (d *Driver) ExecuteScript(_ context.Context, script string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("execute", script); err != nil {
		return err
	}
	if m := titleAssign.FindStringSubmatch(script); m != nil {
		d.title = m[2]
	}
	return nil
}

func (d *Driver) Screenshot(context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("screenshot", ""); err != nil {
		return nil, err
	}
	return append(append([]byte{}, PNGHeader...), d.url...), nil
}

func (d *Driver) PageSource(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("source", ""); err != nil {
		return "", err
	}
	return fmt.Sprintf("<html><head><title>%s</title></head><body>%s</body></html>",
		html.EscapeString(d.title), d.body), nil
}

func (d *Driver) CurrentURL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("url", ""); err != nil {
		return "", err
	}
	return d.url, nil
}

func (d *Driver) SetUserAgent(_ context.Context, userAgent string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.record("useragent", userAgent); err != nil {
		return err
	}
	d.userAgent = userAgent
	return nil
}

func (d *Driver) Quit(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quits++
	return d.record("quit", "")
}

// Calls returns the operations performed so far, in order.
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Driver) URL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.url
}

func (d *Driver) Cookies() []browser.Cookie {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.Cookie(nil), d.cookies...)
}

func (d *Driver) UserAgent() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userAgent
}

func (d *Driver) Quits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quits
}

// Basic hides the optional capabilities of a driver, such as UserAgentSetter.
type Basic struct {
	browser.Driver
}

// Launcher hands out fake drivers.
type Launcher struct {
	mu       sync.Mutex
	site     Site
	drivers  []*Driver
	closed   bool
	failAt   int
	basic    bool
	onLaunch func(*Driver)
}

var _ browser.Launcher = (*Launcher)(nil)

// LauncherOption configures a Launcher.
type LauncherOption func(*Launcher)

// FailAt makes the n-th launch (1 based) fail with browser.ErrDriverConstruction.
func FailAt(n int) LauncherOption {
	return func(l *Launcher) { l.failAt = n }
}

// WithoutUserAgent launches drivers that do not implement UserAgentSetter.
func WithoutUserAgent() LauncherOption {
	return func(l *Launcher) { l.basic = true }
}

// OnLaunch is invoked with every driver before it is returned.
func OnLaunch(fn func(*Driver)) LauncherOption {
	return func(l *Launcher) { l.onLaunch = fn }
}

func NewLauncher(site Site, opts ...LauncherOption) *Launcher {
	l := &Launcher{site: site}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Launcher) Launch(ctx context.Context) (browser.Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	attempt := len(l.drivers) + 1
	if l.failAt == attempt {
		l.failAt = 0
		return nil, fmt.Errorf("%w: launch %d refused", browser.ErrDriverConstruction, attempt)
	}
	d := NewDriver(l.site)
	if l.onLaunch != nil {
		l.onLaunch(d)
	}
	l.drivers = append(l.drivers, d)
	if l.basic {
		return Basic{d}, nil
	}
	return d, nil
}

func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Drivers returns every driver launched so far.
func (l *Launcher) Drivers() []*Driver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Driver(nil), l.drivers...)
}

func (l *Launcher) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// TotalQuits sums Quit calls across every launched driver.
func (l *Launcher) TotalQuits() int {
	n := 0
	for _, d := range l.Drivers() {
		n += d.Quits()
	}
	return n
}
