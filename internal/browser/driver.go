// File: internal/browser/driver.go
package browser

import (
	"context"
)

// BlankURL is the neutral target every session is reset to before it is reused.
const BlankURL = "about:blank"

// Cookie is a single name/value pair injected into the current browsing context.
type Cookie struct {
	Name  string
	Value string
}

// Driver is the opaque handle to one browser controlled by an automation backend.
// Implementations are not required to be safe for concurrent use; a Session
// is leased to a single caller at a time.
type Driver interface {
	// Navigate loads url in the current tab and returns once the load committed.
	Navigate(ctx context.Context, url string) error
	// SetCookie adds a cookie scoped to the currently loaded document.
	SetCookie(ctx context.Context, cookie Cookie) error
	// Evaluate runs a JavaScript expression and decodes its result into out.
	Evaluate(ctx context.Context, expression string, out any) error
	// ExecuteScript runs script as a statement body. Its result is discarded.
	ExecuteScript(ctx context.Context, script string) error
	// Screenshot captures the visible viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// PageSource returns the serialized DOM of the current document.
	PageSource(ctx context.Context) (string, error)
	// CurrentURL returns the URL of the current document after redirects.
	CurrentURL(ctx context.Context) (string, error)
	// Quit terminates the browser. It is called at most once.
	Quit(ctx context.Context) error
}

// UserAgentSetter is implemented by drivers that can override the user agent
// of an already running browser.
type UserAgentSetter interface {
	SetUserAgent(ctx context.Context, userAgent string) error
}

// Launcher creates drivers for one configured backend.
type Launcher interface {
	// Launch starts (or connects to) one browser and returns its driver.
	Launch(ctx context.Context) (Driver, error)
	// Close releases backend wide resources. Drivers must be quit first.
	Close() error
}
