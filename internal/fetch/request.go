// File: internal/fetch/request.go
package fetch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

// Step names one stage of the fulfillment protocol.
type Step string

// Steps in execution order.
const (
	StepNavigate   Step = "navigate"
	StepCookies    Step = "cookies"
	StepWait       Step = "wait"
	StepSleep      Step = "sleep"
	StepScreenshot Step = "screenshot"
	StepScript     Step = "script"
	StepHarvest    Step = "harvest"
)

// Options are the browser specific parts of a request.
type Options struct {
	// WaitCondition, if set, must hold before the page is harvested.
	WaitCondition browser.Condition
	// WaitTimeout bounds WaitCondition. Zero selects the executor default.
	WaitTimeout time.Duration
	// Sleep is an unconditional pause after the wait.
	Sleep time.Duration
	// Screenshot requests a PNG of the rendered page.
	Screenshot bool
	// Script runs in the page after the screenshot. Its result is discarded.
	Script string
}

// Request is a fetch request. It must not be modified once submitted.
type Request struct {
	URL     string
	Header  http.Header
	Cookies map[string]string
	// Browser marks the request for browser fulfillment. Requests without it
	// pass through to the caller's regular HTTP client.
	Browser *Options
}

// NeedsBrowser reports whether the request asks for browser fulfillment.
func (r *Request) NeedsBrowser() bool {
	return r != nil && r.Browser != nil
}

// UserAgent returns the User-Agent header, if any.
func (r *Request) UserAgent() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return r.Header.Get("User-Agent")
}

// StepError reports the protocol step that failed. Err wraps one of the
// browser package sentinels, or a context error.
type StepError struct {
	Step Step
	URL  string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
