package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/pool"
)

const maxRequestBody = 1 << 20

// renderRequest is the body of POST /v1/render.
type renderRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Cookies map[string]string `json:"cookies,omitempty"`

	// Browser defaults to true; false asks the gate to pass the request through.
	Browser     *bool     `json:"browser,omitempty"`
	WaitFor     *waitSpec `json:"wait_for,omitempty"`
	WaitTimeout string    `json:"wait_timeout,omitempty"`
	Sleep       string    `json:"sleep,omitempty"`
	Screenshot  bool      `json:"screenshot,omitempty"`
	Script      string    `json:"script,omitempty"`
}

// waitSpec names exactly one readiness condition.
type waitSpec struct {
	Selector      string `json:"selector,omitempty"`
	TitleContains string `json:"title_contains,omitempty"`
	URLContains   string `json:"url_contains,omitempty"`
	Script        string `json:"script,omitempty"`
	DocumentReady bool   `json:"document_ready,omitempty"`
}

// renderResponse answers both rendered and downloaded requests. StatusCode
// is only known for downloads; SessionID only for renders.
type renderResponse struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	Screenshot []byte `json:"screenshot,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Rendered   bool   `json:"rendered"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Step   string `json:"step,omitempty"`
}

// decodeRenderRequest parses and validates a render body.
func decodeRenderRequest(r io.Reader) (*fetch.Request, error) {
	var body renderRequest
	dec := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return body.toFetchRequest()
}

func (b *renderRequest) toFetchRequest() (*fetch.Request, error) {
	u, err := url.Parse(b.URL)
	if err != nil {
		return nil, fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("url: %q is not an absolute http(s) URL", b.URL)
	}

	req := &fetch.Request{URL: u.String(), Cookies: b.Cookies}
	if len(b.Headers) > 0 {
		req.Header = make(http.Header, len(b.Headers))
		for k, v := range b.Headers {
			req.Header.Set(k, v)
		}
	}
	if b.Browser != nil && !*b.Browser {
		return req, nil
	}

	opts := &fetch.Options{Screenshot: b.Screenshot, Script: b.Script}
	if opts.WaitTimeout, err = parseDuration("wait_timeout", b.WaitTimeout); err != nil {
		return nil, err
	}
	if opts.Sleep, err = parseDuration("sleep", b.Sleep); err != nil {
		return nil, err
	}
	if b.WaitFor != nil {
		if opts.WaitCondition, err = b.WaitFor.condition(); err != nil {
			return nil, err
		}
	}
	req.Browser = opts
	return req, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", field)
	}
	return d, nil
}

func (w *waitSpec) condition() (browser.Condition, error) {
	var conds []browser.Condition
	if w.Selector != "" {
		conds = append(conds, browser.ElementPresent(w.Selector))
	}
	if w.TitleContains != "" {
		conds = append(conds, browser.TitleContains(w.TitleContains))
	}
	if w.URLContains != "" {
		conds = append(conds, browser.URLContains(w.URLContains))
	}
	if w.Script != "" {
		conds = append(conds, browser.ScriptTrue(w.Script))
	}
	if w.DocumentReady {
		conds = append(conds, browser.DocumentReady())
	}
	if len(conds) != 1 {
		return nil, fmt.Errorf("wait_for: exactly one condition is required, got %d", len(conds))
	}
	return conds[0], nil
}

// statusFor maps a gate error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, browser.ErrWaitTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, browser.ErrNavigation), errors.Is(err, browser.ErrDriverCommunication):
		return http.StatusBadGateway
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, pool.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErrorResponse(status int, err error) errorResponse {
	resp := errorResponse{Error: err.Error(), Status: status}
	var stepErr *fetch.StepError
	if errors.As(err, &stepErr) {
		resp.Step = string(stepErr.Step)
	}
	return resp
}
