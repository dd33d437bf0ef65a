package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/renderpool/internal/browser"
)

var (
	// ErrAlreadyReleased is returned when a result's session was already handed back.
	ErrAlreadyReleased = errors.New("fetch: result already released")
	// ErrNoReleaser is returned by Release on a result that is not bound to a pool.
	ErrNoReleaser = errors.New("fetch: result has no releaser")
)

// Releaser takes back the session behind a result.
type Releaser interface {
	Release(ctx context.Context, s *browser.Session) error
}

// Result is a rendered page. It keeps the session leased until Release is called.
type Result struct {
	// URL is the final URL after redirects and script navigation.
	URL        string
	Body       []byte
	Screenshot []byte
	Request    *Request

	session  *browser.Session
	releaser Releaser
	released atomic.Bool
}

// Session returns the session that rendered the result.
func (r *Result) Session() *browser.Session { return r.session }

// Bind routes Release to rel.
func (r *Result) Bind(rel Releaser) { r.releaser = rel }

// Released reports whether Release was called.
func (r *Result) Released() bool { return r.released.Load() }

// Release hands the session back. Only the first call reaches the releaser.
func (r *Result) Release(ctx context.Context) error {
	if r.releaser == nil {
		return ErrNoReleaser
	}
	if !r.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}
	return r.releaser.Release(ctx, r.session)
}

// Refresh re-reads the URL and content from the live session, picking up
// changes made by the page since it was harvested.
func (r *Result) Refresh(ctx context.Context) error {
	if err := r.live(); err != nil {
		return err
	}
	u, body, err := harvest(ctx, r.session)
	if err != nil {
		return &StepError{Step: StepHarvest, URL: r.URL, Err: err}
	}
	r.URL, r.Body = u, body
	return nil
}

// CaptureScreenshot takes a new screenshot and stores it on the result.
func (r *Result) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	if err := r.live(); err != nil {
		return nil, err
	}
	shot, err := r.session.Screenshot(ctx)
	if err != nil {
		return nil, &StepError{Step: StepScreenshot, URL: r.URL, Err: err}
	}
	r.Screenshot = shot
	return shot, nil
}

func (r *Result) live() error {
	if r.session == nil {
		return fmt.Errorf("fetch: result has no session")
	}
	if r.released.Load() {
		return ErrAlreadyReleased
	}
	return nil
}

// Document parses the body for CSS selection.
func (r *Result) Document() (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", r.URL, err)
	}
	return doc, nil
}

// Title returns the trimmed text of the first <title> element.
func (r *Result) Title() string {
	doc, err := r.Document()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func harvest(ctx context.Context, s *browser.Session) (string, []byte, error) {
	u, err := s.CurrentURL(ctx)
	if err != nil {
		return "", nil, err
	}
	content, err := s.Content(ctx)
	if err != nil {
		return "", nil, err
	}
	return u, []byte(content), nil
}
