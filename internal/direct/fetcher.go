// Package direct downloads requests that the gate passes through, using a
// plain HTTP client instead of a browser.
package direct

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/renderpool/internal/config"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/observability"
)

var (
	ErrBodyTooLarge     = errors.New("response body exceeds the configured limit")
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Response is the outcome of a direct fetch.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	Request    *fetch.Request
}

// Title returns the trimmed text of the first <title> element.
func (r *Response) Title() string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	maxBody int64
	logger  *zap.Logger
}

type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithTransport replaces the network transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Fetcher) {
		if rt != nil {
			f.client.Transport = rt
		}
	}
}

func New(cfg config.DirectConfig, ignoreTLSErrors bool, opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:  zap.NewNop(),
		maxBody: cfg.MaxBodyBytes,
	}
	maxRedirects := cfg.MaxRedirects
	f.client = &http.Client{
		Timeout: cfg.RequestTimeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
			}
			return nil
		},
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("direct")
	if f.client.Transport == nil {
		f.client.Transport = NewTransport(cfg, ignoreTLSErrors, f.logger)
	}
	return f
}

// Fetch performs a GET for req, following redirects and decoding the body.
// Non-2xx statuses are returned as responses, not errors.
func (f *Fetcher) Fetch(ctx context.Context, req *fetch.Request) (*Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", req.URL, err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	names := make([]string, 0, len(req.Cookies))
	for name := range req.Cookies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: req.Cookies[name]})
	}
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		observability.DirectRequests.WithLabelValues(observability.OutcomeDriver).Inc()
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if err := decodeBody(resp); err != nil {
		observability.DirectRequests.WithLabelValues(observability.OutcomeDriver).Inc()
		return nil, fmt.Errorf("decode %s: %w", req.URL, err)
	}
	body, err := f.readBody(resp.Body)
	if err != nil {
		observability.DirectRequests.WithLabelValues(observability.OutcomeDriver).Inc()
		return nil, fmt.Errorf("read %s: %w", req.URL, err)
	}

	observability.DirectRequests.WithLabelValues(observability.OutcomeSuccess).Inc()
	f.logger.Debug("Direct fetch complete.",
		zap.String("url", req.URL),
		zap.String("final_url", resp.Request.URL.String()),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)),
	)
	return &Response{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Request:    req,
	}, nil
}

func (f *Fetcher) readBody(r io.Reader) ([]byte, error) {
	if f.maxBody <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.maxBody)
	}
	return body, nil
}

// Close drops idle keep-alive connections.
func (f *Fetcher) Close() {
	f.client.CloseIdleConnections()
}
