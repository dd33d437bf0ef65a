package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/renderpool/internal/browser"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/service"
)

type fetchOptions struct {
	script        string
	waitSelector  string
	waitTitle     string
	waitTimeout   time.Duration
	sleep         time.Duration
	cookies       map[string]string
	userAgent     string
	screenshotDir string
	noBrowser     bool
}

func newFetchCmd(a *app) *cobra.Command {
	var opts fetchOptions
	fetchCmd := &cobra.Command{
		Use:   "fetch [urls...]",
		Short: "Render each URL in a pooled browser and print its title",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := configFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			components, err := a.factory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize fetch components: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Fetch().ReleaseTimeout)
				defer cancel()
				_ = components.Shutdown(shutdownCtx)
			}()

			if opts.screenshotDir != "" {
				if err := os.MkdirAll(opts.screenshotDir, 0o755); err != nil {
					return fmt.Errorf("create screenshot directory: %w", err)
				}
			}
			return runFetch(ctx, components, args, opts, cfg.Crawler().Concurrency, cmd.OutOrStdout(), logger)
		},
	}

	f := fetchCmd.Flags()
	f.StringVar(&opts.script, "script", "", "JavaScript to run after the page is ready")
	f.StringVar(&opts.waitSelector, "wait-selector", "", "wait until this CSS selector matches")
	f.StringVar(&opts.waitTitle, "wait-title", "", "wait until the title contains this text")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 0, "bound on the wait condition (default from config)")
	f.DurationVar(&opts.sleep, "sleep", 0, "fixed pause after the wait condition")
	f.StringToStringVar(&opts.cookies, "cookie", nil, "cookie to set before rendering, as name=value")
	f.StringVar(&opts.userAgent, "user-agent", "", "User-Agent to present")
	f.StringVar(&opts.screenshotDir, "screenshot-dir", "", "write a PNG per URL into this directory")
	f.BoolVar(&opts.noBrowser, "no-browser", false, "download over plain HTTP instead of rendering")
	fetchCmd.MarkFlagsMutuallyExclusive("wait-selector", "wait-title")
	fetchCmd.MarkFlagsMutuallyExclusive("no-browser", "screenshot-dir")
	return fetchCmd
}

func (o fetchOptions) request(url string) *fetch.Request {
	req := &fetch.Request{
		URL:     url,
		Cookies: o.cookies,
		Browser: &fetch.Options{
			WaitTimeout: o.waitTimeout,
			Sleep:       o.sleep,
			Screenshot:  o.screenshotDir != "",
			Script:      o.script,
		},
	}
	switch {
	case o.waitSelector != "":
		req.Browser.WaitCondition = browser.ElementPresent(o.waitSelector)
	case o.waitTitle != "":
		req.Browser.WaitCondition = browser.TitleContains(o.waitTitle)
	}
	if o.userAgent != "" {
		req.Header = http.Header{"User-Agent": []string{o.userAgent}}
	}
	if o.noBrowser {
		req.Browser = nil
	}
	return req
}

// runFetch renders urls with at most concurrency in flight. Every result is
// released as soon as its title has been printed.
func runFetch(ctx context.Context, c *service.Components, urls []string, opts fetchOptions, concurrency int, out io.Writer, logger *zap.Logger) error {
	var (
		mu     sync.Mutex
		failed int
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(max(concurrency, 1))

	for i, url := range urls {
		eg.Go(func() error {
			if err := fetchOne(egCtx, c, i, url, opts, out, &mu, logger); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				logger.Warn("Fetch failed.", zap.String("url", url), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d fetches failed", failed, len(urls))
	}
	return nil
}

func fetchOne(ctx context.Context, c *service.Components, i int, url string, opts fetchOptions, out io.Writer, mu *sync.Mutex, logger *zap.Logger) error {
	req := opts.request(url)
	res, handled, err := c.Gate.Handle(ctx, req)
	if !handled {
		return download(ctx, c, req, out, mu, logger)
	}
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Release(ctx); err != nil {
			logger.Warn("Failed to release session.", zap.String("url", url), zap.Error(err))
		}
	}()

	title := res.Title()
	logger.Info("Rendered page.", zap.String("url", url), zap.String("final_url", res.URL), zap.String("title", title))

	if opts.screenshotDir != "" && len(res.Screenshot) > 0 {
		path := filepath.Join(opts.screenshotDir, fmt.Sprintf("page-%03d.png", i))
		if err := os.WriteFile(path, res.Screenshot, 0o644); err != nil {
			return fmt.Errorf("write screenshot for %s: %w", url, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	_, err = fmt.Fprintf(out, "%s\t%s\n", res.URL, title)
	return err
}

func download(ctx context.Context, c *service.Components, req *fetch.Request, out io.Writer, mu *sync.Mutex, logger *zap.Logger) error {
	if c.Direct == nil {
		return errors.New("no direct fetcher configured")
	}
	resp, err := c.Direct.Fetch(ctx, req)
	if err != nil {
		return err
	}
	title := resp.Title()
	logger.Info("Downloaded page.", zap.String("url", req.URL), zap.Int("status", resp.StatusCode), zap.String("title", title))

	mu.Lock()
	defer mu.Unlock()
	_, err = fmt.Fprintf(out, "%s\t%s\n", resp.URL, title)
	return err
}
