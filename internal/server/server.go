// Package server exposes the request gate over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/renderpool/internal/config"
	"github.com/xkilldash9x/renderpool/internal/direct"
	"github.com/xkilldash9x/renderpool/internal/fetch"
	"github.com/xkilldash9x/renderpool/internal/observability"
	"github.com/xkilldash9x/renderpool/internal/pool"
)

// Handler renders fetch requests. *gate.Gate satisfies it.
type Handler interface {
	Handle(ctx context.Context, req *fetch.Request) (*fetch.Result, bool, error)
}

// StatsSource reports pool occupancy for the health endpoint.
type StatsSource interface {
	Stats() pool.Stats
}

// Downloader serves requests the handler passes through. *direct.Fetcher
// satisfies it.
type Downloader interface {
	Fetch(ctx context.Context, req *fetch.Request) (*direct.Response, error)
}

type Server struct {
	cfg        config.ServerConfig
	handler    Handler
	downloader Downloader
	stats      StatsSource
	logger     *zap.Logger
	router     chi.Router
}

type Option func(*Server)

// WithDownloader lets requests with browser:false be fetched without a
// browser. Without one they are rejected with 422.
func WithDownloader(d Downloader) Option {
	return func(s *Server) { s.downloader = d }
}

func New(cfg config.ServerConfig, handler Handler, stats StatsSource, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		stats:   stats,
		logger:  logger.Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/render", s.handleRender)
	})
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeHTTP lets the server be mounted or tested directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on ln until ctx is done, then drains in-flight
// requests within the configured shutdown timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("HTTP server listening.", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server.")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// ListenAndServe binds the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRenderRequest(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	res, handled, err := s.handler.Handle(r.Context(), req)
	if !handled {
		s.download(w, r, req)
		return
	}
	if err != nil {
		s.respondError(w, statusFor(err), err)
		return
	}
	defer func() {
		if err := res.Release(context.WithoutCancel(r.Context())); err != nil {
			s.logger.Warn("Failed to release session after response.",
				zap.String("session_id", res.Session().ID()), zap.Error(err))
		}
	}()

	respondJSON(w, http.StatusOK, renderResponse{
		URL:        res.URL,
		Title:      res.Title(),
		Body:       string(res.Body),
		Screenshot: res.Screenshot,
		SessionID:  res.Session().ID(),
		Rendered:   true,
	})
}

// download serves a passed-through request over plain HTTP.
func (s *Server) download(w http.ResponseWriter, r *http.Request, req *fetch.Request) {
	if s.downloader == nil {
		s.respondError(w, http.StatusUnprocessableEntity, errors.New("request does not ask for browser rendering"))
		return
	}
	resp, err := s.downloader.Fetch(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if r.Context().Err() != nil {
			status = http.StatusServiceUnavailable
		}
		s.respondError(w, status, err)
		return
	}
	respondJSON(w, http.StatusOK, renderResponse{
		URL:        resp.URL,
		Title:      resp.Title(),
		Body:       string(resp.Body),
		StatusCode: resp.StatusCode,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.stats.Stats()
	status := http.StatusOK
	if st.Live == 0 {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, st)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Warn("Render failed.", zap.Int("status", status), zap.Error(err))
	}
	respondJSON(w, status, newErrorResponse(status, err))
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.logger.Debug("Request served.",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
