// Package api serves a read-only JSON view of the session, the error
// channel and the ledger projections.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/projection"
	"github.com/emperorhan/blood-ledger/internal/session"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SessionSource exposes the current wallet session.
type SessionSource interface {
	Session() session.Session
}

// ErrorSource exposes the occupied error slots.
type ErrorSource interface {
	Snapshot() []errchan.Entry
}

type Server struct {
	sessions SessionSource
	errs     ErrorSource
	views    *pinnedViews
	limiter  *RateLimitMiddleware
	logger   *slog.Logger
}

const (
	defaultMaxViews    = 256
	defaultViewIdleTTL = 5 * time.Minute
)

type serverOptions struct {
	maxViews    int
	viewIdleTTL time.Duration
}

type Option func(*serverOptions)

// WithViewLimits bounds how many views the server keeps open and how long
// an unused one stays open. Non-positive values keep the defaults.
func WithViewLimits(maxViews int, idleTTL time.Duration) Option {
	return func(o *serverOptions) {
		if maxViews > 0 {
			o.maxViews = maxViews
		}
		if idleTTL > 0 {
			o.viewIdleTTL = idleTTL
		}
	}
}

func NewServer(sessions SessionSource, errs ErrorSource, builder *projection.Builder, logger *slog.Logger, opts ...Option) *Server {
	o := serverOptions{maxViews: defaultMaxViews, viewIdleTTL: defaultViewIdleTTL}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With("component", "api")
	return &Server{
		sessions: sessions,
		errs:     errs,
		views:    newPinnedViews(builder, o.maxViews, o.viewIdleTTL),
		limiter:  NewRateLimitMiddleware(logger),
		logger:   logger,
	}
}

// Handler returns the HTTP handler with rate limiting and access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("GET /v1/errors", s.handleErrors)
	mux.HandleFunc("GET /v1/views", s.handleListViews)
	mux.HandleFunc("GET /v1/views/{kind}", s.handleView)
	mux.HandleFunc("GET /v1/views/{kind}/{subject}", s.handleView)
	return AccessLog(s.logger, s.limiter.Wrap(mux))
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
// and releases every open view.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("api server shutdown error", "error", err)
		}
	}()
	defer s.Close()

	s.logger.Info("api server started", "addr", addr)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Close releases pinned views and stops the rate limiter sweeper.
func (s *Server) Close() {
	s.views.closeAll()
	s.limiter.Stop()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		s.logger.Warn("failed to write health response", "error", err)
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Session())
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.errs.Snapshot())
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.views.builder.Views())
}

type viewResponse struct {
	View      any            `json:"view"`
	Error     string         `json:"error,omitempty"`
	ErrorKind ledgererr.Kind `json:"error_kind,omitempty"`
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	kind := projection.Kind(r.PathValue("kind"))
	subject := r.PathValue("subject")

	refresh := false
	if raw := r.URL.Query().Get("refresh"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(w, `{"error":"refresh must be a boolean"}`, http.StatusBadRequest)
			return
		}
		refresh = v
	}

	view, release, err := s.views.acquire(kind, subject, r.URL.Query().Get("verified"))
	if errors.Is(err, errTooManyViews) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusServiceUnavailable, viewResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, viewResponse{Error: err.Error()})
		return
	}
	defer release()

	snap, loaded, err := view.load(r.Context(), refresh)
	resp := viewResponse{View: snap}
	status := http.StatusOK
	if err != nil {
		resp.Error = ledgererr.Message(err)
		resp.ErrorKind = ledgererr.KindOf(err)
		if !loaded {
			status = http.StatusBadGateway
		}
		s.logger.Warn("view load failed", "projection", view.key().String(), "error", err)
	}
	writeJSON(w, status, resp)
}
