// Package server exposes the HTTP surface of the service: loan applications,
// collateral top-ups, loan listings, health and metrics. Handlers translate
// lifecycle errors into status codes and never touch storage directly.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loand/lifecycle"
	"loand/observability"
	"loand/observability/logging"
	"loand/storage"
)

const (
	maxRequestBody      = 1 << 20
	defaultHTTPTimeout  = 10 * time.Second
	shutdownGracePeriod = 5 * time.Second
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Server hosts the public API.
type Server struct {
	cfg    Config
	engine *lifecycle.Engine
	logger *slog.Logger
	now    func() time.Time
	router http.Handler
}

// Option mutates server construction.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a deterministic time source for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs the server and its router.
func New(cfg Config, engine *lifecycle.Engine, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, errors.New("server: lifecycle engine required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultHTTPTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultHTTPTimeout
	}
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: slog.Default().With("component", "server"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s, nil
}

// Handler exposes the configured router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Post("/loan-applications", s.handleApplication)
	r.Post("/collateral-top-ups", s.handleTopUp)
	r.Get("/loans", s.handleListLoans)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "loand.http")
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		observability.HTTPMetrics().Observe(route, r.Method, ww.Status(), time.Since(start))
	})
}

type acceptedResponse struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
	Accepted  bool      `json:"accepted"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type duplicateResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

func (s *Server) handleApplication(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ApplicationRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("application received",
		"requestId", req.RequestID,
		"loanId", req.LoanID,
		logging.MaskField("borrowerId", req.BorrowerID))
	if _, err := s.engine.SubmitApplication(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		RequestID: req.RequestID,
		Timestamp: s.now().UTC(),
		Accepted:  true,
	})
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.TopUpRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.logger.Debug("top-up received",
		"requestId", req.RequestID,
		"loanId", req.LoanID,
		logging.MaskField("borrowerId", req.BorrowerID))
	if _, err := s.engine.SubmitTopUp(r.Context(), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, acceptedResponse{
		RequestID: req.RequestID,
		Timestamp: s.now().UTC(),
		Accepted:  true,
	})
}

func (s *Server) handleListLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := s.engine.ListLoans(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if loans == nil {
		loans = []storage.Loan{}
	}
	s.writeJSON(w, http.StatusOK, loans)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *lifecycle.DuplicateError
	switch {
	case errors.As(err, &dup):
		s.writeJSON(w, http.StatusConflict, duplicateResponse{
			Error:     "request already processed",
			RequestID: dup.Record.RequestID,
			Outcome:   dup.Record.Outcome,
			Detail:    dup.Record.Detail,
		})
	case errors.Is(err, lifecycle.ErrValidation):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, storage.ErrLoanNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "loan not found"})
	case errors.Is(err, lifecycle.ErrBorrowerMismatch), errors.Is(err, storage.ErrFrozen):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, lifecycle.ErrConflict):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err.Error())
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err.Error())
	}
}
