// Package gateway is the HTTP control surface for a queue manager.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/turnstile/internal/audit"
	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/notify"
	"github.com/basket/turnstile/internal/otel"
	"github.com/basket/turnstile/internal/queue"
	"github.com/basket/turnstile/internal/shared"
	"github.com/basket/turnstile/internal/task"
)

type Config struct {
	Manager *queue.Manager
	Tracker *notify.Tracker // optional
	Audit   *audit.Log      // optional

	Gateway           config.GatewayConfig
	ConfigFingerprint string

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics // optional
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	limiter *RateLimiter
	started time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("subsystem", "gateway")
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("turnstile/gateway")
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		limiter: NewRateLimiter(cfg.Gateway.RateLimit, logger),
		started: time.Now(),
	}
}

// StartBackgroundTasks runs rate limiter eviction until ctx is done.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	go s.limiter.Run(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	r.Use(CORS(s.cfg.Gateway.CORS))
	r.Use(RequireToken(s.cfg.Gateway.AuthToken))
	r.Use(s.limiter.Middleware)
	r.Use(LimitBody(s.cfg.Gateway.MaxBodyBytes))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", s.metricsHandler())

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Post("/", s.handleAddTask)
		r.Get("/{id}", s.handleGetTask)
		r.Delete("/{id}", s.handleRemoveTask)
		r.Post("/{id}/retry", s.handleRetryTask)
	})
	r.Post("/queue/pause", s.handlePause)
	r.Post("/queue/resume", s.handleResume)
	r.Post("/queue/clear", s.handleClearFinished)

	return r
}

// instrument wraps each request in a server span keyed by the chi request
// id and records its duration.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := shared.WithTraceID(r.Context(), middleware.GetReqID(r.Context()))
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(otel.AttrRoute.String(route), otel.AttrHTTPStatus.Int(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrRoute.String(route), otel.AttrHTTPStatus.Int(status)))
		}
		shared.Logger(ctx, s.logger).Debug("request",
			"method", r.Method, "route", route, "status", status, "duration", time.Since(start))
	})
}

func (s *Server) metricsHandler() http.Handler {
	var g prometheus.Gatherer = prometheus.DefaultGatherer
	if s.cfg.Tracker != nil {
		g = s.cfg.Tracker.Registry()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Manager.Stats()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"manager":        st.Name,
		"paused":         st.Paused,
		"conditions_met": st.ConditionsMet,
		"pending_writes": st.PendingWrites,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"queue":              s.cfg.Manager.Stats(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"audit_records":      s.cfg.Audit.Count(),
	}
	if s.cfg.Tracker != nil {
		payload["notification"] = s.cfg.Tracker.Snapshot()
	}
	respondJSON(w, http.StatusOK, payload)
}

type taskList struct {
	Tasks []*task.Task `json:"tasks"`
	Total int          `json:"total"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var want task.State
	if v := r.URL.Query().Get("state"); v != "" {
		st, err := task.ParseState(strings.ToUpper(v))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_state", err.Error())
			return
		}
		want = st
	}
	all := s.cfg.Manager.List()
	out := make([]*task.Task, 0, len(all))
	for _, t := range all {
		if want == "" || t.State == want {
			out = append(out, t)
		}
	}
	respondJSON(w, http.StatusOK, taskList{Tasks: out, Total: len(out)})
}

type addTaskRequest struct {
	ID      string          `json:"id,omitempty"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Kind == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "kind is required")
		return
	}
	t, err := s.cfg.Manager.Add(&task.Task{ID: req.ID, Kind: req.Kind, Payload: req.Payload})
	switch {
	case errors.Is(err, queue.ErrUnknownKind):
		respondError(w, http.StatusBadRequest, "unknown_kind", err.Error())
		return
	case errors.Is(err, queue.ErrTaskExists):
		respondError(w, http.StatusConflict, "task_exists", err.Error())
		return
	case errors.Is(err, queue.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "closed", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.record(r, audit.Entry{Action: "task.add", Subject: t.ID, Detail: "kind=" + t.Kind})
	respondJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.cfg.Manager.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %q not found", id))
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// handleRemoveTask is idempotent: removing an unknown id still answers 204.
func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome := "noop"
	if s.cfg.Manager.Remove(id) {
		outcome = "ok"
	}
	s.record(r, audit.Entry{Action: "task.remove", Subject: id, Outcome: outcome})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.cfg.Manager.Retry(id)
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
		return
	case errors.Is(err, queue.ErrNotFailed):
		respondError(w, http.StatusConflict, "not_failed", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.record(r, audit.Entry{Action: "task.retry", Subject: id})
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, true)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, false)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, paused bool) {
	m := s.cfg.Manager
	action, outcome := "queue.resume", "ok"
	if paused {
		action = "queue.pause"
	}
	if m.Paused() == paused {
		outcome = "noop"
	}
	if paused {
		m.Pause()
	} else {
		m.Resume()
	}
	s.record(r, audit.Entry{Action: action, Subject: m.Name(), Outcome: outcome})
	respondJSON(w, http.StatusOK, map[string]any{"paused": m.Paused()})
}

func (s *Server) handleClearFinished(w http.ResponseWriter, r *http.Request) {
	n := s.cfg.Manager.ClearFinished()
	s.record(r, audit.Entry{Action: "queue.clear", Subject: s.cfg.Manager.Name(), Detail: fmt.Sprintf("removed=%d", n)})
	respondJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *Server) record(r *http.Request, e audit.Entry) {
	e.Remote = r.RemoteAddr
	if err := s.cfg.Audit.Record(r.Context(), e); err != nil {
		shared.Logger(r.Context(), s.logger).Warn("audit write failed", "action", e.Action, "error", err)
	}
}
