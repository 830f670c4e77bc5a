package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/iannil/code-coder-sub001/internal/agents"
	"github.com/iannil/code-coder-sub001/internal/config"
	"github.com/iannil/code-coder-sub001/internal/observability"
	"github.com/iannil/code-coder-sub001/internal/stream"
	"github.com/iannil/code-coder-sub001/internal/taskruntime"
	"github.com/iannil/code-coder-sub001/internal/tasks"
)

type TaskService interface {
	Submit(ctx context.Context, req taskruntime.SubmitRequest) (tasks.Task, error)
	Get(taskID string) (tasks.Task, error)
	List() []tasks.Task
	Stats() tasks.Stats
	Delete(taskID string) error
	Interact(ctx context.Context, taskID string, req taskruntime.InteractRequest) (tasks.Task, error)
}

type Streamer interface {
	Run(ctx context.Context, taskID string, sink stream.Sink) error
}

type AgentLister interface {
	List() []agents.Agent
}

type Options struct {
	Config    config.Config
	Tasks     TaskService
	Streams   Streamer
	Agents    AgentLister
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	StoreMode string
	// Ready reports whether backing stores are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	cfg       config.Config
	tasks     TaskService
	streams   Streamer
	agents    AgentLister
	metrics   *observability.Metrics
	logger    *slog.Logger
	storeMode string
	ready     func(ctx context.Context) error
	upgrader  websocket.Upgrader
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	storeMode := strings.TrimSpace(opts.StoreMode)
	if storeMode == "" {
		storeMode = "in-memory"
	}
	cfg := opts.Config
	return &Server{
		cfg:       cfg,
		tasks:     opts.Tasks,
		streams:   opts.Streams,
		agents:    opts.Agents,
		metrics:   opts.Metrics,
		logger:    logger,
		storeMode: storeMode,
		ready:     opts.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only open a task stream from the same origin
				// unless explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	submitLimit := RateLimitMiddleware(RateLimitConfig{
		RequestsPerMinute: s.cfg.SubmitRatePerMinute,
		Burst:             s.cfg.SubmitBurst,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/agents", s.handleListAgents)
		r.Route("/tasks", func(r chi.Router) {
			r.With(submitLimit).Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/{id}", s.handleGetTask)
			r.Delete("/{id}", s.handleDeleteTask)
			r.Get("/{id}/events", s.handleTaskEvents)
			r.Get("/{id}/ws", s.handleTaskWS)
			r.Post("/{id}/interact", s.handleInteract)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"store_mode": s.storeMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode,
		"tasks":      s.tasks.Stats(),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	var list []agents.Agent
	if s.agents != nil {
		list = s.agents.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": list})
}

// envelope is the JSON shape of every /api/v1 response body.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: status < 400, Data: v})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: message, Code: code})
}

// errorStatus maps service errors onto a status code and error code.
func errorStatus(err error) (int, string) {
	var verr *taskruntime.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, tasks.ErrInvalidTaskState):
		return http.StatusBadRequest, "invalid_task_state"
	case errors.Is(err, taskruntime.ErrNoPendingConfirmation):
		return http.StatusBadRequest, "no_pending_confirmation"
	case errors.Is(err, taskruntime.ErrQueueFull):
		return http.StatusServiceUnavailable, "queue_full"
	case errors.Is(err, taskruntime.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func respondTaskError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	respondError(w, status, code, err.Error())
}
