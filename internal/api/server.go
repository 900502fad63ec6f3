// Package api serves channel history and channel resolution over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"schoolchat/internal/observability"
	"schoolchat/internal/websocket"
	"schoolchat/pkg/channel"
	"schoolchat/pkg/errutil"
	"schoolchat/pkg/interfaces"
)

// Registry is the slice of the presence registry the API reports on.
type Registry interface {
	Stats() websocket.RegistryStats
}

// Options configures a Server.
type Options struct {
	// RetryAfter is advertised when the store is unavailable.
	RetryAfter time.Duration
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

// Server is the HTTP surface next to the websocket hub. It holds no
// business logic; history ordering lives in the store.
type Server struct {
	store    interfaces.MessageStore
	registry Registry
	router   *http.ServeMux
	opts     Options
	logger   *slog.Logger
	metrics  *observability.Metrics
	started  time.Time
}

func NewServer(store interfaces.MessageStore, registry Registry, opts Options) *Server {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    store,
		registry: registry,
		router:   http.NewServeMux(),
		opts:     opts,
		logger:   logger.With("component", "api"),
		metrics:  opts.Metrics,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/channels/{channelId}/messages", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleHistory))))
	s.router.Handle("/api/channels/resolve", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleResolve))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ResolveResponse struct {
	GroupChannelID string `json:"groupChannelId"`
	YearChannelID  string `json:"yearChannelId"`
}

type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Store       string                  `json:"store"`
	Connections websocket.RegistryStats `json:"connections"`
	System      SystemInfo              `json:"system"`
}

type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heapBytes"`
	Uptime     string `json:"uptime"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// handleHistory serves GET /api/channels/{channelId}/messages?limit=N.
// Without limit the whole history is returned, oldest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendStatus(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}

	id, err := channel.Parse(r.PathValue("channelId"))
	if err != nil {
		s.recordHistory(http.StatusBadRequest)
		s.sendError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.recordHistory(http.StatusBadRequest)
			s.sendError(w, errutil.Validation(errutil.CodeValidation, "limit must be a non-negative integer"))
			return
		}
	}

	messages, err := s.store.History(r.Context(), id.String(), limit)
	if err != nil {
		errutil.LogError(s.logger, "history request failed", err, "channel_id", id.String())
		s.sendError(w, err)
		return
	}

	s.recordHistory(http.StatusOK)
	_ = json.NewEncoder(w).Encode(messages)
}

// handleResolve maps a user profile to its group and year channel ids.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendStatus(w, http.StatusMethodNotAllowed, "", "method not allowed")
		return
	}
	var profile channel.Profile
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&profile); err != nil {
		s.sendStatus(w, http.StatusBadRequest, errutil.CodeValidation, "invalid JSON")
		return
	}
	group, year, err := channel.FromProfile(profile)
	if err != nil {
		s.sendError(w, err)
		return
	}
	_ = json.NewEncoder(w).Encode(ResolveResponse{
		GroupChannelID: group.String(),
		YearChannelID:  year.String(),
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, storeStatus := "healthy", "healthy"
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		storeStatus = "unavailable"
		errutil.LogError(s.logger, "store health check failed", err)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now().UTC(),
		Store:       storeStatus,
		Connections: s.registry.Stats(),
		System: SystemInfo{
			Goroutines: runtime.NumGoroutine(),
			HeapBytes:  mem.HeapAlloc,
			Uptime:     time.Since(s.started).Round(time.Second).String(),
		},
	}

	if status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// sendError maps the error taxonomy onto HTTP: validation is 400, a
// store outage is 503 with Retry-After, anything else is 500.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code, message := errutil.Public(err)
	switch {
	case errutil.IsValidation(err):
		s.sendStatus(w, http.StatusBadRequest, code, message)
	case errutil.IsStoreUnavailable(err), errors.Is(err, context.DeadlineExceeded):
		s.recordHistory(http.StatusServiceUnavailable)
		w.Header().Set("Retry-After", strconv.Itoa(int(s.opts.RetryAfter.Seconds())))
		s.sendStatus(w, http.StatusServiceUnavailable, errutil.CodeStoreUnavailable, message)
	default:
		s.sendStatus(w, http.StatusInternalServerError, code, "internal error")
	}
}

func (s *Server) sendStatus(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		Status:    status,
		Code:      code,
		Message:   message,
		Retryable: status == http.StatusServiceUnavailable,
	})
}

func (s *Server) recordHistory(status int) {
	s.metrics.HistoryRequest(strconv.Itoa(status))
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
