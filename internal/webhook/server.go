package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bookverse/tagd/internal/auth"
	"github.com/bookverse/tagd/internal/dispatch"
	"github.com/bookverse/tagd/internal/tagging"
)

// Lifecycle event types the receiver acts on. Anything else is acknowledged
// and dropped.
const (
	EventPromoted = "promoted"
	EventRollback = "rollback"
	EventTagged   = "tagged"
)

// WebhookEvent is an application lifecycle notification from the registry.
type WebhookEvent struct {
	AppKey      string `json:"app_key"`
	Version     string `json:"version"`
	EventType   string `json:"event_type"`
	FromStage   string `json:"from_stage,omitempty"`
	ToStage     string `json:"to_stage,omitempty"`
	NewTag      string `json:"new_tag,omitempty"`
	PreviousTag string `json:"previous_tag,omitempty"`
}

// Service is the tagging engine surface the receiver schedules work against.
type Service interface {
	EnforceLatest(ctx context.Context, appKey string) error
	Quarantine(ctx context.Context, appKey, version string) error
}

// Dispatcher queues background jobs keyed by application.
type Dispatcher interface {
	Submit(key, name string, job dispatch.Job) error
}

// Server handles HTTP requests for registry lifecycle webhooks.
type Server struct {
	service    Service
	dispatcher Dispatcher
	validator  *auth.Validator
	limiter    *hostLimiter
	log        *slog.Logger
	mux        *http.ServeMux
	httpServer *http.Server
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Service    Service
	Dispatcher Dispatcher
	Validator  *auth.Validator
	RateRPS    float64 // per-host request rate; <= 0 disables limiting
	RateBurst  int
	Log        *slog.Logger
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		service:    cfg.Service,
		dispatcher: cfg.Dispatcher,
		validator:  cfg.Validator,
		limiter:    newHostLimiter(cfg.RateRPS, cfg.RateBurst),
		log:        log,
		mux:        http.NewServeMux(),
	}

	s.mux.HandleFunc("/webhook/apptrust", s.handleEvent)
	s.mux.HandleFunc("/enforce-tagging/", s.handleEnforce)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/auth", s.handleAuthHealth)
	s.mux.HandleFunc("/health/auth/test", s.handleAuthTest)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type statusResponse struct {
	Status  string `json:"status"`
	AppKey  string `json:"app_key,omitempty"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleEvent handles POST /webhook/apptrust.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	if !s.limiter.allow(remoteHost(r), time.Now()) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.authenticate(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer func() { _ = r.Body.Close() }()

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if event.AppKey == "" {
		s.writeError(w, http.StatusBadRequest, "missing app_key")
		return
	}

	if err := s.schedule(event); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status:  "accepted",
		AppKey:  event.AppKey,
		Version: event.Version,
	})
}

// schedule maps an event to background work per the dispatch rules. Events
// that match no rule are acknowledged without scheduling anything.
func (s *Server) schedule(event WebhookEvent) error {
	switch {
	case event.EventType == EventPromoted && strings.EqualFold(event.ToStage, tagging.StageProd):
		s.log.Info("scheduling latest-tag enforcement",
			"app_key", event.AppKey, "version", event.Version, "to_stage", event.ToStage)
		return s.dispatcher.Submit(event.AppKey, "enforce-latest", func(ctx context.Context) error {
			return s.service.EnforceLatest(ctx, event.AppKey)
		})
	case event.EventType == EventRollback:
		if event.Version == "" {
			s.log.Error("rollback event without version, ignoring", "app_key", event.AppKey)
			return nil
		}
		s.log.Info("scheduling quarantine",
			"app_key", event.AppKey, "version", event.Version)
		return s.dispatcher.Submit(event.AppKey, "quarantine", func(ctx context.Context) error {
			return s.service.Quarantine(ctx, event.AppKey, event.Version)
		})
	default:
		s.log.Debug("ignoring event",
			"app_key", event.AppKey, "event_type", event.EventType, "to_stage", event.ToStage)
		return nil
	}
}

// handleEnforce handles POST /enforce-tagging/{app_key}, the manual
// administrative trigger for the same enforcement pass the promoted event runs.
func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}
	appKey := strings.Trim(strings.TrimPrefix(r.URL.Path, "/enforce-tagging/"), "/")
	if appKey == "" || strings.Contains(appKey, "/") {
		s.writeError(w, http.StatusBadRequest, "missing app key in path")
		return
	}
	if !s.limiter.allow(remoteHost(r), time.Now()) {
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if !s.authenticate(w, r) {
		return
	}

	s.log.Info("manual enforcement requested", "app_key", appKey)
	err := s.dispatcher.Submit(appKey, "enforce-latest", func(ctx context.Context) error {
		return s.service.EnforceLatest(ctx, appKey)
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status: "enforcement_scheduled",
		AppKey: appKey,
	})
}

// handleHealth handles GET /health for load balancer checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "tagd"})
}

// handleAuthHealth reports the token validator's configuration and key cache.
func (s *Server) handleAuthHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.validator.Status())
}

// handleAuthTest actively probes the OIDC authority.
func (s *Server) handleAuthTest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.validator.TestConnection(r.Context()))
}

// authenticate enforces the api scope on a request, writing the error
// response itself. Returns false if the caller should stop.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) bool {
	if _, err := s.validator.Authenticate(r, auth.ScopeAPI); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrMissingScope) {
			status = http.StatusForbidden
		}
		s.writeError(w, status, fmt.Sprintf("unauthorized: %v", err))
		return false
	}
	return true
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(statusResponse{
		Status: "error",
		Error:  message,
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
