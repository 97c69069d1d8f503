// Package server wires the router, backend and metrics into one HTTP
// handler: the websocket endpoint, HTTP publishing, health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/router"
	"github.com/rickgao/cable/internal/version"
)

// DefaultPublishEvent is the event name used when a publish request has no
// ?event= parameter.
const DefaultPublishEvent = "message"

// Config configures the HTTP surface.
type Config struct {
	WSPath          string
	PublishPath     string
	MetricsPath     string
	MaxPublishBytes int64
	HealthTimeout   time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		WSPath:          "/ws",
		PublishPath:     "/topics",
		MetricsPath:     "/metrics",
		MaxPublishBytes: 64 * 1024,
		HealthTimeout:   5 * time.Second,
	}
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server is the HTTP handler for cabled.
type Server struct {
	cfg     Config
	backend backend.Backend
	router  *router.Router
	logger  *slog.Logger

	metricsHandler http.Handler
	checks         map[string]HealthCheck

	handler *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler serves h on the metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithHealthCheck adds a named dependency check to /health. A failing check
// marks the server unhealthy.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.checks[name] = check
		}
	}
}

// New creates a Server.
func New(cfg Config, b backend.Backend, r *router.Router, opts ...Option) *Server {
	def := DefaultConfig()
	if cfg.WSPath == "" {
		cfg.WSPath = def.WSPath
	}
	if cfg.PublishPath == "" {
		cfg.PublishPath = def.PublishPath
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = def.MetricsPath
	}
	if cfg.MaxPublishBytes <= 0 {
		cfg.MaxPublishBytes = def.MaxPublishBytes
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = def.HealthTimeout
	}

	s := &Server{
		cfg:     cfg,
		backend: b,
		router:  r,
		logger:  slog.Default(),
		checks:  make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	m := mux.NewRouter()

	// Websocket upgrades only; plain GETs on the path fall through to 404
	m.Path(s.cfg.WSPath).
		Methods(http.MethodGet).
		HeadersRegexp("Connection", "(?i)upgrade", "Upgrade", "(?i)websocket").
		Handler(s.router)

	publish := strings.TrimSuffix(s.cfg.PublishPath, "/") + "/{topic:.+}"
	m.Path(publish).Methods(http.MethodPost).HandlerFunc(s.handlePublish)

	m.Path("/health").Methods(http.MethodGet).HandlerFunc(s.handleHealth)

	if s.metricsHandler != nil {
		m.Path(s.cfg.MetricsPath).Methods(http.MethodGet).Handler(s.metricsHandler)
	}

	return m
}

// publishResponse is the body of a successful publish.
type publishResponse struct {
	EventID   string `json:"event_id"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

// handlePublish publishes the JSON body to every subscriber of the topic.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	if topic == "" {
		sendError(w, http.StatusBadRequest, "topic is required")
		return
	}

	event := r.URL.Query().Get("event")
	if event == "" {
		event = DefaultPublishEvent
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxPublishBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		sendError(w, http.StatusBadRequest, "unable to read body")
		return
	}
	if len(body) == 0 {
		body = []byte("null")
	}
	if !gjson.ValidBytes(body) {
		sendError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	ev := backend.NewEvent(topic, event, json.RawMessage(body), backend.MemberKey{})
	res, err := s.backend.Publish(r.Context(), topic, ev)
	if err != nil {
		s.logger.Error("http publish failed", "topic", topic, "error", err)
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if len(res.Failures) > 0 {
		s.logger.Warn("http publish partially failed",
			"topic", topic,
			"delivered", res.Delivered,
			"failed", len(res.Failures),
		)
	}

	writeJSON(w, http.StatusAccepted, publishResponse{
		EventID:   ev.ID.String(),
		Delivered: res.Delivered,
		Failed:    len(res.Failures),
	})
}

func sendError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// health is the /health response body.
type health struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Components map[string]any `json:"components"`
}

// statser is implemented by backends that expose content stats.
type statser interface {
	Stats() backend.Stats
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthTimeout)
	defer cancel()

	h := health{
		Status:     "healthy",
		Version:    version.Get(),
		Components: make(map[string]any),
	}

	if bs, ok := s.backend.(statser); ok {
		st := bs.Stats()
		h.Components["backend"] = map[string]any{
			"topics":     st.Topics,
			"members":    st.Members,
			"feeds":      st.Feeds,
			"published":  st.Published,
			"failures":   st.Failures,
			"feed_drops": st.FeedDrops,
		}
	}

	if s.router != nil {
		st := s.router.Stats()
		h.Components["router"] = map[string]any{
			"sessions_total":     st.SessionsTotal,
			"sessions_active":    st.SessionsActive,
			"envelopes_received": st.EnvelopesReceived,
			"envelopes_routed":   st.EnvelopesRouted,
			"envelopes_dropped":  st.EnvelopesDropped,
			"protocol_errors":    st.ProtocolErrors,
			"implicit_leaves":    st.ImplicitLeaves,
		}
	}

	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			h.Status = "unhealthy"
			h.Components[name] = map[string]string{
				"status": "disconnected",
				"error":  err.Error(),
			}
			continue
		}
		h.Components[name] = "connected"
	}

	status := http.StatusOK
	if h.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}
