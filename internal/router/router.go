package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/channel"
	"github.com/rickgao/cable/internal/connection"
	"github.com/rickgao/cable/internal/metrics"
)

// leaveTimeout bounds the implicit leaves run when a session ends.
const leaveTimeout = 5 * time.Second

// Router matches inbound envelopes to channel handlers and runs one session
// loop per connection.
type Router struct {
	cfg     Config
	backend backend.Backend
	logger  *slog.Logger
	metrics *metrics.Metrics

	// WebSocket serving
	upgrader     *websocket.Upgrader
	transportCfg connection.TransportConfig

	routesMu sync.RWMutex
	routes   []Route

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	mu             sync.RWMutex
	sessionsTotal  int64
	sessionsActive int64
	received       int64
	routed         int64
	dropped        int64
	protocolErrors int64
	implicitLeaves int64
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records session and envelope metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithUpgrader sets the upgrader used by ServeHTTP.
func WithUpgrader(u *websocket.Upgrader) Option {
	return func(r *Router) {
		if u != nil {
			r.upgrader = u
		}
	}
}

// WithTransportConfig sets the transport config used by ServeHTTP.
func WithTransportConfig(cfg connection.TransportConfig) Option {
	return func(r *Router) {
		r.transportCfg = cfg
	}
}

// New creates a router with an empty route table.
func New(b backend.Backend, cfg Config, opts ...Option) *Router {
	r := &Router{
		cfg:          cfg,
		backend:      b,
		logger:       slog.Default(),
		upgrader:     &websocket.Upgrader{},
		transportCfg: connection.DefaultTransportConfig(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Handle appends a route. Routes are matched in the order they were added.
func (r *Router) Handle(pattern string, f channel.Factory) error {
	p, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("handle %s: nil factory", pattern)
	}

	r.routesMu.Lock()
	r.routes = append(r.routes, Route{Pattern: p, Factory: f})
	r.routesMu.Unlock()
	return nil
}

// Routes returns the route table in match order.
func (r *Router) Routes() []Route {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()
	return slices.Clone(r.routes)
}

// Match returns the first route whose pattern matches topic.
func (r *Router) Match(topic string) (Route, bool) {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	for _, route := range r.routes {
		if route.Pattern.Match(topic) {
			return route, true
		}
	}
	return Route{}, false
}

// ServeHTTP upgrades the request and runs a session on it.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	t := connection.NewWebSocketTransport(w, req, r.upgrader, r.transportCfg, r.logger)
	defer t.Close()

	if err := r.Serve(req.Context(), connection.New(t)); err != nil {
		r.logger.Debug("session ended with error", "remote_addr", req.RemoteAddr, "error", err)
	}
}

// Serve accepts conn and processes envelopes until the peer disconnects,
// ctx is done, the router shuts down or a fatal error occurs. A clean
// disconnect returns nil.
func (r *Router) Serve(ctx context.Context, conn *connection.Connection) error {
	r.wg.Add(1)
	defer r.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(r.ctx, cancel)
	defer stop()

	logger := r.logger.With("conn_id", conn.ID())

	// Shutting down: reject the handshake
	if r.ctx.Err() != nil {
		return conn.Close(ctx, connection.CloseGoingAway, "server shutting down")
	}

	if err := conn.Accept(ctx, r.negotiate(conn.Scope())); err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	s := &session{
		router: r,
		conn:   conn,
		logger: logger,
		joined: make(map[string]*channel.Channel),
	}
	if r.cfg.RateLimit > 0 {
		burst := r.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimit), burst)
	}

	r.sessionOpened()
	logger.Info("session opened", "remote_addr", conn.Scope().RemoteAddr)

	err := s.run(ctx)
	code, reason := closeReason(ctx, err)
	s.teardown(ctx, code)

	r.sessionClosed(reason)
	logger.Info("session closed", "reason", reason, "joined_at_close", s.leftOnClose)

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// Shutdown ends every running session and waits for them to finish or for
// ctx to be done.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("stopping router")
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("router stop timed out", "active_sessions", r.Stats().SessionsActive)
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		SessionsTotal:     r.sessionsTotal,
		SessionsActive:    r.sessionsActive,
		EnvelopesReceived: r.received,
		EnvelopesRouted:   r.routed,
		EnvelopesDropped:  r.dropped,
		ProtocolErrors:    r.protocolErrors,
		ImplicitLeaves:    r.implicitLeaves,
	}
}

// negotiate picks the first requested subprotocol the router supports.
func (r *Router) negotiate(scope connection.Scope) string {
	for _, want := range scope.Subprotocols {
		if slices.Contains(r.cfg.Subprotocols, want) {
			return want
		}
	}
	return ""
}

func (r *Router) sessionOpened() {
	r.mu.Lock()
	r.sessionsTotal++
	r.sessionsActive++
	r.mu.Unlock()
	r.metrics.SessionOpened()
}

func (r *Router) sessionClosed(reason string) {
	r.mu.Lock()
	r.sessionsActive--
	r.mu.Unlock()
	r.metrics.SessionClosed(reason)
}

func (r *Router) count(field *int64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}

// closeReason maps the loop result to a close code and a metrics label.
func closeReason(ctx context.Context, err error) (int, string) {
	switch {
	case err == nil:
		return connection.CloseNormal, "disconnect"
	case ctx.Err() != nil:
		return connection.CloseGoingAway, "shutdown"
	case errors.Is(err, connection.ErrProtocol), errors.Is(err, connection.ErrUnexpectedFrame):
		return connection.CloseProtocolError, "protocol_error"
	default:
		return connection.CloseInternalError, "error"
	}
}
