// Package server implements the HTTP dispatcher.
//
// Responsibilities:
//   - Authenticate every request against the paired-device token registry
//   - Enforce the per-IP rate limit and the access-level route table
//   - Record every authorization decision in the audit log
//   - Route to handlers, framing responses buffered or as SSE
//
// Middleware order per request: route match, authentication, rate limit,
// access-control evaluation (with audit write), handler.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torbobase/torbo/internal/access"
	"github.com/torbobase/torbo/internal/audit"
	"github.com/torbobase/torbo/internal/config"
	"github.com/torbobase/torbo/internal/db"
	"github.com/torbobase/torbo/internal/llm/loop"
	"github.com/torbobase/torbo/internal/llm/provider"
	"github.com/torbobase/torbo/internal/llm/provider/local"
	"github.com/torbobase/torbo/internal/metrics"
	"github.com/torbobase/torbo/internal/pairing"
	"github.com/torbobase/torbo/internal/ratelimit"
	"github.com/torbobase/torbo/internal/secrets"
)

// Options carries the long-lived handles the dispatcher depends on.
type Options struct {
	Config     *config.Config
	Settings   *config.Runtime
	Log        *zap.Logger
	Manager    *pairing.Manager
	Limiter    *ratelimit.Limiter
	Audit      *audit.Log
	Store      db.Store
	Secrets    *secrets.Store
	Runner     *loop.Runner
	Supervisor *local.Supervisor
	Providers  []provider.Provider
}

// Server is the HTTP dispatcher.
type Server struct {
	cfg        *config.Config
	settings   *config.Runtime
	log        *zap.Logger
	manager    *pairing.Manager
	registry   *pairing.Registry
	limiter    *ratelimit.Limiter
	auditLog   *audit.Log
	store      db.Store
	secrets    *secrets.Store
	runner     *loop.Runner
	supervisor *local.Supervisor
	providers  []provider.Provider

	events  *eventHub
	routes  []route
	started time.Time

	httpServer *http.Server
	wg         sync.WaitGroup
}

// route maps (method, path prefix) to a handler and its minimum level.
// public routes skip authentication; the table is matched top-down and the
// first hit wins.
type route struct {
	method  string
	prefix  string
	exact   bool
	level   access.Level
	public  bool
	handler http.HandlerFunc
}

// New builds the dispatcher. It does not bind the port; call Start.
func New(opts Options) *Server {
	s := &Server{
		cfg:        opts.Config,
		settings:   opts.Settings,
		log:        opts.Log,
		manager:    opts.Manager,
		registry:   opts.Manager.Registry(),
		limiter:    opts.Limiter,
		auditLog:   opts.Audit,
		store:      opts.Store,
		secrets:    opts.Secrets,
		runner:     opts.Runner,
		supervisor: opts.Supervisor,
		providers:  opts.Providers,
		events:     newEventHub(opts.Log),
		started:    time.Now(),
	}
	s.routes = []route{
		{method: http.MethodGet, prefix: "/health", exact: true, public: true, handler: s.handleHealth},
		{method: http.MethodGet, prefix: "/pair/info", exact: true, public: true, handler: s.handlePairInfo},
		{method: http.MethodPost, prefix: "/pair/auto", exact: true, public: true, handler: s.handlePairAuto},
		{method: http.MethodPost, prefix: "/pair/auth", exact: true, public: true, handler: s.handlePairAuth},
		{method: http.MethodPost, prefix: "/pair", exact: true, public: true, handler: s.handlePair},
		{method: http.MethodGet, prefix: "/metrics", exact: true, public: true, handler: s.handleMetrics},

		{method: http.MethodPost, prefix: "/v1/chat/completions", exact: true, level: access.LevelChat, handler: s.handleChatCompletions},
		{method: http.MethodGet, prefix: "/v1/models", exact: true, level: access.LevelChat, handler: s.handleModels},
		{method: http.MethodGet, prefix: "/v1/dashboard/status", exact: true, level: access.LevelChat, handler: s.handleDashboardStatus},
		{method: http.MethodGet, prefix: "/v1/dashboard/events", exact: true, level: access.LevelChat, handler: s.handleDashboardEvents},
		{method: http.MethodGet, prefix: "/v1/agents", exact: true, level: access.LevelChat, handler: s.handleListAgents},
		{method: http.MethodPost, prefix: "/v1/agents", exact: true, level: access.LevelChat, handler: s.handleCreateAgent},
		{method: http.MethodPut, prefix: "/v1/agents/", level: access.LevelChat, handler: s.handleUpdateAgent},
		{method: http.MethodDelete, prefix: "/v1/agents/", level: access.LevelChat, handler: s.handleDeleteAgent},
		{method: http.MethodGet, prefix: "/v1/config/settings", exact: true, level: access.LevelChat, handler: s.handleGetSettings},
		{method: http.MethodPut, prefix: "/v1/config/settings", exact: true, level: access.LevelChat, handler: s.handlePutSettings},
		{method: http.MethodGet, prefix: "/v1/config/apikeys", exact: true, level: access.LevelChat, handler: s.handleGetAPIKeys},
		{method: http.MethodPut, prefix: "/v1/config/apikeys", exact: true, level: access.LevelChat, handler: s.handlePutAPIKeys},
		{method: http.MethodGet, prefix: "/v1/audit/log", exact: true, level: access.LevelChat, handler: s.handleAuditLog},
		{method: http.MethodGet, prefix: "/v1/pair/devices", exact: true, level: access.LevelChat, handler: s.handleListDevices},
		{method: http.MethodDelete, prefix: "/v1/pair/devices/", level: access.LevelChat, handler: s.handleRevokeDevice},
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	host := "127.0.0.1"
	if s.cfg.Server.LANAccess {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, s.cfg.Server.Port)
}

// Start binds the port and serves until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.Addr(),
		Handler:     s,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.httpServer.Addr, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("http server stopped", zap.Error(err))
		}
	}()
	s.log.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	return nil
}

// Shutdown drains connections and stops the event hub.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.events.close()
	s.wg.Wait()
	return err
}

// ServeHTTP is the dispatcher: route match, auth, rate limit, ACL, handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt, pathKnown := s.match(r)
	if rt == nil {
		if pathKnown {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	ip := ratelimit.ClientIP(r)
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, rt.prefix, fmt.Sprintf("%d", sw.status)).Inc()
	}()

	var device secrets.Device
	if !rt.public {
		token := bearerToken(r)
		d, ok := s.registry.Lookup(token)
		if !ok {
			metrics.AuthRejections.WithLabelValues("unauthorized").Inc()
			s.audit(audit.Entry{
				ClientIP: ip, Method: r.Method, Path: r.URL.Path,
				RequiredLevel: rt.level, Granted: false, Detail: "invalid or expired token",
			})
			writeError(sw, http.StatusUnauthorized, "unauthorized")
			return
		}
		device = d
		s.manager.Touch(token)
	}

	if ok, retryAfter := s.limiter.Allow(ip); !ok {
		metrics.RateLimitRejections.Inc()
		sw.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		writeError(sw, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	if !rt.public {
		agent := s.resolveAgent(r)
		effective := access.Effective(s.settings.Current().AccessLevel, agent.AccessLevel)
		granted := effective >= rt.level
		s.audit(audit.Entry{
			ClientIP: ip, Method: r.Method, Path: r.URL.Path,
			RequiredLevel: rt.level, Granted: granted, DeviceID: device.ID,
		})
		if !granted {
			metrics.AuthRejections.WithLabelValues("access_denied").Inc()
			writeError(sw, http.StatusForbidden, fmt.Sprintf("requires %s access level", rt.level))
			return
		}
	}

	if s.cfg.Server.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(sw, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	rt.handler(sw, r)
}

// match finds the first route for the request. The second return reports
// whether any route matched the path regardless of method.
func (s *Server) match(r *http.Request) (*route, bool) {
	pathKnown := false
	for i := range s.routes {
		rt := &s.routes[i]
		var hit bool
		if rt.exact {
			hit = r.URL.Path == rt.prefix
		} else {
			hit = strings.HasPrefix(r.URL.Path, rt.prefix)
		}
		if !hit {
			continue
		}
		pathKnown = true
		if r.Method == rt.method {
			return rt, true
		}
	}
	return nil, pathKnown
}

// resolveAgent maps the x-torbo-agent-id header to an agent, defaulting to
// the built-in primary persona. Unknown IDs fall back to primary rather than
// failing the request.
func (s *Server) resolveAgent(r *http.Request) *access.Agent {
	id := r.Header.Get("x-torbo-agent-id")
	if id == "" {
		id = access.PrimaryAgentID
	}
	agent, err := s.store.GetAgent(r.Context(), id)
	if err == nil {
		return agent
	}
	if id != access.PrimaryAgentID {
		if agent, err = s.store.GetAgent(r.Context(), access.PrimaryAgentID); err == nil {
			return agent
		}
	}
	defaults := access.DefaultAgents()
	return &defaults[0]
}

// audit records one decision and mirrors it to the dashboard feed.
func (s *Server) audit(e audit.Entry) {
	s.auditLog.Record(e)
	s.events.publish(event{Type: "audit", Payload: e})
}

// trustedNetwork reports whether ip sits on loopback or a configured
// trusted network. Auto-pair is gated on this.
func (s *Server) trustedNetwork(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	if parsed.IsLoopback() {
		return true
	}
	for _, cidr := range s.cfg.Server.TrustedNetworks {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// bearerToken extracts the Authorization bearer token, empty when absent.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards to the underlying writer so SSE streaming works.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack forwards to the underlying writer so websocket upgrades work.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
