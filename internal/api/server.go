// Package api exposes the engine over HTTP: event ingestion, alert and
// incident queries, response approval, and operational endpoints. Routing is
// the standard library mux with method-qualified patterns; every request
// passes through the CORS → logging → rate limit → auth middleware chain.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/sentra-project/sentra/internal/core"
)

// Server is the HTTP API front end.
type Server struct {
	logger    zerolog.Logger
	holder    *core.ConfigHolder
	pipeline  *core.Pipeline
	store     *core.AlertStore
	incidents *core.IncidentManager
	responses *core.ResponseEngine
	blocklist *core.Blocklist
	bus       *core.EventBus
	registry  *prometheus.Registry

	limiter     *core.RateLimiter
	respLimiter *core.RateLimiter

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer wires the API over the engine components. bus may be nil.
func NewServer(
	logger zerolog.Logger,
	holder *core.ConfigHolder,
	pipeline *core.Pipeline,
	store *core.AlertStore,
	incidents *core.IncidentManager,
	responses *core.ResponseEngine,
	blocklist *core.Blocklist,
	bus *core.EventBus,
	registry *prometheus.Registry,
) *Server {
	rl := holder.Current().Server.RateLimit
	return &Server{
		logger:      logger.With().Str("component", "api").Logger(),
		holder:      holder,
		pipeline:    pipeline,
		store:       store,
		incidents:   incidents,
		responses:   responses,
		blocklist:   blocklist,
		bus:         bus,
		registry:    registry,
		limiter:     core.NewRateLimiter(rl.Window, rl.MaxPerKey),
		respLimiter: core.NewRateLimiter(rl.Window, rl.MaxPerKeyResp),
		startedAt:   time.Now(),
	}
}

// Handler returns the full route table wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.corsMiddleware(s.loggingMiddleware(s.rateLimitMiddleware(s.authMiddleware(mux))))
}

// Start begins serving. Blocks until the listener fails or ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.holder.Current().Server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/events", s.handleIngestEvent)

	mux.HandleFunc("GET /api/v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /api/v1/alerts/{id}", s.handleGetAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/status", s.handleAlertStatus)

	mux.HandleFunc("GET /api/v1/incidents", s.handleListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", s.handleGetIncident)
	mux.HandleFunc("POST /api/v1/incidents/{id}/resolve", s.handleResolveIncident)

	mux.HandleFunc("GET /api/v1/responses", s.handleListResponses)
	mux.HandleFunc("GET /api/v1/responses/pending", s.handlePendingResponses)
	mux.HandleFunc("GET /api/v1/responses/{id}", s.handleGetResponse)
	mux.HandleFunc("POST /api/v1/responses/{id}/approve", s.handleApproveResponse)
	mux.HandleFunc("POST /api/v1/responses/{id}/reject", s.handleRejectResponse)

	mux.HandleFunc("GET /api/v1/blocklist", s.handleBlocklist)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	mux.HandleFunc("POST /api/v1/reload", s.handleReload)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

// corsMiddleware allows browser dashboards to call the API.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// rateLimitMiddleware applies the fixed-window limiter per API key (falling
// back to remote address). Health and metrics are exempt so probes and
// scrapers are never throttled.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.holder.Current().Server.RateLimit.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.RemoteAddr
		}
		if !s.limiter.Allow(key) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type principalKey struct{}

// authMiddleware resolves the API key to a principal and stores it on the
// request context. Health and metrics stay open; everything else requires a
// valid key when principals are configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		cfg := s.holder.Current()
		if !cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		principal := cfg.LookupPrincipal(r.Header.Get("X-API-Key"))
		if principal == nil {
			s.auditDenial(r)
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// auditDenial records a rejected authentication attempt. Denials are security
// events in their own right; they go to the audit stream, never back into the
// detection pipeline.
func (s *Server) auditDenial(r *http.Request) {
	s.logger.Warn().
		Str("path", r.URL.Path).
		Str("remote", r.RemoteAddr).
		Msg("request rejected: invalid API key")
	if s.bus == nil {
		return
	}
	entry := map[string]string{
		"path":   r.URL.Path,
		"method": r.Method,
		"remote": r.RemoteAddr,
	}
	if err := s.bus.PublishAudit("auth.denied", entry); err != nil {
		s.logger.Debug().Err(err).Msg("publishing auth denial")
	}
}

// principalFrom returns the authenticated principal, or nil when auth is
// disabled.
func principalFrom(r *http.Request) *core.PrincipalConfig {
	p, _ := r.Context().Value(principalKey{}).(*core.PrincipalConfig)
	return p
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
