// Package server exposes the gateway over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/audit"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/gate"
	"github.com/yourorg/authgateway/internal/logger"
	"github.com/yourorg/authgateway/internal/provider"
	"github.com/yourorg/authgateway/internal/token"
)

// AdminRole guards the role management endpoints.
const AdminRole = "admin"

const (
	refreshCookie = "refresh_token"
	stateCookie   = "oauth_state"
	stateTTL      = 10 * time.Minute
	pingTimeout   = 2 * time.Second
)

// Options tunes a Server. Zero values are usable.
type Options struct {
	// CookieSecure marks the refresh and state cookies Secure.
	CookieSecure bool
	// TrustProxyHeaders takes the client address from X-Forwarded-For,
	// X-Real-IP and True-Client-IP. Enable it only behind a proxy that sets
	// them; otherwise clients choose their own rate limit key.
	TrustProxyHeaders bool
	// RefreshTTL is the Max-Age of the refresh cookie.
	RefreshTTL time.Duration
	// Limiter throttles the login and token endpoints when set.
	Limiter *RateLimiter
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
	Auditor  audit.Auditor
}

type Server struct {
	tokens   *token.Service
	dir      directory.Directory
	registry *provider.Registry
	gate     *gate.Gate
	logger   *zap.Logger
	opts     Options
}

// New wires the HTTP surface over the gateway components.
func New(tokens *token.Service, dir directory.Directory, registry *provider.Registry, g *gate.Gate, log *zap.Logger, opts Options) *Server {
	if opts.Auditor == nil {
		opts.Auditor = audit.Nop{}
	}
	return &Server{
		tokens:   tokens,
		dir:      dir,
		registry: registry,
		gate:     g,
		logger:   logger.WithComponent(log, "http"),
		opts:     opts,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/.well-known/jwks.json", s.handleJWKS)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/auth/providers", s.handleProviders)

	r.Group(func(r chi.Router) {
		if s.opts.Limiter != nil {
			r.Use(s.opts.Limiter.Middleware)
		}
		r.Get("/auth/{provider}/login", s.handleLogin)
		r.Get("/auth/{provider}/callback", s.handleCallback)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.gate.Authenticate)
		r.Get("/me", s.handleMe)
		r.Get("/verify", s.handleVerify)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.gate.Authorize(AdminRole))
			r.Post("/users/{id}/roles", s.handleGrantRole)
			r.Delete("/users/{id}/roles/{role}", s.handleRevokeRole)
		})
	})
	return r
}

// requestLogger logs one line per request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log := logger.WithRequestID(s.logger, middleware.GetReqID(r.Context()))
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		}
		switch {
		case ww.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case ww.Status() >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
