// Package gate is the per-request authorization gate: Authenticate checks the
// bearer access token and loads the user, Authorize checks role membership.
package gate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/audit"
	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/logger"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/token"
)

type contextKey string

const (
	userKey   = contextKey("user")
	claimsKey = contextKey("claims")
)

// Decision outcomes recorded in metrics.
const (
	OutcomeAllowed       = "allowed"
	OutcomeForbidden     = "forbidden"
	OutcomeMisconfigured = "misconfigured"
)

// AccessVerifier checks access tokens. *token.Service satisfies it.
type AccessVerifier interface {
	VerifyAccess(presented string) (*token.Claims, error)
}

// UserLoader loads users by id. directory.Directory satisfies it.
type UserLoader interface {
	FindByID(ctx context.Context, id string) (*directory.User, error)
}

// Gate builds the authentication and authorization middleware.
type Gate struct {
	tokens  AccessVerifier
	users   UserLoader
	logger  *zap.Logger
	metrics *metrics.Metrics
	auditor audit.Auditor
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetrics records authorization decisions on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithAuditor records denials on a.
func WithAuditor(a audit.Auditor) Option {
	return func(g *Gate) { g.auditor = a }
}

// New creates a Gate.
func New(tokens AccessVerifier, users UserLoader, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		tokens:  tokens,
		users:   users,
		logger:  logger,
		auditor: audit.Nop{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate requires a valid bearer access token and attaches the token's
// user to the request context. Every failure is a 401 except storage faults.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			g.unauthorized(w, autherr.New(autherr.KindTokenMissing, "authenticate", nil))
			return
		}
		claims, err := g.tokens.VerifyAccess(raw)
		if err != nil {
			g.logger.Debug("access token rejected", zap.Error(err))
			g.unauthorized(w, err)
			return
		}

		u, err := g.users.FindByID(r.Context(), claims.Subject)
		if errors.Is(err, directory.ErrNotFound) {
			g.unauthorized(w, autherr.New(autherr.KindUserNotFound, "authenticate", err))
			return
		}
		if err != nil {
			logger.WithUserID(g.logger, claims.Subject).Error("failed to load user", zap.Error(err))
			autherr.Respond(w, autherr.New(autherr.KindStorageFault, "authenticate", err))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, userKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authorize requires the authenticated user to hold at least one of roles.
// An empty or blank role list is a route misconfiguration and answers 500.
func (g *Gate) Authorize(roles ...string) func(http.Handler) http.Handler {
	valid := validRoles(roles)
	if !valid {
		g.logger.Error("route declares invalid role requirements", zap.Strings("roles", roles))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !valid {
				g.metrics.AuthzDecision(OutcomeMisconfigured)
				autherr.Respond(w, autherr.New(autherr.KindRbacMisconfigured, "authorize", nil))
				return
			}
			u, ok := UserFromContext(r.Context())
			if !ok {
				g.logger.Error("authorize used without authenticate", zap.String("path", r.URL.Path))
				g.metrics.AuthzDecision(OutcomeMisconfigured)
				autherr.Respond(w, autherr.New(autherr.KindRbacMisconfigured, "authorize", nil))
				return
			}
			if !u.HasAnyRole(roles...) {
				g.metrics.AuthzDecision(OutcomeForbidden)
				g.auditor.Record(r.Context(), audit.Event{
					Type:       audit.EventDenied,
					UserID:     u.ID,
					Target:     r.URL.Path,
					Outcome:    OutcomeForbidden,
					Reason:     string(autherr.KindForbidden),
					RemoteAddr: r.RemoteAddr,
				})
				autherr.Respond(w, autherr.New(autherr.KindForbidden, "authorize", nil))
				return
			}
			g.metrics.AuthzDecision(OutcomeAllowed)
			next.ServeHTTP(w, r)
		})
	}
}

// unauthorized answers 401 regardless of kind: a missing bearer token on a
// protected route is an authentication failure, not a bad request.
func (g *Gate) unauthorized(w http.ResponseWriter, err error) {
	status := autherr.HTTPStatus(err)
	if status == http.StatusBadRequest {
		status = http.StatusUnauthorized
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authgateway"`)
	}
	autherr.RespondStatus(w, status, err)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func validRoles(roles []string) bool {
	if len(roles) == 0 {
		return false
	}
	for _, r := range roles {
		if strings.TrimSpace(r) == "" {
			return false
		}
	}
	return true
}

// UserFromContext returns the user attached by Authenticate.
func UserFromContext(ctx context.Context) (*directory.User, bool) {
	u, ok := ctx.Value(userKey).(*directory.User)
	return u, ok
}

// ClaimsFromContext returns the access token claims attached by Authenticate.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*token.Claims)
	return c, ok
}

// WithUser attaches u to ctx the way Authenticate does.
func WithUser(ctx context.Context, u *directory.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}
