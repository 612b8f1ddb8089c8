package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/audit"
	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/gate"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/provider"
	"github.com/yourorg/authgateway/internal/token"
)

const maxBodyBytes = 1 << 20

// sessionResponse is returned by the login callback.
type sessionResponse struct {
	User         *directory.User `json:"user"`
	AccessToken  string          `json:"accessToken"`
	RefreshToken string          `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type roleRequest struct {
	Role string `json:"role"`
}

// handleHealth reports 503 when a directory backend that supports pings
// cannot be reached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.dir.(directory.Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Error("directory ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	body, err := s.tokens.Signer().JWKS()
	if errors.Is(err, token.ErrNoPublicKey) {
		writeError(w, http.StatusNotFound, "not_found", "no public keys published")
		return
	}
	if err != nil {
		s.logger.Error("failed to build jwks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(autherr.KindStorageFault), "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(body)
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"providers": s.registry.Names()})
}

// handleLogin starts the handshake: it pins a random state in a short-lived
// cookie and redirects to the provider.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	a, ok := s.registry.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown identity provider")
		return
	}

	state, err := provider.NewState()
	if err != nil {
		s.logger.Error("failed to generate oauth state", zap.Error(err))
		writeError(w, http.StatusInternalServerError, string(autherr.KindStorageFault), "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/" + name,
		MaxAge:   int(stateTTL / time.Second),
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	if _, ok := s.registry.Get(name); !ok {
		writeError(w, http.StatusNotFound, "unknown_provider", "unknown identity provider")
		return
	}

	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		s.recordLogin(r, name, "", metrics.OutcomeFailure, "denied")
		writeError(w, http.StatusBadRequest, "login_denied", "identity provider denied the login")
		return
	}
	cookie, err := r.Cookie(stateCookie)
	if err != nil || q.Get("state") == "" ||
		subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(q.Get("state"))) != 1 {
		writeError(w, http.StatusBadRequest, "invalid_state", "state mismatch")
		return
	}
	code := q.Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code missing")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/auth/" + name, MaxAge: -1, HttpOnly: true})

	res, err := s.registry.Complete(r.Context(), name, code)
	if err != nil {
		s.recordLogin(r, name, "", metrics.OutcomeFailure, string(autherr.KindOf(err)))
		autherr.Respond(w, err)
		return
	}
	s.recordLogin(r, name, res.User.ID, metrics.OutcomeSuccess, "")

	s.setRefreshCookie(w, res.RefreshToken)
	writeJSON(w, http.StatusOK, sessionResponse{
		User:         res.User,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	presented, ok := s.refreshTokenFrom(w, r)
	if !ok {
		return
	}
	pair, err := s.tokens.Rotate(r.Context(), presented)
	if err != nil {
		s.record(r, audit.Event{Type: audit.EventRefresh, Outcome: metrics.OutcomeFailure, Reason: string(autherr.KindOf(err))})
		autherr.Respond(w, err)
		return
	}
	s.record(r, audit.Event{Type: audit.EventRefresh, UserID: pair.UserID, Outcome: metrics.OutcomeSuccess})

	s.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, pair)
}

// handleLogout answers 200 for any well-formed refresh token, including one
// that was already revoked or has expired.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	presented, ok := s.refreshTokenFrom(w, r)
	if !ok {
		return
	}
	removed, err := s.tokens.Revoke(r.Context(), presented)
	if err != nil {
		s.record(r, audit.Event{Type: audit.EventLogout, Outcome: metrics.OutcomeFailure, Reason: string(autherr.KindOf(err))})
		autherr.Respond(w, err)
		return
	}
	s.record(r, audit.Event{Type: audit.EventLogout, Outcome: metrics.OutcomeSuccess})

	s.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"message": "logged out", "revoked": removed})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, _ := gate.UserFromContext(r.Context())
	writeJSON(w, http.StatusOK, u)
}

// handleVerify lets other services introspect an access token.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	u, _ := gate.UserFromContext(r.Context())
	claims, _ := gate.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": u.ID,
		"roles":  u.Roles,
		"exp":    claims.ExpiresAt.Unix(),
	})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	var req roleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "role is required")
		return
	}

	ok, err := s.dir.AddRole(r.Context(), target, role)
	if err != nil {
		s.storageFault(w, "failed to grant role", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, string(autherr.KindUserNotFound), "user not found")
		return
	}
	s.record(r, audit.Event{Type: audit.EventRoleGrant, UserID: s.actorID(r), Target: target + ":" + role, Outcome: metrics.OutcomeSuccess})
	s.respondUser(w, r, target)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "id")
	role := chi.URLParam(r, "role")

	ok, err := s.dir.RemoveRole(r.Context(), target, role)
	if errors.Is(err, directory.ErrLastRole) {
		writeError(w, http.StatusConflict, "last_role", "cannot remove the last role")
		return
	}
	if err != nil {
		s.storageFault(w, "failed to revoke role", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, string(autherr.KindUserNotFound), "user not found")
		return
	}
	s.record(r, audit.Event{Type: audit.EventRoleRevoke, UserID: s.actorID(r), Target: target + ":" + role, Outcome: metrics.OutcomeSuccess})
	s.respondUser(w, r, target)
}

func (s *Server) respondUser(w http.ResponseWriter, r *http.Request, id string) {
	u, err := s.dir.FindByID(r.Context(), id)
	if err != nil {
		s.storageFault(w, "failed to reload user", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// refreshTokenFrom reads the refresh token from a JSON body, falling back to
// the cookie. Bodies of any other content type, such as a browser form post,
// are ignored. It writes the error response itself when ok is false.
func (s *Server) refreshTokenFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req refreshRequest
	if isJSON(r) {
		err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return "", false
		}
	}
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			presented = c.Value
		}
	}
	if presented == "" {
		autherr.Respond(w, autherr.ErrTokenMissing)
		return "", false
	}
	return presented, true
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && (mt == "application/json" || strings.HasSuffix(mt, "+json"))
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   int(s.opts.RefreshTTL / time.Second),
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) storageFault(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	autherr.Respond(w, autherr.ErrStorageFault)
}

func (s *Server) actorID(r *http.Request) string {
	if u, ok := gate.UserFromContext(r.Context()); ok {
		return u.ID
	}
	return ""
}

func (s *Server) recordLogin(r *http.Request, name, userID, outcome, reason string) {
	s.record(r, audit.Event{Type: audit.EventLogin, UserID: userID, Provider: name, Outcome: outcome, Reason: reason})
}

func (s *Server) record(r *http.Request, e audit.Event) {
	e.RemoteAddr = r.RemoteAddr
	s.opts.Auditor.Record(r.Context(), e)
}
