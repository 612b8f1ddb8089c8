package gate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yourorg/authgateway/internal/audit"
	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/token"
)

type env struct {
	gate   *Gate
	tokens *token.Service
	dir    *directory.InMemoryDirectory
	user   *directory.User
	audits *recordingAuditor
}

type recordingAuditor struct {
	events []audit.Event
}

func (r *recordingAuditor) Record(_ context.Context, e audit.Event) { r.events = append(r.events, e) }

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := directory.NewInMemoryDirectory()
	signer, err := token.NewHMACSigner([]byte("gate-secret"), "authgw")
	require.NoError(t, err)
	svc, err := token.NewService(signer, dir, token.Config{AccessTTL: time.Minute, RefreshTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)

	u, err := dir.Resolve(t.Context(), directory.Profile{Provider: "google", ProviderID: "abc123", DisplayName: "Ada"})
	require.NoError(t, err)

	rec := &recordingAuditor{}
	g := New(svc, dir, zap.NewNop(), WithMetrics(metrics.New(prometheus.NewRegistry())), WithAuditor(rec))
	return &env{gate: g, tokens: svc, dir: dir, user: u, audits: rec}
}

func (e *env) accessToken(t *testing.T) string {
	t.Helper()
	p, err := e.tokens.IssueAndStore(t.Context(), e.user)
	require.NoError(t, err)
	return p.AccessToken
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	u, _ := UserFromContext(r.Context())
	_, _ = w.Write([]byte(u.ID))
})

func serve(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) autherr.Body {
	t.Helper()
	var b autherr.Body
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&b))
	return b
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	access := e.accessToken(t)
	pair, err := e.tokens.IssueAndStore(t.Context(), e.user)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantKind   autherr.Kind
	}{
		{"missing header", "", http.StatusUnauthorized, autherr.KindTokenMissing},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, autherr.KindTokenMissing},
		{"empty bearer", "Bearer ", http.StatusUnauthorized, autherr.KindTokenMissing},
		{"malformed", "Bearer not.a.jwt", http.StatusUnauthorized, autherr.KindTokenMalformed},
		{"refresh token", "Bearer " + pair.RefreshToken, http.StatusUnauthorized, autherr.KindWrongTokenType},
		{"valid", "Bearer " + access, http.StatusOK, ""},
		{"lowercase scheme", "bearer " + access, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e.gate.Authenticate(okHandler), tt.header)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, e.user.ID, rec.Body.String())
				return
			}
			assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, string(tt.wantKind), decodeBody(t, rec).Error)
		})
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	access := e.accessToken(t)

	g := New(e.tokens, directory.NewInMemoryDirectory(), zap.NewNop())
	rec := serve(g.Authenticate(okHandler), "Bearer "+access)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "user not found", decodeBody(t, rec).Message)
}

type failingLoader struct{}

func (failingLoader) FindByID(context.Context, string) (*directory.User, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestAuthenticateStorageFaultIsOpaque(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	access := e.accessToken(t)

	core, logs := observer.New(zapcore.ErrorLevel)
	g := New(e.tokens, failingLoader{}, zap.New(core))
	rec := serve(g.Authenticate(okHandler), "Bearer "+access)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Equal(t, "internal error", decodeBody(t, rec).Message)

	entries := logs.FilterMessage("failed to load user").All()
	require.Len(t, entries, 1)
	assert.Equal(t, e.user.ID, entries[0].ContextMap()["user_id"])
	assert.Contains(t, entries[0].ContextMap()["error"], "10.0.0.5")
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		userRoles  []string
		required   []string
		wantStatus int
		wantKind   autherr.Kind
	}{
		{"user lacks admin", []string{"user"}, []string{"admin"}, http.StatusForbidden, autherr.KindForbidden},
		{"any of matches", []string{"user", "admin"}, []string{"admin", "editor"}, http.StatusOK, ""},
		{"exact match", []string{"user"}, []string{"user"}, http.StatusOK, ""},
		{"no roles declared", []string{"admin"}, nil, http.StatusInternalServerError, autherr.KindRbacMisconfigured},
		{"blank role declared", []string{"admin"}, []string{"admin", " "}, http.StatusInternalServerError, autherr.KindRbacMisconfigured},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			u := &directory.User{ID: "u1", Roles: tt.userRoles}

			h := e.gate.Authorize(tt.required...)(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			req = req.WithContext(WithUser(req.Context(), u))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantKind != "" {
				assert.Equal(t, string(tt.wantKind), decodeBody(t, rec).Error)
			}
			if tt.wantStatus == http.StatusForbidden {
				require.Len(t, e.audits.events, 1)
				assert.Equal(t, audit.EventDenied, e.audits.events[0].Type)
			} else {
				assert.Empty(t, e.audits.events)
			}
		})
	}
}

func TestAuthorizeWithoutAuthenticate(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	rec := serve(e.gate.Authorize("admin")(okHandler), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAuthenticateThenAuthorizeSeesCurrentRoles(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	access := e.accessToken(t)
	h := e.gate.Authenticate(e.gate.Authorize("admin")(okHandler))

	assert.Equal(t, http.StatusForbidden, serve(h, "Bearer "+access).Code)

	_, err := e.dir.AddRole(t.Context(), e.user.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, serve(h, "Bearer "+access).Code)
}

func TestClaimsFromContext(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	access := e.accessToken(t)

	var got *token.Claims
	h := e.gate.Authenticate(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got, _ = ClaimsFromContext(r.Context())
	}))
	serve(h, "Bearer "+access)

	require.NotNil(t, got)
	assert.Equal(t, e.user.ID, got.Subject)
}
