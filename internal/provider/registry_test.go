package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/identity"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/token"
)

// fakeAdapter returns a canned profile for any code.
type fakeAdapter struct {
	name    string
	profile identity.ExternalProfile
	err     error
}

func (f *fakeAdapter) Name() string                { return f.name }
func (f *fakeAdapter) AuthCodeURL(s string) string { return "https://idp.example/authorize?state=" + s }
func (f *fakeAdapter) Exchange(context.Context, string) (identity.ExternalProfile, error) {
	return f.profile, f.err
}

func newTestRegistry(t *testing.T, adapters ...Adapter) (*Registry, *token.Service, directory.Directory) {
	t.Helper()
	dir := directory.NewInMemoryDirectory()
	signer, err := token.NewHMACSigner([]byte("secret"), "authgw")
	require.NoError(t, err)
	svc, err := token.NewService(signer, dir, token.Config{AccessTTL: time.Minute, RefreshTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	return NewRegistry(identity.NewResolver(dir, zap.NewNop()), svc, zap.NewNop(), m, adapters...), svc, dir
}

func TestBuildSkipsBrokenProviders(t *testing.T) {
	t.Parallel()

	descs := []Descriptor{
		{Name: "github", ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/cb"},
		{Name: "corp", Type: TypeOIDC, ClientID: "id", ClientSecret: "secret", RedirectURL: "http://localhost/cb"},
		{Name: "myspace", ClientID: "id", ClientSecret: "secret"},
		{Name: "google"},
	}
	adapters := Build(t.Context(), descs, nil, zap.NewNop())

	require.Len(t, adapters, 1)
	assert.Equal(t, "github", adapters[0].Name())
}

func TestDescriptorEnabled(t *testing.T) {
	t.Parallel()
	assert.True(t, Descriptor{ClientID: "a", ClientSecret: "b"}.Enabled())
	assert.False(t, Descriptor{ClientID: "a"}.Enabled())
	assert.False(t, Descriptor{}.Enabled())
}

func TestRegistryCompleteLogsUserIn(t *testing.T) {
	t.Parallel()
	email := "ada@example.com"
	reg, svc, dir := newTestRegistry(t, &fakeAdapter{
		name: "google",
		profile: identity.ExternalProfile{
			Subject: "abc123", DisplayName: "Ada",
			Emails: []identity.Email{{Value: email, Verified: true}},
		},
	})

	res, err := reg.Complete(t.Context(), "google", "code")
	require.NoError(t, err)
	assert.Equal(t, directory.UserID("google", "abc123"), res.User.ID)
	assert.Equal(t, []string{directory.DefaultRole}, res.User.Roles)

	claims, err := svc.VerifyAccess(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, claims.Subject)
	assert.Equal(t, email, claims.Email)

	has, err := dir.HasRefreshToken(t.Context(), res.User.ID, res.RefreshToken)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRegistryStampsProviderName(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t)

	res, err := reg.Login(t.Context(), "github", identity.ExternalProfile{Provider: "spoofed", Subject: "7"})
	require.NoError(t, err)
	assert.Equal(t, "github", res.User.Provider)
}

func TestRegistryRejectsEmptySubject(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t, &fakeAdapter{name: "google", profile: identity.ExternalProfile{DisplayName: "x"}})

	_, err := reg.Complete(t.Context(), "google", "code")
	assert.ErrorIs(t, err, autherr.ErrInvalidProfile)
}

func TestRegistryProviderFailure(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t, &fakeAdapter{name: "google", err: errors.New("bad code")})

	_, err := reg.Complete(t.Context(), "google", "code")
	require.ErrorIs(t, err, autherr.ErrProviderFailure)
	assert.Equal(t, "identity provider error", autherr.PublicMessage(err))
}

func TestRegistryUnknownProvider(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t)
	_, err := reg.Complete(t.Context(), "nope", "code")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestRegistryNamesSorted(t *testing.T) {
	t.Parallel()
	reg, _, _ := newTestRegistry(t, &fakeAdapter{name: "google"}, &fakeAdapter{name: "github"})
	assert.Equal(t, []string{"github", "google"}, reg.Names())
	_, ok := reg.Get("google")
	assert.True(t, ok)
}

func TestNewStateIsRandom(t *testing.T) {
	t.Parallel()
	a, err := NewState()
	require.NoError(t, err)
	b, err := NewState()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 43)
}
