// Package provider holds the identity provider adapters and the registry that
// turns a completed external handshake into a gateway session.
package provider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/autherr"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/identity"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/token"
)

// Adapter types known to the registry.
const (
	TypeGoogle = "google"
	TypeGitHub = "github"
	TypeOIDC   = "oidc"
)

// ErrUnknownProvider is returned for a provider name with no active adapter.
var ErrUnknownProvider = errors.New("unknown identity provider")

// Descriptor is the configuration of one provider.
type Descriptor struct {
	Name string
	// Type selects the adapter; defaults to Name.
	Type         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	IssuerURL    string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
}

// Enabled reports whether credentials are present.
func (d Descriptor) Enabled() bool {
	return d.ClientID != "" && d.ClientSecret != ""
}

func (d Descriptor) adapterType() string {
	if d.Type != "" {
		return d.Type
	}
	return d.Name
}

// Adapter drives one provider's handshake.
type Adapter interface {
	Name() string
	// AuthCodeURL is where the browser is sent to start the handshake.
	AuthCodeURL(state string) string
	// Exchange trades the callback code for a verified profile.
	Exchange(ctx context.Context, code string) (identity.ExternalProfile, error)
}

// Constructor builds an adapter from its descriptor.
type Constructor func(ctx context.Context, d Descriptor, client *http.Client) (Adapter, error)

var constructors = map[string]Constructor{
	TypeGoogle: newGoogleAdapter,
	TypeGitHub: newGitHubAdapter,
	TypeOIDC:   newOIDCAdapter,
}

// Build constructs an adapter for every enabled descriptor. A descriptor that
// fails to build is logged and skipped; the others are unaffected. client may
// be nil.
func Build(ctx context.Context, descs []Descriptor, client *http.Client, logger *zap.Logger) []Adapter {
	var adapters []Adapter
	for _, d := range descs {
		log := logger.With(zap.String("provider", d.Name), zap.String("type", d.adapterType()))
		if !d.Enabled() {
			log.Info("identity provider disabled: no credentials")
			continue
		}
		ctor, ok := constructors[d.adapterType()]
		if !ok {
			log.Error("identity provider skipped: unknown type")
			continue
		}
		a, err := ctor(ctx, d, client)
		if err != nil {
			log.Error("identity provider skipped: failed to initialize", zap.Error(err))
			continue
		}
		log.Info("identity provider enabled")
		adapters = append(adapters, a)
	}
	return adapters
}

// LoginResult is returned to the client after a federated login.
type LoginResult struct {
	User *directory.User
	token.Pair
}

// Registry routes completed handshakes through the resolver and token service.
type Registry struct {
	adapters map[string]Adapter
	resolver *identity.Resolver
	tokens   *token.Service
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewRegistry creates a registry over adapters. m may be nil.
func NewRegistry(resolver *identity.Resolver, tokens *token.Service, logger *zap.Logger, m *metrics.Metrics, adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[string]Adapter, len(adapters)),
		resolver: resolver,
		tokens:   tokens,
		logger:   logger,
		metrics:  m,
	}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the active adapter called name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names lists active providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Complete finishes the handshake for provider name and logs the user in.
func (r *Registry) Complete(ctx context.Context, name, code string) (*LoginResult, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, ErrUnknownProvider
	}
	profile, err := a.Exchange(ctx, code)
	if err != nil {
		r.logger.Warn("identity provider exchange failed", zap.String("provider", name), zap.Error(err))
		r.metrics.Login(name, metrics.OutcomeFailure)
		return nil, autherr.New(autherr.KindProviderFailure, "login", err)
	}
	return r.Login(ctx, name, profile)
}

// Login resolves an already verified profile and mints a token pair.
func (r *Registry) Login(ctx context.Context, name string, profile identity.ExternalProfile) (res *LoginResult, err error) {
	defer func() {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeFailure
		}
		r.metrics.Login(name, outcome)
	}()

	if strings.TrimSpace(profile.Subject) == "" {
		return nil, autherr.New(autherr.KindInvalidProfile, "login", errors.New("empty subject"))
	}
	profile.Provider = name

	u, err := r.resolver.Resolve(ctx, profile)
	if err != nil {
		if errors.Is(err, directory.ErrInvalidProfile) {
			return nil, autherr.New(autherr.KindInvalidProfile, "login", err)
		}
		r.logger.Error("failed to resolve identity", zap.String("provider", name), zap.Error(err))
		return nil, autherr.New(autherr.KindStorageFault, "login", err)
	}

	pair, err := r.tokens.IssueAndStore(ctx, u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{User: u, Pair: *pair}, nil
}

// NewState returns a random value for the OAuth state parameter.
func NewState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
