package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/yourorg/authgateway/internal/identity"
)

const googleIssuer = "https://accounts.google.com"

// oidcAdapter verifies the ID token returned by the code exchange.
type oidcAdapter struct {
	name     string
	conf     *oauth2.Config
	verifier *oidc.IDTokenVerifier
	client   *http.Client
	authOpts []oauth2.AuthCodeOption
}

// idTokenClaims are the standard claims read from the ID token.
type idTokenClaims struct {
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
	Picture           string `json:"picture"`
}

func newGoogleAdapter(ctx context.Context, d Descriptor, client *http.Client) (Adapter, error) {
	if d.IssuerURL == "" {
		d.IssuerURL = googleIssuer
	}
	a, err := newOIDCAdapter(ctx, d, client)
	if err != nil {
		return nil, err
	}
	oa := a.(*oidcAdapter)
	if d.IssuerURL == googleIssuer {
		oa.conf.Endpoint = google.Endpoint
	}
	oa.authOpts = append(oa.authOpts, oauth2.AccessTypeOffline)
	return oa, nil
}

func newOIDCAdapter(ctx context.Context, d Descriptor, client *http.Client) (Adapter, error) {
	if d.IssuerURL == "" {
		return nil, errors.New("issuer_url is required")
	}
	if d.RedirectURL == "" {
		return nil, errors.New("redirect_url is required")
	}
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	p, err := oidc.NewProvider(ctx, d.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover %s: %w", d.IssuerURL, err)
	}

	scopes := d.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}
	return &oidcAdapter{
		name: d.Name,
		conf: &oauth2.Config{
			ClientID:     d.ClientID,
			ClientSecret: d.ClientSecret,
			Endpoint:     p.Endpoint(),
			RedirectURL:  d.RedirectURL,
			Scopes:       scopes,
		},
		verifier: p.Verifier(&oidc.Config{ClientID: d.ClientID}),
		client:   client,
	}, nil
}

func (a *oidcAdapter) Name() string { return a.name }

func (a *oidcAdapter) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state, a.authOpts...)
}

func (a *oidcAdapter) Exchange(ctx context.Context, code string) (identity.ExternalProfile, error) {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}
	tok, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return identity.ExternalProfile{}, fmt.Errorf("code exchange failed: %w", err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return identity.ExternalProfile{}, errors.New("token response has no id_token")
	}
	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return identity.ExternalProfile{}, fmt.Errorf("id token verification failed: %w", err)
	}

	var c idTokenClaims
	if err := idToken.Claims(&c); err != nil {
		return identity.ExternalProfile{}, fmt.Errorf("failed to decode id token claims: %w", err)
	}
	p := identity.ExternalProfile{
		Provider:    a.name,
		Subject:     idToken.Subject,
		DisplayName: c.Name,
		Username:    c.PreferredUsername,
	}
	if c.Email != "" {
		p.Emails = []identity.Email{{Value: c.Email, Verified: c.EmailVerified}}
	}
	if c.Picture != "" {
		p.Photos = []string{c.Picture}
	}
	return p, nil
}
