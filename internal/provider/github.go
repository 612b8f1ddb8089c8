package provider

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/yourorg/authgateway/internal/identity"
)

const githubUserURL = "https://api.github.com/user"

// gitHubAdapter reads the profile from the REST API with the exchanged token.
// GitHub has no ID token.
type gitHubAdapter struct {
	name    string
	conf    *oauth2.Config
	userURL string
	client  *http.Client
}

type gitHubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type gitHubEmail struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Primary  bool   `json:"primary"`
}

func newGitHubAdapter(_ context.Context, d Descriptor, client *http.Client) (Adapter, error) {
	if d.RedirectURL == "" {
		return nil, errors.New("redirect_url is required")
	}
	endpoint := github.Endpoint
	if d.AuthURL != "" {
		endpoint.AuthURL = d.AuthURL
	}
	if d.TokenURL != "" {
		endpoint.TokenURL = d.TokenURL
	}
	scopes := d.Scopes
	if len(scopes) == 0 {
		scopes = []string{"read:user", "user:email"}
	}
	userURL := d.UserInfoURL
	if userURL == "" {
		userURL = githubUserURL
	}
	return &gitHubAdapter{
		name: d.Name,
		conf: &oauth2.Config{
			ClientID:     d.ClientID,
			ClientSecret: d.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  d.RedirectURL,
			Scopes:       scopes,
		},
		userURL: strings.TrimSuffix(userURL, "/"),
		client:  client,
	}, nil
}

func (a *gitHubAdapter) Name() string { return a.name }

func (a *gitHubAdapter) AuthCodeURL(state string) string {
	return a.conf.AuthCodeURL(state)
}

func (a *gitHubAdapter) Exchange(ctx context.Context, code string) (identity.ExternalProfile, error) {
	if a.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	}
	tok, err := a.conf.Exchange(ctx, code)
	if err != nil {
		return identity.ExternalProfile{}, fmt.Errorf("code exchange failed: %w", err)
	}
	api := a.conf.Client(ctx, tok)

	var u gitHubUser
	if err := getJSON(ctx, api, a.userURL, &u); err != nil {
		return identity.ExternalProfile{}, err
	}
	if u.ID == 0 {
		return identity.ExternalProfile{}, errors.New("github user has no id")
	}

	// The emails endpoint needs the user:email scope; without it the profile
	// simply has no email.
	var emails []gitHubEmail
	if err := getJSON(ctx, api, a.userURL+"/emails", &emails); err != nil {
		emails = nil
	}
	slices.SortStableFunc(emails, func(x, y gitHubEmail) int {
		return cmp.Compare(rank(y.Primary), rank(x.Primary))
	})

	p := identity.ExternalProfile{
		Provider:    a.name,
		Subject:     strconv.FormatInt(u.ID, 10),
		DisplayName: u.Name,
		Username:    u.Login,
	}
	for _, e := range emails {
		p.Emails = append(p.Emails, identity.Email{Value: e.Email, Verified: e.Verified})
	}
	if u.AvatarURL != "" {
		p.Photos = []string{u.AvatarURL}
	}
	return p, nil
}

func rank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request to %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", url, err)
	}
	return nil
}
