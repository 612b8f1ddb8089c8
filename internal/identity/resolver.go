// Package identity turns provider-shaped profiles into directory users.
package identity

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/yourorg/authgateway/internal/directory"
)

// Email is one address reported by a provider.
type Email struct {
	Value    string
	Verified bool
}

// ExternalProfile is what an adapter extracts from a provider after its own
// verification. Providers differ in which fields they fill.
type ExternalProfile struct {
	Provider    string
	Subject     string
	DisplayName string
	// Username is used when the provider has no display name (GitHub login).
	Username string
	Emails   []Email
	Photos   []string
}

// Resolver maps external profiles onto directory records.
type Resolver struct {
	dir    directory.Directory
	logger *zap.Logger
}

// NewResolver creates a Resolver backed by dir.
func NewResolver(dir directory.Directory, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, logger: logger}
}

// Resolve normalizes p and upserts the matching user.
func (r *Resolver) Resolve(ctx context.Context, p ExternalProfile) (*directory.User, error) {
	profile := Normalize(p)
	u, err := r.dir.Resolve(ctx, profile)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("identity resolved",
		zap.String("provider", profile.Provider),
		zap.String("user_id", u.ID),
	)
	return u, nil
}

// Normalize reduces p to the canonical directory profile: the first verified
// email, the first non-empty photo and a display name that is never blank
// when anything usable was reported.
func Normalize(p ExternalProfile) directory.Profile {
	out := directory.Profile{
		Provider:   strings.TrimSpace(p.Provider),
		ProviderID: strings.TrimSpace(p.Subject),
	}

	for _, e := range p.Emails {
		v := strings.TrimSpace(e.Value)
		if e.Verified && v != "" {
			out.Email = &v
			break
		}
	}
	for _, ph := range p.Photos {
		v := strings.TrimSpace(ph)
		if v != "" {
			out.Photo = &v
			break
		}
	}

	switch {
	case strings.TrimSpace(p.DisplayName) != "":
		out.DisplayName = strings.TrimSpace(p.DisplayName)
	case strings.TrimSpace(p.Username) != "":
		out.DisplayName = strings.TrimSpace(p.Username)
	case out.Email != nil:
		out.DisplayName = *out.Email
	default:
		out.DisplayName = out.ProviderID
	}
	return out
}
