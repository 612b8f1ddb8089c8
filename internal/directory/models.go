package directory

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// DefaultRole is granted to every user at creation.
const DefaultRole = "user"

// userNamespace seeds the name-based UUIDs used as user ids.
var userNamespace = uuid.MustParse("5b0c6d1e-8f0a-4c55-9d3e-2a7f1b9e4c61")

// User is the durable identity record.
type User struct {
	ID                  string    `json:"id"`
	Provider            string    `json:"provider"`
	ProviderID          string    `json:"providerId"`
	DisplayName         string    `json:"displayName"`
	Email               *string   `json:"email,omitempty"`
	Photo               *string   `json:"photo,omitempty"`
	Roles               []string  `json:"roles"`
	ActiveRefreshTokens []string  `json:"-"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// HasAnyRole reports whether u holds at least one of roles.
func (u *User) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(u.Roles, r) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never alias backend state.
func (u *User) Clone() *User {
	c := *u
	c.Roles = slices.Clone(u.Roles)
	c.ActiveRefreshTokens = slices.Clone(u.ActiveRefreshTokens)
	if u.Email != nil {
		e := *u.Email
		c.Email = &e
	}
	if u.Photo != nil {
		p := *u.Photo
		c.Photo = &p
	}
	return &c
}

// Profile is the canonical verified external profile accepted by Resolve.
type Profile struct {
	Provider    string
	ProviderID  string
	DisplayName string
	Email       *string
	Photo       *string
}

// UserID derives the internal id for a federated identity. The same pair
// always yields the same id.
func UserID(provider, providerID string) string {
	return uuid.NewSHA1(userNamespace, []byte(provider+"\x00"+providerID)).String()
}

// newUser builds the record created on first sight of a profile.
func newUser(p Profile, now time.Time) *User {
	return &User{
		ID:                  UserID(p.Provider, p.ProviderID),
		Provider:            p.Provider,
		ProviderID:          p.ProviderID,
		DisplayName:         p.DisplayName,
		Email:               p.Email,
		Photo:               p.Photo,
		Roles:               []string{DefaultRole},
		ActiveRefreshTokens: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// applyProfile overwrites the mutable profile fields of u.
func applyProfile(u *User, p Profile, now time.Time) {
	u.DisplayName = p.DisplayName
	u.Email = p.Email
	u.Photo = p.Photo
	u.UpdatedAt = now
}
