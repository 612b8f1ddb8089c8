// Package directory stores users, their roles and their active refresh tokens.
// Backends (memory, redis, mongo, sql) satisfy Directory identically and are
// selected at startup by configuration.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a user does not exist.
	ErrNotFound = errors.New("user not found")
	// ErrPurgeRefused is returned by PurgeAll outside test mode.
	ErrPurgeRefused = errors.New("purge refused: directory is not in test mode")
	// ErrLastRole is returned when removing a user's only role.
	ErrLastRole = errors.New("cannot remove the last role of a user")
	// ErrInvalidProfile is returned by Resolve for profiles without a provider or subject.
	ErrInvalidProfile = errors.New("profile requires provider and provider id")
)

// Directory is the persistent user store.
//
// RemoveRefreshToken must be atomic per user: of two concurrent removals of
// the same token exactly one reports true.
type Directory interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByExternalIdentity(ctx context.Context, provider, providerID string) (*User, error)

	// Resolve upserts by (provider, providerID), overwriting mutable fields
	// of an existing record or creating one with the default role.
	Resolve(ctx context.Context, p Profile) (*User, error)

	// AddRefreshToken returns false if the user does not exist.
	AddRefreshToken(ctx context.Context, userID, token string) (bool, error)
	HasRefreshToken(ctx context.Context, userID, token string) (bool, error)
	// RemoveRefreshToken returns true only if token was present and removed.
	RemoveRefreshToken(ctx context.Context, userID, token string) (bool, error)

	// AddRole returns false if the user does not exist.
	AddRole(ctx context.Context, userID, role string) (bool, error)
	// RemoveRole returns false if the user does not exist and ErrLastRole
	// when role is the only one left.
	RemoveRole(ctx context.Context, userID, role string) (bool, error)

	// PurgeAll deletes every user. Returns ErrPurgeRefused outside test mode.
	PurgeAll(ctx context.Context) error

	Close() error
}

// Pinger is implemented by backends that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

func validateProfile(p Profile) error {
	if p.Provider == "" || p.ProviderID == "" {
		return ErrInvalidProfile
	}
	return nil
}
