package directory

import (
	"context"
	"slices"
	"sync"
)

// memoryEntry guards a single user. Mutations of one user's token set or
// roles serialize on mu; different users never contend.
type memoryEntry struct {
	mu   sync.Mutex
	user *User
}

// InMemoryDirectory keeps users in process memory. Each instance owns its own
// state; construct one per server or per test.
type InMemoryDirectory struct {
	opts backendOptions

	mu    sync.RWMutex
	users map[string]*memoryEntry
}

var _ Directory = (*InMemoryDirectory)(nil)

// NewInMemoryDirectory creates an empty directory.
func NewInMemoryDirectory(opts ...Option) *InMemoryDirectory {
	return &InMemoryDirectory{
		opts:  buildOptions(opts),
		users: make(map[string]*memoryEntry),
	}
}

func (d *InMemoryDirectory) entry(id string) (*memoryEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.users[id]
	return e, ok
}

func (d *InMemoryDirectory) FindByID(_ context.Context, id string) (*User, error) {
	e, ok := d.entry(id)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.user.Clone(), nil
}

func (d *InMemoryDirectory) FindByExternalIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	return d.FindByID(ctx, UserID(provider, providerID))
}

func (d *InMemoryDirectory) Resolve(_ context.Context, p Profile) (*User, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	id := UserID(p.Provider, p.ProviderID)
	now := d.opts.now()

	d.mu.Lock()
	e, ok := d.users[id]
	if !ok {
		e = &memoryEntry{user: newUser(p, now)}
		d.users[id] = e
		u := e.user.Clone()
		d.mu.Unlock()
		return u, nil
	}
	d.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	applyProfile(e.user, p, now)
	return e.user.Clone(), nil
}

func (d *InMemoryDirectory) AddRefreshToken(_ context.Context, userID, token string) (bool, error) {
	e, ok := d.entry(userID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(e.user.ActiveRefreshTokens, token) {
		e.user.ActiveRefreshTokens = append(e.user.ActiveRefreshTokens, token)
	}
	return true, nil
}

func (d *InMemoryDirectory) HasRefreshToken(_ context.Context, userID, token string) (bool, error) {
	e, ok := d.entry(userID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Contains(e.user.ActiveRefreshTokens, token), nil
}

func (d *InMemoryDirectory) RemoveRefreshToken(_ context.Context, userID, token string) (bool, error) {
	e, ok := d.entry(userID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.user.ActiveRefreshTokens, token)
	if i < 0 {
		return false, nil
	}
	e.user.ActiveRefreshTokens = slices.Delete(e.user.ActiveRefreshTokens, i, i+1)
	return true, nil
}

func (d *InMemoryDirectory) AddRole(_ context.Context, userID, role string) (bool, error) {
	e, ok := d.entry(userID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(e.user.Roles, role) {
		e.user.Roles = append(e.user.Roles, role)
		e.user.UpdatedAt = d.opts.now()
	}
	return true, nil
}

func (d *InMemoryDirectory) RemoveRole(_ context.Context, userID, role string) (bool, error) {
	e, ok := d.entry(userID)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.user.Roles, role)
	if i < 0 {
		return true, nil
	}
	if len(e.user.Roles) == 1 {
		return true, ErrLastRole
	}
	e.user.Roles = slices.Delete(e.user.Roles, i, i+1)
	e.user.UpdatedAt = d.opts.now()
	return true, nil
}

func (d *InMemoryDirectory) PurgeAll(_ context.Context) error {
	if !d.opts.testMode {
		return ErrPurgeRefused
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = make(map[string]*memoryEntry)
	return nil
}

func (*InMemoryDirectory) Close() error { return nil }
