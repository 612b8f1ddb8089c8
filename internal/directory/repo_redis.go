package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces every key written by RedisDirectory.
const DefaultRedisKeyPrefix = "authgw:"

// RedisConfig holds connection settings for RedisDirectory.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisDirectory stores each user as a JSON document and its refresh tokens
// as a Redis set. SREM gives the atomic conditional remove.
type RedisDirectory struct {
	client    redis.UniversalClient
	keyPrefix string
	opts      backendOptions
}

var (
	_ Directory = (*RedisDirectory)(nil)
	_ Pinger    = (*RedisDirectory)(nil)
)

// storedUser is the JSON form of a user without its token set.
type storedUser struct {
	ID          string   `json:"id"`
	Provider    string   `json:"provider"`
	ProviderID  string   `json:"provider_id"`
	DisplayName string   `json:"display_name"`
	Email       *string  `json:"email,omitempty"`
	Photo       *string  `json:"photo,omitempty"`
	Roles       []string `json:"roles"`
	CreatedAt   int64    `json:"created_at"`
	UpdatedAt   int64    `json:"updated_at"`
}

// addTokenScript adds ARGV[1] to the token set KEYS[2] only while the user
// document KEYS[1] exists. Returns -1 for an unknown user.
var addTokenScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
return redis.call('SADD', KEYS[2], ARGV[1])
`)

// NewRedisDirectory connects to Redis and verifies the connection.
func NewRedisDirectory(ctx context.Context, cfg RedisConfig, opts ...Option) (*RedisDirectory, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisDirectoryWithClient(client, cfg.KeyPrefix, opts...), nil
}

// NewRedisDirectoryWithClient wraps a pre-configured client. Tests use it
// with miniredis.
func NewRedisDirectoryWithClient(client redis.UniversalClient, keyPrefix string, opts ...Option) *RedisDirectory {
	if keyPrefix == "" {
		keyPrefix = DefaultRedisKeyPrefix
	}
	return &RedisDirectory{client: client, keyPrefix: keyPrefix, opts: buildOptions(opts)}
}

func (d *RedisDirectory) userKey(id string) string   { return d.keyPrefix + "user:" + id }
func (d *RedisDirectory) tokensKey(id string) string { return d.keyPrefix + "user:" + id + ":refresh" }

func (d *RedisDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	var getCmd *redis.StringCmd
	var membersCmd *redis.StringSliceCmd
	_, err := d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		getCmd = p.Get(ctx, d.userKey(id))
		membersCmd = p.SMembers(ctx, d.tokensKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	stored, err := decodeStoredUser(data)
	if err != nil {
		return nil, err
	}
	tokens, err := membersCmd.Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	slices.Sort(tokens)
	return stored.toUser(tokens), nil
}

func (d *RedisDirectory) FindByExternalIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	return d.FindByID(ctx, UserID(provider, providerID))
}

func (d *RedisDirectory) Resolve(ctx context.Context, p Profile) (*User, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	id := UserID(p.Provider, p.ProviderID)
	err := d.casUser(ctx, id, func(stored *storedUser) (*storedUser, error) {
		now := d.opts.now()
		if stored == nil {
			return toStoredUser(newUser(p, now)), nil
		}
		stored.DisplayName = p.DisplayName
		stored.Email = p.Email
		stored.Photo = p.Photo
		stored.UpdatedAt = now.UnixMilli()
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	return d.FindByID(ctx, id)
}

func (d *RedisDirectory) AddRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	n, err := addTokenScript.Run(ctx, d.client, []string{d.userKey(userID), d.tokensKey(userID)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add refresh token: %w", err)
	}
	return n >= 0, nil
}

func (d *RedisDirectory) HasRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	ok, err := d.client.SIsMember(ctx, d.tokensKey(userID), token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check refresh token: %w", err)
	}
	return ok, nil
}

func (d *RedisDirectory) RemoveRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	n, err := d.client.SRem(ctx, d.tokensKey(userID), token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return n == 1, nil
}

func (d *RedisDirectory) AddRole(ctx context.Context, userID, role string) (bool, error) {
	found := true
	err := d.casUser(ctx, userID, func(stored *storedUser) (*storedUser, error) {
		if stored == nil {
			found = false
			return nil, nil
		}
		if slices.Contains(stored.Roles, role) {
			return nil, nil
		}
		stored.Roles = append(stored.Roles, role)
		stored.UpdatedAt = d.opts.now().UnixMilli()
		return stored, nil
	})
	return found, err
}

func (d *RedisDirectory) RemoveRole(ctx context.Context, userID, role string) (bool, error) {
	found := true
	err := d.casUser(ctx, userID, func(stored *storedUser) (*storedUser, error) {
		if stored == nil {
			found = false
			return nil, nil
		}
		i := slices.Index(stored.Roles, role)
		if i < 0 {
			return nil, nil
		}
		if len(stored.Roles) == 1 {
			return nil, ErrLastRole
		}
		stored.Roles = slices.Delete(stored.Roles, i, i+1)
		stored.UpdatedAt = d.opts.now().UnixMilli()
		return stored, nil
	})
	return found, err
}

// casUser runs mutate under WATCH on the user key and writes the result in a
// MULTI block, retrying when another writer got there first. mutate receives
// nil for a missing user and returns nil to skip the write.
func (d *RedisDirectory) casUser(
	ctx context.Context, id string, mutate func(*storedUser) (*storedUser, error),
) error {
	key := d.userKey(id)
	txf := func(tx *redis.Tx) error {
		var current *storedUser
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get user: %w", err)
		default:
			if current, err = decodeStoredUser(data); err != nil {
				return err
			}
		}

		next, err := mutate(current)
		if err != nil || next == nil {
			return err
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := d.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update user %s: too much contention", id)
}

func (d *RedisDirectory) PurgeAll(ctx context.Context) error {
	if !d.opts.testMode {
		return ErrPurgeRefused
	}
	iter := d.client.Scan(ctx, 0, d.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := d.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to purge %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	return d.client.Close()
}

func toStoredUser(u *User) *storedUser {
	return &storedUser{
		ID:          u.ID,
		Provider:    u.Provider,
		ProviderID:  u.ProviderID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Photo:       u.Photo,
		Roles:       u.Roles,
		CreatedAt:   u.CreatedAt.UnixMilli(),
		UpdatedAt:   u.UpdatedAt.UnixMilli(),
	}
}

func decodeStoredUser(data []byte) (*storedUser, error) {
	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &stored, nil
}

func (s *storedUser) toUser(tokens []string) *User {
	if tokens == nil {
		tokens = []string{}
	}
	return &User{
		ID:                  s.ID,
		Provider:            s.Provider,
		ProviderID:          s.ProviderID,
		DisplayName:         s.DisplayName,
		Email:               s.Email,
		Photo:               s.Photo,
		Roles:               s.Roles,
		ActiveRefreshTokens: tokens,
		CreatedAt:           time.UnixMilli(s.CreatedAt).UTC(),
		UpdatedAt:           time.UnixMilli(s.UpdatedAt).UTC(),
	}
}
