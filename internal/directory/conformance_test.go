package directory

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// factory builds a fresh, isolated directory for a single test.
type factory func(t *testing.T, opts ...Option) Directory

func memoryFactory(t *testing.T, opts ...Option) Directory {
	t.Helper()
	return NewInMemoryDirectory(opts...)
}

func sqliteFactory(t *testing.T, opts ...Option) Directory {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "directory.db") + "?_pragma=busy_timeout(5000)"
	d, err := OpenSQL(t.Context(), DriverSQLite, dsn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func redisFactory(t *testing.T, opts ...Option) Directory {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewRedisDirectoryWithClient(client, "test:", opts...)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func mongoFactory(t *testing.T, opts ...Option) Directory {
	t.Helper()
	uri := os.Getenv("AUTHGW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AUTHGW_TEST_MONGO_URI not set")
	}
	d, err := NewMongoDirectory(t.Context(), MongoConfig{
		URI:        uri,
		Database:   "authgw_test",
		Collection: "users_" + uuid.NewString(),
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = d.users.Drop(context.Background())
		_ = d.Close()
	})
	return d
}

var backends = map[string]factory{
	"memory": memoryFactory,
	"sqlite": sqliteFactory,
	"redis":  redisFactory,
	"mongo":  mongoFactory,
}

// stepClock returns base and advances by one second on every call.
func stepClock(base time.Time) func() time.Time {
	var calls atomic.Int64
	return func() time.Time {
		return base.Add(time.Duration(calls.Add(1)-1) * time.Second)
	}
}

var base = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestDirectoryConformance(t *testing.T) {
	t.Parallel()
	for name, newDir := range backends {
		name, newDir := name, newDir
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			runConformance(t, newDir)
		})
	}
}

func runConformance(t *testing.T, newDir factory) {
	t.Helper()

	t.Run("resolve creates user with default role", func(t *testing.T) {
		d := newDir(t, WithClock(stepClock(base)))
		ctx := t.Context()

		u, err := d.Resolve(ctx, Profile{
			Provider: "google", ProviderID: "abc123", DisplayName: "Ada",
			Email: strPtr("ada@example.com"),
		})
		require.NoError(t, err)

		assert.Equal(t, UserID("google", "abc123"), u.ID)
		assert.Equal(t, "google", u.Provider)
		assert.Equal(t, "abc123", u.ProviderID)
		assert.Equal(t, "Ada", u.DisplayName)
		require.NotNil(t, u.Email)
		assert.Equal(t, "ada@example.com", *u.Email)
		assert.Nil(t, u.Photo)
		assert.Equal(t, []string{DefaultRole}, u.Roles)
		assert.Empty(t, u.ActiveRefreshTokens)
		assert.True(t, u.CreatedAt.Equal(base))
	})

	t.Run("resolve is idempotent and updates in place", func(t *testing.T) {
		d := newDir(t, WithClock(stepClock(base)))
		ctx := t.Context()

		first, err := d.Resolve(ctx, Profile{Provider: "github", ProviderID: "42", DisplayName: "old"})
		require.NoError(t, err)
		second, err := d.Resolve(ctx, Profile{
			Provider: "github", ProviderID: "42", DisplayName: "new", Photo: strPtr("https://img/1.png"),
		})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "new", second.DisplayName)
		require.NotNil(t, second.Photo)
		assert.Equal(t, "https://img/1.png", *second.Photo)
		assert.True(t, second.CreatedAt.Equal(first.CreatedAt))
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		found, err := d.FindByExternalIdentity(ctx, "github", "42")
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
		assert.Equal(t, "new", found.DisplayName)
	})

	t.Run("same subject on different providers are different users", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()

		a, err := d.Resolve(ctx, Profile{Provider: "google", ProviderID: "1", DisplayName: "a"})
		require.NoError(t, err)
		b, err := d.Resolve(ctx, Profile{Provider: "github", ProviderID: "1", DisplayName: "b"})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("resolve rejects incomplete profile", func(t *testing.T) {
		d := newDir(t)
		_, err := d.Resolve(t.Context(), Profile{Provider: "google", DisplayName: "x"})
		assert.ErrorIs(t, err, ErrInvalidProfile)
	})

	t.Run("find unknown user", func(t *testing.T) {
		d := newDir(t)
		_, err := d.FindByID(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = d.FindByExternalIdentity(t.Context(), "google", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refresh token set", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		u, err := d.Resolve(ctx, Profile{Provider: "google", ProviderID: "rt", DisplayName: "r"})
		require.NoError(t, err)

		ok, err := d.AddRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = d.AddRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := d.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"token-a"}, got.ActiveRefreshTokens)

		has, err := d.HasRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.True(t, has)

		removed, err := d.RemoveRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.True(t, removed)
		removed, err = d.RemoveRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.False(t, removed)

		has, err = d.HasRefreshToken(ctx, u.ID, "token-a")
		require.NoError(t, err)
		assert.False(t, has)
	})

	t.Run("refresh token for unknown user", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()

		ok, err := d.AddRefreshToken(ctx, "missing", "token")
		require.NoError(t, err)
		assert.False(t, ok)
		has, err := d.HasRefreshToken(ctx, "missing", "token")
		require.NoError(t, err)
		assert.False(t, has)
		removed, err := d.RemoveRefreshToken(ctx, "missing", "token")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("concurrent removal has a single winner", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		u, err := d.Resolve(ctx, Profile{Provider: "google", ProviderID: "race", DisplayName: "r"})
		require.NoError(t, err)
		_, err = d.AddRefreshToken(ctx, u.ID, "contested")
		require.NoError(t, err)

		const workers = 16
		var wins atomic.Int32
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				removed, err := d.RemoveRefreshToken(ctx, u.ID, "contested")
				assert.NoError(t, err)
				if removed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("roles", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		u, err := d.Resolve(ctx, Profile{Provider: "google", ProviderID: "roles", DisplayName: "r"})
		require.NoError(t, err)

		ok, err := d.AddRole(ctx, u.ID, "admin")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = d.AddRole(ctx, u.ID, "admin")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := d.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user", "admin"}, got.Roles)

		ok, err = d.RemoveRole(ctx, u.ID, "user")
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = d.RemoveRole(ctx, u.ID, "admin")
		assert.ErrorIs(t, err, ErrLastRole)

		got, err = d.FindByID(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"admin"}, got.Roles)

		ok, err = d.AddRole(ctx, "missing", "admin")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = d.RemoveRole(ctx, "missing", "admin")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("resolve keeps roles and tokens", func(t *testing.T) {
		d := newDir(t)
		ctx := t.Context()
		p := Profile{Provider: "google", ProviderID: "keep", DisplayName: "k"}
		u, err := d.Resolve(ctx, p)
		require.NoError(t, err)
		_, err = d.AddRole(ctx, u.ID, "editor")
		require.NoError(t, err)
		_, err = d.AddRefreshToken(ctx, u.ID, "kept")
		require.NoError(t, err)

		p.DisplayName = "k2"
		again, err := d.Resolve(ctx, p)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user", "editor"}, again.Roles)
		assert.Equal(t, []string{"kept"}, again.ActiveRefreshTokens)
	})

	t.Run("purge refused outside test mode", func(t *testing.T) {
		d := newDir(t)
		assert.ErrorIs(t, d.PurgeAll(t.Context()), ErrPurgeRefused)
	})

	t.Run("purge in test mode", func(t *testing.T) {
		d := newDir(t, WithTestMode(true))
		ctx := t.Context()
		u, err := d.Resolve(ctx, Profile{Provider: "google", ProviderID: "purge", DisplayName: "p"})
		require.NoError(t, err)

		require.NoError(t, d.PurgeAll(ctx))
		_, err = d.FindByID(ctx, u.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ping", func(t *testing.T) {
		p, ok := newDir(t).(Pinger)
		if !ok {
			t.Skip("backend has no connection to check")
		}
		assert.NoError(t, p.Ping(t.Context()))
	})
}

func TestRedisPingReportsOutage(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	d := NewRedisDirectoryWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = d.Close() })

	require.NoError(t, d.Ping(t.Context()))
	mr.Close()
	assert.Error(t, d.Ping(t.Context()))
}

func TestUserIDIsDeterministic(t *testing.T) {
	t.Parallel()
	assert.Equal(t, UserID("google", "abc123"), UserID("google", "abc123"))
	assert.NotEqual(t, UserID("google", "abc123"), UserID("github", "abc123"))
	// The separator keeps ("ab", "c") and ("a", "bc") apart.
	assert.NotEqual(t, UserID("ab", "c"), UserID("a", "bc"))
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := New(t.Context(), Config{Backend: "cassandra"})
	assert.Error(t, err)
}

func TestNewMemoryBackendHonorsTestMode(t *testing.T) {
	t.Parallel()
	d, err := New(t.Context(), Config{Backend: BackendMemory, TestMode: true})
	require.NoError(t, err)
	assert.NoError(t, d.PurgeAll(t.Context()))
}
