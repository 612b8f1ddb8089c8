package directory

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver
)

// SQL driver names accepted by OpenSQL.
const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// maxCASAttempts bounds the compare-and-swap loops on the roles column.
const maxCASAttempts = 8

//go:embed migrations/*.sql
var embedMigrations embed.FS

// SQLDirectory stores users in a relational database through sqlx. Postgres
// (pgx) and SQLite (modernc) share the same schema and queries.
type SQLDirectory struct {
	db   *sqlx.DB
	opts backendOptions
}

var (
	_ Directory = (*SQLDirectory)(nil)
	_ Pinger    = (*SQLDirectory)(nil)
)

// userRow is the users table row.
type userRow struct {
	ID          string  `db:"id"`
	Provider    string  `db:"provider"`
	ProviderID  string  `db:"provider_id"`
	DisplayName string  `db:"display_name"`
	Email       *string `db:"email"`
	Photo       *string `db:"photo"`
	Roles       string  `db:"roles"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

const userColumns = `id, provider, provider_id, display_name, email, photo, roles, created_at, updated_at`

// OpenSQL connects to the database, applies pending migrations and returns
// the directory.
func OpenSQL(ctx context.Context, driver, dsn string, opts ...Option) (*SQLDirectory, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; serialize through one connection.
		db.SetMaxOpenConns(1)
	}
	if err := Migrate(ctx, db.DB, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLDirectory{db: db, opts: buildOptions(opts)}, nil
}

// Migrate applies all pending schema migrations using goose.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	migrationFS, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	dialect := database.DialectPostgres
	if driver == DriverSQLite {
		dialect = database.DialectSQLite3
	}

	provider, err := goose.NewProvider(dialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func (d *SQLDirectory) FindByID(ctx context.Context, id string) (*User, error) {
	var row userRow
	err := d.db.GetContext(ctx, &row, d.db.Rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var tokens []string
	err = d.db.SelectContext(ctx, &tokens,
		d.db.Rebind(`SELECT token FROM refresh_tokens WHERE user_id = ? ORDER BY created_at, token`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return row.toUser(tokens)
}

func (d *SQLDirectory) FindByExternalIdentity(ctx context.Context, provider, providerID string) (*User, error) {
	var id string
	err := d.db.GetContext(ctx, &id,
		d.db.Rebind(`SELECT id FROM users WHERE provider = ? AND provider_id = ?`), provider, providerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user by identity: %w", err)
	}
	return d.FindByID(ctx, id)
}

func (d *SQLDirectory) Resolve(ctx context.Context, p Profile) (*User, error) {
	if err := validateProfile(p); err != nil {
		return nil, err
	}
	u := newUser(p, d.opts.now())
	roles, err := json.Marshal(u.Roles)
	if err != nil {
		return nil, fmt.Errorf("failed to encode roles: %w", err)
	}

	_, err = d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			photo = excluded.photo,
			updated_at = excluded.updated_at`),
		u.ID, u.Provider, u.ProviderID, u.DisplayName, u.Email, u.Photo, string(roles),
		u.CreatedAt.UnixMilli(), u.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return d.FindByExternalIdentity(ctx, p.Provider, p.ProviderID)
}

func (d *SQLDirectory) AddRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	// The SELECT ... WHERE form inserts nothing for an unknown user.
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO refresh_tokens (user_id, token, created_at)
		SELECT id, ?, ? FROM users WHERE id = ?
		ON CONFLICT (user_id, token) DO NOTHING`),
		token, d.opts.now().UnixMilli(), userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to add refresh token: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	return d.exists(ctx, userID)
}

func (d *SQLDirectory) HasRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	var n int
	err := d.db.GetContext(ctx, &n,
		d.db.Rebind(`SELECT COUNT(*) FROM refresh_tokens WHERE user_id = ? AND token = ?`), userID, token)
	if err != nil {
		return false, fmt.Errorf("failed to check refresh token: %w", err)
	}
	return n > 0, nil
}

func (d *SQLDirectory) RemoveRefreshToken(ctx context.Context, userID, token string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		d.db.Rebind(`DELETE FROM refresh_tokens WHERE user_id = ? AND token = ?`), userID, token)
	if err != nil {
		return false, fmt.Errorf("failed to remove refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return n == 1, nil
}

func (d *SQLDirectory) AddRole(ctx context.Context, userID, role string) (bool, error) {
	return d.updateRoles(ctx, userID, func(roles []string) ([]string, error) {
		if slices.Contains(roles, role) {
			return nil, nil
		}
		return append(roles, role), nil
	})
}

func (d *SQLDirectory) RemoveRole(ctx context.Context, userID, role string) (bool, error) {
	return d.updateRoles(ctx, userID, func(roles []string) ([]string, error) {
		i := slices.Index(roles, role)
		if i < 0 {
			return nil, nil
		}
		if len(roles) == 1 {
			return nil, ErrLastRole
		}
		return slices.Delete(roles, i, i+1), nil
	})
}

// updateRoles applies mutate to the stored roles with a compare-and-swap on
// the encoded column. mutate returns nil roles for "no change".
func (d *SQLDirectory) updateRoles(
	ctx context.Context, userID string, mutate func([]string) ([]string, error),
) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var current string
		err := d.db.GetContext(ctx, &current, d.db.Rebind(`SELECT roles FROM users WHERE id = ?`), userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return false, nil
			}
			return false, fmt.Errorf("failed to get roles: %w", err)
		}

		var roles []string
		if err := json.Unmarshal([]byte(current), &roles); err != nil {
			return false, fmt.Errorf("failed to decode roles: %w", err)
		}
		next, err := mutate(roles)
		if err != nil {
			return true, err
		}
		if next == nil {
			return true, nil
		}
		encoded, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("failed to encode roles: %w", err)
		}

		res, err := d.db.ExecContext(ctx,
			d.db.Rebind(`UPDATE users SET roles = ?, updated_at = ? WHERE id = ? AND roles = ?`),
			string(encoded), d.opts.now().UnixMilli(), userID, current)
		if err != nil {
			return false, fmt.Errorf("failed to update roles: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return true, nil
		}
	}
	return false, fmt.Errorf("failed to update roles for %s: too much contention", userID)
}

func (d *SQLDirectory) PurgeAll(ctx context.Context) error {
	if !d.opts.testMode {
		return ErrPurgeRefused
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM refresh_tokens`); err != nil {
		return fmt.Errorf("failed to purge refresh tokens: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users`); err != nil {
		return fmt.Errorf("failed to purge users: %w", err)
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (d *SQLDirectory) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func (d *SQLDirectory) exists(ctx context.Context, userID string) (bool, error) {
	var n int
	if err := d.db.GetContext(ctx, &n, d.db.Rebind(`SELECT COUNT(*) FROM users WHERE id = ?`), userID); err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return n > 0, nil
}

func (r *userRow) toUser(tokens []string) (*User, error) {
	var roles []string
	if err := json.Unmarshal([]byte(r.Roles), &roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles: %w", err)
	}
	if tokens == nil {
		tokens = []string{}
	}
	return &User{
		ID:                  r.ID,
		Provider:            r.Provider,
		ProviderID:          r.ProviderID,
		DisplayName:         r.DisplayName,
		Email:               r.Email,
		Photo:               r.Photo,
		Roles:               roles,
		ActiveRefreshTokens: tokens,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
		UpdatedAt:           time.UnixMilli(r.UpdatedAt).UTC(),
	}, nil
}
