package directory

import (
	"context"
	"fmt"
)

// Backend names selectable through configuration.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config selects and configures a backend.
type Config struct {
	Backend  string
	TestMode bool
	Redis    RedisConfig
	Mongo    MongoConfig
	// DSN is the connection string for the postgres and sqlite backends.
	DSN string
}

// New constructs the configured backend.
func New(ctx context.Context, cfg Config, opts ...Option) (Directory, error) {
	opts = append([]Option{WithTestMode(cfg.TestMode)}, opts...)

	var (
		d   Directory
		err error
	)
	switch cfg.Backend {
	case BackendMemory, "":
		return NewInMemoryDirectory(opts...), nil
	case BackendRedis:
		d, err = NewRedisDirectory(ctx, cfg.Redis, opts...)
	case BackendMongo:
		d, err = NewMongoDirectory(ctx, cfg.Mongo, opts...)
	case BackendPostgres:
		d, err = OpenSQL(ctx, DriverPostgres, cfg.DSN, opts...)
	case BackendSQLite:
		d, err = OpenSQL(ctx, DriverSQLite, cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s directory: %w", cfg.Backend, err)
	}
	return d, nil
}
