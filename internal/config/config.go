// Package config loads gateway configuration with viper from defaults, an
// optional YAML file and AUTHGW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/provider"
	"github.com/yourorg/authgateway/internal/token"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "AUTHGW"

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Tokens    TokensConfig              `mapstructure:"tokens"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	RateLimit RateLimitConfig           `mapstructure:"rate_limit"`
}

type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	BaseURL           string        `mapstructure:"base_url"`
	CookieSecure      bool          `mapstructure:"cookie_secure"`
	TrustProxyHeaders bool          `mapstructure:"trust_proxy_headers"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Environment string `mapstructure:"environment"`
}

type TokensConfig struct {
	SigningMethod  string        `mapstructure:"signing_method"`
	Secret         string        `mapstructure:"secret"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RefreshTTL     time.Duration `mapstructure:"refresh_ttl"`
}

type StorageConfig struct {
	Backend  string      `mapstructure:"backend"`
	TestMode bool        `mapstructure:"test_mode"`
	Redis    RedisConfig `mapstructure:"redis"`
	Mongo    MongoConfig `mapstructure:"mongo"`
	SQL      SQLConfig   `mapstructure:"sql"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

type SQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ProviderConfig is one identity provider. It is enabled when both client
// credentials are set.
type ProviderConfig struct {
	Type         string   `mapstructure:"type"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	IssuerURL    string   `mapstructure:"issuer_url"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
	AuthURL      string   `mapstructure:"auth_url"`
	TokenURL     string   `mapstructure:"token_url"`
	UserInfoURL  string   `mapstructure:"userinfo_url"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// Load reads configuration. path may be empty, in which case AUTHGW_CONFIG or
// config.<env>.yaml in the usual locations is used if present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		env := strings.ToLower(os.Getenv(EnvPrefix + "_ENV"))
		if env == "" {
			env = "development"
		}
		v.SetConfigName("config." + env)
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/authgateway")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.cookie_secure", false)
	v.SetDefault("server.trust_proxy_headers", false)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.environment", "development")

	v.SetDefault("tokens.signing_method", token.MethodHS256)
	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.private_key_path", "")
	v.SetDefault("tokens.public_key_path", "")
	v.SetDefault("tokens.issuer", "authgateway")
	v.SetDefault("tokens.access_ttl", 15*time.Minute)
	v.SetDefault("tokens.refresh_ttl", 7*24*time.Hour)

	v.SetDefault("storage.backend", directory.BackendMemory)
	v.SetDefault("storage.test_mode", false)
	v.SetDefault("storage.redis.addr", "")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", directory.DefaultRedisKeyPrefix)
	v.SetDefault("storage.mongo.uri", "")
	v.SetDefault("storage.mongo.database", directory.DefaultMongoDatabase)
	v.SetDefault("storage.mongo.collection", directory.DefaultMongoCollection)
	v.SetDefault("storage.sql.dsn", "")

	// The built-in providers have keys so env overrides reach them.
	for _, name := range []string{provider.TypeGoogle, provider.TypeGitHub} {
		v.SetDefault("providers."+name+".type", name)
		v.SetDefault("providers."+name+".client_id", "")
		v.SetDefault("providers."+name+".client_secret", "")
		v.SetDefault("providers."+name+".redirect_url", "")
	}

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, fmt.Errorf("logging.level: %w", err))
		}
	}

	switch c.Tokens.SigningMethod {
	case token.MethodHS256:
		if c.Tokens.Secret == "" {
			errs = append(errs, errors.New("tokens.secret is required for HS256"))
		}
	case token.MethodRS256:
		if c.Tokens.PrivateKeyPath == "" {
			errs = append(errs, errors.New("tokens.private_key_path is required for RS256"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokens.signing_method %q is not supported", c.Tokens.SigningMethod))
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	} else if c.Tokens.AccessTTL >= c.Tokens.RefreshTTL {
		errs = append(errs, errors.New("tokens.access_ttl must be shorter than tokens.refresh_ttl"))
	}

	switch c.Storage.Backend {
	case directory.BackendMemory:
	case directory.BackendRedis:
		if c.Storage.Redis.Addr == "" {
			errs = append(errs, errors.New("storage.redis.addr is required"))
		}
	case directory.BackendMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required"))
		}
	case directory.BackendPostgres, directory.BackendSQLite:
		if c.Storage.SQL.DSN == "" {
			errs = append(errs, errors.New("storage.sql.dsn is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}

	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	return errors.Join(errs...)
}

// SignerConfig returns the token signer settings.
func (c *Config) SignerConfig() token.SignerConfig {
	return token.SignerConfig{
		Method:         c.Tokens.SigningMethod,
		Secret:         c.Tokens.Secret,
		PrivateKeyPath: c.Tokens.PrivateKeyPath,
		PublicKeyPath:  c.Tokens.PublicKeyPath,
		Issuer:         c.Tokens.Issuer,
	}
}

// TokenConfig returns the token lifetimes.
func (c *Config) TokenConfig() token.Config {
	return token.Config{AccessTTL: c.Tokens.AccessTTL, RefreshTTL: c.Tokens.RefreshTTL}
}

// DirectoryConfig returns the storage backend settings.
func (c *Config) DirectoryConfig() directory.Config {
	return directory.Config{
		Backend:  c.Storage.Backend,
		TestMode: c.Storage.TestMode,
		Redis: directory.RedisConfig{
			Addr:      c.Storage.Redis.Addr,
			Password:  c.Storage.Redis.Password,
			DB:        c.Storage.Redis.DB,
			KeyPrefix: c.Storage.Redis.KeyPrefix,
		},
		Mongo: directory.MongoConfig{
			URI:        c.Storage.Mongo.URI,
			Database:   c.Storage.Mongo.Database,
			Collection: c.Storage.Mongo.Collection,
		},
		DSN: c.Storage.SQL.DSN,
	}
}

// Descriptors returns the provider descriptors sorted by name. A missing
// redirect URL defaults to <base_url>/auth/<name>/callback.
func (c *Config) Descriptors() []provider.Descriptor {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	slices.Sort(names)

	descs := make([]provider.Descriptor, 0, len(names))
	for _, name := range names {
		p := c.Providers[name]
		redirect := p.RedirectURL
		if redirect == "" {
			redirect = strings.TrimSuffix(c.Server.BaseURL, "/") + "/auth/" + name + "/callback"
		}
		descs = append(descs, provider.Descriptor{
			Name:         name,
			Type:         p.Type,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       p.Scopes,
			IssuerURL:    p.IssuerURL,
			AuthURL:      p.AuthURL,
			TokenURL:     p.TokenURL,
			UserInfoURL:  p.UserInfoURL,
		})
	}
	return descs
}
