package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/authgateway/internal/audit"
	"github.com/yourorg/authgateway/internal/config"
	"github.com/yourorg/authgateway/internal/directory"
	"github.com/yourorg/authgateway/internal/gate"
	"github.com/yourorg/authgateway/internal/identity"
	"github.com/yourorg/authgateway/internal/logger"
	"github.com/yourorg/authgateway/internal/metrics"
	"github.com/yourorg/authgateway/internal/provider"
	"github.com/yourorg/authgateway/internal/server"
	"github.com/yourorg/authgateway/internal/token"
)

// providerHTTPTimeout bounds every call to an identity provider.
const providerHTTPTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Environment)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, err := directory.New(ctx, cfg.DirectoryConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := dir.Close(); err != nil {
			log.Warn("failed to close directory", zap.Error(err))
		}
	}()
	log.Info("directory opened", zap.String("backend", cfg.Storage.Backend))

	handler, err := buildHandler(ctx, cfg, dir, log)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildHandler wires the token service, providers, gate and HTTP surface.
func buildHandler(ctx context.Context, cfg *config.Config, dir directory.Directory, log *zap.Logger) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	signer, err := token.NewSigner(cfg.SignerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	tokens, err := token.NewService(signer, dir, cfg.TokenConfig(), logger.WithComponent(log, "token"), token.WithMetrics(m))
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: providerHTTPTimeout}
	adapters := provider.Build(ctx, cfg.Descriptors(), client, logger.WithComponent(log, "provider"))
	if len(adapters) == 0 {
		log.Warn("no identity providers enabled; logins are impossible until one is configured")
	}
	registry := provider.NewRegistry(
		identity.NewResolver(dir, logger.WithComponent(log, "identity")),
		tokens, logger.WithComponent(log, "provider"), m, adapters...,
	)

	auditor := audit.NewZapAuditor(log)
	g := gate.New(tokens, dir, logger.WithComponent(log, "gate"), gate.WithMetrics(m), gate.WithAuditor(auditor))

	var limiter *server.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = server.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger.WithComponent(log, "ratelimit"))
	}

	srv := server.New(tokens, dir, registry, g, log, server.Options{
		CookieSecure:      cfg.Server.CookieSecure,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		RefreshTTL:        cfg.Tokens.RefreshTTL,
		Limiter:           limiter,
		Gatherer:          reg,
		Auditor:           auditor,
	})
	return srv.Routes(), nil
}
