package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/cloudrelay/internal/broker"
	"github.com/jkaninda/cloudrelay/internal/config"
	"github.com/jkaninda/cloudrelay/internal/credstore"
	"github.com/jkaninda/cloudrelay/internal/observability"
	"github.com/jkaninda/cloudrelay/internal/ratelimit"
	"github.com/jkaninda/cloudrelay/internal/secrets"
)

// limiterIdle is how long a session bucket may sit unused before it is pruned.
const limiterIdle = 15 * time.Minute

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the key broker",
	Long: `Start the key broker HTTP server.

The broker accepts credential registrations, answers status and revocation
requests and forwards proxied calls to the provider API with the bound key.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides broker.listen_addr)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if serveListen != "" {
		if cfg.Broker == nil {
			cfg.Broker = &config.BrokerConfig{}
		}
		cfg.Broker.ListenAddr = serveListen
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	sealer, err := initSealer(ctx, cfg, secrets.Default())
	if err != nil {
		return err
	}
	store, err := initStore(cfg, sealer, logger)
	if err != nil {
		return fmt.Errorf("initializing credential store: %w", err)
	}
	defer func() { _ = store.Close() }()

	var limiter *ratelimit.Limiter
	if rpm, burst := cfg.RateLimitRPM(); rpm > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: rpm, BurstSize: burst})
	}

	srv, err := broker.New(broker.ConfigFrom(cfg, version), store, limiter, obs, logger)
	if err != nil {
		return err
	}

	sweeper, err := credstore.NewSweeper(store, cfg.Broker.Sweep(), logger)
	if err != nil {
		return err
	}
	sweeper.OnPurge(func(n int) {
		obs.MetricsOrNil().RecordPurge(n)
		srv.RefreshMetrics(ctx)
	})
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if limiter != nil {
		pruner := cron.New()
		if _, err := pruner.AddFunc("@every 5m", func() {
			if n := limiter.Prune(limiterIdle); n > 0 {
				logger.Debug("pruned idle rate limit buckets", slog.Int("count", n))
			}
		}); err != nil {
			return fmt.Errorf("scheduling limiter prune: %w", err)
		}
		pruner.Start()
		defer pruner.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("broker server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Broker.ShutdownTimeout())
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("broker shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("key broker stopped")
	return nil
}
