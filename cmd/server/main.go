package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const routeCacheTTL = 5 * time.Minute

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "dispatch")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	archive, profiles, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	oracle, err := newOracle(cfg, logger)
	if err != nil {
		return err
	}

	routes := eta.NewCache(routeCacheTTL)
	positions := geo.NewStore(cfg.Dispatch.PresenceStaleAfter, cfg.Dispatch.PresenceEvictAfter)
	channels := hub.New(cfg.Dispatch.HeartbeatTimeout, logger)
	deps := dispatch.Deps{
		Positions: positions,
		Oracle:    &eta.Cached{Oracle: oracle, Cache: routes},
		Fares:     pricing.NewCalculator(cfg.Fare),
		Payments:  newPayments(cfg, logger),
		Archive:   archive,
		Profiles:  profiles,
		Notifier:  channels,
		Logger:    logger,
	}

	var producer *ingest.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaLifecycleTopic, logger)
		deps.Events = producer
		positions.OnUpdate(func(p models.DriverPresence) {
			if err := producer.PublishLocation(p); err != nil {
				logger.Warn("position publish failed", "driver_id", p.DriverID, "error", err)
			}
		})
		logger.Info("kafka producer enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic, "lifecycle_topic", cfg.KafkaLifecycleTopic)
	}
	if cfg.PushEndpoint != "" {
		deps.Push = dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey)
	}

	coord := dispatch.New(cfg.Dispatch, deps)
	channels.SetHandler(coord)

	go positions.Run(ctx, cfg.Dispatch.PresenceStaleAfter)
	go routes.Run(ctx, routeCacheTTL)
	go coord.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(coord, channels, auth.NewVerifier(cfg.JWTSecret), logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dispatch engine listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// sessions are cancelled before channels go away so parties still hear about it
	if err := coord.Close(shutdownCtx); err != nil {
		logger.Warn("coordinator shutdown", "error", err)
	}
	channels.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn("kafka producer close", "error", err)
		}
	}
	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.RideArchive, storage.Profiles, func(), error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set, using in-memory ride archive")
		m := storage.NewMemoryStore()
		return m, m, func() {}, nil
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ps, err := storage.NewPostgresStore(pctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		applied, err := ps.Migrate(pctx)
		if err != nil {
			ps.Close()
			return nil, nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied", "files", applied)
	}
	return ps, ps, func() { ps.Close() }, nil
}

func newOracle(cfg config.ServerConfig, logger *slog.Logger) (eta.Oracle, error) {
	switch {
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			return nil, err
		}
		logger.Info("distance oracle: google maps")
		return g, nil
	case cfg.OSRMURL != "":
		logger.Info("distance oracle: osrm", "endpoint", cfg.OSRMURL)
		return eta.NewOSRMClient(cfg.OSRMURL), nil
	}
	logger.Warn("no routing backend configured, using straight-line estimates")
	return eta.Straight{SpeedMps: cfg.Dispatch.DefaultSpeedMps}, nil
}

func newPayments(cfg config.ServerConfig, logger *slog.Logger) payments.Verifier {
	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set, accepting any payment reference")
		return payments.ReferenceVerifier{}
	}
	return payments.NewStripeVerifier(cfg.StripeAPIKey)
}
