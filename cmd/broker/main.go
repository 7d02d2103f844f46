package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Klein241/bufferwave/internal/config"
	"github.com/Klein241/bufferwave/internal/dtn"
	"github.com/Klein241/bufferwave/internal/handlers"
	"github.com/Klein241/bufferwave/internal/logging"
	"github.com/Klein241/bufferwave/internal/metrics"
	"github.com/Klein241/bufferwave/internal/registry"
	"github.com/Klein241/bufferwave/internal/services"
	"github.com/Klein241/bufferwave/internal/storage"
	"github.com/Klein241/bufferwave/internal/tunnel"
	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "broker.toml"
	}

	cfg, err := config.LoadBroker(configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", configPath, err)
		log.Println("Using default configuration")
		cfg = config.DefaultBrokerConfig()
	}
	cfg.ApplyEnv()

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("broker stopped", zap.Error(err))
	}
	logger.Info("broker exited")
}

func run(cfg *config.BrokerConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := openStore(ctx, cfg, logger)
	defer store.Close()

	clk := clock.New()
	m := metrics.New()

	reg := registry.New(store, clk, registry.Options{
		LivenessWindow: cfg.Network.LivenessWindow(),
		SweepInterval:  cfg.Network.SweepInterval(),
	}, logger)

	queue := dtn.NewQueue(store, clk, logger)
	if n, err := queue.Load(ctx); err != nil {
		logger.Warn("failed to reload dtn queue", zap.Error(err))
	} else if n > 0 {
		logger.Info("dtn queue reloaded", zap.Int("pending", n))
	}

	broker := tunnel.NewBroker(reg, store, m, tunnel.Options{RecentSeen: cfg.Network.RecentSeen()}, logger)
	network := services.NewNetworkService(reg, queue, broker, store, m, logger)
	m.Watch(network)

	gin.SetMode(gin.ReleaseMode)
	router := handlers.NewRouter(
		handlers.NewNetworkHandler(network),
		handlers.NewTunnelHandler(ctx, broker, logger),
		m.Handler(),
		logger,
	)

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reg.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("broker listening",
			zap.String("addr", srv.Addr),
			zap.String("network", services.NetworkName),
			zap.String("version", services.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// openStore connects to PostgreSQL when enabled and falls back to the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.BrokerConfig, logger *zap.Logger) storage.Store {
	if !cfg.Database.Enabled {
		logger.Info("database disabled, using in-memory store")
		return storage.NewMemory()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := storage.New(connectCtx, cfg.Database.DatabaseURL())
	if err != nil {
		logger.Warn("database unavailable, using in-memory store", zap.Error(err))
		return storage.NewMemory()
	}
	if err := db.Migrate(); err != nil {
		logger.Warn("migrations failed", zap.Error(err))
	}
	return db
}
