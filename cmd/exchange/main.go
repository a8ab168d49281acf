package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dexcore/internal/config"
	"dexcore/internal/exchange"
	"dexcore/internal/graph"
	"dexcore/internal/metrics"
	"dexcore/internal/persistence"
	"dexcore/internal/stream"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const reconcileInterval = 30 * time.Second

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		// .env file is optional
		log.Debug().Msg("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Setup logging
	setupLogging(cfg.Logging)
	log.Info().Msg("Starting exchange engine")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("Application error")
	}

	log.Info().Msg("Exchange shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Initialize metrics
	m := metrics.New(nil)
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
		log.Info().Int("port", cfg.Metrics.Port).Msg("Metrics server started")
	}

	// Deploy the engine
	ex, err := exchange.New(ctx, cfg.Exchange, m)
	if err != nil {
		return err
	}

	// Initialize the event stream
	if cfg.Stream.Enabled {
		streamSrv := stream.NewServer(m)
		ex.Subscribe(streamSrv)
		if err := streamSrv.Start(cfg.Stream.Port, cfg.Stream.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			streamSrv.Shutdown(shutdownCtx)
		}()
	}

	// Initialize persistence
	var store *persistence.Store
	if cfg.Persistence.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Persistence.SQLitePath), 0o755); err != nil {
			return err
		}
		store, err = persistence.NewStore(cfg.Persistence.SQLitePath)
		if err != nil {
			return err
		}
		defer store.Close()
		log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("SQLite initialized")
	}

	// Scenario completion without keep-alive stops the group
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Keep the route graph in line with the registry
	g.Go(func() error {
		return reconcileLoop(gCtx, ex)
	})

	if cfg.Scenario.Enabled {
		g.Go(func() error {
			log.Info().Msg("Running scenario...")
			if err := runScenario(gCtx, ex, cfg.Scenario, store); err != nil {
				return err
			}
			if !cfg.Scenario.KeepAlive {
				stop()
			}
			return nil
		})
	} else {
		log.Info().Msg("No scenario configured, serving until shutdown")
	}

	// Wait for all goroutines
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}

	return nil
}

func runScenario(ctx context.Context, ex *exchange.Exchange, cfg config.ScenarioConfig, store *persistence.Store) error {
	if _, err := ex.RunScenario(ctx, cfg); err != nil {
		return err
	}
	logReconcile(ex.Reconcile())

	nodes, edges, pools := ex.Graph.Stats()
	log.Info().
		Int("nodes", nodes).
		Int("edges", edges).
		Int("pools", pools).
		Msg("Route graph built")

	// Validate graph consistency
	if !ex.Graph.Graph().ValidateAndLog() {
		log.Warn().Msg("Graph validation failed - routes through invalid pools may be missed")
	}

	if store != nil {
		return ex.Save(ctx, store)
	}
	return nil
}

func reconcileLoop(ctx context.Context, ex *exchange.Exchange) error {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			logReconcile(ex.Reconcile())
		}
	}
}

func logReconcile(res *graph.ReconcileResult) {
	if res.PoolsAdded+res.PoolsUpdated > 0 {
		log.Warn().
			Int("added", res.PoolsAdded).
			Int("updated", res.PoolsUpdated).
			Msg("Route graph had drifted from the registry")
	}
}

func setupLogging(cfg config.LoggingConfig) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}
