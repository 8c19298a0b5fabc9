package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/api"
	"github.com/chainsync-io/chainsync/backfill"
	"github.com/chainsync-io/chainsync/client"
	"github.com/chainsync-io/chainsync/engine"
	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/internal/config"
	"github.com/chainsync-io/chainsync/internal/logger"
	"github.com/chainsync-io/chainsync/store"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		dbPath      = flag.String("db", "", "Cache database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
		enableAPI   = flag.Bool("api", false, "Enable HTTP status API")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("chainsync version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	applyFlags(cfg, *dbPath, *logLevel, *logFormat, *enableAPI)

	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting chainsync",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("db_path", cfg.Database.Path),
		zap.Int("networks", len(cfg.Networks)),
		zap.Int("sources", len(cfg.Sources)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("chainsync stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("chainsync stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	st, err := store.NewPebbleStore(&store.Config{
		Path:      cfg.Database.Path,
		CacheSize: cfg.Database.CacheSize,
		ReadOnly:  cfg.Database.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("failed to open cache store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close cache store", zap.Error(err))
		}
	}()
	log.Info("Cache store opened", zap.String("path", cfg.Database.Path))

	networks, clients, err := buildNetworks(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	eng, err := engine.New(networks, engine.Options{
		Store:        st,
		Logger:       log,
		Metrics:      registry,
		StreamBuffer: cfg.Stream.Buffer,
		Backfill:     backfillConfig(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiConfig := api.DefaultConfig()
		apiConfig.Host = cfg.API.Host
		apiConfig.Port = cfg.API.Port
		apiServer, err = api.NewServer(apiConfig, log, eng, registry, version)
		if err != nil {
			return fmt.Errorf("failed to build api server: %w", err)
		}
		go func() {
			if err := apiServer.Start(); err != nil {
				log.Error("API server failed", zap.Error(err))
			}
		}()
	}

	// The stream must be consumed or the engine stalls on backpressure.
	// The binary logs a progress line per block batch; embedders replace
	// this loop with their own event handling.
	go consumeEvents(eng, log)
	go consumeErrors(eng, log)

	runErr := eng.Run(ctx)

	if apiServer != nil {
		if err := apiServer.Shutdown(context.Background()); err != nil {
			log.Error("Failed to stop API server gracefully", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// buildNetworks translates network and source declarations into their
// runtime form and dials one RPC client per network.
func buildNetworks(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]engine.Network, []*client.Client, error) {
	var (
		networks []engine.Network
		clients  []*client.Client
	)
	for i := range cfg.Networks {
		nc := &cfg.Networks[i]

		cl, err := client.New(ctx, &client.Config{
			Endpoint: nc.RPCEndpoint,
			Timeout:  nc.RPCTimeout,
			MaxRPS:   nc.MaxRPS,
			Logger:   log,
		})
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, nil, fmt.Errorf("network %s: %w", nc.Name, err)
		}
		clients = append(clients, cl)

		chainID, err := cl.GetChainID(ctx)
		if err != nil {
			log.Warn("Failed to verify chain id",
				zap.String("network", nc.Name),
				zap.Error(err),
			)
		} else if chainID != nc.ChainID {
			for _, c := range clients {
				c.Close()
			}
			return nil, nil, fmt.Errorf("network %s: endpoint reports chain id %d, config says %d", nc.Name, chainID, nc.ChainID)
		}

		n := engine.Network{
			Network: nc.ToNetwork(),
			Client:  cl,
		}
		for j := range cfg.Sources {
			sc := &cfg.Sources[j]
			if sc.Network != nc.Name {
				continue
			}
			src, err := sc.ToSource(nc)
			if err != nil {
				for _, c := range clients {
					c.Close()
				}
				return nil, nil, err
			}
			n.Sources = append(n.Sources, src)
		}
		networks = append(networks, n)

		log.Info("Network configured",
			zap.String("network", nc.Name),
			zap.Uint64("chain_id", nc.ChainID),
			zap.Int("sources", len(n.Sources)),
		)
	}
	return networks, clients, nil
}

func consumeEvents(eng *engine.Engine, log *zap.Logger) {
	for ev := range eng.Events() {
		switch e := ev.(type) {
		case *events.BlockEvent:
			if len(e.Events) > 0 {
				log.Debug("block processed",
					zap.String("network", e.Network),
					zap.Uint64("block", e.Checkpoint.BlockNumber),
					zap.Int("events", len(e.Events)),
				)
			}
		case *events.ReorgEvent:
			log.Warn("reorg detected",
				zap.String("network", e.Network),
				zap.Uint64("common_ancestor", e.Checkpoint.BlockNumber),
			)
		case *events.FinalizeEvent:
			log.Debug("blocks finalized",
				zap.String("network", e.Network),
				zap.Uint64("block", e.Checkpoint.BlockNumber),
			)
		}
	}
}

func consumeErrors(eng *engine.Engine, log *zap.Logger) {
	for e := range eng.Errors() {
		if e.Fatal {
			log.Error("sync failed", zap.Error(e.Err))
			continue
		}
		log.Warn("network degraded",
			zap.String("network", e.Network),
			zap.Error(e.Err),
		)
	}
}

// loadConfig loads environment files and the layered configuration.
func loadConfig(configFile string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}
	return config.Load(configFile)
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line overrides to configuration.
func applyFlags(cfg *config.Config, dbPath, logLevel, logFormat string, enableAPI bool) {
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if enableAPI {
		cfg.API.Enabled = true
	}
}

func backfillConfig(cfg *config.Config) backfill.Config {
	return backfill.Config{
		LogWorkers:      cfg.Backfill.LogWorkers,
		BlockWorkers:    cfg.Backfill.BlockWorkers,
		MaxAttempts:     cfg.Backfill.MaxAttempts,
		HeaderBatchSize: cfg.Backfill.HeaderBatchSize,
	}
}
