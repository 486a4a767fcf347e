package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fossabot/otoroshi/internal/cluster"
	"github.com/fossabot/otoroshi/internal/config"
	"github.com/fossabot/otoroshi/internal/events"
	"github.com/fossabot/otoroshi/internal/gateway"
	"github.com/fossabot/otoroshi/internal/logging"
	"github.com/fossabot/otoroshi/internal/privateapps"
	"github.com/fossabot/otoroshi/internal/quota"
	"github.com/fossabot/otoroshi/internal/seccom"
	"github.com/fossabot/otoroshi/internal/stats"
	"github.com/fossabot/otoroshi/internal/view"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "otoroshi.yaml", "Path to configuration file")
	importPath := flag.String("import", "", "Import a configuration file into the datastore and exit")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("otoroshi %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	store, err := cfg.OpenStore()
	if err != nil {
		logging.Error("Failed to open datastore", zap.Error(err))
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Explicit, logged import; never a silent overwrite at startup.
	if *importPath != "" {
		imported, err := config.Load(*importPath)
		if err != nil {
			logging.Error("Import failed", zap.Error(err))
			os.Exit(1)
		}
		if err := store.Store(ctx, imported.Snapshot()); err != nil {
			logging.Error("Import store failed", zap.Error(err))
			os.Exit(1)
		}
		logging.Info("Configuration imported",
			zap.Int("services", len(imported.Services)),
			zap.Int("apiKeys", len(imported.ApiKeys)))
		return
	}

	if err := store.Store(ctx, cfg.Snapshot()); err != nil {
		logging.Error("Failed to seed datastore", zap.Error(err))
		os.Exit(1)
	}

	holder, err := view.NewHolder(ctx, store)
	if err != nil {
		logging.Error("Failed to build config view", zap.Error(err))
		os.Exit(1)
	}

	registry := stats.NewRegistry()
	publisher := events.NewPublisher(events.LogSink{}, 4096, 1000)
	defer publisher.Close()

	var leader *cluster.Leader
	if cfg.Cluster.Mode == "leader" {
		leader = cluster.NewLeader(registry, 3*cfg.Cluster.Interval.D())
	}

	gw := gateway.New(gateway.Options{
		Holder:      holder,
		Quota:       quota.New(store, time.Local),
		Sessions:    privateapps.NewSessionStore(10000, 24*time.Hour),
		Stats:       registry,
		Publisher:   publisher,
		Leader:      leader,
		Line:        cfg.Line,
		Location:    cfg.Location,
		ReplayCache: seccom.NewReplayCache(65536, time.Minute),
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.Info("Starting otoroshi",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("line", cfg.Line),
		zap.String("cluster", cfg.Cluster.Mode),
		zap.Int("services", len(cfg.Services)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		holder.Run(gctx)
		return nil
	})

	g.Go(func() error {
		err := config.Watch(gctx, *configPath, store)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if cfg.Cluster.Mode == "worker" && cfg.Cluster.LeaderURL != "" {
		worker := cluster.NewWorker(cluster.WorkerConfig{
			LeaderURL: cfg.Cluster.LeaderURL,
			NodeID:    cfg.Cluster.NodeID,
			Interval:  cfg.Cluster.Interval.D(),
			Registry:  registry,
		})
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
