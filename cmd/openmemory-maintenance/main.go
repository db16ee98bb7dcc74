// Command openmemory-maintenance runs the background lifecycle jobs (salience
// decay, waypoint flush, orphan-vector prune, weak-waypoint prune) against an
// OpenMemory database, either continuously or as a one-shot pass.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/openmemory/internal/config"
	"github.com/scrypster/openmemory/internal/hsg"
	"github.com/scrypster/openmemory/internal/storage"
	"github.com/scrypster/openmemory/internal/storage/postgres"
	"github.com/scrypster/openmemory/internal/storage/sqlite"
)

var (
	backend  = flag.String("backend", "", "Storage backend: sqlite or postgres (overrides config)")
	dbPath   = flag.String("db", "", "Path to SQLite database file (overrides config)")
	interval = flag.Duration("interval", 0, "Decay scan interval (overrides config)")
	oneshot  = flag.Bool("oneshot", false, "Run one decay and prune pass, then exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *backend != "" {
		cfg.Storage.MetadataBackend = *backend
	}
	if *dbPath != "" {
		cfg.Storage.DBPath = *dbPath
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, vectors, closeFn, err := openStores(cfg)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeFn()

	decayInterval := time.Duration(cfg.Maintenance.DecayIntervalMinutes) * time.Minute
	if *interval > 0 {
		decayInterval = *interval
	}
	chunksPerSecond := 10.0
	if cfg.Maintenance.DecaySleepMs > 0 {
		chunksPerSecond = 1000.0 / float64(cfg.Maintenance.DecaySleepMs)
	}

	m := hsg.NewMaintenance(store, vectors, hsg.NewCoactivationBuffer(), hsg.MaintenanceConfig{
		DecayInterval:        decayInterval,
		DecayChunksPerSecond: chunksPerSecond,
		DecayRatio:           cfg.Maintenance.DecayRatio,
	}, logger)

	ctx := context.Background()

	if *oneshot {
		if err := m.RunDecay(ctx); err != nil {
			logger.Fatal("decay pass failed", zap.Error(err))
		}
		if err := m.RunPrune(ctx); err != nil {
			logger.Fatal("prune pass failed", zap.Error(err))
		}
		logger.Info("maintenance pass complete")
		return
	}

	m.Start(ctx)
	logger.Info("maintenance service started",
		zap.String("backend", cfg.Storage.MetadataBackend),
		zap.Duration("decay_interval", decayInterval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	m.Stop()
}

func openStores(cfg *config.Config) (storage.Store, storage.VectorStore, func(), error) {
	var cipher storage.ContentCipher
	if cfg.Storage.EncryptionKey != "" {
		c, err := storage.NewAESCipher(cfg.Storage.EncryptionKey)
		if err != nil {
			return nil, nil, nil, err
		}
		cipher = c
	}

	if cfg.Storage.MetadataBackend == "postgres" {
		s, err := postgres.Open(cfg.Storage.PGConnString(), postgres.Options{
			Cipher:    cipher,
			VectorDim: cfg.Embedding.VecDim,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, func() { _ = s.Close() }, nil
	}

	s, err := sqlite.Open(cfg.Storage.DBPath, sqlite.Options{Cipher: cipher})
	if err != nil {
		return nil, nil, nil, err
	}
	return s, s, func() { _ = s.Close() }, nil
}
