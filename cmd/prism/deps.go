package main

import (
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/config"
	"github.com/hpungsan/prism/internal/db"
	"github.com/hpungsan/prism/internal/ops"
	"github.com/hpungsan/prism/internal/probe"
)

// buildDeps wires the capability cache, the probe runner and the history
// recorder. The returned func flushes pending cache writes.
func buildDeps(baseDir string, cfg *config.Config, database *sql.DB, logger zerolog.Logger) (ops.Deps, func(), error) {
	static, err := capability.LoadStaticTable(cfg.StaticTablePath)
	if err != nil {
		return ops.Deps{}, nil, fmt.Errorf("failed to load static table: %w", err)
	}

	probed, overrides, err := capabilityStores(baseDir, cfg, database)
	if err != nil {
		return ops.Deps{}, nil, err
	}

	retries := cfg.Retries()
	client := probe.NewClient(probe.ClientOptions{
		Timeout: cfg.ProbeTimeout(),
		Retries: &retries,
		Logger:  logger,
	})
	targets := ops.NewTargetResolver(cfg, baseDir)
	runner := probe.NewRunner(client, targets, db.NewHistory(database), logger)

	cache := capability.New(capability.Options{
		Probed:    probed,
		Overrides: overrides,
		Static:    static,
		Prober:    runner,
		TTL:       cfg.CacheTTL(),
		Debounce:  cfg.PersistDebounce(),
		Logger:    logger,
	})
	if err := cache.LoadError(); err != nil {
		logger.Warn().Err(err).Msg("capability cache started with an empty layer")
	}

	deps := ops.Deps{
		Config:  cfg,
		Cache:   cache,
		Runner:  runner,
		Targets: targets,
		DB:      database,
		Logger:  logger,
	}
	return deps, cache.Close, nil
}

// capabilityStores picks the persistence for the probed and override layers.
func capabilityStores(baseDir string, cfg *config.Config, database *sql.DB) (capability.Store, capability.Store, error) {
	switch cfg.CacheBackend {
	case "", config.BackendJSON:
		return capability.NewFileStore(filepath.Join(baseDir, capability.ProbedFile)),
			capability.NewFileStore(filepath.Join(baseDir, capability.OverridesFile)),
			nil
	case config.BackendSQLite:
		path := filepath.Join(baseDir, db.FileName)
		return db.NewCapabilityStore(database, db.LayerProbed, path),
			db.NewCapabilityStore(database, db.LayerOverrides, path),
			nil
	default:
		return nil, nil, fmt.Errorf("unknown cache_backend %q", cfg.CacheBackend)
	}
}
