package main

import (
	"context"
	"fmt"

	"lsifd/internal/cache"
	"lsifd/internal/config"
	"lsifd/internal/database"
	"lsifd/internal/gitserver"
	"lsifd/internal/jobs"
	"lsifd/internal/logging"
	"lsifd/internal/metrics"
	"lsifd/internal/storage"
	"lsifd/internal/xrepo"
)

// environment bundles the shared state both processes build at startup.
type environment struct {
	cfg     config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	paths   *storage.PathSet
	xrepo   *xrepo.Store
	jobs    *jobs.Store
	caches  database.Caches
	git     xrepo.GitserverClient
}

// buildEnvironment loads configuration and opens the shared databases. The
// filename migration runs as soon as the cross-repo database is open, before
// the job store is opened.
func buildEnvironment(ctx context.Context) (*environment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.NewLogger(logging.Config{
		Format: logging.Format(cfg.Logging.Format),
		Level:  logging.LogLevel(cfg.Logging.Level),
	})
	m := metrics.Shared()

	paths, err := storage.NewPathSet(cfg.StorageRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare storage root: %w", err)
	}

	xrepoStore, err := xrepo.OpenStore(ctx, logger, paths.XrepoDBFilename())
	if err != nil {
		return nil, fmt.Errorf("failed to open cross-repo database: %w", err)
	}

	if err := paths.MigrateFilenames(logger, func(repository, commit string) (int64, bool, error) {
		dump, ok, err := xrepoStore.GetDump(ctx, repository, commit, "")
		if err != nil || !ok {
			return 0, ok, err
		}
		return dump.ID, true, nil
	}); err != nil {
		xrepoStore.Close()
		return nil, fmt.Errorf("failed to migrate dump filenames: %w", err)
	}

	jobStore, err := jobs.OpenStore(logger, paths.JobsDBFilename())
	if err != nil {
		xrepoStore.Close()
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}

	var git xrepo.GitserverClient
	if cfg.GitserverURL != "" {
		git = gitserver.NewClient(cfg.GitserverURL)
	}

	return &environment{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		paths:   paths,
		xrepo:   xrepoStore,
		jobs:    jobStore,
		caches: database.Caches{
			Connections:  cache.NewConnectionCache(cfg.Cache.ConnectionCapacity, m),
			Documents:    cache.NewDocumentCache(cfg.Cache.DocumentCapacity, m),
			ResultChunks: cache.NewResultChunkCache(cfg.Cache.ResultChunkCapacity, m),
		},
		git: git,
	}, nil
}

// Close releases the shared database handles.
func (e *environment) Close() {
	e.jobs.Close()
	e.xrepo.Close()
}
