// Package app assembles the sync client: metadata store, resource
// metadata, content cache, drive client, scheduler and the sync
// service, built from one Config and torn down in reverse order.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openmirror/drivesync/internal/config"
	"github.com/openmirror/drivesync/internal/drive"
	"github.com/openmirror/drivesync/internal/sync/cache"
	"github.com/openmirror/drivesync/internal/sync/metadata"
	"github.com/openmirror/drivesync/internal/sync/metastore"
	"github.com/openmirror/drivesync/internal/sync/scheduler"
	"github.com/openmirror/drivesync/internal/sync/service"
)

const cacheSweepInterval = time.Hour

type App struct {
	cfg   *config.Config
	store *metastore.Store
	meta  *metadata.Metadata
	cache *cache.Cache
	api   *drive.Client
	sched *scheduler.Scheduler
	svc   *service.Service
}

func New(cfg *config.Config) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	store, rebuilt, err := metastore.Open(cfg.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	if rebuilt {
		slog.Warn("metadata store rebuilt, full listing will be fetched", "path", cfg.StorePath())
	}

	meta, err := metadata.New(store, &metadata.DiskSpaceChecker{
		Path:         cfg.DataDir,
		MinFreeBytes: cfg.MinFreeBytes,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init resource metadata: %w", err)
	}

	contentCache, err := cache.Open(cfg.CacheDir())
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open content cache: %w", err)
	}

	api, err := drive.NewClient(cfg.ServerURL, cfg.APIKey)
	if err != nil {
		contentCache.Close()
		store.Close()
		return nil, fmt.Errorf("create drive client: %w", err)
	}

	sched := scheduler.New(scheduler.Config{
		MaxMetadataJobs:              cfg.MaxMetadataJobs,
		MaxFileJobs:                  cfg.MaxFileJobs,
		BackgroundTransfersOnMetered: cfg.BackgroundTransfersOnMetered,
	}, nil)

	svc := service.New(api, meta, contentCache, sched, cfg.PollInterval)

	return &App{
		cfg:   cfg,
		store: store,
		meta:  meta,
		cache: contentCache,
		api:   api,
		sched: sched,
		svc:   svc,
	}, nil
}

// Service exposes the sync service for embedding callers.
func (a *App) Service() *service.Service { return a.svc }

// Scheduler exposes the job scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Start runs the client until ctx is cancelled, then tears everything
// down.
func (a *App) Start(ctx context.Context) error {
	slog.Info("drivesync start", "datadir", a.cfg.DataDir, "server", a.cfg.ServerURL)

	if err := a.svc.Start(ctx); err != nil {
		return fmt.Errorf("start sync service: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sweepLoop(ctx) })

	<-ctx.Done()
	slog.Info("shutting down")

	a.svc.Stop()
	a.sched.Close()
	g.Wait() //nolint:errcheck // loop exits on ctx cancel only

	if err := a.cache.Close(); err != nil {
		slog.Error("close content cache", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Error("close metadata store", "error", err)
	}
	slog.Info("drivesync stop")
	return nil
}

// sweepLoop periodically drops cache entries whose resources no longer
// exist in the metadata tree.
func (a *App) sweepLoop(ctx context.Context) error {
	timer := time.NewTimer(cacheSweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			removed, err := a.cache.Sweep(ctx, a.meta)
			if err != nil {
				slog.Error("cache sweep", "error", err)
			} else if removed > 0 {
				slog.Info("cache sweep", "removed", removed)
			}
			timer.Reset(cacheSweepInterval)
		}
	}
}
