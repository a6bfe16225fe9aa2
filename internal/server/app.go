// internal/server/app.go
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/audit"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/backup"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/blob"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/config"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/integrity"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/linkage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/membership"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/records"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/security"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/storage"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/telemetry"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/tithe"
)

// App is the assembled record core: one substrate, one registry, and the services over it.
type App struct {
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
	Store      storage.Store
	Security   *security.Manager
	Trail      *audit.Trail
	Registry   *records.Registry
	Membership membership.Service
	Linkage    linkage.Service
	Tithe      tithe.Service
	Integrity  *integrity.Engine
	Backup     *backup.Service
	Now        func() time.Time

	closers []func() error
}

// Build opens the substrate and wires every service. now may be nil.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, now func() time.Time) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	app := &App{Logger: logger, Metrics: telemetry.NewMetrics(), Now: now}

	// Step 1: open the raw substrate
	raw, err := storage.Open(ctx, storage.Options{Driver: cfg.Storage.Driver, DSN: cfg.Storage.ResolvedDSN()})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	app.closers = append(app.closers, raw.Close)
	app.Store = raw

	// Step 2: the security record always lives unsealed; it carries the salt for everything else
	app.Security = security.NewManager(raw, now)
	sec, err := app.Security.Load(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}
	var recordStore storage.Store = raw
	if cfg.Storage.SealPassphrase != "" {
		key, err := security.DeriveKey(cfg.Storage.SealPassphrase, sec.KeySalt)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("derive seal key: %w", err)
		}
		sealed, err := storage.NewSealed(raw, key)
		if err != nil {
			app.Close()
			return nil, err
		}
		recordStore = sealed
	}

	// Step 3: audit trail and optional fan-out
	trailOpts := []audit.Option{
		audit.WithClock(now),
		audit.WithLogger(logger),
		audit.WithDiagnostics(app.Metrics),
		audit.WithRetention(app.Security),
		audit.WithPruneHook(app.Metrics.AuditPruned),
	}
	if cfg.Audit.NATSURL != "" {
		sink, err := audit.NewNATSSink(cfg.Audit.NATSURL, cfg.Audit.NATSSubject)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("connect audit sink: %w", err)
		}
		app.closers = append(app.closers, sink.Close)
		trailOpts = append(trailOpts, audit.WithSink(sink))
	}
	app.Trail = audit.NewTrail(recordStore, trailOpts...)

	// Step 4: record store and domain services
	app.Registry = records.NewRegistry(records.Deps{
		Store:       recordStore,
		Audit:       app.Trail,
		Diagnostics: app.Metrics,
		Logger:      logger,
		Clock:       now,
	})
	app.Membership = membership.NewService(app.Registry, logger, now)
	app.Linkage = linkage.NewService(app.Registry, logger, now)
	app.Tithe = tithe.NewService(app.Registry, logger, now)

	// Step 5: integrity checks and backups
	app.Integrity = integrity.NewEngine(
		integrity.WithLogger(logger),
		integrity.WithClock(now),
		integrity.WithObserver(app.Metrics.ObserveCheck),
	)
	app.Integrity.Register(integrity.DefaultChecks(integrity.Sources{
		Links:  app.Linkage,
		Ledger: app.Tithe,
		Audit:  app.Trail,
	})...)

	blobs, err := blob.Open(ctx, blob.Options{Driver: cfg.Backup.Driver, Root: cfg.Backup.Root, S3: cfg.Backup.S3})
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("open backup store: %w", err)
	}
	app.Backup = backup.NewService(raw, blobs, app.Security,
		backup.WithLogger(logger),
		backup.WithClock(now),
		backup.WithKeep(cfg.Backup.Keep),
		backup.WithSealed(cfg.Storage.SealPassphrase != ""),
	)
	return app, nil
}

// Close releases the substrate and any open connections, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ScheduleBackups checks every interval whether the configured cadence calls for a snapshot,
// until ctx is done.
func (a *App) ScheduleBackups(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if ran, info, err := a.Backup.RunIfDue(ctx); err != nil {
			a.Logger.Error("scheduled backup failed", "error", err)
		} else if ran {
			a.Logger.Info("scheduled backup written", "key", info.Key, "size", info.Size)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
