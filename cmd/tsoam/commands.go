// cmd/tsoam/commands.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/clients"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/config"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/domain"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/logging"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/server"
	"github.com/Hum-Tech/TSOAM-V4-sub003/internal/telemetry"
)

// errUnhealthy makes check exit non-zero when any check fails.
var errUnhealthy = errors.New("integrity checks failed")

// cliActor stamps mutations made from the command line.
var cliActor = domain.Actor{ID: "cli", Name: "tsoam cli"}

type globals struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Church records core",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `tsoam keeps visitor, member, employee and tithe records with a full audit trail.

It provides:
- the HTTP API (serve)
- integrity checks with optional repair (check)
- snapshots to filesystem or S3 storage (backup)`,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(g), checkCmd(g), backupCmd(g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func (g *globals) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func serveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
			if err != nil {
				return fmt.Errorf("setup tracing: %w", err)
			}
			defer func() {
				if err := shutdownTracing(context.WithoutCancel(ctx)); err != nil {
					logger.Warn("tracing shutdown failed", "error", err)
				}
			}()

			app, err := server.Build(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer app.Close()

			go app.ScheduleBackups(domain.WithActor(ctx, domain.SystemActor), cfg.Backup.CheckInterval)

			logger.Info("tsoam ready", "version", Version, "storage", cfg.Storage.Driver,
				"sealed", cfg.Storage.SealPassphrase != "", "backup", cfg.Backup.Driver)
			return server.New(app, cfg.HTTP, cfg.Telemetry.MetricsEnabled).Run(ctx)
		},
	}
}

func checkCmd(g *globals) *cobra.Command {
	var (
		repair bool
		remote string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run integrity checks against the store or a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := domain.WithActor(cmd.Context(), cliActor)
			var (
				healthy bool
				report  any
			)
			if remote != "" {
				rep, err := clients.NewClient(remote, clients.WithActor(cliActor)).Integrity(ctx, repair)
				if err != nil {
					return err
				}
				healthy, report = rep.Healthy, rep
			} else {
				cfg, logger, err := g.load(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				app, err := server.Build(ctx, cfg, logger, nil)
				if err != nil {
					return err
				}
				defer app.Close()
				rep, err := app.Integrity.Run(ctx, repair)
				if err != nil {
					return err
				}
				healthy, report = rep.Healthy, rep
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Apply automatic repairs for failed checks")
	cmd.Flags().StringVar(&remote, "remote", "", "Base URL of a running server; checks run there instead of locally")
	return cmd
}

func backupCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write a snapshot of every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *server.App) error {
				info, err := app.Backup.Snapshot(ctx)
				if err != nil {
					return err
				}
				if err := app.Security.RecordBackup(ctx, app.Now()); err != nil {
					app.Logger.Warn("record backup time failed", "error", err)
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *server.App) error {
				list, err := app.Backup.List(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restore KEY",
		Short: "Replace every collection with the contents of a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withApp(cmd, func(ctx context.Context, app *server.App) error {
				n, err := app.Backup.Restore(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"key": args[0], "collections": n})
			})
		},
	})
	return cmd
}

func (g *globals) withApp(cmd *cobra.Command, fn func(context.Context, *server.App) error) error {
	cfg, logger, err := g.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	ctx := domain.WithActor(cmd.Context(), cliActor)
	app, err := server.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
