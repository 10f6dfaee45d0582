package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/app"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/store"
)

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, media streams and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func buildReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "End calls left open by a crashed instance",
		Long: `Fail in-progress calls that have no live bridge session and calls stuck
in initiated or ringing longer than RECOVERY_STALE_AFTER.

Run this only when no other instance is serving calls: sessions owned by
other processes are not visible here.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, res *app.BuildResult) error {
				n, err := res.Reconciler.ReconcileOrphans(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d call(s)\n", n)
				return nil
			})
		},
	}
}

func buildRescoreCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "rescore",
		Short: "Queue QA scoring for ended calls that have no score",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, res *app.BuildResult) error {
				res.Pipeline.Start(ctx)
				n, err := res.Reconciler.Rescore(ctx, time.Now().Add(-since))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d call(s) for scoring\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look for unscored calls")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and print their status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}
			pg, err := store.NewPostgresStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()
			statuses, err := store.MigrationStatus(cmd.Context(), pg.SQLDB())
			if err != nil {
				return err
			}
			for _, st := range statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", st.State, st.Source.Path)
			}
			return nil
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), app.Version)
		},
	}
}

// withApp builds the service without starting it, runs fn and tears the
// service down again.
func withApp(ctx context.Context, fn func(context.Context, *app.BuildResult) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, res)
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := res.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	res, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	logger := res.Logger

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	if err := res.Start(runCtx); err != nil {
		_ = res.Close(context.Background())
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           res.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("addr", cfg.BindAddr),
			zap.String("public_url", cfg.PublicURL),
			zap.String("version", app.Version),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("listen error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	// Live calls are failed before background workers stop so their
	// terminal events are still scored and delivered.
	if err := res.Close(shutdownCtx); err != nil {
		logger.Warn("shutdown cleanup failed", zap.Error(err))
	}
	runCancel()
	logger.Info("shutdown complete")
	return runErr
}
