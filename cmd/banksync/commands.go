package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/banksync/internal/api"
	"github.com/jask/banksync/internal/config"
	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/logging"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			auth, err := api.NewAuthenticator(a.cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("auth: %w", err)
			}
			if _, err := a.maint.RecoverStaleRuns(ctx, a.cfg.Sync.StaleAfter); err != nil {
				return err
			}
			go a.recoverLoop(ctx)

			srv := &http.Server{
				Addr: a.cfg.Server.Addr,
				Handler: api.NewServer(api.Deps{
					Links:       a.links,
					Sync:        a.sync,
					Auth:        auth,
					Health:      a.db,
					Gatherer:    a.registry,
					Log:         a.log.Named("http"),
					SyncTimeout: a.cfg.Sync.RunTimeout,
				}).Router(),
				ReadTimeout:  a.cfg.Server.ReadTimeout,
				WriteTimeout: a.cfg.Server.WriteTimeout,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info("listening", zap.String("addr", srv.Addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			a.log.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// recoverLoop periodically releases runs abandoned by a crashed process.
func (a *app) recoverLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.Sync.StaleAfter / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.maint.RecoverStaleRuns(ctx, a.cfg.Sync.StaleAfter); err != nil {
				a.log.Error("stale run recovery failed", zap.Error(err))
			}
		}
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and seed default categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
				return fmt.Errorf("mkdir db dir: %w", err)
			}
			if err := database.RunMigrations(cfg.Database.Path); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			db, err := database.Open(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.SeedDefaults(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("database ready", zap.String("path", cfg.Database.Path))
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "sync <connection-id>",
		Short: "Synchronize one bank connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Sync.RunTimeout)
			defer cancel()
			res, err := a.sync.Sync(ctx, args[0], userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSyncResult(res))
			if !res.Success {
				return errors.New("synchronization failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func connectionsCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List a user's bank connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			conns, err := a.links.List(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderConnections(conns))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "owner user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func recoverCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Release connections stuck in a running synchronization",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if olderThan <= 0 {
				olderThan = a.cfg.Sync.StaleAfter
			}
			n, err := a.maint.RecoverStaleRuns(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d connection(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum run age (default sync.stale_after)")
	return cmd
}

func duplicatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "duplicates",
		Short: "List synced transactions queued as possible duplicates of manual entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			pending, err := a.dupes.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderPending(pending))
			return nil
		},
	}

	var merge bool
	decide := &cobra.Command{
		Use:   "decide <id>",
		Short: "Resolve a queued pair (--merge cancels the manual entry, otherwise dismiss)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.dupes.Decide(cmd.Context(), args[0], merge)
		},
	}
	decide.Flags().BoolVar(&merge, "merge", false, "treat the pair as a duplicate")
	cmd.AddCommand(decide)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			auth, err := api.NewAuthenticator(cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := auth.Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed as subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
