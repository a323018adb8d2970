package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jask/banksync/internal/config"
	"github.com/jask/banksync/internal/database"
	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/logging"
	"github.com/jask/banksync/internal/metrics"
	"github.com/jask/banksync/internal/provider"
	"github.com/jask/banksync/internal/secrets"
	"github.com/jask/banksync/internal/service"
	"github.com/jask/banksync/internal/vault"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "banksync",
		Short:         "Synchronize bank accounts and transactions from an open banking provider",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath != "" {
				return os.Setenv("BANKSYNC_CONFIG", cfgPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.config/banksync/config.toml)")
	root.AddCommand(serveCmd(), migrateCmd(), syncCmd(), connectionsCmd(), recoverCmd(), duplicatesCmd(), tokenCmd())
	return root
}

// app holds the wired process dependencies.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	db       *sql.DB
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	client   *provider.Client
	vault    *vault.Vault
	sync     *service.SyncService
	links    *service.LinkService
	dupes    *service.DuplicateDetector
	maint    *service.MaintenanceService
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	if err := database.RunMigrations(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.SeedDefaults(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed defaults: %w", err)
	}

	secret, err := vaultSecret(cfg.Vault)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	cipher, err := vault.NewCipher(cfg.Vault.Cipher, secret)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	client := provider.New(provider.Config{
		BaseURL:      cfg.Provider.BaseURL,
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		Timeout:      cfg.Provider.Timeout,
		RateLimit:    cfg.Provider.RateLimit,
		Burst:        cfg.Provider.Burst,
	}, provider.WithMetrics(m))
	v := vault.New(cipher, repository.NewConnectionRepo(db), client,
		vault.WithLogger(logger.Named("vault")), vault.WithMetrics(m))
	dupes := &service.DuplicateDetector{DB: db}

	return &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		registry: reg,
		metrics:  m,
		client:   client,
		vault:    v,
		sync: &service.SyncService{
			DB:          db,
			Tokens:      v,
			Bank:        client,
			Reconciler:  &service.Reconciler{DB: db},
			Duplicates:  dupes,
			Log:         logger.Named("sync"),
			Metrics:     m,
			Window:      cfg.Sync.SyncWindow(),
			Concurrency: cfg.Sync.Concurrency,
		},
		links: &service.LinkService{DB: db, Auth: client, Vault: v, Log: logger.Named("link")},
		dupes: dupes,
		maint: &service.MaintenanceService{DB: db, Log: logger.Named("maintenance")},
	}, nil
}

func (a *app) Close() {
	_ = a.log.Sync()
	if err := a.db.Close(); err != nil {
		log.Printf("close db: %v", err)
	}
}

func vaultSecret(cfg config.VaultConfig) ([]byte, error) {
	if cfg.Key != "" {
		return []byte(cfg.Key), nil
	}
	path := cfg.KeyFile
	if path == "" {
		var err error
		if path, err = secrets.DefaultKeyPath(); err != nil {
			return nil, err
		}
	}
	key, err := secrets.LoadOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("vault key: %w", err)
	}
	return key, nil
}
