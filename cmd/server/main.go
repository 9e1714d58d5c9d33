package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/diewo77/go-settle/internal/config"
	"github.com/diewo77/go-settle/internal/db"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

func main() {
	// Load environment variables from .env file
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "settle:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "settle",
		Short:         "Invoice payment settlement service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), seedCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			app, err := NewApp(cfg, log)
			if err != nil {
				log.Error("startup failed", "err", err)
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	var sqlFiles bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate every tenant database and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			for key, dbCfg := range cfg.TenantDatabases() {
				if err := migrateTenant(dbCfg, sqlFiles, log); err != nil {
					log.Error("migration failed", "tenant", key, "err", err)
					return err
				}
				log.Info("migrations completed", "tenant", key)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&sqlFiles, "sql", false, "apply the embedded SQL migrations instead of AutoMigrate (postgres only)")
	return cmd
}

func seedCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo data into a tenant database and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			dbCfg, ok := cfg.TenantDatabases()[key]
			if !ok {
				return fmt.Errorf("unknown tenant %q", key)
			}
			conn, err := db.Open(dbCfg, log)
			if err != nil {
				return err
			}
			defer closeDB(conn)
			if err := db.Seed(conn, key); err != nil {
				log.Error("seeding failed", "tenant", key, "err", err)
				return err
			}
			log.Info("seeding completed", "tenant", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "tenant", config.DefaultTenant, "tenant to seed")
	return cmd
}

// setup loads configuration and installs the default logger: text in dev,
// JSON otherwise.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	var h slog.Handler
	if cfg.App.Dev {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		h = slog.NewJSONHandler(os.Stderr, nil)
	}
	log := slog.New(h)
	slog.SetDefault(log)
	return cfg, log, nil
}

func migrateTenant(cfg config.DatabaseConfig, sqlFiles bool, log *slog.Logger) error {
	if sqlFiles && cfg.Driver != "sqlite" {
		return db.RunSQLMigrations(cfg.DSN())
	}
	conn, err := db.Open(cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	return db.Migrate(conn)
}

func closeDB(conn *gorm.DB) {
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
