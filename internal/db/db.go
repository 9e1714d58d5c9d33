package db

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/diewo77/go-settle/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// connectAttempts bounds the startup retry loop while the database comes up.
const connectAttempts = 5

// Open connects to one tenant database, retrying while the server starts.
func Open(cfg config.DatabaseConfig, log *slog.Logger) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var conn *gorm.DB
	for i := 0; i < connectAttempts; i++ {
		conn, err = gorm.Open(dialector, gcfg)
		if err == nil {
			break
		}
		log.Warn("database connection failed, retrying", "attempt", i+1, "driver", cfg.Driver, "err", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	if err := conn.Exec("SELECT 1").Error; err != nil {
		return nil, fmt.Errorf("db ping failed: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.Info("database connected", "driver", cfg.Driver, "dsn", MaskDSN(cfg.DSN()))
	return conn, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "", "postgres":
		dsn := NormalizeDSN(cfg.DSN())
		if dsn == "" {
			return nil, fmt.Errorf("empty postgres DSN")
		}
		return postgres.Open(dsn), nil
	case "sqlite":
		if cfg.DSNOverride == "" {
			return nil, fmt.Errorf("sqlite requires a dsn")
		}
		return sqlite.Open(cfg.DSNOverride), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}
