// internal/db/db.go
package db

import (
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/pkg/utils"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func Init(databaseURL string, migrationsPath string) error {
	err := utils.Retry(30, time.Second*2, func() error {
		gormDB, openErr := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
		if openErr != nil {
			logging.Warn("Database connection attempt failed", zap.Error(openErr))
			return openErr
		}
		DB = gormDB
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to the database: %w", err)
	}

	if err := runMigrations(databaseURL, migrationsPath); err != nil {
		return fmt.Errorf("error running migrations: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("error getting sql.DB: %w", err)
		}
		return sqlDB.Close()
	}
	return nil
}

func runMigrations(databaseURL string, migrationsPath string) error {
	logging.Info("Starting migrations", zap.String("path", migrationsPath))

	m, err := migrate.New(
		"file://"+migrationsPath,
		databaseURL,
	)
	if err != nil {
		return fmt.Errorf("error initializing migrations: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("error running migrations: %w", err)
	}

	logging.Info("Migrations completed successfully")
	return nil
}
