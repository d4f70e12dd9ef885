package repository

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"labpipeline/internal/config"
	"labpipeline/internal/model"
)

// Opener opens a new database handle.
type Opener func(ctx context.Context) (*gorm.DB, error)

// PostgresOpener opens a single connection handle to the configured database.
func PostgresOpener(cfg config.Database) Opener {
	return func(ctx context.Context) (*gorm.DB, error) {
		db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
			SkipDefaultTransaction: true,
			NamingStrategy: schema.NamingStrategy{
				SingularTable: true,
			},
		})
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// one connection per worker process
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)

		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		return db, nil
	}
}

// Connect calls open until it succeeds, waiting delay between attempts.
func Connect(ctx context.Context, open Opener, attempts int, delay time.Duration, log *zap.Logger) (*gorm.DB, error) {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		db, err := open(ctx)
		if err == nil {
			log.Info("Database connection established", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		log.Error("Database connection attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, lastErr)
}

// Migrate creates or updates the result tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&model.LabResult{}, &model.TestValue{}, &model.AuditLog{})
}
