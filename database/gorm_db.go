package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/camden-git/geophotos/models"
)

// InitGormDB initializes and returns a GORM database instance
func InitGormDB(dataSourceName string, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	gormLogger := logger.New(
		zap.NewStdLog(log.Named("gorm")),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dataSourceName), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	// enable write-ahead logging for better concurrency
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		log.Warn("failed to set WAL mode", zap.Error(err))
	}
	if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
		log.Warn("failed to set busy timeout", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info("GORM database initialized", zap.String("path", dataSourceName))
	return db, nil
}

// AutoMigrateModels migrates the photo schema
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Photo{},
		&models.PhotoCell{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	return nil
}

// Open initializes the database and migrates it in one step.
func Open(dataSourceName string, log *zap.Logger) (*gorm.DB, error) {
	db, err := InitGormDB(dataSourceName, log)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrateModels(db); err != nil {
		return nil, err
	}
	return db, nil
}
