package database

import (
	"fmt"

	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// NewDatabase opens the configured database and migrates the schema.
func NewDatabase(cfg config.Database) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Dialector selects the gorm driver. An empty driver means sqlite.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case "", DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// AutoMigrate creates missing tables and columns. Existing rows are kept:
// decision records and fills are the state a restart rebuilds from.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.MarketCalendar{}, &models.DecisionRecord{}, &models.VirtualFill{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return nil
}
