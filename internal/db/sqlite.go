package db

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/hackgods/clinic-scheduling-core/internal/appointment"
	"github.com/hackgods/clinic-scheduling-core/internal/notification"
)

// OpenSQLite opens the embedded store and brings its schema up to date.
// SQLite allows one writer at a time, so the pool is pinned to a single
// connection and callers queue on it.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := MigrateSQLite(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func MigrateSQLite(gdb *gorm.DB) error {
	if err := appointment.AutoMigrate(gdb); err != nil {
		return fmt.Errorf("migrate appointments: %w", err)
	}
	if err := notification.AutoMigrate(gdb); err != nil {
		return fmt.Errorf("migrate notification jobs: %w", err)
	}
	return nil
}
