package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mikkohei13/quiet-observer/internal/conf"
)

// SQLiteStore implements DataStore for SQLite.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings
}

// Open sets up the SQLite database connection and migrates the schema.
func (store *SQLiteStore) Open() error {
	dbPath := store.Settings.SQLiteAbsolutePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// Loops from several projects write concurrently; serialize at the
	// driver level rather than surfacing SQLITE_BUSY to iteration writes.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	store.DB = db
	return performAutoMigration(db)
}

// Close is a no-op for SQLite; the driver closes with the process.
func (store *SQLiteStore) Close() error {
	return nil
}

func performAutoMigration(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Project{},
		&Frame{},
		&Class{},
		&Annotation{},
		&Detection{},
		&ReviewItem{},
		&DatasetVersion{},
		&DatasetVersionFrame{},
		&TrainingRun{},
		&ModelVersion{},
		&Deployment{},
		&InferenceSession{},
	); err != nil {
		return fmt.Errorf("failed to auto-migrate schema: %w", err)
	}
	return nil
}
