package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Memory opens a database that lives only as long as the process.
const Memory = ":memory:"

// DB is the single-writer SQLite store behind the ledger, the rule list and the
// interception settings. WAL mode lets other processes read while this one writes.
type DB struct {
	gorm *gorm.DB
}

func Open(path string, debug bool) (*DB, error) {
	dsn := Memory
	if path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
		dsn = path + "?" + strings.Join([]string{
			"_pragma=journal_mode(WAL)",
			"_pragma=busy_timeout(5000)",
			"_pragma=synchronous(NORMAL)",
		}, "&")
	}

	level := logger.Warn
	if debug {
		level = logger.Info
	}
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: newGormLogger(level),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	// One connection serialises writers and keeps an in-memory database alive.
	sqlDB.SetMaxOpenConns(1)

	if err := g.AutoMigrate(&flowRecord{}, &findingRecord{}, &ruleRecord{}, &settingsRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &DB{gorm: g}, nil
}

func (db *DB) Close() error {
	sqlDB, err := db.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
