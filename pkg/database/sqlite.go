package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"

	"github.com/medrex/referral-sync/pkg/logger"
)

// SQLiteConfig configures the on-device SQLite store
type SQLiteConfig struct {
	// Path to the database file, or ":memory:"
	Path string

	// BusyTimeout is the lock wait in milliseconds
	BusyTimeout int

	// JournalMode sets the SQLite journal mode (WAL, DELETE, ...)
	JournalMode string
}

// OpenSQLite opens the local store with foreign keys and WAL enabled
func OpenSQLite(ctx context.Context, cfg SQLiteConfig, log *logger.Logger) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = "referrals.db"
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}

	memory := cfg.Path == ":memory:"
	if memory {
		// in-memory databases have no WAL
		cfg.JournalMode = "MEMORY"
	}

	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout))
	params.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	params.Add("_pragma", "synchronous(NORMAL)")
	dsn := "file:" + cfg.Path + "?" + params.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// one writer at a time; an in-memory database only exists on its connection
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	log.WithComponent("database").WithField("path", cfg.Path).Debug("Local store opened")
	return &DB{DB: sqlDB, driver: "sqlite", logger: log}, nil
}
