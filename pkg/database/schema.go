package database

import (
	"context"
	"fmt"
)

// CreateSchema creates the remote store schema
func (db *DB) CreateSchema(ctx context.Context) error {
	db.logger.Info("Creating database schema...")

	tables := []string{
		createDevicesTable,
		createRecordsTable,
		createChangeLogTable,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	indexes := []string{
		createRecordsIndexes,
		createChangeLogIndexes,
	}

	for _, index := range indexes {
		if _, err := db.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	db.logger.Info("Database schema created successfully")
	return nil
}

// SQL DDL statements for table creation
const (
	createDevicesTable = `
		CREATE TABLE IF NOT EXISTS devices (
			id VARCHAR(100) PRIMARY KEY,
			name VARCHAR(200) NOT NULL DEFAULT '',
			facility VARCHAR(200) NOT NULL DEFAULT '',
			secret_hash VARCHAR(100) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			last_seen_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`

	createRecordsTable = `
		CREATE TABLE IF NOT EXISTS records (
			entity_type VARCHAR(30) NOT NULL,
			entity_id UUID NOT NULL,
			payload JSONB,
			version BIGINT NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			origin_device VARCHAR(100) NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		);`

	createChangeLogTable = `
		CREATE TABLE IF NOT EXISTS change_log (
			seq BIGSERIAL PRIMARY KEY,
			entity_type VARCHAR(30) NOT NULL,
			entity_id UUID NOT NULL,
			operation VARCHAR(10) NOT NULL,
			payload JSONB,
			version BIGINT NOT NULL,
			origin_device VARCHAR(100) NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
			recorded_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);`
)

// SQL DDL statements for index creation
const (
	createRecordsIndexes = `
		CREATE INDEX IF NOT EXISTS idx_records_updated_at ON records(updated_at);`

	createChangeLogIndexes = `
		CREATE INDEX IF NOT EXISTS idx_change_log_entity ON change_log(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_change_log_origin ON change_log(origin_device);`
)
