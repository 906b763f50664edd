package database

import (
	"database/sql"
	"fmt"
)

var (
	createMutexesTableSQL = `
CREATE TABLE IF NOT EXISTS %s_mutexes (
    drive         VARCHAR       NOT NULL,
    lock_id       VARCHAR       NOT NULL,
    mode          INTEGER       NOT NULL,
    lvb           BYTEA         NOT NULL,

    PRIMARY KEY (drive, lock_id)
);`

	createHoldersTableSQL = `
CREATE TABLE IF NOT EXISTS %s_holders (
    drive         VARCHAR       NOT NULL,
    lock_id       VARCHAR       NOT NULL,
    host_id       VARCHAR       NOT NULL,
    mode          INTEGER       NOT NULL,
    timeout_ms    BIGINT        NOT NULL,
    expires_at    TIMESTAMPTZ   NOT NULL,

    PRIMARY KEY (drive, lock_id, host_id)
);`

	createHoldersIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_holders (drive, lock_id);`
)

// Migrate creates the mutexes and holders tables with indexes.
func Migrate(db *sql.DB, tableName string) error {
	if err := createMutexesTable(db, tableName); err != nil {
		return err
	}

	if err := createHoldersTable(db, tableName); err != nil {
		return err
	}

	if err := createHoldersIndex(db, tableName); err != nil {
		return err
	}

	return nil
}

func createMutexesTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createMutexesTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create mutexes table: %w", err)
	}
	return nil
}

func createHoldersTable(db *sql.DB, tableName string) error {
	var query = fmt.Sprintf(createHoldersTableSQL, tableName)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create holders table: %w", err)
	}
	return nil
}

func createHoldersIndex(db *sql.DB, tableName string) error {
	var (
		indexName = fmt.Sprintf("%s_holders_lock_idx", tableName)
		query     = fmt.Sprintf(createHoldersIndexSQL, indexName, tableName)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create holders index: %w", err)
	}
	return nil
}
