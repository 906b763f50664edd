package database

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides table-aware database operations.
type Queries struct {
	db        DBTX
	tableName string
}

// NewQueries creates a new Queries instance with the given table name.
func NewQueries(db DBTX, tableName string) *Queries {
	return &Queries{
		db:        db,
		tableName: tableName,
	}
}

var (
	ensureMutexSQL = `
INSERT INTO %s_mutexes (drive, lock_id, mode, lvb)
VALUES ($1, $2, 0, $3)
ON CONFLICT (drive, lock_id) DO NOTHING;`

	lockMutexSQL = `
SELECT drive, lock_id, mode, lvb
FROM %s_mutexes
WHERE drive = $1 AND lock_id = $2
FOR UPDATE;`

	setMutexSQL = `
UPDATE %s_mutexes
SET mode = $3, lvb = $4
WHERE drive = $1 AND lock_id = $2;`

	listHoldersSQL = `
SELECT drive, lock_id, host_id, mode, timeout_ms, expires_at
FROM %s_holders
WHERE drive = $1 AND lock_id = $2
ORDER BY host_id ASC;`

	setHolderSQL = `
INSERT INTO %s_holders (drive, lock_id, host_id, mode, timeout_ms, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (drive, lock_id, host_id)
DO UPDATE SET
    mode = EXCLUDED.mode,
    timeout_ms = EXCLUDED.timeout_ms,
    expires_at = EXCLUDED.expires_at;`

	deleteHoldersSQL = `
DELETE FROM %s_holders
WHERE drive = $1 AND lock_id = $2;`
)

// LockMutex returns the mutex row for (drive, lockID), creating an unlocked
// one first if needed, and holds a row lock on it until the transaction ends.
func (q *Queries) LockMutex(ctx context.Context, drive, lockID string) (*MutexRecord, error) {
	var ensure = fmt.Sprintf(ensureMutexSQL, q.tableName)
	if _, err := q.db.ExecContext(ctx, ensure, drive, lockID, make([]byte, 8)); err != nil {
		return nil, fmt.Errorf("failed to ensure mutex: %w", err)
	}

	var (
		query = fmt.Sprintf(lockMutexSQL, q.tableName)
		mutex MutexRecord
		err   = q.db.QueryRowContext(ctx, query, drive, lockID).Scan(
			&mutex.Drive, &mutex.LockID, &mutex.Mode, &mutex.LVB,
		)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to lock mutex: %w", err)
	}

	return &mutex, nil
}

// SetMutex updates the mode and lvb of an existing mutex.
func (q *Queries) SetMutex(ctx context.Context, mutex *MutexRecord) error {
	var query = fmt.Sprintf(setMutexSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, mutex.Drive, mutex.LockID, mutex.Mode, mutex.LVB)
	if err != nil {
		return fmt.Errorf("failed to set mutex: %w", err)
	}
	return nil
}

// ListHolders returns every holder of a mutex, ordered by host id.
func (q *Queries) ListHolders(ctx context.Context, drive, lockID string) ([]*HolderRecord, error) {
	var (
		query     = fmt.Sprintf(listHoldersSQL, q.tableName)
		rows, err = q.db.QueryContext(ctx, query, drive, lockID)
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list holders: %w", err)
	}
	defer rows.Close()

	var holders []*HolderRecord
	for rows.Next() {
		var h HolderRecord
		if err := rows.Scan(&h.Drive, &h.LockID, &h.HostID, &h.Mode, &h.TimeoutMs, &h.ExpiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan holder: %w", err)
		}
		holders = append(holders, &h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return holders, nil
}

// SetHolder inserts or updates a holder.
func (q *Queries) SetHolder(ctx context.Context, h *HolderRecord) error {
	var query = fmt.Sprintf(setHolderSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query,
		h.Drive, h.LockID, h.HostID, h.Mode, h.TimeoutMs, h.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set holder: %w", err)
	}
	return nil
}

// DeleteHolders removes every holder of a mutex.
func (q *Queries) DeleteHolders(ctx context.Context, drive, lockID string) error {
	var query = fmt.Sprintf(deleteHoldersSQL, q.tableName)
	_, err := q.db.ExecContext(ctx, query, drive, lockID)
	if err != nil {
		return fmt.Errorf("failed to delete holders: %w", err)
	}
	return nil
}
