package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go-idmlock/firmware"
	"go-idmlock/idm"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidTableName is returned when the table prefix contains invalid characters
	ErrInvalidTableName = errors.New("table name must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validTableNamePattern validates PostgreSQL-safe identifiers
	validTableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// ValidateTableName checks if name is valid for use as a PostgreSQL identifier prefix.
func ValidateTableName(name string) error {
	if name == "" {
		return errors.New("table name cannot be empty")
	}

	if len(name) > 48 {
		return errors.New("table name must be 48 characters or less")
	}

	if !validTableNamePattern.MatchString(name) {
		return ErrInvalidTableName
	}

	return nil
}

// Drives emulates IDM drives on top of PostgreSQL. Each (drive, lock id)
// mutex is a row; every command runs in its own transaction holding that
// row's lock, so processes sharing the database see one consistent drive.
// Drives has no native async path.
type Drives struct {
	db        *sql.DB
	tableName string
	now       func() time.Time
}

// NewDrives migrates the tables under tableName and returns the codec.
func NewDrives(db *sql.DB, tableName string) (*Drives, error) {
	if err := ValidateTableName(tableName); err != nil {
		return nil, fmt.Errorf("invalid table name: %w", err)
	}

	if err := Migrate(db, tableName); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Drives{db: db, tableName: tableName, now: time.Now}, nil
}

// Execute runs cmd against the emulated drive. Database failures surface as
// drive I/O errors.
func (d *Drives) Execute(ctx context.Context, drive string, cmd idm.Command) idm.Result {
	if cmd.Verb == idm.VerbVersion {
		return idm.Result{Version: firmware.Version}
	}

	var res, err = d.execute(ctx, drive, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return idm.Result{Code: -int(unix.ETIMEDOUT)}
		}
		return idm.Result{Code: -int(unix.EIO)}
	}
	return res
}

func (d *Drives) execute(ctx context.Context, drive string, cmd idm.Command) (idm.Result, error) {
	var tx, err = d.db.BeginTx(ctx, nil)
	if err != nil {
		return idm.Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		q      = NewQueries(tx, d.tableName)
		lockID = cmd.Lock.String()
	)

	mutex, err := q.LockMutex(ctx, drive, lockID)
	if err != nil {
		return idm.Result{}, err
	}

	holders, err := q.ListHolders(ctx, drive, lockID)
	if err != nil {
		return idm.Result{}, err
	}

	var state, decodeErr = decodeState(mutex, holders)
	if decodeErr != nil {
		return idm.Result{}, decodeErr
	}

	var res = state.Apply(cmd, d.now())

	if err := d.store(ctx, q, drive, lockID, state); err != nil {
		return idm.Result{}, err
	}

	if err := tx.Commit(); err != nil {
		return idm.Result{}, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

func (d *Drives) store(ctx context.Context, q *Queries, drive, lockID string, state *firmware.State) error {
	var mutex = &MutexRecord{
		Drive:  drive,
		LockID: lockID,
		Mode:   int(state.Mode),
		LVB:    state.LVB[:],
	}
	if err := q.SetMutex(ctx, mutex); err != nil {
		return err
	}

	if err := q.DeleteHolders(ctx, drive, lockID); err != nil {
		return err
	}
	for host, h := range state.Holders {
		var record = &HolderRecord{
			Drive:     drive,
			LockID:    lockID,
			HostID:    host.String(),
			Mode:      int(h.Mode),
			TimeoutMs: h.Timeout.Milliseconds(),
			ExpiresAt: h.ExpiresAt,
		}
		if err := q.SetHolder(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func decodeState(mutex *MutexRecord, holders []*HolderRecord) (*firmware.State, error) {
	var state = firmware.NewState()
	state.Mode = idm.Mode(mutex.Mode)
	copy(state.LVB[:], mutex.LVB)

	for _, h := range holders {
		var host, err = idm.ParseHostID(h.HostID)
		if err != nil {
			return nil, fmt.Errorf("failed to decode holder of %s on %s: %w", h.LockID, h.Drive, err)
		}
		state.Holders[host] = firmware.Holder{
			Mode:      idm.Mode(h.Mode),
			Timeout:   time.Duration(h.TimeoutMs) * time.Millisecond,
			ExpiresAt: h.ExpiresAt,
		}
	}
	return state, nil
}
