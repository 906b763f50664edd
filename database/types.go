package database

import "time"

// MutexRecord is one drive's mutex for one lock id.
type MutexRecord struct {
	Drive  string
	LockID string
	Mode   int
	LVB    []byte
}

// HolderRecord is one host's membership in a drive mutex.
type HolderRecord struct {
	Drive     string
	LockID    string
	HostID    string
	Mode      int
	TimeoutMs int64
	ExpiresAt time.Time
}
