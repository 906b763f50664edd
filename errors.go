package idmlock

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidArgument is returned for malformed lock ops, modes or ids; no drive is touched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrAlreadyHeld is returned when the session already holds the lock, or
	// when another session already uses the requested host id.
	ErrAlreadyHeld = errors.New("lock already held")

	// ErrBusy is returned when a conflicting holder prevented a majority.
	ErrBusy = errors.New("lock busy")

	// ErrNotPermitted is returned when the drives refused on ownership grounds.
	ErrNotPermitted = errors.New("operation not permitted")

	// ErrNotFound is returned for operations on a lock the session does not hold.
	ErrNotFound = errors.New("lock not found")

	// ErrExpired is returned once the lease of a held lock lapsed.
	ErrExpired = errors.New("lease expired")

	// ErrIO is returned when drive failures prevented a majority.
	ErrIO = errors.New("drive i/o error")

	// ErrTimeout is returned when too few drives answered before the deadline.
	ErrTimeout = errors.New("no quorum before deadline")

	// ErrPoolClosed is returned by Pool.Enqueue after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

var errnos = []struct {
	err  error
	code unix.Errno
}{
	{ErrInvalidArgument, unix.EINVAL},
	{ErrAlreadyHeld, unix.EBUSY},
	{ErrBusy, unix.EAGAIN},
	{ErrNotPermitted, unix.EPERM},
	{ErrNotFound, unix.ENOENT},
	{ErrExpired, unix.ETIME},
	{ErrIO, unix.EIO},
	{ErrTimeout, unix.ETIMEDOUT},
	{ErrPoolClosed, unix.ECANCELED},
}

// Errno maps an error returned by this package to the signed code reported to
// lock-manager clients: 0 for nil, a negative errno otherwise.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	for _, e := range errnos {
		if errors.Is(err, e.err) {
			return -int(e.code)
		}
	}
	return -int(unix.EIO)
}
