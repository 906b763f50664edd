package firmware

import (
	"context"
	"strings"
	"sync"
	"time"

	"go-idmlock/idm"

	"golang.org/x/sys/unix"
)

// Array is a set of emulated drives addressed by path. Drives are created on
// first use. Paths matching a synchronous prefix (NVMe by default) report no
// native async support, so the dispatcher routes them through its worker pool.
type Array struct {
	mu           sync.Mutex
	drives       map[string]*drive
	syncPrefixes []string
	now          func() time.Time
}

type drive struct {
	failed  bool
	stall   time.Duration
	mutexes map[idm.LockID]*State
}

// ArrayOption configures an Array.
type ArrayOption func(*Array)

// WithSyncPrefixes sets the path prefixes of drives without native async submission.
func WithSyncPrefixes(prefixes ...string) ArrayOption {
	return func(a *Array) {
		a.syncPrefixes = prefixes
	}
}

// WithClock overrides the time source used for lease expiry.
func WithClock(now func() time.Time) ArrayOption {
	return func(a *Array) {
		a.now = now
	}
}

// NewArray returns an empty array.
func NewArray(opts ...ArrayOption) *Array {
	var a = &Array{
		drives:       make(map[string]*drive),
		syncPrefixes: []string{"/dev/nvme"},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute runs cmd on the named drive.
func (a *Array) Execute(ctx context.Context, path string, cmd idm.Command) idm.Result {
	a.mu.Lock()
	var stall = a.driveLocked(path).stall
	a.mu.Unlock()

	if stall > 0 {
		var timer = time.NewTimer(stall)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return idm.Result{Code: errno(unix.ETIMEDOUT)}
		case <-timer.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var d = a.driveLocked(path)
	if d.failed {
		return idm.Result{Code: errno(unix.EIO)}
	}
	if cmd.Verb == idm.VerbVersion {
		return idm.Result{Version: Version}
	}

	var st, ok = d.mutexes[cmd.Lock]
	if !ok {
		st = NewState()
		d.mutexes[cmd.Lock] = st
	}
	return st.Apply(cmd, a.now())
}

// Native reports whether path supports native async submission.
func (a *Array) Native(path string) bool {
	for _, prefix := range a.syncPrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// SubmitAsync runs cmd in the background and delivers its result on the returned channel.
func (a *Array) SubmitAsync(ctx context.Context, path string, cmd idm.Command) <-chan idm.Result {
	var ch = make(chan idm.Result, 1)
	go func() {
		ch <- a.Execute(ctx, path, cmd)
	}()
	return ch
}

// Fail makes every command on the given drives complete with an I/O error.
func (a *Array) Fail(paths ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range paths {
		a.driveLocked(p).failed = true
	}
}

// Restore undoes Fail and Stall for the given drives.
func (a *Array) Restore(paths ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range paths {
		var d = a.driveLocked(p)
		d.failed = false
		d.stall = 0
	}
}

// Stall delays every command on the drive by d.
func (a *Array) Stall(path string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.driveLocked(path).stall = d
}

// Holders returns the hosts the drive currently lists for id, expired or not.
func (a *Array) Holders(path string, id idm.LockID) []idm.HostID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var st, ok = a.driveLocked(path).mutexes[id]
	if !ok {
		return nil
	}

	var hosts = make([]idm.HostID, 0, len(st.Holders))
	for h := range st.Holders {
		hosts = append(hosts, h)
	}
	return hosts
}

func (a *Array) driveLocked(path string) *drive {
	var d, ok = a.drives[path]
	if !ok {
		d = &drive{mutexes: make(map[idm.LockID]*State)}
		a.drives[path] = d
	}
	return d
}
