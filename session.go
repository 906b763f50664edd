package idmlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-idmlock/idm"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// Session is one client connection's view of the locks it holds (a
// lockspace). Calls on different locks may run concurrently; calls on the
// same lock are expected to be issued serially by the client.
type Session struct {
	id     uint64
	engine *Engine

	mu     sync.Mutex
	host   idm.HostID
	faults FaultPolicy

	locks       *xsync.MapOf[idm.LockID, *lockState]
	renewPaused atomic.Bool
	terminated  atomic.Bool
}

// ID returns the session number, unique within its engine.
func (s *Session) ID() uint64 { return s.id }

// HostID returns the host identity this session locks as.
func (s *Session) HostID() idm.HostID { return s.hostID() }

func (s *Session) hostID() idm.HostID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

func (s *Session) faultPolicy() FaultPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// SetHostID changes the host identity. It fails with ErrAlreadyHeld when
// another session of the engine uses h, and with ErrBusy while this session
// holds locks.
func (s *Session) SetHostID(h idm.HostID) error {
	return s.engine.claimHost(s, h)
}

// SetFaultPolicy replaces the fault policy applied to this session's drive
// commands. A nil policy restores NoFaults.
func (s *Session) SetFaultPolicy(p FaultPolicy) {
	if p == nil {
		p = NoFaults{}
	}
	s.mu.Lock()
	s.faults = p
	s.mu.Unlock()
}

// InjectFault makes percent (0..100) of this session's drive commands fail
// with an I/O error. Zero restores normal operation.
func (s *Session) InjectFault(percent int) error {
	var p, err = NewPercentFaults(percent)
	if err != nil {
		return err
	}
	s.SetFaultPolicy(p)
	return nil
}

// StopRenew pauses lease renewal of every lock of the session, including
// locks acquired while paused.
func (s *Session) StopRenew() { s.renewPaused.Store(true) }

// StartRenew resumes lease renewal.
func (s *Session) StartRenew() { s.renewPaused.Store(false) }

// Acquire takes id in op's mode on a majority of op's drives and starts
// renewing its lease.
func (s *Session) Acquire(ctx context.Context, id idm.LockID, op LockOp) error {
	return s.take(ctx, id, op, false)
}

// Break evicts the expired holders of id and takes it in op's mode. It is
// the way to recover a lock whose holder is gone past its timeout.
func (s *Session) Break(ctx context.Context, id idm.LockID, op LockOp) error {
	return s.take(ctx, id, op, true)
}

func (s *Session) take(ctx context.Context, id idm.LockID, op LockOp, viaBreak bool) error {
	if id.IsZero() || !op.mode.Lockable() || len(op.drives) == 0 {
		return fmt.Errorf("%w: lock id and lock op required", ErrInvalidArgument)
	}
	if s.terminated.Load() {
		return fmt.Errorf("%w: session terminated", ErrInvalidArgument)
	}

	var st = &lockState{id: id, host: s.hostID(), op: op, phase: PhaseReleased}
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, loaded := s.locks.LoadOrStore(id, st); loaded {
		return fmt.Errorf("failed to acquire %s: %w", id, ErrAlreadyHeld)
	}

	var (
		coord   = s.engine.coordinator
		started = time.Now()
		err     error
	)
	if viaBreak {
		err = coord.breakLock(ctx, s.faultPolicy(), id, st.host, op)
		st.broken = true
	} else {
		var res acquireResult
		res, err = coord.acquire(ctx, s.faultPolicy(), id, st.host, op)
		st.broken = res.broken
		started = res.started
	}
	if err != nil {
		s.locks.Delete(id)
		return err
	}

	st.phase = PhaseHeld
	st.lastRenewedAt = started
	st.renewer = newRenewer(st, s, s.engine.options.renewalDivisor)
	st.renewer.start()

	s.engine.options.logger.Info("lock acquired",
		"lock_id", id,
		"host_id", st.host.Short(),
		"mode", op.mode,
		"drives", len(op.drives),
		"broken", st.broken)
	return nil
}

// Convert changes the mode of a held lock. Promotion to exclusive fails with
// ErrNotPermitted while another host holds the lock.
func (s *Session) Convert(ctx context.Context, id idm.LockID, mode idm.Mode) error {
	if !mode.Lockable() {
		return fmt.Errorf("failed to convert %s: %w: mode %s", id, ErrInvalidArgument, mode)
	}

	var st, err = s.held(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase == PhaseReleased {
		return fmt.Errorf("failed to convert %s: %w", id, ErrNotFound)
	}
	if st.expiredLocked(time.Now()) {
		return fmt.Errorf("failed to convert %s: %w", id, ErrExpired)
	}
	if st.convertFailed {
		return fmt.Errorf("failed to convert %s: drives left in mixed modes: %w", id, ErrIO)
	}
	if st.op.mode == mode {
		return nil
	}

	var mixed, convErr = s.engine.coordinator.convert(ctx, s.faultPolicy(), id, st.host, st.op, mode)
	if mixed {
		st.convertFailed = true
	}
	if convErr != nil {
		return convErr
	}
	st.op = st.op.withMode(mode)

	s.engine.options.logger.Info("lock converted", "lock_id", id, "host_id", st.host.Short(), "mode", mode)
	return nil
}

// Release unlocks id on its drives and forgets it. Releasing a lock whose
// lease expired still drops it from the drives and the session, but reports
// ErrExpired. Releasing a lock the session does not hold returns ErrNotFound.
func (s *Session) Release(ctx context.Context, id idm.LockID) error {
	var st, err = s.held(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.phase == PhaseReleased {
		st.mu.Unlock()
		return fmt.Errorf("failed to release %s: %w", id, ErrNotFound)
	}

	var (
		expired = st.expiredLocked(time.Now())
		lvb     *idm.LVB
	)
	if st.lvbDirty {
		var v = st.lvb
		lvb = &v
	}

	err = s.engine.coordinator.release(ctx, s.faultPolicy(), id, st.host, st.op, lvb)
	switch {
	case errors.Is(err, ErrExpired):
		expired = true
	case err != nil && !expired:
		st.mu.Unlock()
		return err
	}

	st.phase = PhaseReleased
	s.locks.Delete(id)
	var r = st.renewer
	st.mu.Unlock()

	if r != nil {
		r.stop()
	}

	if expired {
		s.engine.options.logger.Warn("released expired lock", "lock_id", id, "host_id", st.host.Short())
		return fmt.Errorf("failed to release %s: %w", id, ErrExpired)
	}

	s.engine.options.logger.Info("lock released", "lock_id", id, "host_id", st.host.Short())
	return nil
}

// ReadLVB returns the lock value block of a held lock. A lock obtained by
// breaking an expired holder reads as SentinelLVB, without drive I/O, until
// this session writes.
func (s *Session) ReadLVB(ctx context.Context, id idm.LockID) (idm.LVB, error) {
	var st, err = s.held(id)
	if err != nil {
		return idm.LVB{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase == PhaseReleased {
		return idm.LVB{}, fmt.Errorf("failed to read lvb of %s: %w", id, ErrNotFound)
	}
	if st.expiredLocked(time.Now()) {
		return idm.LVB{}, fmt.Errorf("failed to read lvb of %s: %w", id, ErrExpired)
	}
	if st.lvbDirty {
		return st.lvb, nil
	}
	// the previous holder's value is untrusted; the sentinel is written back on release
	if st.broken {
		st.lvb = idm.SentinelLVB
		st.lvbDirty = true
		return st.lvb, nil
	}

	lvb, err := s.engine.coordinator.readLVB(ctx, s.faultPolicy(), id, st.host, st.op.drives)
	if err != nil {
		return idm.LVB{}, err
	}

	st.lvb = lvb
	return lvb, nil
}

// WriteLVB stores lvb on a majority of the lock's drives. The value is also
// written again when the lock is released.
func (s *Session) WriteLVB(ctx context.Context, id idm.LockID, lvb idm.LVB) error {
	var st, err = s.held(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.phase == PhaseReleased {
		return fmt.Errorf("failed to write lvb of %s: %w", id, ErrNotFound)
	}
	if st.expiredLocked(time.Now()) {
		return fmt.Errorf("failed to write lvb of %s: %w", id, ErrExpired)
	}

	if err := s.engine.coordinator.writeLVB(ctx, s.faultPolicy(), id, st.host, st.op.drives, lvb); err != nil {
		return err
	}
	st.lvb = lvb
	st.lvbDirty = true
	return nil
}

// GetMode returns the mode a majority of drives report for id. With no
// drives given, the drives of the held lock are used.
func (s *Session) GetMode(ctx context.Context, id idm.LockID, drives []string) (idm.Mode, error) {
	var target, err = s.queryDrives(id, drives)
	if err != nil {
		return idm.ModeUnlock, err
	}
	return s.engine.coordinator.mode(ctx, s.faultPolicy(), id, s.hostID(), target)
}

// GetHostCount returns how many other hosts hold id and whether this session's
// host does. With no drives given, the drives of the held lock are used.
func (s *Session) GetHostCount(ctx context.Context, id idm.LockID, drives []string) (int, bool, error) {
	var target, err = s.queryDrives(id, drives)
	if err != nil {
		return 0, false, err
	}
	return s.engine.coordinator.hostCount(ctx, s.faultPolicy(), id, s.hostID(), target)
}

// GetVersion reads the IDM firmware version of one drive.
func (s *Session) GetVersion(ctx context.Context, drive string) (uint32, error) {
	if drive == "" {
		return 0, fmt.Errorf("%w: empty drive path", ErrInvalidArgument)
	}
	return s.engine.coordinator.version(ctx, s.faultPolicy(), drive)
}

// Status returns a snapshot of a held lock.
func (s *Session) Status(id idm.LockID) (LockStatus, bool) {
	var st, ok = s.locks.Load(id)
	if !ok {
		return LockStatus{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.expiredLocked(time.Now())
	return st.statusLocked(), true
}

// Terminate releases every lock of the session concurrently and removes the
// session from its engine. Locks whose lease already expired are dropped
// without error.
func (s *Session) Terminate(ctx context.Context) error {
	if !s.terminated.CompareAndSwap(false, true) {
		return nil
	}

	var g, gctx = errgroup.WithContext(ctx)
	s.locks.Range(func(id idm.LockID, _ *lockState) bool {
		g.Go(func() error {
			var err = s.Release(gctx, id)
			if errors.Is(err, ErrExpired) || errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		})
		return true
	})
	var err = g.Wait()

	s.engine.sessions.Delete(s.id)
	s.engine.options.logger.Debug("session terminated", "session", s.id, "host_id", s.hostID().Short())

	if err != nil {
		return fmt.Errorf("failed to terminate session %d: %w", s.id, err)
	}
	return nil
}

func (s *Session) held(id idm.LockID) (*lockState, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: zero lock id", ErrInvalidArgument)
	}
	var st, ok = s.locks.Load(id)
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	return st, nil
}

func (s *Session) queryDrives(id idm.LockID, drives []string) ([]string, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("%w: zero lock id", ErrInvalidArgument)
	}
	if len(drives) > 0 {
		if err := validateDrives(drives); err != nil {
			return nil, err
		}
		return drives, nil
	}

	var st, ok = s.locks.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: drives required for a lock not held", ErrInvalidArgument)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.op.Drives(), nil
}
