package idmlock

import (
	"fmt"
	"sync"
	"time"

	"go-idmlock/idm"
)

// MaxDrives is the largest drive set a lock may span.
const MaxDrives = 8

// LockOp describes how a lock is taken: its mode, the drives backing it and
// its lease timeout. It is immutable once built by NewLockOp.
type LockOp struct {
	mode    idm.Mode
	drives  []string
	timeout time.Duration
}

// NewLockOp validates and freezes a lock op.
func NewLockOp(mode idm.Mode, drives []string, timeout time.Duration) (LockOp, error) {
	if !mode.Lockable() {
		return LockOp{}, fmt.Errorf("%w: mode %s", ErrInvalidArgument, mode)
	}
	if err := validateDrives(drives); err != nil {
		return LockOp{}, err
	}
	if timeout <= 0 {
		return LockOp{}, fmt.Errorf("%w: timeout must be positive", ErrInvalidArgument)
	}

	return LockOp{
		mode:    mode,
		drives:  append([]string(nil), drives...),
		timeout: timeout,
	}, nil
}

func (op LockOp) Mode() idm.Mode { return op.mode }

func (op LockOp) Timeout() time.Duration { return op.timeout }

func (op LockOp) Drives() []string { return append([]string(nil), op.drives...) }

func (op LockOp) withMode(m idm.Mode) LockOp {
	op.mode = m
	return op
}

func validateDrives(drives []string) error {
	if len(drives) == 0 || len(drives) > MaxDrives {
		return fmt.Errorf("%w: need 1 to %d drives, got %d", ErrInvalidArgument, MaxDrives, len(drives))
	}

	var seen = make(map[string]struct{}, len(drives))
	for _, d := range drives {
		if d == "" {
			return fmt.Errorf("%w: empty drive path", ErrInvalidArgument)
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("%w: drive %s listed twice", ErrInvalidArgument, d)
		}
		seen[d] = struct{}{}
	}
	return nil
}

// Status classifies one drive's answer.
type Status int

const (
	StatusSuccess Status = iota
	StatusIOError
	StatusBusy
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusIOError:
		return "io_error"
	case StatusBusy:
		return "busy"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// DriveOutcome is the answer of one drive to one command.
type DriveOutcome struct {
	Drive    string
	Status   Status
	Code     int
	Elapsed  time.Duration
	Injected bool
	Result   idm.Result

	viaBreak bool
}

// LockPhase is where a held lock is in its lease lifecycle.
type LockPhase int

const (
	PhaseHeld LockPhase = iota
	PhaseRenewing
	PhaseExpiring
	PhaseExpired
	PhaseReleased
)

func (p LockPhase) String() string {
	switch p {
	case PhaseHeld:
		return "held"
	case PhaseRenewing:
		return "renewing"
	case PhaseExpiring:
		return "expiring"
	case PhaseExpired:
		return "expired"
	case PhaseReleased:
		return "released"
	default:
		return "unknown"
	}
}

// LockStatus is a snapshot of a held lock.
type LockStatus struct {
	ID            idm.LockID
	Host          idm.HostID
	Mode          idm.Mode
	Phase         LockPhase
	Drives        []string
	Timeout       time.Duration
	LastRenewedAt time.Time
	Broken        bool
}

// lockState is the registry entry for one held lock. mu serialises client
// operations and renewal attempts on it.
type lockState struct {
	mu            sync.Mutex
	id            idm.LockID
	host          idm.HostID
	op            LockOp
	phase         LockPhase
	lastRenewedAt time.Time
	broken        bool
	lvb           idm.LVB
	lvbDirty      bool
	convertFailed bool
	renewer       *renewer
}

// expiredLocked reports whether the lease lapsed, flipping the phase when it
// did. Callers hold mu.
func (s *lockState) expiredLocked(now time.Time) bool {
	if s.phase == PhaseExpired {
		return true
	}
	if now.Sub(s.lastRenewedAt) >= s.op.timeout {
		s.phase = PhaseExpired
		return true
	}
	return false
}

func (s *lockState) statusLocked() LockStatus {
	return LockStatus{
		ID:            s.id,
		Host:          s.host,
		Mode:          s.op.mode,
		Phase:         s.phase,
		Drives:        s.op.Drives(),
		Timeout:       s.op.timeout,
		LastRenewedAt: s.lastRenewedAt,
		Broken:        s.broken,
	}
}
