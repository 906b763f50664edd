// Package firmware emulates the in-drive mutex (IDM) primitive. State.Apply
// holds the per-drive rules; Array keeps states in memory for a set of
// emulated drives and serves as an idm.AsyncCodec.
package firmware

import (
	"time"

	"go-idmlock/idm"

	"golang.org/x/sys/unix"
)

// Version is the firmware version reported by emulated drives.
const Version uint32 = 0x0100

// Holder is one host's membership in a drive mutex.
type Holder struct {
	Mode      idm.Mode
	Timeout   time.Duration
	ExpiresAt time.Time
}

func (h Holder) expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// State is the mutex a single drive keeps for one lock id.
type State struct {
	Mode    idm.Mode
	LVB     idm.LVB
	Holders map[idm.HostID]Holder
}

// NewState returns an unlocked mutex.
func NewState() *State {
	return &State{Holders: make(map[idm.HostID]Holder)}
}

func errno(e unix.Errno) int { return -int(e) }

// Apply executes cmd against the mutex at time now.
func (s *State) Apply(cmd idm.Command, now time.Time) idm.Result {
	if s.Holders == nil {
		s.Holders = make(map[idm.HostID]Holder)
	}

	switch cmd.Verb {
	case idm.VerbAcquire:
		return s.acquire(cmd, now)
	case idm.VerbRelease:
		return s.release(cmd, now)
	case idm.VerbConvert:
		return s.convert(cmd, now)
	case idm.VerbRenew:
		return s.renew(cmd, now)
	case idm.VerbBreak:
		return s.breakLock(cmd, now)
	case idm.VerbReadLVB:
		return idm.Result{LVB: s.LVB}
	case idm.VerbWriteLVB:
		if _, ok := s.Holders[cmd.Host]; !ok {
			return idm.Result{Code: errno(unix.EPERM)}
		}
		s.LVB = cmd.LVB
		return idm.Result{}
	case idm.VerbHostCount:
		return s.hostCount(cmd, now)
	case idm.VerbMode:
		return idm.Result{Mode: s.Mode}
	case idm.VerbVersion:
		return idm.Result{Version: Version}
	default:
		return idm.Result{Code: errno(unix.EINVAL)}
	}
}

func (s *State) acquire(cmd idm.Command, now time.Time) idm.Result {
	if !cmd.Mode.Lockable() {
		return idm.Result{Code: errno(unix.EINVAL)}
	}
	if _, ok := s.Holders[cmd.Host]; ok {
		return idm.Result{Code: errno(unix.EAGAIN)}
	}
	if len(s.Holders) > 0 && (cmd.Mode == idm.ModeExclusive || s.Mode == idm.ModeExclusive) {
		return idm.Result{Code: errno(unix.EBUSY)}
	}

	s.grant(cmd, now)
	return idm.Result{Mode: s.Mode}
}

func (s *State) release(cmd idm.Command, now time.Time) idm.Result {
	var h, ok = s.Holders[cmd.Host]
	if !ok {
		return idm.Result{Code: errno(unix.ENOENT)}
	}

	delete(s.Holders, cmd.Host)
	if cmd.HasLVB {
		s.LVB = cmd.LVB
	}
	if len(s.Holders) == 0 {
		s.Mode = idm.ModeUnlock
	}

	if h.expired(now) {
		return idm.Result{Code: errno(unix.ETIME)}
	}
	return idm.Result{}
}

func (s *State) convert(cmd idm.Command, now time.Time) idm.Result {
	if !cmd.Mode.Lockable() {
		return idm.Result{Code: errno(unix.EINVAL)}
	}
	var h, ok = s.Holders[cmd.Host]
	if !ok {
		return idm.Result{Code: errno(unix.ENOENT)}
	}
	if h.expired(now) {
		return idm.Result{Code: errno(unix.ETIME)}
	}
	if h.Mode == cmd.Mode {
		return idm.Result{Mode: s.Mode}
	}

	if cmd.Mode == idm.ModeExclusive {
		s.pruneExpired(now)
		if len(s.Holders) > 1 {
			return idm.Result{Code: errno(unix.EPERM)}
		}
	}

	h.Mode = cmd.Mode
	s.Holders[cmd.Host] = h
	s.Mode = cmd.Mode
	return idm.Result{Mode: s.Mode}
}

func (s *State) renew(cmd idm.Command, now time.Time) idm.Result {
	var h, ok = s.Holders[cmd.Host]
	if !ok {
		return idm.Result{Code: errno(unix.ENOENT)}
	}
	if h.expired(now) {
		return idm.Result{Code: errno(unix.ETIME)}
	}
	if h.Mode != cmd.Mode {
		return idm.Result{Code: errno(unix.EFAULT)}
	}

	if cmd.Timeout > 0 {
		h.Timeout = cmd.Timeout
	}
	h.ExpiresAt = now.Add(h.Timeout)
	s.Holders[cmd.Host] = h
	return idm.Result{Mode: s.Mode}
}

// breakLock evicts expired holders and grants the lock to the caller when no
// live holder remains.
func (s *State) breakLock(cmd idm.Command, now time.Time) idm.Result {
	if !cmd.Mode.Lockable() {
		return idm.Result{Code: errno(unix.EINVAL)}
	}
	if _, ok := s.Holders[cmd.Host]; ok {
		return idm.Result{Code: errno(unix.EINVAL)}
	}

	s.pruneExpired(now)
	if len(s.Holders) > 0 {
		return idm.Result{Code: errno(unix.EBUSY)}
	}

	s.grant(cmd, now)
	return idm.Result{Mode: s.Mode}
}

func (s *State) hostCount(cmd idm.Command, now time.Time) idm.Result {
	var res idm.Result
	for host, h := range s.Holders {
		if h.expired(now) {
			continue
		}
		if host == cmd.Host {
			res.Self = true
			continue
		}
		res.Count++
	}
	return res
}

func (s *State) grant(cmd idm.Command, now time.Time) {
	s.Holders[cmd.Host] = Holder{
		Mode:      cmd.Mode,
		Timeout:   cmd.Timeout,
		ExpiresAt: now.Add(cmd.Timeout),
	}
	s.Mode = cmd.Mode
}

func (s *State) pruneExpired(now time.Time) {
	for host, h := range s.Holders {
		if h.expired(now) {
			delete(s.Holders, host)
		}
	}
	if len(s.Holders) == 0 {
		s.Mode = idm.ModeUnlock
	}
}
