// Package idm holds the vocabulary shared between the lock engine and the
// drive command codecs: lock and host identities, lock modes, the lock value
// block and the per-drive command/result pair.
package idm

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

var (
	// ErrInvalidLockID is returned when a lock id has a nil volume-group or logical-volume uuid.
	ErrInvalidLockID = errors.New("lock id requires non-nil vg and lv uuids")

	// ErrInvalidHostID is returned when a host id cannot be decoded.
	ErrInvalidHostID = errors.New("host id must be 64 hex characters")

	// ErrInvalidMode is returned when a mode name or value is not recognised.
	ErrInvalidMode = errors.New("invalid lock mode")
)

// LockID names one logical lock across all drives of its drive set.
type LockID struct {
	vg uuid.UUID
	lv uuid.UUID
}

// NewLockID builds a lock id from a volume-group and a logical-volume uuid.
func NewLockID(vg, lv uuid.UUID) (LockID, error) {
	if vg == uuid.Nil || lv == uuid.Nil {
		return LockID{}, ErrInvalidLockID
	}
	return LockID{vg: vg, lv: lv}, nil
}

// ParseLockID parses the "vg/lv" form produced by LockID.String.
func ParseLockID(s string) (LockID, error) {
	var vgText, lvText, ok = strings.Cut(s, "/")
	if !ok {
		return LockID{}, fmt.Errorf("failed to parse lock id %q: missing '/'", s)
	}

	var vg, err = uuid.Parse(vgText)
	if err != nil {
		return LockID{}, fmt.Errorf("failed to parse vg uuid: %w", err)
	}

	lv, err := uuid.Parse(lvText)
	if err != nil {
		return LockID{}, fmt.Errorf("failed to parse lv uuid: %w", err)
	}

	return NewLockID(vg, lv)
}

func (id LockID) VG() uuid.UUID { return id.vg }
func (id LockID) LV() uuid.UUID { return id.lv }

// IsZero reports whether id is the zero value.
func (id LockID) IsZero() bool {
	return id.vg == uuid.Nil && id.lv == uuid.Nil
}

func (id LockID) String() string {
	return id.vg.String() + "/" + id.lv.String()
}

// HostID identifies one lock-manager client instance. Two sessions with the
// same HostID are the same holder as far as the drives are concerned.
type HostID [32]byte

// NewHostID returns a fresh host id: the process id in the first four bytes
// and a random uuid in the last sixteen.
func NewHostID() HostID {
	var h HostID
	binary.LittleEndian.PutUint32(h[0:4], uint32(os.Getpid()))
	var u = uuid.New()
	copy(h[16:], u[:])
	return h
}

// RandomHostID returns a host id with every byte random.
func RandomHostID() HostID {
	var h HostID
	_, _ = rand.Read(h[:])
	return h
}

// ParseHostID decodes the hex form produced by HostID.String.
func ParseHostID(s string) (HostID, error) {
	var h HostID
	var raw, err = hex.DecodeString(s)
	if err != nil || len(raw) != len(h) {
		return h, ErrInvalidHostID
	}
	copy(h[:], raw)
	return h, nil
}

func (h HostID) IsZero() bool { return h == HostID{} }

func (h HostID) String() string { return hex.EncodeToString(h[:]) }

// Short returns the last eight hex characters, used in logs and status output.
func (h HostID) Short() string {
	var s = h.String()
	return s[len(s)-8:]
}

// Mode is the IDM lock mode. The numeric values match the firmware encoding.
type Mode int

const (
	ModeUnlock    Mode = 0
	ModeExclusive Mode = 1
	ModeShareable Mode = 2
)

// Lockable reports whether m may be requested by Acquire, Convert or Break.
func (m Mode) Lockable() bool {
	return m == ModeExclusive || m == ModeShareable
}

func (m Mode) String() string {
	switch m {
	case ModeUnlock:
		return "unlock"
	case ModeExclusive:
		return "exclusive"
	case ModeShareable:
		return "shareable"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts the names returned by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unlock", "unlocked":
		return ModeUnlock, nil
	case "exclusive", "ex":
		return ModeExclusive, nil
	case "shareable", "shared", "sh":
		return ModeShareable, nil
	default:
		return ModeUnlock, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// LVBSize is the size of the lock value block in bytes.
const LVBSize = 8

// LVB is the lock value block replicated on every drive of a lock.
type LVB [LVBSize]byte

// SentinelLVB is returned to a holder that obtained the lock by breaking an
// expired lease; the previous holder's bytes are not trusted.
var SentinelLVB = LVB{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// LVBFromUint64 encodes v little-endian.
func LVBFromUint64(v uint64) LVB {
	var b LVB
	binary.LittleEndian.PutUint64(b[:], v)
	return b
}

// Uint64 decodes the block as a little-endian integer.
func (b LVB) Uint64() uint64 {
	return binary.LittleEndian.Uint64(b[:])
}

func (b LVB) String() string { return hex.EncodeToString(b[:]) }
