package idmlock

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-idmlock/firmware"
	"go-idmlock/idm"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLockID(t *testing.T) idm.LockID {
	var id, err = idm.NewLockID(uuid.New(), uuid.New())
	require.NoError(t, err)
	return id
}

// newTestEngine returns an engine with fast timeouts that is closed when the test ends.
func newTestEngine(t *testing.T, codec idm.Codec, opts ...Option) *Engine {
	var defaults = []Option{
		WithCommandTimeout(500 * time.Millisecond),
		WithMajorityTimeout(200 * time.Millisecond),
	}
	var e, err = NewEngine(codec, append(defaults, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = e.Close(context.Background())
	})
	return e
}

func connect(t *testing.T, e *Engine) *Session {
	var s, err = e.Connect()
	require.NoError(t, err)
	return s
}

func newOp(t *testing.T, mode idm.Mode, timeout time.Duration, drives ...string) LockOp {
	var op, err = NewLockOp(mode, drives, timeout)
	require.NoError(t, err)
	return op
}

// skewedArray returns drives whose clock runs ahead of the engine by skew.
func skewedArray(skew *atomic.Int64) *firmware.Array {
	return firmware.NewArray(firmware.WithClock(func() time.Time {
		return time.Now().Add(time.Duration(skew.Load()))
	}))
}

// recordingCodec forwards to an array and records when acquires reach one drive.
type recordingCodec struct {
	array *firmware.Array
	drive string

	mu       sync.Mutex
	acquires []time.Time
}

func (r *recordingCodec) Execute(ctx context.Context, drive string, cmd idm.Command) idm.Result {
	if drive == r.drive && cmd.Verb == idm.VerbAcquire {
		r.mu.Lock()
		r.acquires = append(r.acquires, time.Now())
		r.mu.Unlock()
	}
	return r.array.Execute(ctx, drive, cmd)
}

func (r *recordingCodec) rounds() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.acquires...)
}

func TestSession(t *testing.T) {
	var (
		ctx    = context.Background()
		drives = []string{"/dev/sg1", "/dev/sg2", "/dev/nvme0n1"}
		minute = time.Minute
	)

	t.Run("should track host counts of two shareable holders", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives[:2]...)
		)

		// Act & Assert
		require.NoError(t, h1.Acquire(ctx, id, op))
		require.NoError(t, h2.Acquire(ctx, id, op))

		var count, self, err = h1.GetHostCount(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.True(t, self)

		require.NoError(t, h1.Release(ctx, id))

		count, self, err = h1.GetHostCount(ctx, id, op.Drives())
		require.NoError(t, err)
		assert.Equal(t, 1, count, "h2 still holds the lock")
		assert.False(t, self)

		require.NoError(t, h2.Release(ctx, id))

		count, self, err = h1.GetHostCount(ctx, id, op.Drives())
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.False(t, self)
	})

	t.Run("should let only one host hold exclusive", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))

		// Act
		var exclusiveErr = h2.Acquire(ctx, id, op)
		var shareableErr = h2.Acquire(ctx, id, newOp(t, idm.ModeShareable, minute, drives...))

		// Assert
		assert.ErrorIs(t, exclusiveErr, ErrBusy)
		assert.ErrorIs(t, shareableErr, ErrBusy)
		assert.Equal(t, -11, Errno(exclusiveErr))

		var mode, err = h2.GetMode(ctx, id, drives)
		require.NoError(t, err)
		assert.Equal(t, idm.ModeExclusive, mode)
	})

	t.Run("should let several hosts share a lock", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
			hosts  = []*Session{connect(t, engine), connect(t, engine), connect(t, engine)}
		)

		// Act
		for _, h := range hosts {
			require.NoError(t, h.Acquire(ctx, id, op))
		}

		// Assert
		for _, h := range hosts {
			var count, self, err = h.GetHostCount(ctx, id, nil)
			require.NoError(t, err)
			assert.Equal(t, len(hosts)-1, count)
			assert.True(t, self)
		}
	})

	t.Run("should only promote the sole shareable holder", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		require.NoError(t, h2.Acquire(ctx, id, op))

		// Act
		var refused = h1.Convert(ctx, id, idm.ModeExclusive)
		require.NoError(t, h2.Release(ctx, id))
		var allowed = h1.Convert(ctx, id, idm.ModeExclusive)

		// Assert
		assert.ErrorIs(t, refused, ErrNotPermitted)
		assert.Equal(t, -1, Errno(refused))
		assert.NoError(t, allowed)

		var status, ok = h1.Status(id)
		require.True(t, ok)
		assert.Equal(t, idm.ModeExclusive, status.Mode)

		var mode, err = h1.GetMode(ctx, id, nil)
		require.NoError(t, err)
		assert.Equal(t, idm.ModeExclusive, mode)
	})

	t.Run("should demote exclusive to shareable and admit other readers", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
		)
		require.NoError(t, h1.Acquire(ctx, id, newOp(t, idm.ModeExclusive, minute, drives...)))

		// Act
		var err = h1.Convert(ctx, id, idm.ModeShareable)

		// Assert
		require.NoError(t, err)
		assert.NoError(t, h2.Acquire(ctx, id, newOp(t, idm.ModeShareable, minute, drives...)))
	})

	t.Run("should reject invalid modes before touching drives", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			id     = newLockID(t)
		)
		require.NoError(t, h1.Acquire(ctx, id, newOp(t, idm.ModeShareable, minute, drives...)))

		// Act
		var convertErr = h1.Convert(ctx, id, idm.Mode(9))
		var _, opErr = NewLockOp(idm.ModeUnlock, drives, minute)

		// Assert
		assert.ErrorIs(t, convertErr, ErrInvalidArgument)
		assert.ErrorIs(t, opErr, ErrInvalidArgument)
		assert.Equal(t, -22, Errno(opErr))
	})

	t.Run("should validate drive sets", func(t *testing.T) {
		var nine = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"}

		var _, tooMany = NewLockOp(idm.ModeShareable, nine, minute)
		var _, none = NewLockOp(idm.ModeShareable, nil, minute)
		var _, dup = NewLockOp(idm.ModeShareable, []string{"a", "a"}, minute)
		var _, noTimeout = NewLockOp(idm.ModeShareable, []string{"a"}, 0)
		var _, eight = NewLockOp(idm.ModeShareable, nine[:8], minute)

		assert.ErrorIs(t, tooMany, ErrInvalidArgument)
		assert.ErrorIs(t, none, ErrInvalidArgument)
		assert.ErrorIs(t, dup, ErrInvalidArgument)
		assert.ErrorIs(t, noTimeout, ErrInvalidArgument)
		assert.NoError(t, eight)
	})

	t.Run("should refuse a second acquire from the same session", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		assert.ErrorIs(t, err, ErrAlreadyHeld)
		assert.Equal(t, -16, Errno(err))
	})

	t.Run("should report not found on a second unlock without disturbing others", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		require.NoError(t, h2.Acquire(ctx, id, op))
		require.NoError(t, h1.Release(ctx, id))

		// Act
		var err = h1.Release(ctx, id)

		// Assert
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, -2, Errno(err))

		var count, self, countErr = h2.GetHostCount(ctx, id, nil)
		require.NoError(t, countErr)
		assert.Equal(t, 0, count)
		assert.True(t, self)
	})

	t.Run("should reject convert of a lock not held", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
		)

		// Act
		var err = h1.Convert(ctx, newLockID(t), idm.ModeExclusive)

		// Assert
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("should round-trip the lvb through unlock and acquire", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
			value  = idm.LVB{'v', 'g', '-', 's', 'e', 'q', 0, 9}
		)
		require.NoError(t, h1.Acquire(ctx, id, op))

		// Act
		require.NoError(t, h1.WriteLVB(ctx, id, value))
		require.NoError(t, h1.Release(ctx, id))
		require.NoError(t, h2.Acquire(ctx, id, op))
		var read, err = h2.ReadLVB(ctx, id)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, value, read)
	})

	t.Run("should survive a minority of failed drives", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		array.Fail(drives[2])

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		require.NoError(t, err)
		assert.NoError(t, h1.Release(ctx, id))
	})

	t.Run("should compensate partial grants when a majority of drives fail", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		array.Fail(drives[1], drives[2])

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		assert.ErrorIs(t, err, ErrIO)
		assert.Equal(t, -5, Errno(err))
		assert.Empty(t, array.Holders(drives[0], id), "granted drive must be released")
		var _, held = h1.Status(id)
		assert.False(t, held)
	})

	t.Run("should time out when a majority of drives stall", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array, WithCommandTimeout(100*time.Millisecond))
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		array.Stall(drives[1], time.Second)
		array.Stall(drives[2], time.Second)

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		assert.ErrorIs(t, err, ErrTimeout)
		assert.Empty(t, array.Holders(drives[0], id))
	})

	t.Run("should fail every drive command under full fault injection", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)

		// Act
		require.NoError(t, h1.InjectFault(100))
		var injected = h1.Acquire(ctx, id, op)
		require.NoError(t, h1.InjectFault(0))
		var restored = h1.Acquire(ctx, id, op)

		// Assert
		assert.ErrorIs(t, injected, ErrIO)
		assert.NoError(t, restored)
		assert.ErrorIs(t, h1.InjectFault(150), ErrInvalidArgument)
	})

	t.Run("should still reach quorum when a minority of submissions fail", func(t *testing.T) {
		// Arrange
		var (
			engine    = newTestEngine(t, firmware.NewArray())
			h1        = connect(t, engine)
			id        = newLockID(t)
			op        = newOp(t, idm.ModeShareable, minute, drives...)
			faults, _ = NewCountFaults(1, 3)
		)
		h1.SetFaultPolicy(faults)

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		assert.NoError(t, err)
	})

	t.Run("should let another host break an expired lease and read the sentinel", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, 200*time.Millisecond, drives...)
		)
		h1.StopRenew()
		require.NoError(t, h1.Acquire(ctx, id, op))
		require.NoError(t, h1.WriteLVB(ctx, id, idm.LVBFromUint64(1234)))

		// Act
		assert.Eventually(t, func() bool {
			return h2.Break(ctx, id, op) == nil
		}, 2*time.Second, 20*time.Millisecond)
		var read, err = h2.ReadLVB(ctx, id)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, idm.SentinelLVB, read)

		assert.Eventually(t, func() bool {
			var status, _ = h1.Status(id)
			return status.Phase == PhaseExpired
		}, time.Second, 10*time.Millisecond)
		var releaseErr = h1.Release(ctx, id)
		assert.ErrorIs(t, releaseErr, ErrExpired)
		assert.Equal(t, -62, Errno(releaseErr))
		assert.ErrorIs(t, h1.Release(ctx, id), ErrNotFound)

		var count, self, countErr = h2.GetHostCount(ctx, id, nil)
		require.NoError(t, countErr)
		assert.Equal(t, 0, count)
		assert.True(t, self)
	})

	t.Run("should acquire outright once the previous holder crashed", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, 200*time.Millisecond, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		h1.simulateCrash()

		// Act
		assert.Eventually(t, func() bool {
			return h2.Acquire(ctx, id, op) == nil
		}, 2*time.Second, 20*time.Millisecond)

		// Assert
		var status, ok = h2.Status(id)
		require.True(t, ok)
		assert.True(t, status.Broken)
		var read, err = h2.ReadLVB(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, idm.SentinelLVB, read)
	})

	t.Run("should reject convert once the lease expired", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, 100*time.Millisecond, drives...)
		)
		h1.StopRenew()
		require.NoError(t, h1.Acquire(ctx, id, op))
		time.Sleep(150 * time.Millisecond)

		// Act
		var err = h1.Convert(ctx, id, idm.ModeExclusive)

		// Assert
		assert.ErrorIs(t, err, ErrExpired)
		var status, ok = h1.Status(id)
		require.True(t, ok)
		assert.Equal(t, PhaseExpired, status.Phase)
		assert.Equal(t, idm.ModeShareable, status.Mode)
	})

	t.Run("should refuse a host id used by another session", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			fresh  = idm.RandomHostID()
		)

		// Act
		var taken = h2.SetHostID(h1.HostID())
		var ok = h2.SetHostID(fresh)
		require.NoError(t, h2.Acquire(ctx, id, newOp(t, idm.ModeShareable, minute, drives...)))
		var holding = h2.SetHostID(idm.RandomHostID())

		// Assert
		assert.ErrorIs(t, taken, ErrAlreadyHeld)
		assert.NoError(t, ok)
		assert.Equal(t, fresh, h2.HostID())
		assert.ErrorIs(t, holding, ErrBusy)
	})

	t.Run("should release every lock on terminate", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			ids    = []idm.LockID{newLockID(t), newLockID(t), newLockID(t)}
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		for _, id := range ids {
			require.NoError(t, h1.Acquire(ctx, id, op))
		}

		// Act
		var err = h1.Terminate(ctx)

		// Assert
		require.NoError(t, err)
		for _, id := range ids {
			assert.NoError(t, h2.Acquire(ctx, id, op))
		}
		assert.ErrorIs(t, h1.Acquire(ctx, newLockID(t), op), ErrInvalidArgument)
	})

	t.Run("should read the firmware version of one drive", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
		)

		// Act
		var version, err = h1.GetVersion(ctx, "/dev/nvme1n1")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, firmware.Version, version)
	})

	t.Run("should report a failed drive when reading its version", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
		)
		array.Fail("/dev/sg9")

		// Act
		var _, err = h1.GetVersion(ctx, "/dev/sg9")

		// Assert
		assert.ErrorIs(t, err, ErrIO)
	})

	t.Run("should start the lease clock before a slow drive answers", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, 300*time.Millisecond, drives...)
		)
		h1.StopRenew()
		array.Stall(drives[2], 250*time.Millisecond)

		// Act
		var before = time.Now()
		require.NoError(t, h1.Acquire(ctx, id, op))
		array.Restore(drives[2])

		// Assert
		var status, _ = h1.Status(id)
		assert.WithinDuration(t, before, status.LastRenewedAt, 100*time.Millisecond)

		assert.Eventually(t, func() bool {
			return h2.Break(ctx, id, op) == nil
		}, 2*time.Second, 10*time.Millisecond)
		status, _ = h1.Status(id)
		assert.Equal(t, PhaseExpired, status.Phase, "the drives let another host in")
		assert.ErrorIs(t, h1.Release(ctx, id), ErrExpired)
	})

	t.Run("should report expired when unlocking a lease the drives no longer list", func(t *testing.T) {
		// Arrange
		var (
			skew   atomic.Int64
			array  = skewedArray(&skew)
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		skew.Store(int64(time.Hour))
		require.NoError(t, h2.Break(ctx, id, op))

		// Act
		var err = h1.Release(ctx, id)

		// Assert
		assert.ErrorIs(t, err, ErrExpired)
		assert.Equal(t, -62, Errno(err))
		var _, held = h1.Status(id)
		assert.False(t, held)

		var count, self, countErr = h2.GetHostCount(ctx, id, nil)
		require.NoError(t, countErr)
		assert.Equal(t, 0, count)
		assert.True(t, self)
	})

	t.Run("should reclaim a lock its host id still holds on the drives", func(t *testing.T) {
		// Arrange
		var (
			array   = firmware.NewArray()
			before  = newTestEngine(t, array)
			after   = newTestEngine(t, array)
			crashed = connect(t, before)
			id      = newLockID(t)
			op      = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		require.NoError(t, crashed.Acquire(ctx, id, op))
		crashed.simulateCrash()

		var restarted = connect(t, after)
		require.NoError(t, restarted.SetHostID(crashed.HostID()))

		// Act
		var err = restarted.Acquire(ctx, id, op)

		// Assert
		require.NoError(t, err)
		for _, d := range drives {
			assert.Equal(t, []idm.HostID{crashed.HostID()}, array.Holders(d, id), d)
		}
		var status, _ = restarted.Status(id)
		assert.False(t, status.Broken)
	})

	t.Run("should retry a split vote until a majority grants", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			other  = idm.RandomHostID()
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, minute, drives...)
			failed atomic.Bool
		)
		array.Execute(ctx, drives[1], idm.Command{
			Verb:    idm.VerbAcquire,
			Lock:    id,
			Host:    other,
			Mode:    idm.ModeExclusive,
			Timeout: minute,
		})
		h1.SetFaultPolicy(FaultPolicyFunc(func(drive string, cmd idm.Command) bool {
			return drive == drives[2] && cmd.Verb == idm.VerbAcquire && failed.CompareAndSwap(false, true)
		}))

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		require.NoError(t, err)
		assert.True(t, failed.Load(), "first round must have split")
		assert.Equal(t, []idm.HostID{h1.HostID()}, array.Holders(drives[0], id))
		assert.Equal(t, []idm.HostID{other}, array.Holders(drives[1], id))
		assert.Equal(t, []idm.HostID{h1.HostID()}, array.Holders(drives[2], id))
	})

	t.Run("should space acquire retry rounds by the retry interval", func(t *testing.T) {
		// Arrange
		var (
			array = firmware.NewArray()
			codec = &recordingCodec{array: array, drive: drives[0]}
			sut   = newTestEngine(t, codec,
				WithRetryInterval(50*time.Millisecond),
				WithMajorityTimeout(220*time.Millisecond))
			h1    = connect(t, sut)
			other = idm.RandomHostID()
			id    = newLockID(t)
			op    = newOp(t, idm.ModeExclusive, minute, drives...)
		)
		for _, d := range drives[1:] {
			array.Execute(ctx, d, idm.Command{Verb: idm.VerbAcquire, Lock: id, Host: other, Mode: idm.ModeExclusive, Timeout: minute})
		}

		// Act
		var err = h1.Acquire(ctx, id, op)

		// Assert
		assert.ErrorIs(t, err, ErrBusy)
		var rounds = codec.rounds()
		assert.GreaterOrEqual(t, len(rounds), 3)
		assert.LessOrEqual(t, len(rounds), 6)
		for i := 1; i < len(rounds); i++ {
			assert.GreaterOrEqual(t, rounds[i].Sub(rounds[i-1]), 45*time.Millisecond, "round %d", i)
		}
		assert.Empty(t, array.Holders(drives[0], id))
	})

	t.Run("should convert drives back when a convert misses quorum", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		h1.SetFaultPolicy(FaultPolicyFunc(func(drive string, cmd idm.Command) bool {
			return cmd.Verb == idm.VerbConvert && drive != drives[0]
		}))

		// Act
		var err = h1.Convert(ctx, id, idm.ModeExclusive)

		// Assert
		assert.ErrorIs(t, err, ErrIO)
		var mode = array.Execute(ctx, drives[0], idm.Command{Verb: idm.VerbMode, Lock: id})
		assert.Equal(t, idm.ModeShareable, mode.Mode)
		var status, _ = h1.Status(id)
		assert.Equal(t, idm.ModeShareable, status.Mode)

		h1.SetFaultPolicy(nil)
		assert.NoError(t, h1.Convert(ctx, id, idm.ModeExclusive))
	})

	t.Run("should refuse further converts once a revert failed", func(t *testing.T) {
		// Arrange
		var (
			array  = firmware.NewArray()
			engine = newTestEngine(t, array)
			h1     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeShareable, minute, drives...)
		)
		require.NoError(t, h1.Acquire(ctx, id, op))
		h1.SetFaultPolicy(FaultPolicyFunc(func(drive string, cmd idm.Command) bool {
			if cmd.Verb != idm.VerbConvert {
				return false
			}
			// the revert back to shareable is the only convert drives[0] fails
			return drive != drives[0] || cmd.Mode == idm.ModeShareable
		}))
		require.ErrorIs(t, h1.Convert(ctx, id, idm.ModeExclusive), ErrIO)
		h1.SetFaultPolicy(nil)

		// Act
		var err = h1.Convert(ctx, id, idm.ModeExclusive)

		// Assert
		assert.ErrorIs(t, err, ErrIO)
		var first = array.Execute(ctx, drives[0], idm.Command{Verb: idm.VerbMode, Lock: id})
		var second = array.Execute(ctx, drives[1], idm.Command{Verb: idm.VerbMode, Lock: id})
		assert.Equal(t, idm.ModeExclusive, first.Mode)
		assert.Equal(t, idm.ModeShareable, second.Mode)
	})

	t.Run("should hand the sentinel on to the next holder of a broken lock", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			h2     = connect(t, engine)
			h3     = connect(t, engine)
			id     = newLockID(t)
			op     = newOp(t, idm.ModeExclusive, 200*time.Millisecond, drives...)
			buf    bytes.Buffer
		)
		h1.StopRenew()
		require.NoError(t, h1.Acquire(ctx, id, op))
		require.NoError(t, h1.WriteLVB(ctx, id, idm.LVBFromUint64(1234)))
		assert.Eventually(t, func() bool {
			return h2.Break(ctx, id, op) == nil
		}, 2*time.Second, 20*time.Millisecond)

		// Act
		var broken, err = h2.ReadLVB(ctx, id)
		require.NoError(t, err)
		engine.WritePrometheus(&buf)
		require.NoError(t, h2.Release(ctx, id))
		require.NoError(t, h3.Acquire(ctx, id, op))
		next, err := h3.ReadLVB(ctx, id)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, idm.SentinelLVB, broken)
		assert.NotContains(t, buf.String(), `verb="read_lvb"`, "a broken lock is not read from the drives")
		assert.Equal(t, idm.SentinelLVB, next)
	})
}

func TestEngine(t *testing.T) {
	var ctx = context.Background()

	t.Run("should reject a nil codec", func(t *testing.T) {
		var _, err = NewEngine(nil)

		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("should release held locks and refuse sessions after close", func(t *testing.T) {
		// Arrange
		var (
			array     = firmware.NewArray()
			engine, _ = NewEngine(array)
			h1        = connect(t, engine)
			id        = newLockID(t)
			op        = newOp(t, idm.ModeExclusive, time.Minute, "/dev/sg1")
		)
		require.NoError(t, h1.Acquire(ctx, id, op))

		// Act
		var err = engine.Close(ctx)
		var _, connectErr = engine.Connect()

		// Assert
		require.NoError(t, err)
		assert.ErrorIs(t, connectErr, ErrPoolClosed)
		assert.Empty(t, array.Holders("/dev/sg1", id))
		assert.NoError(t, engine.Close(ctx))
	})

	t.Run("should export quorum metrics", func(t *testing.T) {
		// Arrange
		var (
			engine = newTestEngine(t, firmware.NewArray())
			h1     = connect(t, engine)
			id     = newLockID(t)
			buf    bytes.Buffer
		)
		require.NoError(t, h1.Acquire(ctx, id, newOp(t, idm.ModeShareable, time.Minute, "/dev/sg1")))

		// Act
		engine.WritePrometheus(&buf)

		// Assert
		assert.Contains(t, buf.String(), `idmlock_quorum_operations_total{verb="acquire",result="success"} 1`)
		assert.Contains(t, buf.String(), "idmlock_held_locks 1")
	})
}
