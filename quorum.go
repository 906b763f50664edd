package idmlock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go-idmlock/idm"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// QuorumThreshold returns the number of successful drives an operation on n
// drives needs: a strict majority.
func QuorumThreshold(n int) int {
	return n/2 + 1
}

// driveStep runs the command sequence for one drive and returns its final outcome.
type driveStep func(ctx context.Context, drive string) DriveOutcome

// verdict is the reduction of one fan-out.
type verdict struct {
	outcomes  []DriveOutcome
	successes int
	err       error
}

func (v verdict) succeeded() []DriveOutcome {
	var ok = make([]DriveOutcome, 0, v.successes)
	for _, o := range v.outcomes {
		if o.Status == StatusSuccess {
			ok = append(ok, o)
		}
	}
	return ok
}

// coordinator fans logical lock operations out to every drive of a lock and
// reduces the per-drive outcomes under the majority rule.
type coordinator struct {
	dispatcher *Dispatcher
	metrics    *engineMetrics
	options    options
	logger     *slog.Logger
}

func newCoordinator(d *Dispatcher, m *engineMetrics, opts options) *coordinator {
	return &coordinator{
		dispatcher: d,
		metrics:    m,
		options:    opts,
		logger:     opts.logger,
	}
}

// fanOut runs step on every drive concurrently and waits for all of them, up
// to the command deadline. Drives still running then count as timed out.
func (c *coordinator) fanOut(ctx context.Context, drives []string, step driveStep) []DriveOutcome {
	var cctx, cancel = context.WithTimeout(ctx, c.options.commandTimeout)
	defer cancel()

	type indexed struct {
		i int
		o DriveOutcome
	}

	var results = make(chan indexed, len(drives))
	for i, drive := range drives {
		go func() {
			results <- indexed{i: i, o: step(cctx, drive)}
		}()
	}

	var outcomes = make([]DriveOutcome, len(drives))
	for range drives {
		var r = <-results
		outcomes[r.i] = r.o
	}
	return outcomes
}

// send submits one command and waits for it within ctx.
func (c *coordinator) send(ctx context.Context, faults FaultPolicy, drive string, cmd idm.Command) DriveOutcome {
	return c.dispatcher.Wait(ctx, c.dispatcher.Submit(ctx, drive, cmd, faults))
}

// reduce applies the majority rule. On failure the most severe observed
// error wins: I/O errors first, then ownership refusals, expiry, conflicts
// and finally timeouts.
func reduce(outcomes []DriveOutcome) verdict {
	var v = verdict{outcomes: outcomes}
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			v.successes++
		}
	}
	if v.successes >= QuorumThreshold(len(outcomes)) {
		return v
	}

	var ioErr, perm, expired, busy bool
	for _, o := range outcomes {
		switch {
		case o.Status == StatusIOError:
			ioErr = true
		case o.Code == -int(unix.EPERM):
			perm = true
		case o.Code == -int(unix.ETIME):
			expired = true
		case o.Status == StatusBusy:
			busy = true
		}
	}

	switch {
	case ioErr:
		v.err = ErrIO
	case perm:
		v.err = ErrNotPermitted
	case expired:
		v.err = ErrExpired
	case busy:
		v.err = ErrBusy
	default:
		v.err = ErrTimeout
	}
	return v
}

// run fans step out, reduces, and records metrics and a debug line.
func (c *coordinator) run(ctx context.Context, verb idm.Verb, id idm.LockID, drives []string, step driveStep) verdict {
	var (
		started = time.Now()
		v       = reduce(c.fanOut(ctx, drives, step))
	)
	c.metrics.quorum(verb, v.err, started)

	if v.err != nil {
		c.logger.Debug("quorum not reached",
			"verb", verb,
			"lock_id", id,
			"successes", v.successes,
			"threshold", QuorumThreshold(len(drives)),
			"error", v.err)
	}
	return v
}

// acquireResult carries what Acquire learned besides success.
type acquireResult struct {
	broken bool
	// started is when the granting round was sent. The lease on the drives
	// runs from no earlier than this.
	started time.Time
}

// acquire takes the lock on a majority of drives. Per drive: a duplicate
// membership is released and retried once; a busy drive is asked to break
// expired holders. A round that ends with some grants but no majority is
// compensated and retried until the majority timeout.
func (c *coordinator) acquire(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, op LockOp) (acquireResult, error) {
	var (
		deadline = time.Now().Add(c.options.majorityTimeout)
		limiter  = rate.NewLimiter(rate.Every(c.options.retryInterval), 1)
		base     = idm.Command{Lock: id, Host: host, Mode: op.mode, Timeout: op.timeout}
	)

	for attempt := 1; ; attempt++ {
		if err := c.pace(ctx, limiter, attempt > 1); err != nil {
			return acquireResult{}, fmt.Errorf("failed to acquire %s: %w", id, err)
		}

		var step = func(ctx context.Context, drive string) DriveOutcome {
			var acq = base
			acq.Verb = idm.VerbAcquire

			var o = c.send(ctx, faults, drive, acq)
			if o.Code == -int(unix.EAGAIN) {
				var rel = base
				rel.Verb = idm.VerbRelease
				c.send(ctx, faults, drive, rel)
				o = c.send(ctx, faults, drive, acq)
			}
			if o.Code == -int(unix.EBUSY) {
				var brk = base
				brk.Verb = idm.VerbBreak
				if b := c.send(ctx, faults, drive, brk); b.Status == StatusSuccess {
					b.viaBreak = true
					return b
				}
			}
			return o
		}

		var (
			started = time.Now()
			v       = c.run(ctx, idm.VerbAcquire, id, op.drives, step)
		)
		if v.err == nil {
			var res = acquireResult{started: started}
			for _, o := range v.succeeded() {
				res.broken = res.broken || o.viaBreak
			}
			return res, nil
		}

		c.compensate(ctx, faults, id, host, v.outcomes)

		if v.successes == 0 || time.Now().After(deadline) {
			return acquireResult{}, fmt.Errorf("failed to acquire %s after %d attempts: %w", id, attempt, v.err)
		}

		c.logger.Debug("split acquire, retrying", "lock_id", id, "attempt", attempt, "successes", v.successes)
	}
}

// pace waits until limiter admits the next acquire round. A retry also waits
// a random share of one retry interval so that racing hosts drift apart.
func (c *coordinator) pace(ctx context.Context, limiter *rate.Limiter, retry bool) error {
	var (
		r     = limiter.Reserve()
		delay = r.Delay()
	)
	if retry {
		delay += rand.N(c.options.retryInterval)
	}
	if delay <= 0 {
		return nil
	}

	var timer = time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// compensate releases the lock on drives that granted it, or may have granted
// it late, after a failed acquire or break.
func (c *coordinator) compensate(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, outcomes []DriveOutcome) {
	var drives []string
	for _, o := range outcomes {
		if o.Status == StatusSuccess || o.Code == -int(unix.ETIMEDOUT) {
			drives = append(drives, o.Drive)
		}
	}
	if len(drives) == 0 {
		return
	}

	var rel = idm.Command{Verb: idm.VerbRelease, Lock: id, Host: host}
	c.fanOut(ctx, drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, rel)
	})

	c.logger.Info("released partial grants", "lock_id", id, "drives", drives)
}

// breakLock evicts expired holders and takes the lock in op's mode.
func (c *coordinator) breakLock(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, op LockOp) error {
	var brk = idm.Command{Verb: idm.VerbBreak, Lock: id, Host: host, Mode: op.mode, Timeout: op.timeout}
	var v = c.run(ctx, idm.VerbBreak, id, op.drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, brk)
	})
	if v.err != nil {
		c.compensate(ctx, faults, id, host, v.outcomes)
		return fmt.Errorf("failed to break %s: %w", id, v.err)
	}
	return nil
}

// release drops the lock on every drive. A drive that no longer lists the
// host, or whose lease for it lapsed, counts as released; when that holds for
// a majority the lease was already lost and ErrExpired is returned.
func (c *coordinator) release(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, op LockOp, lvb *idm.LVB) error {
	var rel = idm.Command{Verb: idm.VerbRelease, Lock: id, Host: host, Mode: op.mode}
	if lvb != nil {
		rel.LVB = *lvb
		rel.HasLVB = true
	}

	var lost atomic.Int32
	var v = c.run(ctx, idm.VerbRelease, id, op.drives, func(ctx context.Context, drive string) DriveOutcome {
		var o = c.send(ctx, faults, drive, rel)
		if o.Code == -int(unix.ENOENT) || o.Code == -int(unix.ETIME) {
			o.Status = StatusSuccess
			lost.Add(1)
		}
		return o
	})
	if v.err != nil {
		return fmt.Errorf("failed to release %s: %w", id, v.err)
	}
	if n := int(lost.Load()); n >= QuorumThreshold(len(op.drives)) {
		return fmt.Errorf("failed to release %s: lease already lost on %d drives: %w", id, n, ErrExpired)
	}
	return nil
}

// convert changes the mode on every drive. Promotion to exclusive first
// checks that no other host holds the lock. Drives that converted before the
// operation missed quorum are converted back; mixed reports that some of them
// could not be, leaving the drives in different modes.
func (c *coordinator) convert(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, op LockOp, mode idm.Mode) (mixed bool, err error) {
	if !mode.Lockable() {
		return false, fmt.Errorf("failed to convert %s: %w: mode %s", id, ErrInvalidArgument, mode)
	}

	if mode == idm.ModeExclusive {
		var count, _, err = c.hostCount(ctx, faults, id, host, op.drives)
		if err != nil {
			return false, fmt.Errorf("failed to convert %s: %w", id, err)
		}
		if count > 0 {
			return false, fmt.Errorf("failed to convert %s: %d other holders: %w", id, count, ErrNotPermitted)
		}
	}

	var conv = idm.Command{Verb: idm.VerbConvert, Lock: id, Host: host, Mode: mode, Timeout: op.timeout}
	var v = c.run(ctx, idm.VerbConvert, id, op.drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, conv)
	})
	if v.err == nil {
		return false, nil
	}

	var revert = conv
	revert.Mode = op.mode
	var converted []string
	for _, o := range v.succeeded() {
		converted = append(converted, o.Drive)
	}
	if len(converted) > 0 {
		var reverted = reduce(c.fanOut(ctx, converted, func(ctx context.Context, drive string) DriveOutcome {
			return c.send(ctx, faults, drive, revert)
		}))
		if reverted.successes < len(converted) {
			c.logger.Error("failed to revert convert",
				"lock_id", id,
				"host_id", host.Short(),
				"mode", op.mode,
				"converted", len(converted),
				"reverted", reverted.successes)
			mixed = true
		}
	}

	return mixed, fmt.Errorf("failed to convert %s to %s: %w", id, mode, v.err)
}

// renew extends the host's lease on a majority of drives.
func (c *coordinator) renew(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, op LockOp) error {
	var ren = idm.Command{Verb: idm.VerbRenew, Lock: id, Host: host, Mode: op.mode, Timeout: op.timeout}
	var v = c.run(ctx, idm.VerbRenew, id, op.drives, func(ctx context.Context, drive string) DriveOutcome {
		var o = c.send(ctx, faults, drive, ren)
		// no holder entry: another host broke the lease on this drive
		if o.Code == -int(unix.ENOENT) {
			o.Code = -int(unix.ETIME)
			o.Status = classify(o.Code)
		}
		return o
	})
	if v.err != nil {
		return fmt.Errorf("failed to renew %s: %w", id, v.err)
	}
	return nil
}

// readLVB returns the largest value among the drives that answered, which is
// the value of the last committed write when the drives agree.
func (c *coordinator) readLVB(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, drives []string) (idm.LVB, error) {
	var read = idm.Command{Verb: idm.VerbReadLVB, Lock: id, Host: host}
	var v = c.run(ctx, idm.VerbReadLVB, id, drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, read)
	})
	if v.err != nil {
		return idm.LVB{}, fmt.Errorf("failed to read lvb of %s: %w", id, v.err)
	}

	var best idm.LVB
	for _, o := range v.succeeded() {
		if o.Result.LVB.Uint64() > best.Uint64() {
			best = o.Result.LVB
		}
	}
	return best, nil
}

// writeLVB stores lvb on a majority of drives.
func (c *coordinator) writeLVB(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, drives []string, lvb idm.LVB) error {
	var write = idm.Command{Verb: idm.VerbWriteLVB, Lock: id, Host: host, LVB: lvb, HasLVB: true}
	var v = c.run(ctx, idm.VerbWriteLVB, id, drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, write)
	})
	if v.err != nil {
		return fmt.Errorf("failed to write lvb of %s: %w", id, v.err)
	}
	return nil
}

// hostCount returns the largest number of other holders any answering drive
// reported, and whether any of them lists the caller. Stale minority drives
// may undercount.
func (c *coordinator) hostCount(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, drives []string) (int, bool, error) {
	var query = idm.Command{Verb: idm.VerbHostCount, Lock: id, Host: host}
	var v = c.run(ctx, idm.VerbHostCount, id, drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, query)
	})
	if v.err != nil {
		return 0, false, fmt.Errorf("failed to count hosts of %s: %w", id, v.err)
	}

	var (
		count int
		self  bool
	)
	for _, o := range v.succeeded() {
		count = max(count, o.Result.Count)
		self = self || o.Result.Self
	}
	return count, self, nil
}

// mode returns the mode a majority of drives agree on.
func (c *coordinator) mode(ctx context.Context, faults FaultPolicy, id idm.LockID, host idm.HostID, drives []string) (idm.Mode, error) {
	var query = idm.Command{Verb: idm.VerbMode, Lock: id, Host: host}
	var v = c.run(ctx, idm.VerbMode, id, drives, func(ctx context.Context, drive string) DriveOutcome {
		return c.send(ctx, faults, drive, query)
	})
	if v.err != nil {
		return idm.ModeUnlock, fmt.Errorf("failed to read mode of %s: %w", id, v.err)
	}

	var votes = make(map[idm.Mode]int)
	for _, o := range v.succeeded() {
		votes[o.Result.Mode]++
	}
	for m, n := range votes {
		if n >= QuorumThreshold(len(drives)) {
			return m, nil
		}
	}
	return idm.ModeUnlock, fmt.Errorf("failed to read mode of %s: drives disagree: %w", id, ErrIO)
}

// version reads the firmware version of a single drive.
func (c *coordinator) version(ctx context.Context, faults FaultPolicy, drive string) (uint32, error) {
	var cctx, cancel = context.WithTimeout(ctx, c.options.commandTimeout)
	defer cancel()

	var o = c.send(cctx, faults, drive, idm.Command{Verb: idm.VerbVersion})
	if o.Status != StatusSuccess {
		var v = reduce([]DriveOutcome{o})
		return 0, fmt.Errorf("failed to read version of %s: %w", drive, v.err)
	}
	return o.Result.Version, nil
}
