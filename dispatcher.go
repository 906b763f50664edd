package idmlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-idmlock/idm"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

// Completion is the handle of one submitted drive command. Done is closed
// once the outcome is available.
type Completion struct {
	id      uint64
	drive   string
	verb    idm.Verb
	started time.Time
	done    chan struct{}
	once    sync.Once
	outcome DriveOutcome
	onDone  func(*Completion)
}

// Done returns a channel closed when the command completed.
func (c *Completion) Done() <-chan struct{} { return c.done }

// Drive returns the drive the command was sent to.
func (c *Completion) Drive() string { return c.drive }

// Outcome returns the outcome; only valid after Done is closed.
func (c *Completion) Outcome() DriveOutcome { return c.outcome }

func (c *Completion) complete(res idm.Result) {
	c.finish(res, false)
}

func (c *Completion) inject() {
	c.finish(idm.Result{Code: -int(unix.EIO)}, true)
}

func (c *Completion) cancel() {
	c.finish(idm.Result{Code: -int(unix.ECANCELED)}, false)
}

func (c *Completion) finish(res idm.Result, injected bool) {
	c.once.Do(func() {
		c.outcome = DriveOutcome{
			Drive:    c.drive,
			Status:   classify(res.Code),
			Code:     res.Code,
			Elapsed:  time.Since(c.started),
			Injected: injected,
			Result:   res,
		}
		close(c.done)
		if c.onDone != nil {
			c.onDone(c)
		}
	})
}

// classify maps a drive status code to an outcome class.
func classify(code int) Status {
	switch code {
	case 0:
		return StatusSuccess
	case -int(unix.EBUSY), -int(unix.EAGAIN), -int(unix.EPERM):
		return StatusBusy
	case -int(unix.ETIME), -int(unix.ETIMEDOUT):
		return StatusTimeout
	default:
		return StatusIOError
	}
}

// Dispatcher issues single IDM commands to single drives. Drives with native
// async support are submitted directly; the rest go through the worker pool.
// It never retries.
type Dispatcher struct {
	codec    idm.Codec
	async    idm.AsyncCodec
	pool     *Pool
	inflight *xsync.MapOf[uint64, *Completion]
	seq      atomic.Uint64
	metrics  *engineMetrics
	logger   *slog.Logger
}

func newDispatcher(codec idm.Codec, pool *Pool, m *engineMetrics, logger *slog.Logger) *Dispatcher {
	var async, _ = codec.(idm.AsyncCodec)
	return &Dispatcher{
		codec:    codec,
		async:    async,
		pool:     pool,
		inflight: xsync.NewMapOf[uint64, *Completion](),
		metrics:  m,
		logger:   logger,
	}
}

// Submit starts cmd on drive and returns its completion handle. When faults
// decides to inject, the command is not executed and completes with an I/O error.
func (d *Dispatcher) Submit(ctx context.Context, drive string, cmd idm.Command, faults FaultPolicy) *Completion {
	var c = &Completion{
		id:      d.seq.Add(1),
		drive:   drive,
		verb:    cmd.Verb,
		started: time.Now(),
		done:    make(chan struct{}),
		onDone:  d.finished,
	}
	d.inflight.Store(c.id, c)

	if faults != nil && faults.Inject(drive, cmd) {
		d.logger.Debug("injected drive fault", "drive", drive, "verb", cmd.Verb)
		c.inject()
		return c
	}

	if d.async != nil && d.async.Native(drive) {
		var ch = d.async.SubmitAsync(ctx, drive, cmd)
		go func() {
			select {
			case res := <-ch:
				c.complete(res)
			case <-ctx.Done():
				c.complete(idm.Result{Code: -int(unix.ETIMEDOUT)})
			}
		}()
		return c
	}

	var req = &poolRequest{ctx: ctx, drive: drive, cmd: cmd, completion: c}
	if err := d.pool.Enqueue(req); err != nil {
		if errors.Is(err, ErrPoolClosed) {
			c.cancel()
		} else {
			c.complete(idm.Result{Code: -int(unix.ETIMEDOUT)})
		}
	}
	return c
}

// Poll waits up to timeout for c. A command still running when the timeout
// elapses is reported as timed out; its late result is discarded.
func (d *Dispatcher) Poll(c *Completion, timeout time.Duration) DriveOutcome {
	var timer = time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return c.outcome
	case <-timer.C:
		return timedOut(c)
	}
}

// Wait is Poll bounded by ctx instead of a duration.
func (d *Dispatcher) Wait(ctx context.Context, c *Completion) DriveOutcome {
	select {
	case <-c.done:
		return c.outcome
	case <-ctx.Done():
		return timedOut(c)
	}
}

// Inflight returns the number of submitted commands not yet completed.
func (d *Dispatcher) Inflight() int {
	return d.inflight.Size()
}

func (d *Dispatcher) finished(c *Completion) {
	d.inflight.Delete(c.id)
	d.metrics.driveOutcome(c.verb, c.outcome.Status)
}

func timedOut(c *Completion) DriveOutcome {
	return DriveOutcome{
		Drive:   c.drive,
		Status:  StatusTimeout,
		Code:    -int(unix.ETIMEDOUT),
		Elapsed: time.Since(c.started),
	}
}
