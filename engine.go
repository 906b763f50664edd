package idmlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go-idmlock/idm"

	"github.com/puzpuzpuz/xsync/v3"
)

// Engine owns the drive dispatcher, its worker pool and the table of client
// sessions. One engine serves one lock-manager process.
type Engine struct {
	options     options
	pool        *Pool
	dispatcher  *Dispatcher
	coordinator *coordinator
	metrics     *engineMetrics
	sessions    *xsync.MapOf[uint64, *Session]
	nextSession atomic.Uint64
	hostMu      sync.Mutex
	closeOnce   sync.Once
	closed      atomic.Bool
}

// NewEngine starts an engine issuing drive commands through codec.
func NewEngine(codec idm.Codec, opts ...Option) (*Engine, error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: nil codec", ErrInvalidArgument)
	}

	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.commandTimeout <= 0 || options.majorityTimeout < 0 || options.retryInterval <= 0 {
		return nil, fmt.Errorf("%w: timeouts must be positive", ErrInvalidArgument)
	}

	var pool, err = NewPool(options.poolSize, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	var e = &Engine{
		options:  options,
		pool:     pool,
		sessions: xsync.NewMapOf[uint64, *Session](),
	}
	e.metrics = newEngineMetrics(options.metrics, e.heldLocks)
	e.dispatcher = newDispatcher(codec, pool, e.metrics, options.logger)
	e.coordinator = newCoordinator(e.dispatcher, e.metrics, options)

	return e, nil
}

// Connect opens a client session with a freshly generated host id.
func (e *Engine) Connect() (*Session, error) {
	if e.closed.Load() {
		return nil, ErrPoolClosed
	}

	var s = &Session{
		id:     e.nextSession.Add(1),
		engine: e,
		host:   idm.NewHostID(),
		faults: e.options.faults,
		locks:  xsync.NewMapOf[idm.LockID, *lockState](),
	}
	e.sessions.Store(s.id, s)

	e.options.logger.Debug("session connected", "session", s.id, "host_id", s.host.Short())
	return s, nil
}

// Close terminates every session, releasing their locks, then stops the
// worker pool. Pending pool requests are completed as cancelled.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.sessions.Range(func(_ uint64, s *Session) bool {
			if err := s.Terminate(ctx); err != nil {
				errs = append(errs, err)
			}
			return true
		})

		e.pool.Close()
		e.options.logger.Info("engine closed")
	})
	return errors.Join(errs...)
}

// WritePrometheus writes the engine metrics in Prometheus text format.
func (e *Engine) WritePrometheus(w io.Writer) {
	e.options.metrics.WritePrometheus(w)
}

// Inflight returns the number of drive commands not yet completed.
func (e *Engine) Inflight() int {
	return e.dispatcher.Inflight()
}

func (e *Engine) heldLocks() float64 {
	var n int
	e.sessions.Range(func(_ uint64, s *Session) bool {
		n += s.locks.Size()
		return true
	})
	return float64(n)
}

// claimHost gives s the host id h unless another live session already uses it.
func (e *Engine) claimHost(s *Session, h idm.HostID) error {
	if h.IsZero() {
		return fmt.Errorf("%w: zero host id", ErrInvalidArgument)
	}

	e.hostMu.Lock()
	defer e.hostMu.Unlock()

	var taken bool
	e.sessions.Range(func(_ uint64, other *Session) bool {
		if other != s && other.hostID() == h {
			taken = true
			return false
		}
		return true
	})
	if taken {
		return fmt.Errorf("failed to set host id %s: %w", h.Short(), ErrAlreadyHeld)
	}
	if s.locks.Size() > 0 {
		return fmt.Errorf("failed to set host id while holding %d locks: %w", s.locks.Size(), ErrBusy)
	}

	s.mu.Lock()
	s.host = h
	s.mu.Unlock()
	return nil
}
