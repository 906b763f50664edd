package idmlock

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// renewer keeps one held lock alive: every period it renews the lease through
// the coordinator, and flips the lock to expired once the drives report the
// lease lapsed or no renewal reached a majority within the lock timeout.
type renewer struct {
	state   *lockState
	session *Session
	period  time.Duration
	first   time.Duration
	paused  *atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	logger  *slog.Logger
}

// newRenewer is called with st.mu held, once lastRenewedAt is set.
func newRenewer(st *lockState, s *Session, divisor int) *renewer {
	var period = st.op.timeout / time.Duration(divisor)
	if period < time.Millisecond {
		period = time.Millisecond
	}
	// a slow acquire may already have used up part of the first period
	var first = max(period-time.Since(st.lastRenewedAt), 0)

	return &renewer{
		state:   st,
		session: s,
		period:  period,
		first:   first,
		paused:  &s.renewPaused,
		done:    make(chan struct{}),
		logger:  s.engine.options.logger,
	}
}

// start runs the renewal worker with its own context so it outlives the
// caller's request.
func (r *renewer) start() {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	go r.run(ctx)
}

// stop cancels the worker and waits for it to exit. Callers must not hold
// the lock state mutex.
func (r *renewer) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *renewer) run(ctx context.Context) {
	defer close(r.done)

	var timer = time.NewTimer(r.first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if !r.paused.Load() && !r.renewOnce(ctx) {
				return
			}
			timer.Reset(r.period)
		}
	}
}

// renewOnce performs one Held -> Renewing -> Held or Expiring/Expired step.
// It returns false once the lock is gone or expired.
func (r *renewer) renewOnce(ctx context.Context) bool {
	var (
		st      = r.state
		engine  = r.session.engine
		expired bool
	)

	st.mu.Lock()
	if st.phase == PhaseReleased || st.phase == PhaseExpired {
		st.mu.Unlock()
		return false
	}

	var (
		previous = st.phase
		started  = time.Now()
	)
	st.phase = PhaseRenewing
	var err = engine.coordinator.renew(ctx, r.session.faultPolicy(), st.id, st.host, st.op)
	var now = time.Now()
	engine.metrics.renewal(err)

	switch {
	case err == nil:
		st.lastRenewedAt = started
		st.phase = PhaseHeld
		if previous == PhaseExpiring {
			r.logger.Info("lease renewal recovered", "lock_id", st.id, "host_id", st.host.Short())
		}
	case errors.Is(err, ErrExpired), now.Sub(st.lastRenewedAt) >= st.op.timeout:
		st.phase = PhaseExpired
		expired = true
	default:
		st.phase = PhaseExpiring
		r.logger.Warn("failed to renew lease",
			"lock_id", st.id,
			"host_id", st.host.Short(),
			"since_renewal", now.Sub(st.lastRenewedAt),
			"error", err)
	}
	var id, host = st.id, st.host
	st.mu.Unlock()

	if ctx.Err() != nil {
		return false
	}

	if expired {
		engine.metrics.expired()
		r.logger.Error("lease expired", "lock_id", id, "host_id", host.Short(), "error", err)
		if h := engine.options.failureHandler; h != nil {
			if herr := h.LeaseLost(context.Background(), id, host); herr != nil {
				r.logger.Error("failure handler failed", "lock_id", id, "error", herr)
			}
		}
		return false
	}
	return true
}
