package idmlock

import (
	"io"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// options configures the Engine (internal only).
type options struct {
	poolSize        int
	commandTimeout  time.Duration
	majorityTimeout time.Duration
	retryInterval   time.Duration
	renewalDivisor  int
	faults          FaultPolicy
	failureHandler  FailureHandler
	metrics         *metrics.Set
	logger          *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		poolSize:        8,
		commandTimeout:  5 * time.Second,
		majorityTimeout: 5 * time.Second,
		retryInterval:   500 * time.Microsecond,
		renewalDivisor:  3,
		faults:          NoFaults{},
		failureHandler:  nil,
		metrics:         metrics.NewSet(),
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// Option is a functional option for configuring an Engine.
type Option func(*options)

// WithPoolSize sets the number of workers serving drives without native async submission.
// DEFAULT: 8
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

// WithCommandTimeout sets the deadline of one quorum fan-out. Drives that have
// not answered by then count as timed out.
// DEFAULT: 5s
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.commandTimeout = d
	}
}

// WithMajorityTimeout sets how long Acquire keeps retrying split votes.
// DEFAULT: 5s
func WithMajorityTimeout(d time.Duration) Option {
	return func(o *options) {
		o.majorityTimeout = d
	}
}

// WithRetryInterval sets the least spacing between acquire rounds. Retries
// add a random delay of up to one more interval on top.
// DEFAULT: 500us
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		o.retryInterval = d
	}
}

// WithRenewalDivisor sets the renewal period of a lock to its timeout divided by k.
// DEFAULT: 3
func WithRenewalDivisor(k int) Option {
	return func(o *options) {
		if k < 1 {
			k = 1
		}
		o.renewalDivisor = k
	}
}

// WithFaultPolicy sets the fault policy new sessions start with.
// DEFAULT: NoFaults
func WithFaultPolicy(p FaultPolicy) Option {
	return func(o *options) {
		if p == nil {
			p = NoFaults{}
		}
		o.faults = p
	}
}

// WithFailureHandler sets the handler run when a lease is lost.
// DEFAULT: none
func WithFailureHandler(h FailureHandler) Option {
	return func(o *options) {
		o.failureHandler = h
	}
}

// WithMetricsSet registers the engine metrics on s.
// DEFAULT: a private set
func WithMetricsSet(s *metrics.Set) Option {
	return func(o *options) {
		if s != nil {
			o.metrics = s
		}
	}
}

// WithLogger sets the logger for the engine.
// If the logger is nil, the engine will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
