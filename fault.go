package idmlock

import (
	"fmt"
	"sync"

	"go-idmlock/idm"
)

// FaultPolicy decides whether a submitted drive command is completed with an
// I/O error instead of being executed. It exists for exercising quorum edge
// cases; production sessions use NoFaults.
type FaultPolicy interface {
	Inject(drive string, cmd idm.Command) bool
}

// NoFaults never injects.
type NoFaults struct{}

func (NoFaults) Inject(string, idm.Command) bool { return false }

// FaultPolicyFunc adapts a function to FaultPolicy.
type FaultPolicyFunc func(drive string, cmd idm.Command) bool

func (f FaultPolicyFunc) Inject(drive string, cmd idm.Command) bool { return f(drive, cmd) }

// CountFaults fails exactly K of the next M submissions (the first K), then
// stops injecting.
type CountFaults struct {
	mu     sync.Mutex
	fail   int
	window int
}

// NewCountFaults returns a policy failing k of the next m submissions.
func NewCountFaults(k, m int) (*CountFaults, error) {
	if k < 0 || m < 0 || k > m {
		return nil, fmt.Errorf("%w: fault count %d of %d", ErrInvalidArgument, k, m)
	}
	return &CountFaults{fail: k, window: m}, nil
}

func (c *CountFaults) Inject(string, idm.Command) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.window == 0 {
		return false
	}
	c.window--
	if c.fail > 0 {
		c.fail--
		return true
	}
	return false
}

// Remaining returns how many submissions of the window are left.
func (c *CountFaults) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// PercentFaults fails a fixed share of submissions, spread evenly over the
// submission sequence: with step = (100 + p/2) / p, submission i fails when
// i%step == 0. Above 50 percent the step is taken over the passing share and
// the test inverted.
type PercentFaults struct {
	mu      sync.Mutex
	percent int
	step    int
	invert  bool
	seq     int
}

// NewPercentFaults returns a policy failing percent (0..100) of submissions.
func NewPercentFaults(percent int) (*PercentFaults, error) {
	if percent < 0 || percent > 100 {
		return nil, fmt.Errorf("%w: fault percentage %d", ErrInvalidArgument, percent)
	}

	var p = &PercentFaults{percent: percent}
	switch {
	case percent == 0 || percent == 100:
	case percent > 50:
		var pass = 100 - percent
		p.step = (100 + pass/2) / pass
		p.invert = true
	default:
		p.step = (100 + percent/2) / percent
	}
	return p, nil
}

func (p *PercentFaults) Inject(string, idm.Command) bool {
	switch p.percent {
	case 0:
		return false
	case 100:
		return true
	}

	p.mu.Lock()
	var i = p.seq
	p.seq++
	p.mu.Unlock()

	var hit = i%p.step == 0
	if p.invert {
		return !hit
	}
	return hit
}
