package idmlock

import (
	"context"
	"fmt"
	"sync"

	"go-idmlock/idm"

	"golang.org/x/sys/unix"
)

// poolRequest is one blocking drive command waiting for a worker.
type poolRequest struct {
	ctx        context.Context
	drive      string
	cmd        idm.Command
	completion *Completion
}

// Pool is a fixed set of workers executing blocking drive commands for drives
// that lack native async submission.
type Pool struct {
	mu       sync.RWMutex
	closed   bool
	requests chan *poolRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	codec    idm.Codec
}

// NewPool starts size workers executing commands through codec.
func NewPool(size int, codec idm.Codec) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidArgument, size)
	}

	var p = &Pool{
		requests: make(chan *poolRequest, size*16),
		quit:     make(chan struct{}),
		codec:    codec,
	}

	p.wg.Add(size)
	for range size {
		go p.worker()
	}

	return p, nil
}

// Enqueue hands a request to the workers. It blocks while the queue is full.
func (p *Pool) Enqueue(req *poolRequest) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.requests <- req:
		return nil
	case <-req.ctx.Done():
		return req.ctx.Err()
	}
}

// Close stops accepting requests, waits for in-flight commands to finish and
// completes every request still queued as cancelled. Calling Close again is a no-op.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case req := <-p.requests:
			req.completion.cancel()
		default:
			return
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		// quit takes priority over queued requests
		select {
		case <-p.quit:
			return
		default:
		}

		select {
		case <-p.quit:
			return
		case req := <-p.requests:
			if req.ctx.Err() != nil {
				req.completion.complete(idm.Result{Code: -int(unix.ETIMEDOUT)})
				continue
			}
			req.completion.complete(p.codec.Execute(req.ctx, req.drive, req.cmd))
		}
	}
}
