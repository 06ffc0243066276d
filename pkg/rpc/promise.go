package rpc

import (
	"context"
	"sync"
	"sync/atomic"
)

// State of a `Promise`.
type State uint32

const (
	StatePending State = iota
	StateFulfilled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// promiseCounter is shared by the whole process so ids are never reused
// while a promise is pending, whatever client it belongs to.
var promiseCounter atomic.Uint64

// Promise is a single-assignment placeholder for the outcome of a call.
//
// It is shared by the caller, who waits on it, and the dispatch loop of
// the client, which is its sole writer.
type Promise struct {
	id    uint64
	state atomic.Uint32
	done  chan struct{}
	once  sync.Once

	// written once, before done is closed.
	value []byte
	err   error
}

func NewPromise() *Promise {
	return &Promise{
		id:   promiseCounter.Add(1),
		done: make(chan struct{}),
	}
}

func (p *Promise) ID() uint64 {
	return p.id
}

func (p *Promise) State() State {
	return State(p.state.Load())
}

// Done is closed once the promise reaches a terminal state.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

func (p *Promise) Fulfill(value []byte) error {
	return p.resolve(StateFulfilled, value, nil)
}

func (p *Promise) Fail(err error) error {
	if err == nil {
		err = &Fault{Code: CodeUnknown, Message: "failed without error"}
	}
	return p.resolve(StateFailed, nil, err)
}

func (p *Promise) resolve(state State, value []byte, err error) error {
	resolved := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		p.state.Store(uint32(state))
		close(p.done)
		resolved = true
	})
	if !resolved {
		return ErrAlreadyResolved
	}
	return nil
}

// Wait blocks until the promise is resolved or ctx is done.
//
// A promise never resolves by itself: a caller which needs bounded
// latency MUST pass a ctx with a deadline. On ctx expiration, the ctx
// error is returned and a later resolution is silently discarded.
func (p *Promise) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return p.value, p.err
	}
}
