package worklet

import (
	"context"
	"sync"
)

// Result is the pending outcome of one bridge operation. Every proxy call is
// issued immediately and asynchronously; the caller suspends only at the
// Await point it chooses. A Result settles exactly once.
type Result struct {
	done chan struct{}

	mu    sync.Mutex
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func settledResult(value any, err error) *Result {
	r := newResult()
	r.settle(value, err)
	return r
}

func errResult(err error) *Result { return settledResult(nil, err) }

func (r *Result) settle(value any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return
	default:
	}
	r.value = value
	r.err = err
	close(r.done)
}

// Await blocks until the operation settles or ctx is done. Await may be
// called any number of times; once settled, the outcome is stable.
func (r *Result) Await(ctx context.Context) (any, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value, r.err
}

// Done is closed once the operation has settled.
func (r *Result) Done() <-chan struct{} { return r.done }
