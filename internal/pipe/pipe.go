// Package pipe is an in-process realization of the duplex message channel the
// bridge is layered on: reliable, ordered, no flow control. Each endpoint
// delivers received messages sequentially on its own goroutine, so a handler
// never observes reordering and never runs concurrently with itself.
package pipe

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Send once either endpoint has been closed.
var ErrClosed = errors.New("pipe: closed")

// Endpoint is one end of a connected pair.
type Endpoint struct {
	peer *Endpoint

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []any
	handler func(any)
	closed  bool
	done    chan struct{}
}

// New returns two connected endpoints. Messages sent on one are delivered,
// in order, to the handler registered on the other.
func New() (*Endpoint, *Endpoint) {
	a := newEndpoint()
	b := newEndpoint()
	a.peer, b.peer = b, a
	return a, b
}

func newEndpoint() *Endpoint {
	e := &Endpoint{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Send enqueues a message for the peer. It never blocks; the queue is
// unbounded (the channel contract has no flow control).
func (e *Endpoint) Send(msg any) error {
	p := e.peer
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, msg)
	p.cond.Signal()
	return nil
}

// SetHandler registers the receive callback and starts delivery. Must be
// called exactly once per endpoint that expects to receive.
func (e *Endpoint) SetHandler(fn func(any)) {
	e.mu.Lock()
	if e.handler != nil {
		e.mu.Unlock()
		panic("pipe: handler already set")
	}
	e.handler = fn
	e.mu.Unlock()
	go e.deliver(fn)
}

func (e *Endpoint) deliver(fn func(any)) {
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		msg := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		fn(msg)
	}
}

// Close tears down both endpoints. Undelivered messages are dropped; the
// layers above treat that as the owning context terminating mid-call.
func (e *Endpoint) Close() {
	e.closeLocal()
	e.peer.closeLocal()
}

func (e *Endpoint) closeLocal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.queue = nil
	close(e.done)
	e.cond.Broadcast()
}

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}
