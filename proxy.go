package worklet

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/protocol"
)

// proxyState is the shared identity behind every Proxy wrapping one remote
// handle. Outer Proxy values are reference-counted against it: each one
// accounts for one worklet-side reference and releases it on Close (or via
// its GC cleanup).
type proxyState struct {
	bridge  *Bridge
	handle  protocol.Handle
	desc    *protocol.ClassDesc
	adopted bool
	ready   *Result

	mu           sync.Mutex
	refs         int
	constructErr error
	disposed     bool
	invalid      bool
	subs         map[string]*subGroup
}

type subGroup struct {
	ack  *Result
	list []*Subscription
}

func newProxyState(b *Bridge, h protocol.Handle, desc *protocol.ClassDesc, adopted bool) *proxyState {
	s := &proxyState{
		bridge:  b,
		handle:  h,
		desc:    desc,
		adopted: adopted,
		subs:    make(map[string]*subGroup),
	}
	if adopted {
		s.ready = settledResult(nil, nil)
	}
	return s
}

// outer wraps the state in a fresh Proxy owning one reference.
func (s *proxyState) outer() *Proxy {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
	p := &Proxy{state: s}
	p.cleanup = runtime.AddCleanup(p, func(st *proxyState) { st.release() }, s)
	return p
}

// gate reports the error a new operation on this handle must fail with, or
// nil when the handle can accept calls.
func (s *proxyState) gate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.constructErr != nil:
		return s.constructErr
	case s.invalid:
		return newError(ErrChannelClosed, "worklet context terminated")
	case s.disposed:
		return newError(ErrHandleInvalid, "proxy is closed")
	}
	return nil
}

func (s *proxyState) failConstruct(err error) {
	s.mu.Lock()
	if s.constructErr == nil {
		s.constructErr = err
	}
	s.mu.Unlock()
}

func (s *proxyState) completeConstruct() {}

// invalidate marks the handle unusable after bridge shutdown.
func (s *proxyState) invalidate() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

// release drops one outer reference, sending the matching dispose envelope.
// The last release forgets the state, so later events for the handle are
// dropped.
func (s *proxyState) release() {
	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last {
		s.disposed = true
	}
	invalid := s.invalid
	s.mu.Unlock()

	if last {
		s.bridge.forgetState(s.handle)
	}
	if !invalid {
		s.bridge.notify(&protocol.Call{Kind: protocol.KindDispose, Handle: s.handle})
	}
}

// dispatch fans one forwarded event out to the listeners registered for its
// name. A panicking listener is contained and does not starve the others.
func (s *proxyState) dispatch(name string, payload any) {
	s.mu.Lock()
	grp := s.subs[name]
	var list []*Subscription
	if grp != nil {
		list = append(list, grp.list...)
	}
	s.mu.Unlock()

	for _, sub := range list {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.bridge.log.Error("event listener panicked",
						zap.String("event", name),
						zap.Uint64("handle", uint64(s.handle)),
						zap.Any("panic", r))
				}
			}()
			sub.fn(payload)
		}()
	}
}

// Proxy is a local stand-in for one object living in the worklet context.
// Every operation returns a Result settled when the worklet replies; calls
// can be issued before construction has completed and are served in order
// behind it. Close releases this value's reference to the remote object; an
// unreachable Proxy is released by the garbage collector.
type Proxy struct {
	state   *proxyState
	once    sync.Once
	cleanup runtime.Cleanup
}

// Ready reports the outcome of the construction that produced this proxy.
// Proxies adopted from call results are always ready.
func (p *Proxy) Ready() *Result { return p.state.ready }

// Class returns the qualified name of the object's exposed class, when known.
func (p *Proxy) Class() string {
	if p.state.desc == nil {
		return ""
	}
	return p.state.desc.Name
}

// Call invokes an exposed instance method. Method names absent from the
// class surface reject immediately with NoSuchTarget.
func (p *Proxy) Call(method string, args ...any) *Result {
	s := p.state
	if err := s.gate(); err != nil {
		return errResult(err)
	}
	if s.desc != nil && !s.desc.HasMethod(method) {
		return errResult(newError(ErrNoSuchTarget, "class %q has no exposed method %q", s.desc.Name, method))
	}
	graphs, err := s.bridge.encodeArgs(args)
	if err != nil {
		return errResult(err)
	}
	return s.bridge.send(&protocol.Call{
		Kind:   protocol.KindInvoke,
		Handle: s.handle,
		Member: method,
		Args:   graphs,
	}, &pendingCall{})
}

// Get reads an exposed property.
func (p *Proxy) Get(name string) *Result {
	s := p.state
	if err := s.gate(); err != nil {
		return errResult(err)
	}
	return s.bridge.send(&protocol.Call{
		Kind:   protocol.KindGet,
		Handle: s.handle,
		Member: name,
	}, &pendingCall{})
}

// Set writes an exposed property. The result settles once the write landed.
func (p *Proxy) Set(name string, value any) *Result {
	s := p.state
	if err := s.gate(); err != nil {
		return errResult(err)
	}
	graphs, err := s.bridge.encodeArgs([]any{value})
	if err != nil {
		return errResult(err)
	}
	return s.bridge.send(&protocol.Call{
		Kind:   protocol.KindSet,
		Handle: s.handle,
		Member: name,
		Args:   graphs,
	}, &pendingCall{})
}

// On registers a listener for a named event of an emitter instance. The
// first listener for a name installs the worklet-side subscription; its
// Ready result reports whether that installation succeeded. Listeners run
// one event at a time, on a dispatch goroutine separate from response
// handling.
func (p *Proxy) On(event string, fn func(payload any)) *Subscription {
	s := p.state
	sub := &Subscription{state: s, event: event, fn: fn}

	if err := s.gate(); err != nil {
		sub.ack = errResult(err)
		return sub
	}

	s.mu.Lock()
	grp := s.subs[event]
	if grp == nil {
		grp = &subGroup{ack: s.bridge.send(&protocol.Call{
			Kind:   protocol.KindSubscribe,
			Handle: s.handle,
			Member: event,
		}, &pendingCall{})}
		s.subs[event] = grp
	}
	grp.list = append(grp.list, sub)
	sub.ack = grp.ack
	s.mu.Unlock()
	return sub
}

// Close releases this proxy's reference to the remote object. The remote
// object itself is only released when every reference is gone, including
// those held by other proxies for the same handle.
func (p *Proxy) Close() {
	p.once.Do(func() {
		p.cleanup.Stop()
		p.state.release()
	})
}

// Subscription is one registered event listener. Closing it detaches the
// listener; the worklet-side hook is removed when the last listener for the
// event is gone.
type Subscription struct {
	state *proxyState
	event string
	fn    func(any)
	ack   *Result
	once  sync.Once
}

// Ready reports whether the worklet-side subscription for this event name
// was installed.
func (sub *Subscription) Ready() *Result { return sub.ack }

// Close detaches the listener. The returned result settles when the
// worklet-side hook is removed, or immediately when other listeners for the
// event remain.
func (sub *Subscription) Close() *Result {
	res := settledResult(nil, nil)
	sub.once.Do(func() {
		s := sub.state
		s.mu.Lock()
		grp := s.subs[sub.event]
		if grp != nil {
			for i, other := range grp.list {
				if other == sub {
					grp.list = append(grp.list[:i], grp.list[i+1:]...)
					break
				}
			}
			if len(grp.list) == 0 {
				delete(s.subs, sub.event)
			} else {
				grp = nil
			}
		}
		disposed := s.disposed || s.invalid
		s.mu.Unlock()

		if grp != nil && !disposed {
			res = s.bridge.send(&protocol.Call{
				Kind:   protocol.KindUnsubscribe,
				Handle: s.handle,
				Member: sub.event,
			}, &pendingCall{})
		}
	})
	return res
}
