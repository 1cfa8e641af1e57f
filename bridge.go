package worklet

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/host"
	"github.com/joeycumines/worklet/internal/pipe"
	"github.com/joeycumines/worklet/internal/protocol"
)

// Bridge is one controller/worklet pair: a worklet execution context plus the
// channel connecting it to this side. All interaction with worklet-hosted
// code goes through namespaces and proxies obtained from AddModule.
type Bridge struct {
	log     *zap.Logger
	conn    *pipe.Endpoint
	worklet *host.Context
	ids     protocol.IDSource
	handles *protocol.HandleSource

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	proxies map[protocol.Handle]*proxyState
	descs   map[string]*protocol.ClassDesc
	closed  bool

	evMu   sync.Mutex
	evCond *sync.Cond
	events []*protocol.Event
	evStop bool
}

type pendingCall struct {
	res       *Result
	construct *proxyState // construct calls gate their placeholder proxy
	load      bool        // load responses carry a surface, not a value
}

// New creates a bridge with a fresh worklet context on the far end of an
// in-process channel.
func New(opts ...Option) (*Bridge, error) {
	cfg := newConfig(opts)

	wk, err := host.NewContext(context.Background(), cfg.hostOpts...)
	if err != nil {
		return nil, err
	}

	near, far := pipe.New()
	b := &Bridge{
		log:     cfg.log,
		conn:    near,
		worklet: wk,
		handles: protocol.NewHandleSource(protocol.OriginController),
		pending: make(map[uint64]*pendingCall),
		proxies: make(map[protocol.Handle]*proxyState),
		descs:   make(map[string]*protocol.ClassDesc),
	}
	b.evCond = sync.NewCond(&b.evMu)

	wk.Attach(far)
	near.SetHandler(b.onMessage)
	go b.dispatchEvents()
	go func() {
		<-wk.Done()
		_ = b.Close()
	}()

	return b, nil
}

// AddModule evaluates a module source inside the worklet context and returns
// the namespace of proxies mirroring its exposed surface.
func (b *Bridge) AddModule(ctx context.Context, name, source string) (*Namespace, error) {
	res := b.send(&protocol.Call{
		Kind:   protocol.KindLoad,
		Target: name,
		Args:   []*protocol.ValueGraph{protocol.StringGraph(source)},
	}, &pendingCall{load: true})

	v, err := res.Await(ctx)
	if err != nil {
		return nil, err
	}
	surface, ok := v.(*protocol.Surface)
	if !ok || surface == nil {
		return nil, newError(ErrInvalidModule, "load response carried no surface descriptor")
	}
	// Retain a private copy so later registrar activity on the other side of
	// the pipe cannot reach through the shared descriptor.
	surface = surface.Clone()

	b.mu.Lock()
	for i := range surface.Classes {
		b.descs[surface.Module+"."+surface.Classes[i].Name] = &surface.Classes[i]
	}
	b.mu.Unlock()

	b.log.Debug("module added",
		zap.String("module", name),
		zap.Int("classes", len(surface.Classes)),
		zap.Int("functions", len(surface.Functions)))
	return newNamespace(b, surface), nil
}

// send issues one call envelope, allocating its correlation ID and
// registering the pending slot. Returns an already-rejected result when the
// bridge is closed.
func (b *Bridge) send(call *protocol.Call, pc *pendingCall) *Result {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errResult(newError(ErrChannelClosed, "bridge is closed"))
	}
	call.ID = b.ids.Next()
	res := newResult()
	pc.res = res
	b.pending[call.ID] = pc
	b.mu.Unlock()

	if err := b.conn.Send(call); err != nil {
		b.mu.Lock()
		delete(b.pending, call.ID)
		b.mu.Unlock()
		return errResult(wrapError(ErrChannelClosed, err, "channel closed"))
	}
	return res
}

// notify issues a fire-and-forget envelope (dispose).
func (b *Bridge) notify(call *protocol.Call) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	call.ID = b.ids.Next()
	b.mu.Unlock()
	if err := b.conn.Send(call); err != nil {
		b.log.Debug("notify on closed channel", zap.Error(err))
	}
}

func (b *Bridge) onMessage(msg any) {
	switch m := msg.(type) {
	case *protocol.Response:
		b.settleResponse(m)
	case *protocol.Event:
		b.pushEvent(m)
	default:
		b.log.Warn("dropping unexpected message", zap.Any("message", msg))
	}
}

func (b *Bridge) settleResponse(resp *protocol.Response) {
	b.mu.Lock()
	pc, ok := b.pending[resp.ID]
	delete(b.pending, resp.ID)
	b.mu.Unlock()
	if !ok {
		b.log.Warn("unmatched response", zap.Uint64("id", resp.ID))
		return
	}

	if !resp.OK {
		err := newError(ErrorKind(resp.ErrKind), "%s", resp.ErrMessage)
		if pc.construct != nil {
			pc.construct.failConstruct(err)
		}
		pc.res.settle(nil, err)
		return
	}

	switch {
	case pc.construct != nil:
		pc.construct.completeConstruct()
		pc.res.settle(nil, nil)
	case pc.load:
		pc.res.settle(resp.Surface, nil)
	default:
		v, err := b.decodeGraph(resp.Value)
		pc.res.settle(v, err)
	}
}

// proxyStateFor returns the live proxy state for a handle, creating it for
// handles first seen in a decoded result (instances the worklet marshaled
// out). Each call accounts for one worklet-side reference.
func (b *Bridge) adoptState(h protocol.Handle, qualified string) *proxyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.proxies[h]; ok {
		return s
	}
	s := newProxyState(b, h, b.descs[qualified], true)
	b.proxies[h] = s
	return s
}

func (b *Bridge) registerState(s *proxyState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proxies[s.handle] = s
}

func (b *Bridge) forgetState(h protocol.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.proxies, h)
}

func (b *Bridge) stateFor(h protocol.Handle) *proxyState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.proxies[h]
}

func (b *Bridge) pushEvent(ev *protocol.Event) {
	b.evMu.Lock()
	defer b.evMu.Unlock()
	if b.evStop {
		return
	}
	b.events = append(b.events, ev)
	b.evCond.Signal()
}

// dispatchEvents delivers forwarded events to listeners on a dedicated
// goroutine, so a slow or blocking listener never stalls response handling.
func (b *Bridge) dispatchEvents() {
	for {
		b.evMu.Lock()
		for len(b.events) == 0 && !b.evStop {
			b.evCond.Wait()
		}
		if b.evStop {
			b.evMu.Unlock()
			return
		}
		ev := b.events[0]
		b.events = b.events[1:]
		b.evMu.Unlock()

		s := b.stateFor(ev.Handle)
		if s == nil {
			b.log.Debug("event for unknown handle", zap.Uint64("handle", uint64(ev.Handle)))
			continue
		}
		payload, err := b.decodeGraph(ev.Payload)
		if err != nil {
			payload = err
		}
		s.dispatch(ev.Name, payload)
	}
}

// Close tears down the bridge: the channel, the worklet context, and with
// them every handle the context owned. All pending calls reject with
// ChannelClosed. Safe to call multiple times.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	pending := b.pending
	b.pending = make(map[uint64]*pendingCall)
	states := make([]*proxyState, 0, len(b.proxies))
	for _, s := range b.proxies {
		states = append(states, s)
	}
	b.proxies = make(map[protocol.Handle]*proxyState)
	b.mu.Unlock()

	b.conn.Close()
	_ = b.worklet.Close()

	err := newError(ErrChannelClosed, "worklet context terminated")
	for _, pc := range pending {
		if pc.construct != nil {
			pc.construct.failConstruct(err)
		}
		pc.res.settle(nil, err)
	}
	for _, s := range states {
		s.invalidate()
	}

	b.evMu.Lock()
	b.evStop = true
	b.events = nil
	b.evCond.Broadcast()
	b.evMu.Unlock()

	b.log.Debug("bridge closed")
	return nil
}
