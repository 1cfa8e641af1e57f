// Package host implements the worklet side of the bridge: a goja JavaScript
// runtime driven by a goja_nodejs event loop, the exposure registrar that
// turns a loaded module into an exposed surface descriptor, the handle
// lifecycle table for live instances, and the dispatcher that serves call
// envelopes arriving over the channel.
//
// Key design principles:
//   - goja.Runtime is NOT goroutine-safe; all access happens via the event
//     loop, which is also what serializes envelope processing (one logical
//     queue, receipt order).
//   - An operation whose result is a thenable suspends only itself: the
//     response is sent when the promise settles, while later envelopes keep
//     being processed. Correlation IDs are the only request/response link.
//   - Instances are touched only from the loop goroutine, so no per-instance
//     locking exists anywhere in this package.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/goroutineid"
	"github.com/joeycumines/worklet/internal/pipe"
	"github.com/joeycumines/worklet/internal/protocol"
)

// DefaultSyncTimeout bounds runSync operations so a stuck loop cannot hang
// the caller forever.
const DefaultSyncTimeout = 5 * time.Second

// Context is one worklet execution context: a single-threaded JavaScript
// environment hosting user modules, attached to one end of the channel.
type Context struct {
	id       string
	log      *zap.Logger
	loop     *eventloop.EventLoop
	registry *require.Registry

	exposure ExposurePolicy
	members  MemberPolicy

	handles *Table
	conn    *pipe.Endpoint

	// loop-confined state: only ever touched from the event loop goroutine.
	modules  map[string]*module
	classes  map[string]*classEntry
	funcs    map[string]goja.Callable
	describe goja.Callable
	settle   goja.Callable

	// vm is the loop's runtime, captured at initialization. It must only be
	// used from the loop goroutine.
	vm *goja.Runtime

	loopGID atomic.Int64
	timeout time.Duration

	mu      sync.Mutex
	started bool
	stopped bool

	lifecycle context.Context
	cancel    context.CancelFunc
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Context) {
		if log != nil {
			c.log = log
		}
	}
}

// WithExposure sets the exposure policy evaluated once per loaded module.
func WithExposure(p ExposurePolicy) Option {
	return func(c *Context) {
		if p != nil {
			c.exposure = p
		}
	}
}

// WithMemberPolicy sets how class member sets are computed at descriptor
// build time.
func WithMemberPolicy(p MemberPolicy) Option {
	return func(c *Context) { c.members = p }
}

// NewContext creates and starts a worklet context. The provided context
// bounds its lifetime; cancellation tears the worklet down and cascades
// invalidation of every handle it owns.
func NewContext(ctx context.Context, opts ...Option) (*Context, error) {
	registry := require.NewRegistry()
	loop := eventloop.NewEventLoop(
		eventloop.WithRegistry(registry),
		eventloop.EnableConsole(true),
	)

	lifecycle, cancel := context.WithCancel(context.Background())

	c := &Context{
		id:        uuid.NewString(),
		log:       zap.NewNop(),
		loop:      loop,
		registry:  registry,
		exposure:  ExposeExports(),
		members:   FlattenInherited,
		handles:   NewTable(protocol.NewHandleSource(protocol.OriginWorklet)),
		modules:   make(map[string]*module),
		classes:   make(map[string]*classEntry),
		funcs:     make(map[string]goja.Callable),
		timeout:   DefaultSyncTimeout,
		lifecycle: lifecycle,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("worklet", c.id))

	loop.Start()
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if err := c.runSync(func(vm *goja.Runtime) error {
		c.vm = vm
		c.loopGID.Store(goroutineid.Get())
		return c.installBootstrap(vm)
	}); err != nil {
		cancel()
		loop.Stop()
		return nil, fmt.Errorf("failed to initialize worklet context: %w", err)
	}

	if ctx != nil && ctx.Done() != nil {
		context.AfterFunc(ctx, func() { _ = c.Close() })
	}

	return c, nil
}

// ID returns the context's unique identity.
func (c *Context) ID() string { return c.id }

// Attach connects the context to its end of the channel and starts serving
// envelopes. Envelopes are scheduled onto the event loop in receipt order.
func (c *Context) Attach(conn *pipe.Endpoint) {
	c.conn = conn
	conn.SetHandler(c.onMessage)
	go func() {
		select {
		case <-conn.Done():
			_ = c.Close()
		case <-c.lifecycle.Done():
		}
	}()
}

func (c *Context) onMessage(msg any) {
	call, ok := msg.(*protocol.Call)
	if !ok {
		c.log.Warn("dropping unexpected message", zap.Any("message", msg))
		return
	}
	if !c.RunOnLoop(func(vm *goja.Runtime) { c.serve(vm, call) }) {
		c.log.Debug("envelope after shutdown", zap.Uint64("id", call.ID))
	}
}

func (c *Context) send(msg any) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Send(msg); err != nil {
		c.log.Debug("send on closed channel", zap.Error(err))
	}
}

// RunOnLoop schedules fn on the event loop goroutine. Returns false if the
// context has been shut down.
func (c *Context) RunOnLoop(fn func(*goja.Runtime)) bool {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.loop.RunOnLoop(fn)
}

// runSync runs fn on the event loop and waits for it to finish. If the
// caller is already on the loop goroutine the function runs directly; doing
// otherwise would deadlock the loop against itself.
func (c *Context) runSync(fn func(*goja.Runtime) error) error {
	if gid := c.loopGID.Load(); gid > 0 && gid == goroutineid.Get() {
		return fn(c.vm)
	}
	errCh := make(chan error, 1)
	if !c.RunOnLoop(func(vm *goja.Runtime) { errCh <- fn(vm) }) {
		return errors.New("worklet context not running")
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case err := <-errCh:
		return err
	case <-c.lifecycle.Done():
		return errors.New("worklet context stopped before completion")
	case <-timer.C:
		return fmt.Errorf("worklet operation timed out after %v", c.timeout)
	}
}

// Close stops the event loop and invalidates every handle the context owns.
// Safe to call multiple times.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.loop.Stop()
	c.handles.CloseAll()
	c.log.Debug("worklet context closed")
	return nil
}

// Done is closed once the context has stopped.
func (c *Context) Done() <-chan struct{} {
	return c.lifecycle.Done()
}
