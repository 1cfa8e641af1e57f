package host

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/protocol"
)

// serve processes one call envelope on the loop goroutine. Envelopes are
// served in receipt order; an operation that returns a thenable sends its
// response when the thenable settles, so later responses can overtake it.
func (c *Context) serve(vm *goja.Runtime, call *protocol.Call) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Warn("panic serving envelope", zap.Uint64("id", call.ID), zap.Any("panic", r))
			if call.Kind != protocol.KindDispose {
				c.fail(call.ID, fmt.Errorf("internal error: %v", r))
			}
		}
	}()

	c.log.Debug("envelope", zap.Uint64("id", call.ID), zap.String("kind", string(call.Kind)))

	switch call.Kind {
	case protocol.KindLoad:
		c.serveLoad(vm, call)
	case protocol.KindConstruct:
		c.serveConstruct(vm, call)
	case protocol.KindInvoke:
		c.serveInvoke(vm, call)
	case protocol.KindGet:
		c.serveGet(vm, call)
	case protocol.KindSet:
		c.serveSet(vm, call)
	case protocol.KindSubscribe:
		c.serveSubscribe(vm, call)
	case protocol.KindUnsubscribe:
		c.serveUnsubscribe(vm, call)
	case protocol.KindDispose:
		c.handles.Release(call.Handle)
	default:
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("unknown envelope kind %q", call.Kind)})
	}
}

func (c *Context) ok(id uint64, g *protocol.ValueGraph) {
	c.send(&protocol.Response{ID: id, OK: true, Value: g})
}

// fail maps an error onto a failure response. Wire errors keep their kind;
// JavaScript exceptions become UserThrown; everything else is a marshaling
// or protocol problem surfaced as Unmarshalable.
func (c *Context) fail(id uint64, err error) {
	kind := protocol.ErrUnmarshalable
	msg := err.Error()
	switch e := err.(type) {
	case *protocol.WireError:
		kind = e.Kind
	case *goja.Exception:
		kind = protocol.ErrUserThrown
		msg = jsErrorMessage(e)
	}
	c.send(&protocol.Response{ID: id, OK: false, ErrKind: kind, ErrMessage: msg})
}

// jsErrorMessage renders a JS exception (or any error) as a short message.
func jsErrorMessage(err error) string {
	if ex, ok := err.(*goja.Exception); ok {
		return ex.Value().String()
	}
	return err.Error()
}

// jsValueMessage renders a rejected-promise value as a short message.
func jsValueMessage(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "promise rejected"
	}
	return v.String()
}

func (c *Context) decodeArgs(vm *goja.Runtime, call *protocol.Call) ([]goja.Value, error) {
	args := make([]goja.Value, len(call.Args))
	for i, g := range call.Args {
		v, err := c.decodeValue(vm, g)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

func (c *Context) serveLoad(vm *goja.Runtime, call *protocol.Call) {
	if len(call.Args) != 1 {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: "load expects exactly one argument"})
		return
	}
	srcV, err := protocol.DecodeGo(call.Args[0], nil)
	if err != nil {
		c.fail(call.ID, err)
		return
	}
	src, ok := srcV.(string)
	if !ok {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: "module source must be a string"})
		return
	}
	surface, err := c.loadModule(vm, call.Target, src)
	if err != nil {
		c.fail(call.ID, err)
		return
	}
	c.send(&protocol.Response{ID: call.ID, OK: true, Surface: surface})
}

func (c *Context) serveConstruct(vm *goja.Runtime, call *protocol.Call) {
	entry := c.classes[call.Target]
	if entry == nil {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("unknown class %q", call.Target)})
		return
	}
	args, derr := c.decodeArgs(vm, call)
	if derr != nil {
		// Pipelined calls against the reserved handle must see the
		// construction failure, not a dangling-handle error.
		c.handles.RegisterFailed(call.NewHandle, call.Target, derr.Error())
		c.fail(call.ID, derr)
		return
	}
	obj, err := vm.New(entry.ctor, args...)
	if err != nil {
		msg := jsErrorMessage(err)
		c.handles.RegisterFailed(call.NewHandle, call.Target, msg)
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrConstructionFailed, Message: msg})
		return
	}
	c.handles.Register(call.NewHandle, obj, call.Target)
	c.ok(call.ID, protocol.NullGraph())
}

// lookupLive resolves a handle that must reference a live instance.
func (c *Context) lookupLive(h protocol.Handle) (*tableEntry, *protocol.WireError) {
	entry := c.handles.Lookup(h)
	switch {
	case entry == nil:
		return nil, &protocol.WireError{Kind: protocol.ErrHandleInvalid, Message: fmt.Sprintf("unknown handle %d", h)}
	case entry.state == StateFailed:
		return nil, &protocol.WireError{Kind: protocol.ErrConstructionFailed, Message: entry.failMsg}
	case entry.state == StateDisposed:
		return nil, &protocol.WireError{Kind: protocol.ErrHandleInvalid, Message: fmt.Sprintf("handle %d is disposed", h)}
	}
	return entry, nil
}

func (c *Context) serveInvoke(vm *goja.Runtime, call *protocol.Call) {
	args, err := c.decodeArgs(vm, call)
	if err != nil {
		c.fail(call.ID, err)
		return
	}

	var (
		fn   goja.Callable
		this goja.Value
	)
	switch {
	case call.Handle != 0:
		entry, werr := c.lookupLive(call.Handle)
		if werr != nil {
			c.fail(call.ID, werr)
			return
		}
		if ce := c.classes[entry.class]; ce != nil && !ce.desc.HasMethod(call.Member) {
			c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s has no exposed method %q", entry.class, call.Member)})
			return
		}
		var ok bool
		if fn, ok = goja.AssertFunction(entry.value.Get(call.Member)); !ok {
			c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s.%s is not callable", entry.class, call.Member)})
			return
		}
		this = entry.value
	case call.Member != "":
		ce := c.classes[call.Target]
		if ce == nil || !ce.desc.HasStatic(call.Member) {
			c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("no exposed static %s.%s", call.Target, call.Member)})
			return
		}
		var ok bool
		if fn, ok = goja.AssertFunction(ce.ctor.Get(call.Member)); !ok {
			c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s.%s is not callable", call.Target, call.Member)})
			return
		}
		this = ce.ctor
	default:
		var ok bool
		if fn, ok = c.funcs[call.Target]; !ok {
			c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("unknown function %q", call.Target)})
			return
		}
		this = goja.Undefined()
	}

	rv, err := fn(this, args...)
	c.finish(vm, call.ID, rv, err)
}

// finish settles one operation: immediately for plain results, or when the
// returned thenable settles. The event loop keeps serving later envelopes in
// the meantime.
func (c *Context) finish(vm *goja.Runtime, id uint64, rv goja.Value, err error) {
	if err != nil {
		c.fail(id, err)
		return
	}
	if isThenable(rv) {
		onOK := vm.ToValue(func(fc goja.FunctionCall) goja.Value {
			c.reply(vm, id, fc.Argument(0))
			return goja.Undefined()
		})
		onFail := vm.ToValue(func(fc goja.FunctionCall) goja.Value {
			c.send(&protocol.Response{
				ID:         id,
				OK:         false,
				ErrKind:    protocol.ErrUserThrown,
				ErrMessage: jsValueMessage(fc.Argument(0)),
			})
			return goja.Undefined()
		})
		if _, err := c.settle(goja.Undefined(), rv, onOK, onFail); err != nil {
			c.fail(id, err)
		}
		return
	}
	c.reply(vm, id, rv)
}

func (c *Context) reply(vm *goja.Runtime, id uint64, rv goja.Value) {
	g, err := c.encodeValue(vm, rv)
	if err != nil {
		c.fail(id, err)
		return
	}
	c.ok(id, g)
}

func isThenable(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, callable := goja.AssertFunction(obj.Get("then"))
	return callable
}

// propertyExposed reports whether a get/set against member is servable: a
// descriptor-listed accessor, or a data property the instance itself owns.
func propertyExposed(ce *classEntry, entry *tableEntry, member string) bool {
	if ce != nil && ce.desc.HasProperty(member) {
		return true
	}
	for _, k := range entry.value.Keys() {
		if k == member {
			return true
		}
	}
	return false
}

func (c *Context) serveGet(vm *goja.Runtime, call *protocol.Call) {
	entry, werr := c.lookupLive(call.Handle)
	if werr != nil {
		c.fail(call.ID, werr)
		return
	}
	if !propertyExposed(c.classes[entry.class], entry, call.Member) {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s has no exposed property %q", entry.class, call.Member)})
		return
	}
	var rv goja.Value
	err := jsTry(func() { rv = entry.value.Get(call.Member) })
	c.finish(vm, call.ID, rv, err)
}

func (c *Context) serveSet(vm *goja.Runtime, call *protocol.Call) {
	entry, werr := c.lookupLive(call.Handle)
	if werr != nil {
		c.fail(call.ID, werr)
		return
	}
	if len(call.Args) != 1 {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrUnmarshalable, Message: "set expects exactly one argument"})
		return
	}
	if !propertyExposed(c.classes[entry.class], entry, call.Member) {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s has no exposed property %q", entry.class, call.Member)})
		return
	}
	v, err := c.decodeValue(vm, call.Args[0])
	if err != nil {
		c.fail(call.ID, err)
		return
	}
	if err := jsTrySet(entry.value, call.Member, v); err != nil {
		c.fail(call.ID, err)
		return
	}
	c.ok(call.ID, protocol.NullGraph())
}

func (c *Context) serveSubscribe(vm *goja.Runtime, call *protocol.Call) {
	entry, werr := c.lookupLive(call.Handle)
	if werr != nil {
		c.fail(call.ID, werr)
		return
	}
	ce := c.classes[entry.class]
	if ce == nil || !ce.desc.EventEmitter {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s is not an event emitter", entry.class)})
		return
	}
	if c.handles.Hooked(call.Handle, call.Member) {
		c.ok(call.ID, protocol.NullGraph())
		return
	}

	handle, event := call.Handle, call.Member
	hook := vm.ToValue(func(fc goja.FunctionCall) goja.Value {
		payload := fc.Argument(0)
		g, err := c.encodeValue(vm, payload)
		if err != nil {
			// An event has no response to fail; forward the marshaling
			// problem as the payload so it is not silently swallowed.
			c.log.Warn("event payload not marshalable",
				zap.Uint64("handle", uint64(handle)), zap.String("event", event), zap.Error(err))
			g = protocol.Scalar(protocol.Node{Kind: protocol.NodeError, Name: "Unmarshalable", Str: err.Error()})
		}
		c.send(&protocol.Event{Handle: handle, Name: event, Payload: g})
		return goja.Undefined()
	})

	add, ok := goja.AssertFunction(entry.value.Get("addEventListener"))
	if !ok {
		c.fail(call.ID, &protocol.WireError{Kind: protocol.ErrNoSuchTarget, Message: fmt.Sprintf("%s has no addEventListener", entry.class)})
		return
	}
	if _, err := add(entry.value, vm.ToValue(event), hook); err != nil {
		c.fail(call.ID, err)
		return
	}
	c.handles.SetHook(handle, event, hook)
	c.ok(call.ID, protocol.NullGraph())
}

func (c *Context) serveUnsubscribe(vm *goja.Runtime, call *protocol.Call) {
	entry, werr := c.lookupLive(call.Handle)
	if werr != nil {
		c.fail(call.ID, werr)
		return
	}
	hook, ok := c.handles.TakeHook(call.Handle, call.Member)
	if !ok {
		c.ok(call.ID, protocol.NullGraph())
		return
	}
	remove, ok := goja.AssertFunction(entry.value.Get("removeEventListener"))
	if ok {
		if _, err := remove(entry.value, vm.ToValue(call.Member), hook); err != nil {
			c.fail(call.ID, err)
			return
		}
	}
	c.ok(call.ID, protocol.NullGraph())
}

// jsTry converts a JS exception panic (thrown by property access through an
// accessor) into an error.
func jsTry(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(*goja.Exception); ok {
				err = ex
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

func jsTrySet(obj *goja.Object, member string, v goja.Value) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ex, ok := r.(*goja.Exception); ok {
				err = ex
				return
			}
			panic(r)
		}
	}()
	return obj.Set(member, v)
}
