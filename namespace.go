package worklet

import (
	"github.com/joeycumines/worklet/internal/protocol"
)

// Namespace mirrors the exposed surface of one loaded module: its classes
// and top-level functions, addressable by simple name.
type Namespace struct {
	bridge  *Bridge
	module  string
	classes map[string]*Class
	funcs   map[string]struct{}
}

func newNamespace(b *Bridge, surface *protocol.Surface) *Namespace {
	ns := &Namespace{
		bridge:  b,
		module:  surface.Module,
		classes: make(map[string]*Class, len(surface.Classes)),
		funcs:   make(map[string]struct{}, len(surface.Functions)),
	}
	for i := range surface.Classes {
		desc := &surface.Classes[i]
		ns.classes[desc.Name] = &Class{bridge: b, module: surface.Module, desc: desc}
	}
	for _, fn := range surface.Functions {
		ns.funcs[fn.Name] = struct{}{}
	}
	return ns
}

// Module returns the name the module was loaded under.
func (ns *Namespace) Module() string { return ns.module }

// Class returns the named exposed class, or nil when the module does not
// expose one by that name.
func (ns *Namespace) Class(name string) *Class { return ns.classes[name] }

// Classes lists the names of the exposed classes.
func (ns *Namespace) Classes() []string {
	out := make([]string, 0, len(ns.classes))
	for name := range ns.classes {
		out = append(out, name)
	}
	return out
}

// Functions lists the names of the exposed top-level functions.
func (ns *Namespace) Functions() []string {
	out := make([]string, 0, len(ns.funcs))
	for name := range ns.funcs {
		out = append(out, name)
	}
	return out
}

// Call invokes an exposed top-level function. Unknown names reject
// immediately with NoSuchTarget, without a round trip.
func (ns *Namespace) Call(name string, args ...any) *Result {
	if _, ok := ns.funcs[name]; !ok {
		return errResult(newError(ErrNoSuchTarget, "module %q exposes no function %q", ns.module, name))
	}
	graphs, err := ns.bridge.encodeArgs(args)
	if err != nil {
		return errResult(err)
	}
	return ns.bridge.send(&protocol.Call{
		Kind:   protocol.KindInvoke,
		Target: ns.module + "." + name,
		Args:   graphs,
	}, &pendingCall{})
}

// Class is an exposed class of a loaded module. It constructs instances and
// invokes static methods.
type Class struct {
	bridge *Bridge
	module string
	desc   *protocol.ClassDesc
}

// Name returns the class name within its module.
func (c *Class) Name() string { return c.desc.Name }

// Methods lists the instance method names visible on proxies of this class.
func (c *Class) Methods() []string { return append([]string(nil), c.desc.Methods...) }

// New constructs an instance in the worklet context and returns its proxy
// immediately. The proxy is usable before construction completes: calls
// issued against it queue behind the constructor, and if construction threw,
// they all reject with ConstructionFailed. Ready reports the outcome of the
// construction itself.
func (c *Class) New(args ...any) *Proxy {
	h := c.bridge.handles.Next()
	s := newProxyState(c.bridge, h, c.desc, false)
	c.bridge.registerState(s)

	graphs, err := c.bridge.encodeArgs(args)
	if err != nil {
		s.failConstruct(err)
		s.ready = errResult(err)
		return s.outer()
	}

	res := c.bridge.send(&protocol.Call{
		Kind:      protocol.KindConstruct,
		Target:    c.module + "." + c.desc.Name,
		Args:      graphs,
		NewHandle: h,
	}, &pendingCall{construct: s})
	s.ready = res
	return s.outer()
}

// Call invokes a static method of the class. Unknown names reject
// immediately with NoSuchTarget.
func (c *Class) Call(method string, args ...any) *Result {
	if !c.desc.HasStatic(method) {
		return errResult(newError(ErrNoSuchTarget, "class %q has no static method %q", c.desc.Name, method))
	}
	graphs, err := c.bridge.encodeArgs(args)
	if err != nil {
		return errResult(err)
	}
	return c.bridge.send(&protocol.Call{
		Kind:   protocol.KindInvoke,
		Target: c.module + "." + c.desc.Name,
		Member: method,
		Args:   graphs,
	}, &pendingCall{})
}
