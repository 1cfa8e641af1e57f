package host

import (
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/joeycumines/worklet/internal/protocol"
)

// ExposurePolicy decides which exported bindings of a loaded module become
// remotely callable. It is evaluated exactly once, at load time; the
// resulting descriptor is immutable.
type ExposurePolicy interface {
	Expose(name string) bool
}

type exposeExports struct{}

func (exposeExports) Expose(string) bool { return true }

// ExposeExports is the default policy: every binding the module assigns to
// its exports object is exposed. Assigning to exports is itself the
// allowlist; nothing the module keeps private can ever be reached.
func ExposeExports() ExposurePolicy { return exposeExports{} }

type exposeAllowlist map[string]struct{}

func (p exposeAllowlist) Expose(name string) bool {
	_, ok := p[name]
	return ok
}

// ExposeAllowlist exposes only the named exported bindings.
func ExposeAllowlist(names ...string) ExposurePolicy {
	p := make(exposeAllowlist, len(names))
	for _, n := range names {
		p[n] = struct{}{}
	}
	return p
}

// MemberPolicy selects how a class's effective member set is computed at
// descriptor-build time.
type MemberPolicy uint8

const (
	// FlattenInherited walks the prototype chain (excluding Object.prototype
	// and the emitter base) and flattens every member into the descriptor.
	// This is the default: an exposed subclass exposes its inherited members.
	FlattenInherited MemberPolicy = iota
	// OwnMembersOnly exposes only members declared directly on the class's
	// own prototype.
	OwnMembersOnly
)

type module struct {
	name    string
	surface *protocol.Surface
}

type classEntry struct {
	ctor   *goja.Object
	desc   *protocol.ClassDesc
	module string
}

// loadModule evaluates a module source with a fresh exports object, walks the
// exported bindings per the exposure policy, and builds the module's exposed
// surface descriptor. Must run on the loop goroutine.
func (c *Context) loadModule(vm *goja.Runtime, name, source string) (*protocol.Surface, error) {
	if name == "" {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: "module name must not be empty"}
	}
	if _, ok := c.modules[name]; ok {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("module %q already loaded", name)}
	}

	prg, err := goja.Compile(name, "(function (exports, module) {\n"+source+"\n})", false)
	if err != nil {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("compiling module %q: %v", name, err)}
	}
	wrapperV, err := vm.RunProgram(prg)
	if err != nil {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("evaluating module %q: %v", name, err)}
	}
	wrapper, ok := goja.AssertFunction(wrapperV)
	if !ok {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("module %q wrapper is not callable", name)}
	}

	exports := vm.NewObject()
	modObj := vm.NewObject()
	if err := modObj.Set("exports", exports); err != nil {
		return nil, err
	}
	if _, err := wrapper(goja.Undefined(), exports, modObj); err != nil {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("running module %q: %v", name, jsErrorMessage(err))}
	}

	// The module may have reassigned module.exports wholesale.
	exportsV := modObj.Get("exports")
	if exportsV == nil || goja.IsUndefined(exportsV) || goja.IsNull(exportsV) {
		return nil, &protocol.WireError{Kind: protocol.ErrInvalidModule, Message: fmt.Sprintf("module %q has no exports", name)}
	}
	exports = exportsV.ToObject(vm)

	// Registrations are staged and committed only on success, so a failed
	// load leaves no partial surface behind.
	surface := &protocol.Surface{Module: name}
	classCtors := make(map[string]*goja.Object)
	classIdx := make(map[string]int)
	funcs := make(map[string]goja.Callable)
	for _, key := range exports.Keys() {
		if !c.exposure.Expose(key) {
			continue
		}
		v := exports.Get(key)
		callable, ok := goja.AssertFunction(v)
		if !ok {
			continue
		}
		info, err := c.describeBinding(vm, v)
		if err != nil {
			return nil, fmt.Errorf("inspecting %s.%s: %w", name, key, err)
		}
		qualified := name + "." + key
		if info.isClass {
			surface.Classes = append(surface.Classes, protocol.ClassDesc{
				Name:          key,
				Methods:       info.methods,
				StaticMethods: info.statics,
				Properties:    info.props,
				EventEmitter:  info.emitter,
			})
			classIdx[qualified] = len(surface.Classes) - 1
			classCtors[qualified] = v.ToObject(vm)
		} else {
			surface.Functions = append(surface.Functions, protocol.FuncDesc{Name: key})
			funcs[qualified] = callable
		}
	}

	// Descriptor pointers are resolved only after the walk: appends above may
	// have reallocated the backing array.
	for qualified, i := range classIdx {
		c.classes[qualified] = &classEntry{
			ctor:   classCtors[qualified],
			desc:   &surface.Classes[i],
			module: name,
		}
	}
	for qualified, fn := range funcs {
		c.funcs[qualified] = fn
	}
	c.modules[name] = &module{name: name, surface: surface}
	c.log.Debug("module loaded",
		zap.String("module", name),
		zap.Int("classes", len(surface.Classes)),
		zap.Int("functions", len(surface.Functions)))
	return surface, nil
}

type bindingInfo struct {
	isClass bool
	methods []string
	statics []string
	props   []string
	emitter bool
}

// describeBinding classifies one exported callable via the bootstrap
// inspection helper.
func (c *Context) describeBinding(vm *goja.Runtime, v goja.Value) (*bindingInfo, error) {
	flatten := c.members == FlattenInherited
	res, err := c.describe(goja.Undefined(), v, vm.ToValue(flatten))
	if err != nil {
		return nil, err
	}
	obj := res.ToObject(vm)
	info := &bindingInfo{
		isClass: obj.Get("isClass").ToBoolean(),
		emitter: obj.Get("emitter").ToBoolean(),
	}
	if info.methods, err = exportStrings(obj.Get("methods")); err != nil {
		return nil, err
	}
	if info.statics, err = exportStrings(obj.Get("statics")); err != nil {
		return nil, err
	}
	if info.props, err = exportStrings(obj.Get("props")); err != nil {
		return nil, err
	}
	return info, nil
}

func exportStrings(v goja.Value) ([]string, error) {
	raw, ok := v.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("expected string array, got %T", v.Export())
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", e)
		}
		out = append(out, s)
	}
	return out, nil
}

// classOf returns the qualified name of the most-derived exposed class obj is
// an instance of, by matching constructor identity along the prototype chain.
func (c *Context) classOf(obj *goja.Object) (string, *classEntry) {
	for proto := obj.Prototype(); proto != nil; proto = proto.Prototype() {
		ctorV := proto.Get("constructor")
		if ctorV == nil {
			continue
		}
		ctor, ok := ctorV.(*goja.Object)
		if !ok {
			continue
		}
		for qualified, entry := range c.classes {
			if entry.ctor == ctor {
				return qualified, entry
			}
		}
	}
	return "", nil
}
