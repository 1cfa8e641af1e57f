package host

import (
	"fmt"
	"strconv"

	"github.com/dop251/goja"

	"github.com/joeycumines/worklet/internal/protocol"
)

// encodeValue marshals a goja value into a value graph. Plain values are
// deep-cloned structurally with shared references and cycles preserved;
// ArrayBuffers are moved (the source binding is detached); instances of
// exposed classes become handle refs, registering the instance if it has not
// crossed the boundary before. Anything else fails with an Unmarshalable wire
// error before a message is sent. Must run on the loop goroutine.
func (c *Context) encodeValue(vm *goja.Runtime, v goja.Value) (*protocol.ValueGraph, error) {
	e := &jsEncoder{c: c, vm: vm, g: &protocol.ValueGraph{}, seen: make(map[*goja.Object]int)}
	root, err := e.encode(v)
	if err != nil {
		return nil, err
	}
	e.g.Root = root
	return e.g, nil
}

type jsEncoder struct {
	c    *Context
	vm   *goja.Runtime
	g    *protocol.ValueGraph
	seen map[*goja.Object]int
}

func (e *jsEncoder) encode(v goja.Value) (int, error) {
	if v == nil || goja.IsUndefined(v) {
		return e.g.Add(protocol.Node{Kind: protocol.NodeUndefined}), nil
	}
	if goja.IsNull(v) {
		return e.g.Add(protocol.Node{Kind: protocol.NodeNull}), nil
	}
	if obj, ok := v.(*goja.Object); ok {
		return e.encodeObject(obj)
	}
	switch x := v.Export().(type) {
	case bool:
		return e.g.Add(protocol.Node{Kind: protocol.NodeBool, Bool: x}), nil
	case string:
		return e.g.Add(protocol.Node{Kind: protocol.NodeString, Str: x}), nil
	case int64:
		return e.g.Add(protocol.Node{Kind: protocol.NodeInt, Int: x}), nil
	case float64:
		return e.g.Add(protocol.Node{Kind: protocol.NodeNumber, Num: x}), nil
	default:
		return 0, protocol.Unmarshalable("value of type %T cannot cross the worklet boundary", x)
	}
}

func (e *jsEncoder) encodeObject(obj *goja.Object) (int, error) {
	if idx, ok := e.seen[obj]; ok {
		return idx, nil
	}

	// Transferable: binary buffers are moved, never copied. Callers wanting
	// copy semantics must duplicate before passing.
	if ab, ok := obj.Export().(goja.ArrayBuffer); ok {
		bin := ab.Bytes()
		moved := make([]byte, len(bin))
		copy(moved, bin)
		if !ab.Detach() {
			return 0, protocol.Unmarshalable("ArrayBuffer is already detached")
		}
		idx := e.g.Add(protocol.Node{Kind: protocol.NodeTransfer, Bin: moved})
		e.seen[obj] = idx
		return idx, nil
	}

	// Remote-object: instances of exposed classes travel as handle refs.
	if qualified, _ := e.c.classOf(obj); qualified != "" {
		h := e.c.handles.Intern(obj, qualified)
		idx := e.g.Add(protocol.Node{Kind: protocol.NodeHandle, Handle: h, Name: qualified})
		e.seen[obj] = idx
		return idx, nil
	}

	if _, callable := goja.AssertFunction(obj); callable {
		return 0, protocol.Unmarshalable("functions cannot cross the worklet boundary")
	}

	switch obj.ClassName() {
	case "Array":
		idx := e.g.Add(protocol.Node{Kind: protocol.NodeList})
		e.seen[obj] = idx
		length := int(obj.Get("length").ToInteger())
		elems := make([]int, length)
		for i := 0; i < length; i++ {
			ci, err := e.encode(obj.Get(strconv.Itoa(i)))
			if err != nil {
				return 0, err
			}
			elems[i] = ci
		}
		e.g.Nodes[idx].Elems = elems
		return idx, nil
	case "Object":
		idx := e.g.Add(protocol.Node{Kind: protocol.NodeMap})
		e.seen[obj] = idx
		keys := obj.Keys()
		elems := make([]int, len(keys))
		for i, k := range keys {
			ci, err := e.encode(obj.Get(k))
			if err != nil {
				return 0, err
			}
			elems[i] = ci
		}
		e.g.Nodes[idx].Keys = keys
		e.g.Nodes[idx].Elems = elems
		return idx, nil
	case "Error", "TypeError", "RangeError", "SyntaxError", "ReferenceError", "EvalError", "URIError":
		name := "Error"
		if v := obj.Get("name"); v != nil && !goja.IsUndefined(v) {
			name = v.String()
		}
		msg := ""
		if v := obj.Get("message"); v != nil && !goja.IsUndefined(v) {
			msg = v.String()
		}
		return e.g.Add(protocol.Node{Kind: protocol.NodeError, Name: name, Str: msg}), nil
	default:
		return 0, protocol.Unmarshalable("%s values cannot cross the worklet boundary", obj.ClassName())
	}
}

// decodeValue materializes a value graph as goja values. Handle refs resolve
// against the lifecycle table; transferred buffers become fresh ArrayBuffers
// owning the moved bytes. Must run on the loop goroutine.
func (c *Context) decodeValue(vm *goja.Runtime, g *protocol.ValueGraph) (goja.Value, error) {
	if g == nil {
		return goja.Undefined(), nil
	}
	d := &jsDecoder{c: c, vm: vm, g: g, memo: make(map[int]goja.Value)}
	return d.decode(g.Root)
}

type jsDecoder struct {
	c    *Context
	vm   *goja.Runtime
	g    *protocol.ValueGraph
	memo map[int]goja.Value
}

func (d *jsDecoder) decode(idx int) (goja.Value, error) {
	if idx < 0 || idx >= len(d.g.Nodes) {
		return nil, fmt.Errorf("value graph node index %d out of range", idx)
	}
	if v, ok := d.memo[idx]; ok {
		return v, nil
	}
	n := d.g.Nodes[idx]
	switch n.Kind {
	case protocol.NodeUndefined:
		return goja.Undefined(), nil
	case protocol.NodeNull:
		return goja.Null(), nil
	case protocol.NodeBool:
		return d.vm.ToValue(n.Bool), nil
	case protocol.NodeInt:
		return d.vm.ToValue(n.Int), nil
	case protocol.NodeNumber:
		return d.vm.ToValue(n.Num), nil
	case protocol.NodeString:
		return d.vm.ToValue(n.Str), nil
	case protocol.NodeBytes:
		bin := make([]byte, len(n.Bin))
		copy(bin, n.Bin)
		return d.vm.ToValue(d.vm.NewArrayBuffer(bin)), nil
	case protocol.NodeTransfer:
		// The bytes were moved out of their source; this side owns them now.
		return d.vm.ToValue(d.vm.NewArrayBuffer(n.Bin)), nil
	case protocol.NodeList:
		arr := d.vm.NewArray()
		v := d.vm.ToValue(arr)
		d.memo[idx] = v
		for i, ci := range n.Elems {
			cv, err := d.decode(ci)
			if err != nil {
				return nil, err
			}
			if err := arr.Set(strconv.Itoa(i), cv); err != nil {
				return nil, err
			}
		}
		return v, nil
	case protocol.NodeMap:
		obj := d.vm.NewObject()
		v := d.vm.ToValue(obj)
		d.memo[idx] = v
		for i, ci := range n.Elems {
			cv, err := d.decode(ci)
			if err != nil {
				return nil, err
			}
			if err := obj.Set(n.Keys[i], cv); err != nil {
				return nil, err
			}
		}
		return v, nil
	case protocol.NodeHandle:
		entry := d.c.handles.Lookup(n.Handle)
		if entry == nil || entry.state == StateDisposed {
			return nil, &protocol.WireError{Kind: protocol.ErrHandleInvalid, Message: fmt.Sprintf("handle %d is not live", n.Handle)}
		}
		if entry.state == StateFailed {
			return nil, &protocol.WireError{Kind: protocol.ErrConstructionFailed, Message: entry.failMsg}
		}
		return entry.value, nil
	case protocol.NodeError:
		errCtorV := d.vm.Get(n.Name)
		errCtor, ok := errCtorV.(*goja.Object)
		if !ok {
			errCtor, _ = d.vm.Get("Error").(*goja.Object)
		}
		if errCtor != nil {
			if errObj, err := d.vm.New(errCtor, d.vm.ToValue(n.Str)); err == nil {
				return errObj, nil
			}
		}
		return d.vm.ToValue(n.Str), nil
	default:
		return nil, fmt.Errorf("unknown value graph node kind %d", n.Kind)
	}
}
