package protocol

import (
	"fmt"
	"math"
	"reflect"
	"sort"
)

// WireError is an error that maps directly onto a wire error kind.
type WireError struct {
	Kind    string
	Message string
}

func (e *WireError) Error() string { return e.Message }

// Unmarshalable builds a WireError for a value that cannot cross the boundary.
func Unmarshalable(format string, args ...any) *WireError {
	return &WireError{Kind: ErrUnmarshalable, Message: fmt.Sprintf(format, args...)}
}

// EncodeLeaf lets the caller claim a value before the plain-data rules run.
// Returning ok=false falls through to the default classification.
type EncodeLeaf func(v any) (Node, bool, error)

// DecodeLeaf lets the caller materialize nodes the plain-data rules do not
// cover (transfers, handle refs, errors).
type DecodeLeaf func(n Node) (any, bool, error)

// EncodeGo encodes a Go value into a value graph. The plain set is nil, bool,
// integers, floats, strings, []byte (copied), []any, and map[string]any;
// shared references and cycles among slices and maps within one payload are
// preserved. Anything else must be claimed by the leaf hook or the encode
// fails with an Unmarshalable wire error before any message is sent.
func EncodeGo(v any, leaf EncodeLeaf) (*ValueGraph, error) {
	e := &goEncoder{g: &ValueGraph{}, leaf: leaf, seen: make(map[goIdent]int)}
	root, err := e.encode(v)
	if err != nil {
		return nil, err
	}
	e.g.Root = root
	return e.g, nil
}

type goIdent struct {
	ptr  uintptr
	kind reflect.Kind
	// len disambiguates slices sharing a backing array: a slice and its
	// prefix start at the same address but only alias when lengths match.
	len int
}

type goEncoder struct {
	g    *ValueGraph
	leaf EncodeLeaf
	seen map[goIdent]int
}

func (e *goEncoder) encode(v any) (int, error) {
	if e.leaf != nil {
		if n, ok, err := e.leaf(v); err != nil {
			return 0, err
		} else if ok {
			return e.g.Add(n), nil
		}
	}

	switch x := v.(type) {
	case nil:
		return e.g.Add(Node{Kind: NodeNull}), nil
	case bool:
		return e.g.Add(Node{Kind: NodeBool, Bool: x}), nil
	case string:
		return e.g.Add(Node{Kind: NodeString, Str: x}), nil
	case int:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case int8:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case int16:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case int32:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case int64:
		return e.g.Add(Node{Kind: NodeInt, Int: x}), nil
	case uint:
		return e.encodeUint(uint64(x))
	case uint8:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case uint16:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case uint32:
		return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
	case uint64:
		return e.encodeUint(x)
	case float32:
		return e.g.Add(Node{Kind: NodeNumber, Num: float64(x)}), nil
	case float64:
		return e.g.Add(Node{Kind: NodeNumber, Num: x}), nil
	case []byte:
		bin := make([]byte, len(x))
		copy(bin, x)
		return e.g.Add(Node{Kind: NodeBytes, Bin: bin}), nil
	case []any:
		return e.encodeList(x)
	case map[string]any:
		return e.encodeMap(x)
	default:
		return 0, Unmarshalable("value of type %T cannot cross the worklet boundary", v)
	}
}

func (e *goEncoder) encodeUint(x uint64) (int, error) {
	if x > math.MaxInt64 {
		return 0, Unmarshalable("uint64 value %d overflows the wire integer range", x)
	}
	return e.g.Add(Node{Kind: NodeInt, Int: int64(x)}), nil
}

func (e *goEncoder) encodeList(x []any) (int, error) {
	// Identity is the backing-array pointer plus length; empty slices carry
	// no identity (nothing can reference through them anyway).
	var id goIdent
	if len(x) > 0 {
		id = goIdent{ptr: reflect.ValueOf(x).Pointer(), kind: reflect.Slice, len: len(x)}
		if idx, ok := e.seen[id]; ok {
			return idx, nil
		}
	}
	idx := e.g.Add(Node{Kind: NodeList})
	if len(x) > 0 {
		e.seen[id] = idx
	}
	elems := make([]int, len(x))
	for i, child := range x {
		ci, err := e.encode(child)
		if err != nil {
			return 0, err
		}
		elems[i] = ci
	}
	e.g.Nodes[idx].Elems = elems
	return idx, nil
}

func (e *goEncoder) encodeMap(x map[string]any) (int, error) {
	id := goIdent{ptr: reflect.ValueOf(x).Pointer(), kind: reflect.Map}
	if idx, ok := e.seen[id]; ok {
		return idx, nil
	}
	idx := e.g.Add(Node{Kind: NodeMap})
	e.seen[id] = idx

	keys := make([]string, 0, len(x))
	for k := range x {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	elems := make([]int, len(keys))
	for i, k := range keys {
		ci, err := e.encode(x[k])
		if err != nil {
			return 0, err
		}
		elems[i] = ci
	}
	e.g.Nodes[idx].Keys = keys
	e.g.Nodes[idx].Elems = elems
	return idx, nil
}

// DecodeGo decodes a value graph into Go values: nil, bool, int64, float64,
// string, []byte, []any, and map[string]any. Shared references and cycles are
// reconstructed. Transfer, handle, and error nodes must be claimed by the
// leaf hook.
func DecodeGo(g *ValueGraph, leaf DecodeLeaf) (any, error) {
	if g == nil {
		return nil, nil
	}
	d := &goDecoder{g: g, leaf: leaf, memo: make(map[int]any)}
	return d.decode(g.Root)
}

type goDecoder struct {
	g    *ValueGraph
	leaf DecodeLeaf
	memo map[int]any
}

func (d *goDecoder) decode(idx int) (any, error) {
	if idx < 0 || idx >= len(d.g.Nodes) {
		return nil, fmt.Errorf("value graph node index %d out of range", idx)
	}
	if v, ok := d.memo[idx]; ok {
		return v, nil
	}
	n := d.g.Nodes[idx]
	switch n.Kind {
	case NodeUndefined, NodeNull:
		return nil, nil
	case NodeBool:
		return n.Bool, nil
	case NodeInt:
		return n.Int, nil
	case NodeNumber:
		return n.Num, nil
	case NodeString:
		return n.Str, nil
	case NodeBytes:
		bin := make([]byte, len(n.Bin))
		copy(bin, n.Bin)
		return bin, nil
	case NodeList:
		out := make([]any, len(n.Elems))
		d.memo[idx] = out
		for i, ci := range n.Elems {
			v, err := d.decode(ci)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case NodeMap:
		if len(n.Keys) != len(n.Elems) {
			return nil, fmt.Errorf("malformed map node: %d keys, %d elems", len(n.Keys), len(n.Elems))
		}
		out := make(map[string]any, len(n.Keys))
		d.memo[idx] = out
		for i, ci := range n.Elems {
			v, err := d.decode(ci)
			if err != nil {
				return nil, err
			}
			out[n.Keys[i]] = v
		}
		return out, nil
	default:
		if d.leaf != nil {
			if v, ok, err := d.leaf(n); err != nil {
				return nil, err
			} else if ok {
				d.memo[idx] = v
				return v, nil
			}
		}
		return nil, fmt.Errorf("no decoder for value graph node kind %d", n.Kind)
	}
}
