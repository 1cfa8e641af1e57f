// Package protocol defines the message types exchanged between a controller
// and a worklet context: call envelopes, response envelopes, unsolicited event
// envelopes, and the marshaled value graph that carries every argument,
// return value, and event payload across the channel.
package protocol

import "sync/atomic"

// Kind identifies the operation a call envelope requests.
type Kind string

const (
	// KindLoad evaluates a module source in the worklet and returns its
	// exposed surface descriptor.
	KindLoad Kind = "load"
	// KindConstruct instantiates an exposed class and registers the instance
	// under the controller-assigned handle.
	KindConstruct Kind = "construct"
	// KindInvoke calls an exposed method, static method, or top-level function.
	KindInvoke Kind = "invoke"
	// KindGet reads an exposed property of a live instance.
	KindGet Kind = "get"
	// KindSet writes an exposed property of a live instance.
	KindSet Kind = "set"
	// KindSubscribe registers event forwarding for one event name on an
	// emitter-capable instance.
	KindSubscribe Kind = "subscribe"
	// KindUnsubscribe removes event forwarding for one event name.
	KindUnsubscribe Kind = "unsubscribe"
	// KindDispose releases one controller-held reference to a handle.
	// Dispose expects no response.
	KindDispose Kind = "dispose"
)

// Handle is an opaque reference to a live instance inside a worklet context.
// Handle 0 is reserved and always invalid. Handles allocated by the controller
// are even, handles allocated by the worklet (for instances marshaled out of a
// call result) are odd, so both sides can mint IDs without a round trip while
// staying unique per connection.
type Handle uint64

// Wire error kinds. These travel as strings so either side can surface kinds
// the other does not know about.
const (
	ErrUnmarshalable      = "Unmarshalable"
	ErrNoSuchTarget       = "NoSuchTarget"
	ErrHandleInvalid      = "HandleInvalid"
	ErrConstructionFailed = "ConstructionFailed"
	ErrUserThrown         = "UserThrown"
	ErrChannelClosed      = "ChannelClosed"
	ErrInvalidModule      = "InvalidModule"
)

// Call is a call envelope. Target addressing depends on Kind:
//
//   - load: Target is the module name, Args[0] the module source.
//   - construct: Target is the qualified class name ("module.Class"),
//     NewHandle the controller-assigned handle for the instance.
//   - invoke: either Handle+Member (instance method), Target+Member
//     (static method), or Target alone (top-level function).
//   - get/set: Handle+Member; set carries the value in Args[0].
//   - subscribe/unsubscribe: Handle+Member (Member is the event name).
//   - dispose: Handle only.
type Call struct {
	ID        uint64
	Kind      Kind
	Handle    Handle
	Target    string
	Member    string
	Args      []*ValueGraph
	NewHandle Handle
}

// Response settles exactly one Call (except dispose, which has none).
type Response struct {
	ID         uint64
	OK         bool
	Value      *ValueGraph
	Surface    *Surface // set only for load responses
	ErrKind    string
	ErrMessage string
}

// Event is an unsolicited envelope forwarding one event emission from a
// worklet-side instance. No response is expected.
type Event struct {
	Handle  Handle
	Name    string
	Payload *ValueGraph
}

// Surface describes the exposed surface of one loaded module. It is built
// once at load time and never mutated afterwards.
type Surface struct {
	Module    string
	Classes   []ClassDesc
	Functions []FuncDesc
}

// ClassDesc describes one exposed class. Member sets are flattened at
// descriptor-build time per the configured member policy; they are never
// re-inspected per call.
type ClassDesc struct {
	Name          string
	Methods       []string
	StaticMethods []string
	Properties    []string
	EventEmitter  bool
}

// FuncDesc describes one exposed top-level function.
type FuncDesc struct {
	Name string
}

// Class returns the descriptor for the named class, or nil.
func (s *Surface) Class(name string) *ClassDesc {
	for i := range s.Classes {
		if s.Classes[i].Name == name {
			return &s.Classes[i]
		}
	}
	return nil
}

// Function reports whether the surface exposes the named top-level function.
func (s *Surface) Function(name string) bool {
	for i := range s.Functions {
		if s.Functions[i].Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy sharing no slices with the receiver. Descriptors
// travel by value between the two sides; a side that wants to retain one
// clones it rather than aliasing the sender's memory.
func (s *Surface) Clone() *Surface {
	out := &Surface{
		Module:    s.Module,
		Classes:   make([]ClassDesc, len(s.Classes)),
		Functions: append([]FuncDesc(nil), s.Functions...),
	}
	for i, c := range s.Classes {
		c.Methods = append([]string(nil), c.Methods...)
		c.StaticMethods = append([]string(nil), c.StaticMethods...)
		c.Properties = append([]string(nil), c.Properties...)
		out.Classes[i] = c
	}
	return out
}

// HasMethod reports whether the class exposes the named instance method.
func (c *ClassDesc) HasMethod(name string) bool { return contains(c.Methods, name) }

// HasStatic reports whether the class exposes the named static method.
func (c *ClassDesc) HasStatic(name string) bool { return contains(c.StaticMethods, name) }

// HasProperty reports whether the class exposes the named accessor property.
func (c *ClassDesc) HasProperty(name string) bool { return contains(c.Properties, name) }

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// IDSource allocates correlation IDs for one connection. IDs are monotonic
// and never reused while the connection is alive.
type IDSource struct {
	n atomic.Uint64
}

// Next returns a fresh correlation ID, starting at 1.
func (s *IDSource) Next() uint64 { return s.n.Add(1) }

// HandleOrigin selects which half of the handle ID space a HandleSource
// allocates from.
type HandleOrigin uint8

const (
	// OriginController allocates even handles (2, 4, 6, ...).
	OriginController HandleOrigin = iota
	// OriginWorklet allocates odd handles (1, 3, 5, ...).
	OriginWorklet
)

// HandleSource allocates handles for one side of a connection.
type HandleSource struct {
	n      atomic.Uint64
	origin HandleOrigin
}

// NewHandleSource returns a handle allocator for the given origin.
func NewHandleSource(origin HandleOrigin) *HandleSource {
	return &HandleSource{origin: origin}
}

// Next returns a fresh, nonzero handle.
func (s *HandleSource) Next() Handle {
	n := s.n.Add(1)
	if s.origin == OriginWorklet {
		return Handle(2*n - 1)
	}
	return Handle(2 * n)
}
