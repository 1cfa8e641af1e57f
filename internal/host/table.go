package host

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/joeycumines/worklet/internal/protocol"
)

// EntryState is the lifecycle state of one handle.
type EntryState uint8

const (
	// StateLive means the instance exists and its reference count is > 0.
	StateLive EntryState = iota
	// StateFailed means the constructor threw. The entry is kept so later
	// calls can be rejected with the original construction failure instead
	// of a bare invalid-handle error.
	StateFailed
	// StateDisposed means the reference count reached zero or the context
	// was torn down. The instance has been released for collection.
	StateDisposed
)

type tableEntry struct {
	value   *goja.Object
	class   string
	refs    int
	state   EntryState
	failMsg string
	// hooks maps event names to the listener installed on the instance for
	// forwarding. Touched only from the loop goroutine.
	hooks map[string]goja.Value
}

// Table maps handles to live worklet-side instances and tracks reference
// counts driven by controller disposal signals. Disposed and failed handles
// leave tombstones so the error reported for a late call distinguishes
// "disposed" from "never existed" only in logs, never in behavior: both are
// invalid.
type Table struct {
	mu      sync.Mutex
	entries map[protocol.Handle]*tableEntry
	reverse map[*goja.Object]protocol.Handle
	src     *protocol.HandleSource
}

// NewTable returns an empty table allocating worklet-origin handles from src.
func NewTable(src *protocol.HandleSource) *Table {
	return &Table{
		entries: make(map[protocol.Handle]*tableEntry),
		reverse: make(map[*goja.Object]protocol.Handle),
		src:     src,
	}
}

// Register records a successfully constructed instance under a
// controller-assigned handle with an initial reference count of one.
func (t *Table) Register(h protocol.Handle, obj *goja.Object, class string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[h] = &tableEntry{value: obj, class: class, refs: 1, state: StateLive}
	t.reverse[obj] = h
}

// RegisterFailed records a construction failure so later calls against the
// handle report the original failure.
func (t *Table) RegisterFailed(h protocol.Handle, class, failMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[h] = &tableEntry{class: class, state: StateFailed, failMsg: failMsg}
}

// Intern returns the handle already referencing obj, or registers obj under a
// fresh worklet-origin handle. Either way the reference count is incremented:
// the handle is about to be marshaled out to the controller.
func (t *Table) Intern(obj *goja.Object, class string) protocol.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.reverse[obj]; ok {
		if e := t.entries[h]; e != nil && e.state == StateLive {
			e.refs++
			return h
		}
	}
	h := t.src.Next()
	t.entries[h] = &tableEntry{value: obj, class: class, refs: 1, state: StateLive}
	t.reverse[obj] = h
	return h
}

// Retain increments the reference count of a live handle.
func (t *Table) Retain(h protocol.Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.entries[h]; e != nil && e.state == StateLive {
		e.refs++
	}
}

// Release decrements the reference count and, at zero, transitions the handle
// to Disposed and releases the instance. Returns the released instance so the
// caller can unhook event forwarding, or nil.
func (t *Table) Release(h protocol.Handle) *goja.Object {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[h]
	if e == nil || e.state != StateLive {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	obj := e.value
	e.state = StateDisposed
	e.value = nil
	e.hooks = nil
	delete(t.reverse, obj)
	return obj
}

// Lookup returns the entry for a handle, or nil.
func (t *Table) Lookup(h protocol.Handle) *tableEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[h]
}

// Hooked reports whether event forwarding is already installed for the
// event name on the handle.
func (t *Table) Hooked(h protocol.Handle, event string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[h]
	if e == nil || e.hooks == nil {
		return false
	}
	_, ok := e.hooks[event]
	return ok
}

// SetHook records the forwarding listener installed for an event name.
func (t *Table) SetHook(h protocol.Handle, event string, hook goja.Value) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[h]
	if e == nil || e.state != StateLive {
		return
	}
	if e.hooks == nil {
		e.hooks = make(map[string]goja.Value)
	}
	e.hooks[event] = hook
}

// TakeHook removes and returns the forwarding listener for an event name.
func (t *Table) TakeHook(h protocol.Handle, event string) (goja.Value, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[h]
	if e == nil || e.hooks == nil {
		return nil, false
	}
	hook, ok := e.hooks[event]
	if ok {
		delete(e.hooks, event)
	}
	return hook, ok
}

// CloseAll disposes every handle. Called at context teardown.
func (t *Table) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.state == StateLive {
			e.state = StateDisposed
			e.value = nil
			e.hooks = nil
		}
	}
	t.reverse = make(map[*goja.Object]protocol.Handle)
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.state == StateLive {
			n++
		}
	}
	return n
}
