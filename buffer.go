package worklet

import (
	"errors"
	"sync"
)

// ErrDetached is returned when a Buffer is accessed after its contents were
// transferred across the bridge.
var ErrDetached = errors.New("worklet: buffer detached")

// Buffer is a transferable binary value. Passing a Buffer into a bridge call
// moves its contents into the worklet: after the call is issued the source
// Buffer is detached and any access fails. This is deliberate, so the same
// bytes are never live on both sides of the boundary; callers wanting copy
// semantics pass a []byte, or Clone first.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	detached bool
}

// NewBuffer returns an attached zero-filled buffer of n bytes.
func NewBuffer(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// BufferFrom returns an attached buffer holding a copy of b.
func BufferFrom(b []byte) *Buffer {
	data := make([]byte, len(b))
	copy(data, b)
	return &Buffer{data: data}
}

// bufferOwning wraps received bytes without copying. The marshaler uses it
// for inbound transfers, which already moved ownership to this side.
func bufferOwning(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the buffer's contents, or ErrDetached after transfer.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	return b.data, nil
}

// Len returns the buffer's length, or 0 after transfer.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Detached reports whether the buffer's contents have been transferred away.
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// Clone returns a new attached buffer with a copy of the contents, for
// callers that want copy semantics across a transfer-by-default boundary.
func (b *Buffer) Clone() (*Buffer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	return BufferFrom(b.data), nil
}

// take moves the contents out, detaching the buffer.
func (b *Buffer) take() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.detached {
		return nil, ErrDetached
	}
	data := b.data
	b.data = nil
	b.detached = true
	return data, nil
}
