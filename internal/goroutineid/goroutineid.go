// Package goroutineid extracts the current goroutine's ID from a stack trace.
// The worklet runtime uses it to detect whether a caller is already on the
// event loop goroutine, so on-loop callers can execute directly instead of
// deadlocking on a round trip through the loop's job queue.
package goroutineid

import (
	"runtime"
	"sync"
)

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// Get returns the current goroutine's ID, or 0 if it cannot be parsed.
func Get() int64 {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse reads the ID out of "goroutine N [running]:", the fixed first line of
// a single-goroutine stack trace, without allocating.
func parse(stack []byte) int64 {
	const prefix = "goroutine "
	if len(stack) <= len(prefix) {
		return 0
	}
	for i := 0; i < len(prefix); i++ {
		if stack[i] != prefix[i] {
			return 0
		}
	}
	var id int64
	for _, b := range stack[len(prefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
