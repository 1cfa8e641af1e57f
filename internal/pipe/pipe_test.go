package pipe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrderedDelivery(t *testing.T) {
	a, b := New()
	defer a.Close()

	const n = 1000
	got := make([]any, 0, n)
	done := make(chan struct{})
	b.SetHandler(func(msg any) {
		got = append(got, msg)
		if len(got) == n {
			close(done)
		}
	})

	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(i))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery stalled")
	}
	for i, msg := range got {
		require.Equal(t, i, msg)
	}
}

func TestDuplex(t *testing.T) {
	a, b := New()
	defer a.Close()

	echoed := make(chan any, 1)
	b.SetHandler(func(msg any) { _ = b.Send(msg) })
	a.SetHandler(func(msg any) { echoed <- msg })

	require.NoError(t, a.Send("ping"))
	select {
	case msg := <-echoed:
		require.Equal(t, "ping", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}
}

func TestSendNeverBlocksWithoutHandler(t *testing.T) {
	a, b := New()
	defer a.Close()
	_ = b

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < 10_000; i++ {
			require.NoError(t, a.Send(i))
		}
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("send blocked")
	}
}

func TestCloseClosesBothEnds(t *testing.T) {
	a, b := New()
	a.Close()

	require.ErrorIs(t, a.Send("x"), ErrClosed)
	require.ErrorIs(t, b.Send("x"), ErrClosed)

	select {
	case <-a.Done():
	default:
		t.Fatal("a not done")
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("b not done")
	}

	// Idempotent.
	b.Close()
}

func TestCloseStopsDelivery(t *testing.T) {
	a, b := New()

	var mu sync.Mutex
	var count int
	b.SetHandler(func(any) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, a.Send(1))
	a.Close()
	require.ErrorIs(t, a.Send(2), ErrClosed)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, count, 1)
}

func TestHandlerTwicePanics(t *testing.T) {
	a, _ := New()
	defer a.Close()
	a.SetHandler(func(any) {})
	require.Panics(t, func() { a.SetHandler(func(any) {}) })
}
