package worklet_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/worklet"
)

const testWait = 10 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	t.Cleanup(cancel)
	return ctx
}

func newBridge(t *testing.T, opts ...worklet.Option) *worklet.Bridge {
	t.Helper()
	b, err := worklet.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

const speakerModule = `
class Speaker {
	constructor(name) {
		if (typeof name !== "string") throw new Error("name required");
		this.name = name;
	}
	sayHello() { return "hello from " + this.name; }
	static pitch() { return 440; }
}
function add(a, b) { return a + b; }
exports.Speaker = Speaker;
exports.add = add;
`

func TestSpeakerHello(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "greeter", speakerModule)
	require.NoError(t, err)
	require.Equal(t, "greeter", ns.Module())

	sp := ns.Class("Speaker").New("amy")
	defer sp.Close()

	// Usable immediately, before construction is acknowledged.
	v, err := sp.Call("sayHello").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello from amy", v)

	_, err = sp.Ready().Await(ctx)
	require.NoError(t, err)
}

func TestFunctionAndStaticCalls(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	v, err := ns.Call("add", 2, 3).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)

	// Loose typing applies as in the language.
	v, err = ns.Call("add", "2", 3).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "23", v)

	v, err = ns.Class("Speaker").Call("pitch").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(440), v)
}

func TestLocalTargetValidation(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	_, err = ns.Call("missing").Await(ctx)
	require.Equal(t, worklet.ErrNoSuchTarget, worklet.KindOf(err))

	_, err = ns.Class("Speaker").Call("missing").Await(ctx)
	require.Equal(t, worklet.ErrNoSuchTarget, worklet.KindOf(err))

	sp := ns.Class("Speaker").New("amy")
	defer sp.Close()
	_, err = sp.Call("missing").Await(ctx)
	require.Equal(t, worklet.ErrNoSuchTarget, worklet.KindOf(err))

	require.Nil(t, ns.Class("Missing"))
}

func TestUserThrown(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.explode = function () { throw new Error("kaboom"); };
	`)
	require.NoError(t, err)

	_, err = ns.Call("explode").Await(ctx)
	require.Equal(t, worklet.ErrUserThrown, worklet.KindOf(err))
	require.Contains(t, err.Error(), "kaboom")
}

func TestInvalidModule(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	_, err := b.AddModule(ctx, "bad", "not javascript {{{")
	require.Equal(t, worklet.ErrInvalidModule, worklet.KindOf(err))

	_, err = b.AddModule(ctx, "m", `exports.f = function () {};`)
	require.NoError(t, err)
	_, err = b.AddModule(ctx, "m", `exports.g = function () {};`)
	require.Equal(t, worklet.ErrInvalidModule, worklet.KindOf(err))
}

func TestConstructionFailure(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	sp := ns.Class("Speaker").New(42)
	defer sp.Close()

	// Calls issued against the placeholder before the failure is known
	// queue behind the constructor and reject with the original failure.
	res := sp.Call("sayHello")

	_, err = sp.Ready().Await(ctx)
	require.Equal(t, worklet.ErrConstructionFailed, worklet.KindOf(err))
	require.Contains(t, err.Error(), "name required")

	_, err = res.Await(ctx)
	require.Equal(t, worklet.ErrConstructionFailed, worklet.KindOf(err))

	// And so does everything issued afterwards, locally.
	_, err = sp.Call("sayHello").Await(ctx)
	require.Equal(t, worklet.ErrConstructionFailed, worklet.KindOf(err))
}

func TestProxyCloseInvalidates(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	sp := ns.Class("Speaker").New("amy")
	_, err = sp.Ready().Await(ctx)
	require.NoError(t, err)

	sp.Close()
	_, err = sp.Call("sayHello").Await(ctx)
	require.Equal(t, worklet.ErrHandleInvalid, worklet.KindOf(err))

	// Idempotent.
	sp.Close()
}

func TestGetSetProperty(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	sp := ns.Class("Speaker").New("amy")
	defer sp.Close()

	v, err := sp.Get("name").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "amy", v)

	_, err = sp.Set("name", "bo").Await(ctx)
	require.NoError(t, err)

	v, err = sp.Call("sayHello").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello from bo", v)
}

func TestBufferTransfer(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.sum = function (buf) {
			var view = new Uint8Array(buf);
			var total = 0;
			for (var i = 0; i < view.length; i++) total += view[i];
			return total;
		};
		exports.fill = function (n, v) {
			var buf = new ArrayBuffer(n);
			new Uint8Array(buf).fill(v);
			return buf;
		};
	`)
	require.NoError(t, err)

	src := make([]byte, 100)
	for i := range src {
		src[i] = 1
	}
	buf := worklet.BufferFrom(src)
	require.Equal(t, 100, buf.Len())

	res := ns.Call("sum", buf)

	// Transfer detaches the source the moment the call is issued.
	require.True(t, buf.Detached())
	_, err = buf.Bytes()
	require.ErrorIs(t, err, worklet.ErrDetached)

	v, err := res.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(100), v)

	// A detached buffer cannot be sent again.
	_, err = ns.Call("sum", buf).Await(ctx)
	require.Equal(t, worklet.ErrUnmarshalable, worklet.KindOf(err))

	// Binary results come back as attached buffers.
	v, err = ns.Call("fill", 8, 9).Await(ctx)
	require.NoError(t, err)
	out, ok := v.(*worklet.Buffer)
	require.True(t, ok)
	data, err := out.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, data)
}

func TestBytesCopyInContrast(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.len = function (buf) { return buf.byteLength; };
	`)
	require.NoError(t, err)

	src := []byte{1, 2, 3}
	v, err := ns.Call("len", src).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)

	// Copy semantics: the source stays usable.
	require.Equal(t, []byte{1, 2, 3}, src)
}

func TestInstanceResultsBecomeProxies(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule+`
		exports.make = function (name) { return new Speaker(name); };
		exports.same = function (a, b) { return a === b; };
	`)
	require.NoError(t, err)

	v, err := ns.Call("make", "zed").Await(ctx)
	require.NoError(t, err)
	sp, ok := v.(*worklet.Proxy)
	require.True(t, ok, "exposed-class instances come back as proxies")
	defer sp.Close()
	require.Equal(t, "Speaker", sp.Class())

	v, err = sp.Call("sayHello").Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "hello from zed", v)

	// A proxy passed back as an argument resolves to the original instance.
	v, err = ns.Call("same", sp, sp).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, true, v)
}

func TestSharedStructurePreserved(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.sharesIdentity = function (pair) { return pair[0] === pair[1]; };
		exports.makeCycle = function () {
			var o = {};
			o.self = o;
			return o;
		};
	`)
	require.NoError(t, err)

	shared := map[string]any{"k": 1}
	v, err := ns.Call("sharesIdentity", []any{shared, shared}).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = ns.Call("makeCycle").Await(ctx)
	require.NoError(t, err)
	out := v.(map[string]any)
	inner := out["self"].(map[string]any)
	out["probe"] = "x"
	require.Equal(t, "x", inner["probe"])
}

func TestPromiseOrdering(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.slow = function () {
			return new Promise(function (resolve) {
				setTimeout(function () { resolve("slow"); }, 100);
			});
		};
		exports.fast = function () { return "fast"; };
	`)
	require.NoError(t, err)

	slowRes := ns.Call("slow")
	fastRes := ns.Call("fast")

	v, err := fastRes.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "fast", v)

	select {
	case <-slowRes.Done():
		t.Fatal("slow result settled before its promise resolved")
	default:
	}

	v, err = slowRes.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "slow", v)
}

const counterModule = `
class Counter extends EventTarget {
	constructor() { super(); this.n = 0; }
	bump() {
		this.n++;
		this.dispatchEvent("tick", { n: this.n });
		return this.n;
	}
}
exports.Counter = Counter;
`

func TestEventsDeliveredInOrder(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", counterModule)
	require.NoError(t, err)

	counter := ns.Class("Counter").New()
	defer counter.Close()

	var mu sync.Mutex
	var got []int64
	three := make(chan struct{})
	sub := counter.On("tick", func(payload any) {
		n := payload.(map[string]any)["n"].(int64)
		mu.Lock()
		got = append(got, n)
		if len(got) == 3 {
			close(three)
		}
		mu.Unlock()
	})

	// Subscribe acked before the first bump: no event can be missed.
	_, err = sub.Ready().Await(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = counter.Call("bump").Await(ctx)
		require.NoError(t, err)
	}

	select {
	case <-three:
	case <-time.After(testWait):
		t.Fatal("events never arrived")
	}
	mu.Lock()
	require.Equal(t, []int64{1, 2, 3}, got)
	mu.Unlock()

	// After unsubscribe no further events are delivered.
	_, err = sub.Close().Await(ctx)
	require.NoError(t, err)
	_, err = counter.Call("bump").Await(ctx)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []int64{1, 2, 3}, got)
	mu.Unlock()
}

func TestPanickingListenerIsContained(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", counterModule)
	require.NoError(t, err)

	counter := ns.Class("Counter").New()
	defer counter.Close()

	heard := make(chan struct{}, 8)
	subA := counter.On("tick", func(any) { panic("listener bug") })
	defer subA.Close()
	subB := counter.On("tick", func(any) { heard <- struct{}{} })
	defer subB.Close()

	_, err = subA.Ready().Await(ctx)
	require.NoError(t, err)

	_, err = counter.Call("bump").Await(ctx)
	require.NoError(t, err)

	select {
	case <-heard:
	case <-time.After(testWait):
		t.Fatal("second listener starved by a panicking one")
	}
}

func TestSubscribeNonEmitter(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	sp := ns.Class("Speaker").New("amy")
	defer sp.Close()

	sub := sp.On("tick", func(any) {})
	_, err = sub.Ready().Await(ctx)
	require.Equal(t, worklet.ErrNoSuchTarget, worklet.KindOf(err))
}

func TestBridgeClose(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", `
		exports.never = function () { return new Promise(function () {}); };
	`)
	require.NoError(t, err)

	pending := ns.Call("never")
	require.NoError(t, b.Close())

	_, err = pending.Await(ctx)
	require.Equal(t, worklet.ErrChannelClosed, worklet.KindOf(err))

	_, err = ns.Call("never").Await(ctx)
	require.Equal(t, worklet.ErrChannelClosed, worklet.KindOf(err))

	_, err = b.AddModule(ctx, "late", `exports.f = function () {};`)
	require.Equal(t, worklet.ErrChannelClosed, worklet.KindOf(err))

	// Idempotent.
	require.NoError(t, b.Close())
}

func TestAllowlistOption(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t, worklet.WithAllowlist("add"))

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	v, err := ns.Call("add", 1, 1).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
	require.Nil(t, ns.Class("Speaker"))
}

func TestOwnMembersOption(t *testing.T) {
	ctx := testContext(t)
	const mod = `
class Base { ping() { return "base"; } }
class Derived extends Base { pong() { return "derived"; } }
exports.Derived = Derived;
`

	b := newBridge(t, worklet.WithOwnMembersOnly())
	ns, err := b.AddModule(ctx, "m", mod)
	require.NoError(t, err)

	d := ns.Class("Derived").New()
	defer d.Close()

	_, err = d.Call("pong").Await(ctx)
	require.NoError(t, err)
	_, err = d.Call("ping").Await(ctx)
	require.Equal(t, worklet.ErrNoSuchTarget, worklet.KindOf(err))
}

func TestNamespaceListings(t *testing.T) {
	ctx := testContext(t)
	b := newBridge(t)

	ns, err := b.AddModule(ctx, "m", speakerModule)
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"Speaker"}, ns.Classes())
	require.ElementsMatch(t, []string{"add"}, ns.Functions())
	require.ElementsMatch(t, []string{"sayHello"}, ns.Class("Speaker").Methods())
}

func TestAwaitRespectsContext(t *testing.T) {
	b := newBridge(t)

	ns, err := b.AddModule(testContext(t), "m", `
		exports.never = function () { return new Promise(function () {}); };
	`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = ns.Call("never").Await(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
