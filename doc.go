// Package worklet runs JavaScript modules in isolated execution contexts and
// mirrors their exposed classes and functions as Go proxies, with all
// interaction flowing through an ordered asynchronous call protocol.
//
// A Bridge owns one worklet context. Modules are added as CommonJS-style
// sources: whatever the module assigns to exports becomes its exposed
// surface, described once at load time and mirrored by a Namespace.
//
//	b, err := worklet.New()
//	if err != nil { ... }
//	defer b.Close()
//
//	ns, err := b.AddModule(ctx, "greeter", `
//	    class Speaker {
//	        constructor(name) { this.name = name; }
//	        sayHello() { return "hello from " + this.name; }
//	    }
//	    exports.Speaker = Speaker;
//	`)
//	if err != nil { ... }
//
//	sp := ns.Class("Speaker").New("amy")
//	defer sp.Close()
//	msg, err := sp.Call("sayHello").Await(ctx)
//
// Construction is pipelined: New returns a usable proxy immediately, and
// calls issued before the constructor finished queue behind it in order. If
// the constructor threw, those calls and all later ones reject with a
// ConstructionFailed error.
//
// Arguments and results cross the boundary by value, preserving shared
// references and cycles within a single payload. Three kinds are special:
// a *Buffer transfers (moves) its bytes and is detached afterwards, a []byte
// copies, and a *Proxy passes the remote object it stands for by reference.
// Objects of exposed classes returned from worklet code come back as new
// proxies rather than copies.
//
// Classes extending the built-in EventTarget are emitters: Proxy.On
// registers listeners for events the instance dispatches via
// dispatchEvent(name, payload), delivered in dispatch order on a goroutine
// separate from response handling.
package worklet
