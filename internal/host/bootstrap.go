package host

import (
	"errors"

	"github.com/dop251/goja"
)

// bootstrapScript is evaluated once per context before any module loads. It
// installs the EventTarget base class user modules extend to become
// emitter-capable, plus the inspection helpers the registrar and dispatcher
// call back into.
const bootstrapScript = `
(function (global) {
	'use strict';

	class EventTarget {
		constructor() {
			Object.defineProperty(this, '__listeners', {
				value: Object.create(null),
				enumerable: false,
			});
		}
		addEventListener(name, fn) {
			(this.__listeners[name] || (this.__listeners[name] = [])).push(fn);
		}
		removeEventListener(name, fn) {
			const list = this.__listeners[name];
			if (!list) return;
			const i = list.indexOf(fn);
			if (i >= 0) list.splice(i, 1);
		}
		dispatchEvent(name, payload) {
			const list = this.__listeners[name];
			if (!list) return;
			for (const fn of list.slice()) {
				fn(payload);
			}
		}
	}
	global.EventTarget = EventTarget;

	const emitterProto = EventTarget.prototype;

	function isEmitter(proto) {
		while (proto) {
			if (proto === emitterProto) return true;
			proto = Object.getPrototypeOf(proto);
		}
		return false;
	}

	// describe inspects one exported callable and computes the flattened
	// member sets for its descriptor. Runs exactly once per binding at module
	// load; the result is never re-inspected per call.
	function describe(ctor, flatten) {
		const src = Function.prototype.toString.call(ctor);
		let isClass = /^\s*class[\s{]/.test(src);
		const methods = [];
		const props = [];
		const statics = [];
		const seen = Object.create(null);
		seen.constructor = true;

		let proto = ctor.prototype;
		const emitter = !!proto && isEmitter(proto);
		while (proto && proto !== Object.prototype && proto !== emitterProto) {
			for (const name of Object.getOwnPropertyNames(proto)) {
				if (seen[name]) continue;
				seen[name] = true;
				const d = Object.getOwnPropertyDescriptor(proto, name);
				if (d.get || d.set) {
					props.push(name);
				} else if (typeof d.value === 'function') {
					methods.push(name);
				}
			}
			if (!flatten) break;
			proto = Object.getPrototypeOf(proto);
		}

		for (const name of Object.getOwnPropertyNames(ctor)) {
			if (name === 'length' || name === 'name' || name === 'prototype') continue;
			if (name === 'caller' || name === 'arguments') continue;
			if (typeof ctor[name] === 'function') statics.push(name);
		}

		if (methods.length > 0 || props.length > 0 || emitter) isClass = true;
		return { isClass, methods, props, statics, emitter };
	}

	function settle(value, onFulfilled, onRejected) {
		Promise.resolve(value).then(onFulfilled, onRejected);
	}

	function isThenable(value) {
		return value !== null &&
			(typeof value === 'object' || typeof value === 'function') &&
			typeof value.then === 'function';
	}

	global.__worklet = { describe, settle, isThenable };
})(globalThis);
`

// installBootstrap runs the bootstrap script and caches the helper callables.
// Must run on the loop goroutine.
func (c *Context) installBootstrap(vm *goja.Runtime) error {
	prg, err := goja.Compile("worklet-bootstrap.js", bootstrapScript, true)
	if err != nil {
		return err
	}
	if _, err := vm.RunProgram(prg); err != nil {
		return err
	}
	helpers := vm.Get("__worklet")
	if helpers == nil || goja.IsUndefined(helpers) {
		return errors.New("bootstrap helpers missing")
	}
	obj := helpers.ToObject(vm)
	var ok bool
	if c.describe, ok = goja.AssertFunction(obj.Get("describe")); !ok {
		return errors.New("bootstrap describe helper is not callable")
	}
	if c.settle, ok = goja.AssertFunction(obj.Get("settle")); !ok {
		return errors.New("bootstrap settle helper is not callable")
	}
	return nil
}
