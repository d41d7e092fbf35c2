/*
Package jsguest runs a JavaScript guest program against a guest.Runtime.

# Overview

The package embeds the goja engine and exposes the runtime to scripts as a
transom global:

	transom.name                  // instance name from the handshake
	transom.base                  // base path
	transom.policy                // granted sandbox policy
	transom.props()               // current property snapshot
	transom.prop("theme")         // one property
	transom.watch(cb)             // cb({key: {old, new}}), returns stop()
	transom.on("evt", cb)         // host events, returns stop()
	transom.emit("evt", data)     // send an event to the host
	transom.register("name", fn)  // expose fn to the host, returns unregister()

Values cross the boundary as plain JSON shapes. Functions registered from a
script become callable host-side references like any Go-registered function.

# Concurrency

The engine is single-threaded. Every entry into JavaScript (the main script,
watch/on callbacks, inbound host calls, timers) is serialized onto one
executor goroutine, and runtime dispatch goroutines never block on it:
callbacks are posted to a bounded queue and dropped with a log line when a
script cannot keep up. Each entry is bounded by a run timeout enforced with
the engine interrupt, so a looping script cannot wedge the guest.

# Security

Scripts see no require, process, module or exports. setTimeout and
setInterval are provided on top of the executor; there is no filesystem,
network or host access beyond the transom bridge.

# Usage

	guest.Main(func(ctx context.Context, rt *guest.Runtime) error {
		vm, err := jsguest.New(rt)
		if err != nil {
			return err
		}
		defer vm.Close()
		if _, err := vm.Run(ctx, "main.js", src); err != nil {
			return err
		}
		<-ctx.Done() // keep serving callbacks
		return nil
	})
*/
package jsguest
