package gojaruntime

import (
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/eventloop"
)

func (r *Runtime) bindTimers(obj *goja.Object) error {
	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"setTimeout":     r.setTimeout,
		"setInterval":    r.setInterval,
		"clearTimeout":   r.clearTimer,
		"clearInterval":  r.clearTimer,
		"setImmediate":   r.setImmediate,
		"clearImmediate": r.clearImmediate,
		"queueMicrotask": r.queueMicrotask,
	} {
		if err := obj.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) setTimeout(call goja.FunctionCall) goja.Value {
	return r.schedule("setTimeout", call, false)
}

func (r *Runtime) setInterval(call goja.FunctionCall) goja.Value {
	return r.schedule("setInterval", call, true)
}

// schedule backs setTimeout and setInterval. Negative and missing delays
// are zero; intervals are at least a millisecond.
func (r *Runtime) schedule(name string, call goja.FunctionCall, repeat bool) goja.Value {
	fn := r.needFunc(call.Argument(0), name+" callback")
	delay := millis(call.Argument(1))
	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	var interval time.Duration
	if repeat {
		interval = max(delay, time.Millisecond)
		delay = interval
	}
	var id eventloop.TimerID
	id, err := r.loop.ScheduleTimer(delay, interval, func() {
		if !repeat {
			delete(r.timers, id)
		}
		r.call(name, fn, args...)
	})
	if err != nil {
		r.throw(err)
	}
	r.timers[id] = struct{}{}
	return r.vm.ToValue(uint64(id))
}

// clearTimer is clearTimeout and clearInterval. Only ids handed out by
// setTimeout and setInterval are honoured; the loop's id space is shared
// with sleep, tickers and host timers, which stay out of reach.
func (r *Runtime) clearTimer(call goja.FunctionCall) goja.Value {
	v := call.Argument(0)
	if isNullish(v) {
		return goja.Undefined()
	}
	id := eventloop.TimerID(v.ToInteger())
	if _, ok := r.timers[id]; !ok {
		return goja.Undefined()
	}
	delete(r.timers, id)
	_ = r.loop.CancelTimer(id)
	return goja.Undefined()
}

// setImmediate runs fn as a task after the current one and its microtasks.
func (r *Runtime) setImmediate(call goja.FunctionCall) goja.Value {
	fn := r.needFunc(call.Argument(0), "setImmediate callback")
	var args []goja.Value
	if len(call.Arguments) > 1 {
		args = append(args, call.Arguments[1:]...)
	}
	r.nextID++
	id := r.nextID
	r.immediates[id] = struct{}{}
	if err := r.loop.Submit(func() {
		if _, ok := r.immediates[id]; !ok {
			return
		}
		delete(r.immediates, id)
		r.call("setImmediate", fn, args...)
	}); err != nil {
		delete(r.immediates, id)
		r.throw(err)
	}
	return r.vm.ToValue(id)
}

func (r *Runtime) clearImmediate(call goja.FunctionCall) goja.Value {
	v := call.Argument(0)
	if !isNullish(v) {
		delete(r.immediates, uint64(v.ToInteger()))
	}
	return goja.Undefined()
}

func (r *Runtime) queueMicrotask(call goja.FunctionCall) goja.Value {
	fn := r.needFunc(call.Argument(0), "queueMicrotask callback")
	if err := r.loop.QueueMicrotask(func() { r.call("queueMicrotask", fn) }); err != nil {
		r.throw(err)
	}
	return goja.Undefined()
}

// timeModule is require("time").
func (r *Runtime) timeModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = r.bindTimers(exports)
	_ = exports.Set("createTicker", r.createTicker)
	_ = exports.Set("sleep", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(r.sleep(millis(call.Argument(0))))
	})
	_ = exports.Set("now", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(time.Now().UnixMilli())
	})
}

// sleep resolves after d. Close cancels the timer and leaves the promise
// pending.
func (r *Runtime) sleep(d time.Duration) *goja.Promise {
	p, resolve, _ := r.vm.NewPromise()
	var key uint64
	id, err := r.loop.ScheduleTimer(d, 0, func() {
		r.untrack(key)
		resolve(goja.Undefined())
	})
	if err != nil {
		r.throw(err)
	}
	key = r.track(func() { _ = r.loop.CancelTimer(id) })
	return p
}

// ticker is a repeating timer with a replaceable callback.
type ticker struct {
	rt       *Runtime
	fn       goja.Callable
	interval time.Duration
	id       eventloop.TimerID
	key      uint64
	running  bool
}

func (r *Runtime) createTicker(call goja.FunctionCall) goja.Value {
	t := &ticker{rt: r, interval: max(millis(call.Argument(0)), time.Millisecond)}
	obj := r.vm.NewObject()
	_ = obj.Set("tick", func(call goja.FunctionCall) goja.Value {
		t.fn = r.needFunc(call.Argument(0), "tick callback")
		if !t.running {
			if err := t.start(); err != nil {
				r.throw(err)
			}
		}
		return obj
	})
	_ = obj.Set("stop", func(goja.FunctionCall) goja.Value {
		t.stop()
		return goja.Undefined()
	})
	_ = obj.Set("reset", func(call goja.FunctionCall) goja.Value {
		if d := millis(call.Argument(0)); d > 0 {
			t.interval = max(d, time.Millisecond)
		}
		if err := t.reset(); err != nil {
			r.throw(err)
		}
		return goja.Undefined()
	})
	_ = obj.Set("running", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(t.running)
	})
	return obj
}

func (t *ticker) start() error {
	id, err := t.rt.loop.ScheduleTimer(t.interval, t.interval, func() {
		if t.fn != nil {
			t.rt.call("ticker", t.fn)
		}
	})
	if err != nil {
		return err
	}
	t.id, t.running = id, true
	t.key = t.rt.track(t.stop)
	return nil
}

func (t *ticker) stop() {
	if !t.running {
		return
	}
	t.running = false
	_ = t.rt.loop.CancelTimer(t.id)
	t.rt.untrack(t.key)
}

// reset restarts the period from now. A stopped ticker stays stopped.
func (t *ticker) reset() error {
	if !t.running {
		return nil
	}
	if err := t.rt.loop.ResetTimer(t.id, t.interval); err == nil {
		return nil
	}
	t.stop()
	return t.start()
}
