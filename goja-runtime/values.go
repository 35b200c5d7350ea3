package gojaruntime

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/rawnet"
)

// promise converts p into a script promise. conv maps the fulfilment value,
// nil passes it through ToValue. Settlement happens on the loop.
func (r *Runtime) promise(p *eventloop.Promise, conv func(any) (goja.Value, error)) goja.Value {
	jp, resolve, reject := r.vm.NewPromise()
	fulfil := func(v goja.Value) { resolve(v) }
	fail := func(v goja.Value) { reject(v) }
	p.Then(func(v any) any {
		defer func() {
			if x := recover(); x != nil {
				fail(r.panicValue(x))
			}
		}()
		if conv == nil {
			fulfil(r.vm.ToValue(v))
			return nil
		}
		jv, err := conv(v)
		if err != nil {
			fail(r.errorValue(err))
			return nil
		}
		fulfil(jv)
		return nil
	}, func(reason any) any {
		fail(r.errorValue(reason))
		return nil
	})
	return r.vm.ToValue(jp)
}

// errorValue converts a rejection reason to a script value, errors becoming
// Error objects.
func (r *Runtime) errorValue(reason any) goja.Value {
	switch x := reason.(type) {
	case goja.Value:
		return x
	case *goja.Exception:
		return x.Value()
	case *eventloop.RejectionError:
		return r.errorValue(x.Reason)
	case error:
		return r.vm.NewGoError(x)
	default:
		return r.vm.ToValue(reason)
	}
}

func (r *Runtime) panicValue(x any) goja.Value {
	switch v := x.(type) {
	case *goja.Exception:
		return v.Value()
	case goja.Value:
		return v
	case error:
		return r.vm.NewGoError(v)
	default:
		return r.vm.NewGoError(fmt.Errorf("%v", x))
	}
}

func (r *Runtime) throw(err error) {
	panic(r.vm.NewGoError(err))
}

func (r *Runtime) needFunc(v goja.Value, what string) goja.Callable {
	fn, ok := goja.AssertFunction(v)
	if !ok {
		panic(r.vm.NewTypeError("%s must be a function", what))
	}
	return fn
}

// optionalFunc is nil for undefined and null.
func (r *Runtime) optionalFunc(v goja.Value, what string) goja.Callable {
	if isNullish(v) {
		return nil
	}
	return r.needFunc(v, what)
}

// optionsMap exports a plain object argument. Undefined and null give nil.
func (r *Runtime) optionsMap(v goja.Value, what string) map[string]any {
	if isNullish(v) {
		return nil
	}
	m, ok := v.Export().(map[string]any)
	if !ok {
		panic(r.vm.NewTypeError("%s must be an object", what))
	}
	return m
}

func isNullish(v goja.Value) bool {
	return v == nil || goja.IsUndefined(v) || goja.IsNull(v)
}

// millis reads a millisecond count. Non-numbers and negatives are zero.
func millis(v goja.Value) time.Duration {
	if isNullish(v) {
		return 0
	}
	f := v.ToFloat()
	if math.IsNaN(f) || f <= 0 {
		return 0
	}
	if f > float64(math.MaxInt64/int64(time.Millisecond)) {
		return math.MaxInt64
	}
	return time.Duration(f * float64(time.Millisecond))
}

// bytesOf reads outgoing data. binary reports an ArrayBuffer or typed array.
func bytesOf(v goja.Value) (data []byte, binary bool) {
	if isNullish(v) {
		return nil, false
	}
	switch x := v.Export().(type) {
	case goja.ArrayBuffer:
		return x.Bytes(), true
	case []byte:
		return x, true
	case string:
		return []byte(x), false
	default:
		return []byte(v.String()), false
	}
}

func (r *Runtime) arrayBuffer(b []byte) goja.Value {
	return r.vm.ToValue(r.vm.NewArrayBuffer(b))
}

// toValue is ToValue with byte slices as ArrayBuffers.
func (r *Runtime) toValue(v any) goja.Value {
	if b, ok := v.([]byte); ok {
		return r.arrayBuffer(b)
	}
	return r.vm.ToValue(v)
}

func (r *Runtime) addrObject(a rawnet.Addr) goja.Value {
	obj := r.vm.NewObject()
	_ = obj.Set("address", a.Address)
	_ = obj.Set("family", a.Family)
	_ = obj.Set("port", a.Port)
	return obj
}

func describe(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	if obj, ok := v.(*goja.Object); ok {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
	}
	return v.String()
}

// toJSON stringifies v the way JSON.stringify does.
func (r *Runtime) toJSON(v goja.Value) string {
	out, err := r.stringify(goja.Undefined(), v)
	if err != nil {
		panic(err)
	}
	if goja.IsUndefined(out) {
		return "null"
	}
	return out.String()
}

func (r *Runtime) fromJSON(s string) goja.Value {
	v, err := r.parse(goja.Undefined(), r.vm.ToValue(s))
	if err != nil {
		panic(err)
	}
	return v
}

// valueError converts a thrown or rejected script value to a Go error.
func valueError(v goja.Value) error {
	if isNullish(v) {
		return errors.New("undefined")
	}
	if err, ok := v.Export().(error); ok {
		return err
	}
	return errors.New(v.String())
}
