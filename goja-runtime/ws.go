package gojaruntime

import (
	"context"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/httpserver"
)

// wsModule is require("ws").
func (r *Runtime) wsModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("connect", func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		timeout := DefaultConnectTimeout
		if opts := r.optionsMap(call.Argument(1), "connect options"); opts != nil {
			if v, ok := opts["timeout"]; ok {
				timeout = millis(vm.ToValue(v))
			}
		}
		// the handshake is bounded, the established connection is not
		ctx, cancel := context.WithCancel(context.Background())
		timer := time.AfterFunc(timeout, cancel)
		p := httpserver.DialWS(ctx, r.loop, r.reg, url, r.logger)
		p.Finally(func() {
			if timer.Stop() && p.State() == eventloop.Rejected {
				cancel()
			}
		})
		return r.promise(p, func(v any) (goja.Value, error) {
			return r.wsObject(v.(*httpserver.WSConn)), nil
		})
	})
}
