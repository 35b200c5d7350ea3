package gojaruntime

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/proxy"
	"github.com/joeycumines/go-swruntime/rawnet"
)

// proxyModule is require("proxy"), also reachable as require("net").proxy.
func (r *Runtime) proxyModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	r.setProxyExports(exports)
}

func (r *Runtime) setProxyExports(obj *goja.Object) {
	_ = obj.Set("createHTTPProxy", r.createHTTPProxy)
	_ = obj.Set("createTCPProxy", r.createTCPProxy)
}

// createHTTPProxy accepts (targetURL[, options]); options.timeout is in
// milliseconds.
func (r *Runtime) createHTTPProxy(call goja.FunctionCall) goja.Value {
	opts := []proxy.Option{
		proxy.WithLogger(r.logger),
		proxy.WithServerConfig(r.serverCfg),
	}
	if m := r.optionsMap(call.Argument(1), "proxy options"); m != nil {
		if v, ok := m["timeout"]; ok {
			opts = append(opts, proxy.WithTimeout(millis(r.vm.ToValue(v))))
		}
	}
	p, err := proxy.NewHTTP(r.loop, r.reg, call.Argument(0).String(), opts...)
	if err != nil {
		r.throw(err)
	}
	key := r.track(func() { p.Close(context.Background()) })
	p.On("close", func(any) { r.untrack(key) })

	obj := r.vm.NewObject()
	_ = obj.Set("target", p.Target().String())
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "request":
			p.On(event, func(v any) {
				info := v.(proxy.RequestInfo)
				r.call("proxy request", fn, r.vm.ToValue(map[string]any{
					"method":     info.Method,
					"url":        info.URL,
					"path":       info.Path,
					"host":       info.Host,
					"remoteAddr": info.RemoteAddr,
					"headers":    headerMap(info.Header),
				}))
			})
		case "response":
			p.On(event, func(v any) {
				info := v.(proxy.ResponseInfo)
				r.call("proxy response", fn, r.vm.ToValue(map[string]any{
					"status":     info.Status,
					"statusText": info.StatusText,
					"headers":    headerMap(info.Header),
				}))
			})
		case "error":
			p.On(event, func(v any) { r.call("proxy error", fn, r.proxyError(v.(proxy.ErrorInfo))) })
		case "close":
			p.On(event, func(any) { r.call("proxy close", fn) })
		default:
			panic(r.vm.NewTypeError("unknown proxy event %q", event))
		}
		return obj
	})
	_ = obj.Set("listen", func(call goja.FunctionCall) goja.Value {
		addr, cb := r.listenArgs(call.Arguments)
		return r.promise(p.Listen(addr), r.listening(p.Server(), cb))
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		return r.promise(p.Close(context.Background()), func(any) (goja.Value, error) {
			return goja.Undefined(), nil
		})
	})
	_ = obj.Set("address", func(goja.FunctionCall) goja.Value {
		if a := p.Server().Addr(); a != nil {
			return r.addrObject(rawnet.AddrOf(a))
		}
		return goja.Null()
	})
	return obj
}

// createTCPProxy accepts (target) as host:port, or (host, port).
func (r *Runtime) createTCPProxy(call goja.FunctionCall) goja.Value {
	target := call.Argument(0).String()
	if port := call.Argument(1); !isNullish(port) && !isObject(port) {
		target = net.JoinHostPort(target, port.String())
	}
	p, err := proxy.NewTCP(r.loop, r.reg, target, proxy.WithLogger(r.logger))
	if err != nil {
		r.throw(err)
	}
	key := r.track(func() { p.Close() })
	p.On("close", func(any) { r.untrack(key) })

	obj := r.vm.NewObject()
	_ = obj.Set("target", p.Target())
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "connection":
			p.On(event, func(v any) {
				info := v.(proxy.ConnectionInfo)
				r.call("proxy connection", fn, r.vm.ToValue(map[string]any{
					"remoteAddr": info.RemoteAddr,
					"target":     info.Target,
				}))
			})
		case "data":
			p.On(event, func(v any) {
				info := v.(proxy.DataInfo)
				r.call("proxy data", fn, r.vm.ToValue(map[string]any{
					"direction": info.Direction,
					"bytes":     info.Bytes,
				}))
			})
		case "error":
			p.On(event, func(v any) { r.call("proxy error", fn, r.proxyError(v.(proxy.ErrorInfo))) })
		case "close":
			p.On(event, func(any) { r.call("proxy close", fn) })
		default:
			panic(r.vm.NewTypeError("unknown proxy event %q", event))
		}
		return obj
	})
	_ = obj.Set("listen", func(call goja.FunctionCall) goja.Value {
		addr, cb := r.listenArgs(call.Arguments)
		return r.promise(p.Listen(addr), func(v any) (goja.Value, error) {
			a := r.addrObject(v.(rawnet.Addr))
			if cb != nil {
				r.call("listen callback", cb, a)
			}
			return a, nil
		})
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		return r.promise(p.Close(), func(any) (goja.Value, error) {
			return goja.Undefined(), nil
		})
	})
	_ = obj.Set("address", func(goja.FunctionCall) goja.Value {
		if a := p.Addr(); a.Port != 0 {
			return r.addrObject(a)
		}
		return goja.Null()
	})
	return obj
}

// proxyError is an Error carrying the direction or url it happened on.
func (r *Runtime) proxyError(info proxy.ErrorInfo) goja.Value {
	v := r.vm.NewGoError(info.Err)
	if info.Direction != "" {
		_ = v.Set("direction", info.Direction)
	}
	if info.URL != "" {
		_ = v.Set("url", info.URL)
	}
	return v
}

func headerMap(h http.Header) map[string]any {
	m := make(map[string]any, len(h))
	for k, vals := range h {
		m[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return m
}
