package gojaruntime

import (
	"context"
	"net/http"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/httpclient"
)

// requestHooks are the config functions that run on the loop around the
// native call.
type requestHooks struct {
	transformRequest  goja.Callable
	beforeRequest     goja.Callable
	transformResponse goja.Callable
	afterResponse     goja.Callable
}

// clientModule is require("http").
func (r *Runtime) clientModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	for _, method := range []string{http.MethodGet, http.MethodDelete, http.MethodHead} {
		_ = exports.Set(strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			return r.httpRequest(method, call.Argument(0).String(), nil, call.Argument(1))
		})
	}
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodPatch} {
		_ = exports.Set(strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			return r.httpRequest(method, call.Argument(0).String(), call.Argument(1), call.Argument(2))
		})
	}
	_ = exports.Set("request", func(call goja.FunctionCall) goja.Value {
		cfg := call.Argument(0)
		obj, ok := cfg.(*goja.Object)
		if !ok {
			panic(vm.NewTypeError("request config must be an object"))
		}
		url := obj.Get("url")
		if isNullish(url) {
			panic(vm.NewTypeError("request config requires a url"))
		}
		method := http.MethodGet
		if m := obj.Get("method"); !isNullish(m) {
			method = strings.ToUpper(m.String())
		}
		rest := vm.NewObject()
		for _, k := range obj.Keys() {
			if k != "url" && k != "method" {
				_ = rest.Set(k, obj.Get(k))
			}
		}
		return r.httpRequest(method, url.String(), nil, rest)
	})
}

// httpRequest starts a request. data overrides any data in the config.
func (r *Runtime) httpRequest(method, url string, data, config goja.Value) goja.Value {
	var hooks requestHooks
	m := map[string]any{}
	if obj, ok := config.(*goja.Object); ok {
		for _, k := range obj.Keys() {
			v := obj.Get(k)
			switch k {
			case "transformRequest":
				hooks.transformRequest = r.optionalFunc(v, k)
			case "beforeRequest":
				hooks.beforeRequest = r.optionalFunc(v, k)
			case "transformResponse":
				hooks.transformResponse = r.optionalFunc(v, k)
			case "afterResponse":
				hooks.afterResponse = r.optionalFunc(v, k)
			default:
				m[k] = v.Export()
			}
		}
	} else if !isNullish(config) {
		panic(r.vm.NewTypeError("request config must be an object"))
	}

	body := data
	if isNullish(body) {
		if v, ok := config.(*goja.Object); ok {
			body = v.Get("data")
		}
	}
	delete(m, "data")
	cfg, err := httpclient.DecodeConfig(m)
	if err != nil {
		panic(r.vm.NewTypeError(err.Error()))
	}

	if hooks.transformRequest != nil {
		if body, err = hooks.transformRequest(goja.Undefined(), body); err != nil {
			return r.rejected(err)
		}
	}
	cfg.Data = requestData(body)

	if hooks.beforeRequest != nil {
		req := r.vm.NewObject()
		headers := r.vm.NewObject()
		for k, v := range cfg.Headers {
			_ = headers.Set(k, v)
		}
		_ = req.Set("method", method)
		_ = req.Set("url", url)
		_ = req.Set("headers", headers)
		if _, err := hooks.beforeRequest(goja.Undefined(), req); err != nil {
			return r.rejected(err)
		}
		method = strings.ToUpper(req.Get("method").String())
		url = req.Get("url").String()
		if h, ok := req.Get("headers").(*goja.Object); ok {
			cfg.Headers = make(map[string]string)
			for _, k := range h.Keys() {
				cfg.Headers[k] = h.Get(k).String()
			}
		}
	}

	p := r.client.Request(r.loop, context.Background(), method, url, cfg)
	return r.promise(p, func(v any) (goja.Value, error) {
		resp := v.(*httpclient.Response)
		data := r.toValue(resp.Data)
		if hooks.transformResponse != nil {
			var err error
			if data, err = hooks.transformResponse(goja.Undefined(), data); err != nil {
				return nil, err
			}
		}
		obj := r.responseValue(resp, data)
		if hooks.afterResponse != nil {
			out, err := hooks.afterResponse(goja.Undefined(), obj)
			if err != nil {
				return nil, err
			}
			if o, ok := out.(*goja.Object); ok {
				return o, nil
			}
		}
		return obj, nil
	})
}

// requestData converts a request body for the client: buffers are sent
// raw, strings as text, anything else as JSON.
func requestData(v goja.Value) any {
	if isNullish(v) {
		return nil
	}
	if b, binary := bytesOf(v); binary {
		return b
	}
	return v.Export()
}

func (r *Runtime) responseValue(resp *httpclient.Response, data goja.Value) *goja.Object {
	obj := r.vm.NewObject()
	headers := r.vm.NewObject()
	for k, v := range resp.Headers {
		_ = headers.Set(k, v)
	}
	_ = obj.Set("status", resp.Status)
	_ = obj.Set("statusText", resp.StatusText)
	_ = obj.Set("headers", headers)
	_ = obj.Set("data", data)
	_ = obj.Set("url", resp.URL)
	_ = obj.Set("ok", resp.Status >= 200 && resp.Status < 300)
	return obj
}

// rejected is a script promise already rejected with err.
func (r *Runtime) rejected(err error) goja.Value {
	p, _, reject := r.vm.NewPromise()
	reject(r.errorValue(err))
	return r.vm.ToValue(p)
}
