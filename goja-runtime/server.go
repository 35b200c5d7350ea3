package gojaruntime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/go-swruntime/rawnet"
	"github.com/joeycumines/go-swruntime/reactor"
)

var serverConfigKeys = []string{
	"readTimeout", "writeTimeout", "idleTimeout", "readHeaderTimeout",
	"shutdownTimeout", "maxBodySize", "maxBodyBytes", "maxHeaderBytes",
	"maxConnections", "wsHighWater", "compression", "logging",
}

// serverModule is require("http/server").
func (r *Runtime) serverModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("createServer", r.createServer)
}

func (r *Runtime) createServer(call goja.FunctionCall) goja.Value {
	opts := r.optionsMap(call.Argument(0), "server config")
	cfg, extras, err := r.decodeServerConfig(opts)
	if err != nil {
		panic(r.vm.NewTypeError(err.Error()))
	}
	s, err := httpserver.New(r.loop, r.reg, cfg, httpserver.WithLogger(r.logger))
	if err != nil {
		r.throw(err)
	}
	if extras.logging {
		s.Use(httpserver.Logging(r.logger))
	}
	if extras.compression {
		s.Use(httpserver.Compress())
	}

	key := r.track(func() { s.Close(context.Background()) })
	obj := r.vm.NewObject()

	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions,
	} {
		_ = obj.Set(strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			pattern := call.Argument(0).String()
			h := r.handler(r.needFunc(call.Argument(1), "route handler"))
			if err := s.Handle(method, pattern, h); err != nil {
				r.throw(err)
			}
			return obj
		})
	}
	_ = obj.Set("all", func(call goja.FunctionCall) goja.Value {
		pattern := call.Argument(0).String()
		h := r.handler(r.needFunc(call.Argument(1), "route handler"))
		for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
			if err := s.Handle(method, pattern, h); err != nil {
				r.throw(err)
			}
		}
		return obj
	})
	_ = obj.Set("use", func(call goja.FunctionCall) goja.Value {
		s.Use(r.middleware(r.needFunc(call.Argument(0), "middleware")))
		return obj
	})
	_ = obj.Set("notFound", func(call goja.FunctionCall) goja.Value {
		s.NotFound(r.handler(r.needFunc(call.Argument(0), "not found handler")))
		return obj
	})
	_ = obj.Set("ws", func(call goja.FunctionCall) goja.Value {
		pattern := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), "websocket handler")
		if err := s.WS(pattern, func(c *httpserver.WSConn) {
			r.call("websocket handler", fn, r.wsObject(c))
		}); err != nil {
			r.throw(err)
		}
		return obj
	})
	_ = obj.Set("static", func(call goja.FunctionCall) goja.Value {
		dir := r.resolvePath(call.Argument(0).String())
		prefix := "/"
		if v := call.Argument(1); !isNullish(v) {
			prefix = v.String()
		}
		if err := s.Static(dir, prefix); err != nil {
			r.throw(err)
		}
		return obj
	})
	_ = obj.Set("listen", func(call goja.FunctionCall) goja.Value {
		addr, cb := r.listenArgs(call.Arguments)
		return r.promise(s.Listen(addr), r.listening(s, cb))
	})
	_ = obj.Set("listenTLS", func(call goja.FunctionCall) goja.Value {
		addr, _ := r.listenArgs(call.Arguments[:min(len(call.Arguments), 1)])
		cert := r.resolvePath(call.Argument(1).String())
		keyFile := r.resolvePath(call.Argument(2).String())
		cb := r.optionalFunc(call.Argument(3), "listen callback")
		return r.promise(s.ListenTLS(addr, cert, keyFile), r.listening(s, cb))
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		r.untrack(key)
		return r.promise(s.Close(context.Background()), func(any) (goja.Value, error) {
			return goja.Undefined(), nil
		})
	})
	_ = obj.Set("address", func(goja.FunctionCall) goja.Value {
		if a := s.Addr(); a != nil {
			return r.addrObject(rawnet.AddrOf(a))
		}
		return goja.Null()
	})
	return obj
}

func (r *Runtime) listening(s *httpserver.Server, cb goja.Callable) func(any) (goja.Value, error) {
	return func(any) (goja.Value, error) {
		addr := r.addrObject(rawnet.AddrOf(s.Addr()))
		if cb != nil {
			r.call("listen callback", cb, addr)
		}
		return addr, nil
	}
}

// listenArgs reads (port | address[, host][, callback]). A bare port
// listens on every interface.
func (r *Runtime) listenArgs(args []goja.Value) (string, goja.Callable) {
	var (
		port, host string
		cb         goja.Callable
	)
	for i, v := range args {
		if fn, ok := goja.AssertFunction(v); ok {
			cb = fn
			break
		}
		switch i {
		case 0:
			port = v.String()
		case 1:
			if !isNullish(v) {
				host = v.String()
			}
		}
	}
	if port == "" || port == "undefined" {
		port = "0"
	}
	if strings.Contains(port, ":") {
		return port, cb
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		panic(r.vm.NewTypeError("invalid port %q", port))
	}
	return net.JoinHostPort(host, port), cb
}

type serverExtras struct {
	compression bool
	logging     bool
}

// decodeServerConfig maps a script config object onto the runtime's
// server defaults. Durations are milliseconds.
func (r *Runtime) decodeServerConfig(m map[string]any) (httpserver.Config, serverExtras, error) {
	cfg := r.serverCfg
	var extras serverExtras
	var unknown []string
	for k := range m {
		if !slices.Contains(serverConfigKeys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return cfg, extras, fmt.Errorf("unknown server config keys: %s (allowed: %s)",
			strings.Join(unknown, ", "), strings.Join(serverConfigKeys, ", "))
	}
	for k, v := range m {
		if v == nil {
			continue
		}
		val := r.vm.ToValue(v)
		switch k {
		case "readTimeout":
			cfg.ReadTimeout = millis(val)
		case "writeTimeout":
			cfg.WriteTimeout = millis(val)
		case "idleTimeout":
			cfg.IdleTimeout = millis(val)
		case "readHeaderTimeout":
			cfg.ReadHeaderTimeout = millis(val)
		case "shutdownTimeout":
			cfg.ShutdownTimeout = millis(val)
		case "maxBodySize", "maxBodyBytes":
			cfg.MaxBodyBytes = val.ToInteger()
		case "maxHeaderBytes":
			cfg.MaxHeaderBytes = int(val.ToInteger())
		case "maxConnections":
			cfg.MaxConnections = int(val.ToInteger())
		case "wsHighWater":
			cfg.WSHighWater = int(val.ToInteger())
		case "compression":
			extras.compression = val.ToBoolean()
		case "logging":
			extras.logging = val.ToBoolean()
		}
	}
	return cfg, extras, cfg.Validate()
}

func (r *Runtime) handler(fn goja.Callable) httpserver.Handler {
	return func(c *httpserver.Context) {
		v, err := fn(goja.Undefined(), r.requestObject(c), r.responseObject(c))
		if err != nil {
			c.Error(err)
			return
		}
		r.catchAsync(c, v)
	}
}

func (r *Runtime) middleware(fn goja.Callable) httpserver.Middleware {
	return func(c *httpserver.Context, next func()) {
		nextFn := r.vm.ToValue(func(goja.FunctionCall) goja.Value {
			next()
			return goja.Undefined()
		})
		v, err := fn(goja.Undefined(), r.requestObject(c), r.responseObject(c), nextFn)
		if err != nil {
			c.Error(err)
			return
		}
		r.catchAsync(c, v)
	}
}

// catchAsync turns a rejected promise returned by a handler into a 500.
func (r *Runtime) catchAsync(c *httpserver.Context, v goja.Value) {
	obj, ok := v.(*goja.Object)
	if !ok {
		return
	}
	then, ok := goja.AssertFunction(obj.Get("then"))
	if !ok {
		return
	}
	onReject := r.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		c.Error(valueError(call.Argument(0)))
		return goja.Undefined()
	})
	if _, err := then(obj, goja.Undefined(), onReject); err != nil {
		c.Error(err)
	}
}

const (
	requestKey  = "gojaruntime.request"
	responseKey = "gojaruntime.response"
)

func (r *Runtime) requestObject(c *httpserver.Context) *goja.Object {
	if v, ok := c.Get(requestKey); ok {
		return v.(*goja.Object)
	}
	req := c.Request
	obj := r.vm.NewObject()
	_ = obj.Set("method", req.Method)
	_ = obj.Set("url", req.URL.String())
	_ = obj.Set("path", req.Path)
	_ = obj.Set("ip", req.IP())
	_ = obj.Set("userAgent", req.UserAgent())
	_ = obj.Set("body", string(req.Body))

	query := r.vm.NewObject()
	for k, vs := range req.Query {
		if len(vs) > 0 {
			_ = query.Set(k, vs[0])
		}
	}
	_ = obj.Set("query", query)

	headers := r.vm.NewObject()
	for k, vs := range req.Header {
		_ = headers.Set(strings.ToLower(k), strings.Join(vs, ", "))
	}
	_ = obj.Set("headers", headers)

	params := r.vm.NewObject()
	for k, v := range req.Params {
		_ = params.Set(k, v)
	}
	_ = obj.Set("params", params)

	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(req.Header.Get(call.Argument(0).String()))
	})
	_ = obj.Set("json", func(goja.FunctionCall) goja.Value {
		return r.fromJSON(string(req.Body))
	})
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") && len(req.Body) > 0 {
		if v, err := r.parse(goja.Undefined(), r.vm.ToValue(string(req.Body))); err == nil {
			_ = obj.Set("body", v)
		}
	}

	c.Set(requestKey, obj)
	return obj
}

func (r *Runtime) responseObject(c *httpserver.Context) *goja.Object {
	if v, ok := c.Get(responseKey); ok {
		return v.(*goja.Object)
	}
	res := c.Response
	obj := r.vm.NewObject()
	_ = obj.Set("status", func(call goja.FunctionCall) goja.Value {
		res.Status(int(call.Argument(0).ToInteger()))
		return obj
	})
	_ = obj.Set("header", func(call goja.FunctionCall) goja.Value {
		res.Header(call.Argument(0).String(), call.Argument(1).String())
		return obj
	})
	_ = obj.Set("send", func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0)
		if data, binary := bytesOf(v); binary || isNullish(v) {
			return r.vm.ToValue(res.Send(data))
		}
		if _, ok := v.(*goja.Object); ok {
			return r.vm.ToValue(r.sendJSON(res, v))
		}
		return r.vm.ToValue(res.Send(v.String()))
	})
	_ = obj.Set("json", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(r.sendJSON(res, call.Argument(0)))
	})
	_ = obj.Set("html", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(res.HTML(call.Argument(0).String()))
	})
	_ = obj.Set("sendFile", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(res.SendFile(r.resolvePath(call.Argument(0).String())))
	})
	_ = obj.Set("download", func(call goja.FunctionCall) goja.Value {
		var name string
		if v := call.Argument(1); !isNullish(v) {
			name = v.String()
		}
		return r.vm.ToValue(res.Download(r.resolvePath(call.Argument(0).String()), name))
	})
	_ = obj.Set("redirect", func(call goja.FunctionCall) goja.Value {
		var code []int
		if v := call.Argument(1); !isNullish(v) {
			code = append(code, int(v.ToInteger()))
		}
		return r.vm.ToValue(res.Redirect(call.Argument(0).String(), code...))
	})
	_ = obj.Set("committed", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(res.Committed())
	})

	c.Set(responseKey, obj)
	return obj
}

func (r *Runtime) sendJSON(res *httpserver.Response, v goja.Value) bool {
	body := r.toJSON(v)
	if res.Headers().Get("Content-Type") == "" {
		res.Header("Content-Type", "application/json")
	}
	return res.Send(body)
}

// wsObject wraps a WebSocket connection from either side.
func (r *Runtime) wsObject(c *httpserver.WSConn) *goja.Object {
	key := r.track(c.Destroy)
	c.On("close", func(any) { r.untrack(key) })

	obj := r.vm.NewObject()
	_ = obj.Set("id", c.ID())
	_ = obj.Set("path", c.Path)
	_ = obj.Set("remoteAddress", c.RemoteAddr)
	params := r.vm.NewObject()
	for k, v := range c.Params {
		_ = params.Set(k, v)
	}
	_ = obj.Set("params", params)

	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "message":
			c.On(event, func(p any) {
				m := p.(httpserver.WSMessage)
				if m.Binary {
					r.call("websocket message", fn, r.arrayBuffer(m.Data))
					return
				}
				r.call("websocket message", fn, r.vm.ToValue(m.Text()))
			})
		case "close":
			c.On(event, func(p any) {
				ev := p.(httpserver.WSCloseEvent)
				r.call("websocket close", fn, r.vm.ToValue(ev.Code), r.vm.ToValue(ev.Reason))
			})
		case "error":
			c.On(event, func(p any) {
				r.call("websocket error", fn, r.errorValue(p))
			})
		case "drain":
			c.On(event, func(any) {
				r.call("websocket drain", fn)
			})
		default:
			panic(r.vm.NewTypeError("unknown websocket event %q", event))
		}
		return obj
	})
	// sends report false when the message was queued past the high-water
	// mark or dropped; wait for drain before sending more
	_ = obj.Set("send", func(call goja.FunctionCall) goja.Value {
		data, binary := bytesOf(call.Argument(0))
		if binary {
			return r.vm.ToValue(c.SendBinary(data) == reactor.WriteOK)
		}
		return r.vm.ToValue(c.Send(string(data)) == reactor.WriteOK)
	})
	_ = obj.Set("sendBinary", func(call goja.FunctionCall) goja.Value {
		data, _ := bytesOf(call.Argument(0))
		return r.vm.ToValue(c.SendBinary(data) == reactor.WriteOK)
	})
	_ = obj.Set("sendJSON", func(call goja.FunctionCall) goja.Value {
		return r.vm.ToValue(c.Send(r.toJSON(call.Argument(0))) == reactor.WriteOK)
	})
	_ = obj.Set("close", func(call goja.FunctionCall) goja.Value {
		var reason string
		if v := call.Argument(1); !isNullish(v) {
			reason = v.String()
		}
		c.Close(int(call.Argument(0).ToInteger()), reason)
		return goja.Undefined()
	})
	_ = obj.Set("isClosed", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(c.State() == reactor.StateClosed)
	})
	return obj
}
