package gojaruntime

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/rawnet"
	"github.com/joeycumines/go-swruntime/reactor"
)

// DefaultConnectTimeout bounds connectTCP unless the script sets a timeout.
const DefaultConnectTimeout = 10 * time.Second

// netModule is require("net"). The exports are also reachable as
// require("net").net, and the proxy module as require("net").proxy.
func (r *Runtime) netModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("createTCPServer", r.createTCPServer)
	_ = exports.Set("connectTCP", r.connectTCP)
	_ = exports.Set("createUDPSocket", r.createUDPSocket)
	_ = exports.Set("net", exports)
	proxies := vm.NewObject()
	r.setProxyExports(proxies)
	_ = exports.Set("proxy", proxies)
}

func (r *Runtime) createTCPServer(goja.FunctionCall) goja.Value {
	s := rawnet.NewTCPServer(r.loop, r.reg, rawnet.WithLogger(r.logger))
	key := r.track(s.Close)
	s.On("close", func(any) { r.untrack(key) })
	// every accepted socket is tracked, listened to or not
	s.On("connection", func(p any) { r.socketFor(p.(*reactor.Conn)) })

	obj := r.vm.NewObject()
	_ = obj.Set("listen", func(call goja.FunctionCall) goja.Value {
		addr, cb := r.listenArgs(call.Arguments)
		return r.promise(s.Listen(addr), func(v any) (goja.Value, error) {
			a := r.addrObject(v.(rawnet.Addr))
			if cb != nil {
				r.call("listen callback", cb, a)
			}
			return a, nil
		})
	})
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "connection":
			s.On(event, func(p any) {
				r.call("tcp connection", fn, r.socketFor(p.(*reactor.Conn)))
			})
		case "listening":
			s.On(event, func(p any) {
				r.call("tcp listening", fn, r.addrObject(p.(rawnet.Addr)))
			})
		case "error":
			s.On(event, func(p any) { r.call("tcp server error", fn, r.errorValue(p)) })
		case "close":
			s.On(event, func(any) { r.call("tcp server close", fn) })
		default:
			panic(r.vm.NewTypeError("unknown server event %q", event))
		}
		return obj
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		s.Close()
		return goja.Undefined()
	})
	_ = obj.Set("address", func(goja.FunctionCall) goja.Value {
		if a := s.Addr(); a.Port != 0 {
			return r.addrObject(a)
		}
		return goja.Null()
	})
	return obj
}

// connectTCP accepts (host, port[, options]) or (address[, options]).
func (r *Runtime) connectTCP(call goja.FunctionCall) goja.Value {
	var addr string
	optsArg := call.Argument(1)
	if port := call.Argument(1); !isNullish(port) && !isObject(port) {
		addr = net.JoinHostPort(call.Argument(0).String(), port.String())
		optsArg = call.Argument(2)
	} else {
		addr = call.Argument(0).String()
	}

	timeout := DefaultConnectTimeout
	if opts := r.optionsMap(optsArg, "connect options"); opts != nil {
		if v, ok := opts["timeout"]; ok {
			timeout = millis(r.vm.ToValue(v))
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	p := rawnet.DialTCP(ctx, r.loop, r.reg, addr, rawnet.WithLogger(r.logger))
	p.Finally(cancel)
	return r.promise(p, func(v any) (goja.Value, error) {
		return r.socketFor(v.(*reactor.Conn)), nil
	})
}

func isObject(v goja.Value) bool {
	_, ok := v.(*goja.Object)
	return ok
}

// socketFor returns the script object of c, creating it on first use.
func (r *Runtime) socketFor(c *reactor.Conn) *goja.Object {
	if obj, ok := r.sockets[c]; ok {
		return obj
	}
	obj := r.vm.NewObject()
	r.sockets[c] = obj
	key := r.track(func() { c.Destroy(nil) })
	c.On("close", func(any) {
		delete(r.sockets, c)
		r.untrack(key)
	})

	_ = obj.Set("id", c.ID())
	remote := rawnet.AddrOf(c.RemoteAddr())
	local := rawnet.AddrOf(c.LocalAddr())
	_ = obj.Set("remoteAddress", remote.Address)
	_ = obj.Set("remotePort", remote.Port)
	_ = obj.Set("remoteFamily", remote.Family)
	_ = obj.Set("localAddress", local.Address)
	_ = obj.Set("localPort", local.Port)

	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "data":
			c.On(event, func(p any) {
				r.call("socket data", fn, r.vm.ToValue(string(p.([]byte))))
			})
		case "end", "drain":
			c.On(event, func(any) { r.call("socket "+event, fn) })
		case "timeout", "error":
			c.On(event, func(p any) { r.call("socket "+event, fn, r.errorValue(p)) })
		case "close":
			c.On(event, func(p any) {
				hadError, _ := p.(bool)
				r.call("socket close", fn, r.vm.ToValue(hadError))
			})
		default:
			panic(r.vm.NewTypeError("unknown socket event %q", event))
		}
		return obj
	})
	_ = obj.Set("write", func(call goja.FunctionCall) goja.Value {
		data, _ := bytesOf(call.Argument(0))
		return r.vm.ToValue(c.Write(data) == reactor.WriteOK)
	})
	end := func(call goja.FunctionCall) goja.Value {
		if v := call.Argument(0); !isNullish(v) {
			data, _ := bytesOf(v)
			c.Write(data)
		}
		c.End()
		return goja.Undefined()
	}
	_ = obj.Set("end", end)
	_ = obj.Set("close", end)
	_ = obj.Set("destroy", func(goja.FunctionCall) goja.Value {
		c.Destroy(nil)
		return goja.Undefined()
	})
	_ = obj.Set("setTimeout", func(call goja.FunctionCall) goja.Value {
		c.SetIdleTimeout(millis(call.Argument(0)))
		if fn := r.optionalFunc(call.Argument(1), "timeout listener"); fn != nil {
			c.Events().Once("timeout", func(p any) { r.call("socket timeout", fn, r.errorValue(p)) })
		}
		return obj
	})
	_ = obj.Set("pause", func(goja.FunctionCall) goja.Value {
		c.Pause()
		return obj
	})
	_ = obj.Set("resume", func(goja.FunctionCall) goja.Value {
		c.Resume()
		return obj
	})
	_ = obj.Set("bufferSize", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(c.Buffered())
	})
	_ = obj.Set("isClosed", func(goja.FunctionCall) goja.Value {
		return r.vm.ToValue(c.State() == reactor.StateClosed)
	})
	return obj
}

// createUDPSocket accepts "udp4" (the default) or "udp6".
func (r *Runtime) createUDPSocket(call goja.FunctionCall) goja.Value {
	network := "udp4"
	if v := call.Argument(0); !isNullish(v) {
		network = v.String()
	}
	if network != "udp4" && network != "udp6" {
		panic(r.vm.NewTypeError("unsupported socket type %q", network))
	}
	u := rawnet.NewUDPSocket(r.loop, r.reg, rawnet.WithLogger(r.logger), rawnet.WithNetwork(network))
	key := r.track(u.Close)
	u.On("close", func(any) { r.untrack(key) })

	obj := r.vm.NewObject()
	_ = obj.Set("bind", func(call goja.FunctionCall) goja.Value {
		host := "0.0.0.0"
		if network == "udp6" {
			host = "::"
		}
		var (
			port = "0"
			cb   goja.Callable
		)
		for i, v := range call.Arguments {
			if fn, ok := goja.AssertFunction(v); ok {
				cb = fn
				break
			}
			switch {
			case i == 0 && !isNullish(v):
				port = v.String()
			case i == 1 && !isNullish(v):
				host = v.String()
			}
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			panic(r.vm.NewTypeError("invalid port %q", port))
		}
		return r.promise(u.Bind(net.JoinHostPort(host, port)), func(v any) (goja.Value, error) {
			a := r.addrObject(v.(rawnet.Addr))
			if cb != nil {
				r.call("bind callback", cb, a)
			}
			return a, nil
		})
	})
	_ = obj.Set("send", func(call goja.FunctionCall) goja.Value {
		data, _ := bytesOf(call.Argument(0))
		port := int(call.Argument(1).ToInteger())
		host := "127.0.0.1"
		if v := call.Argument(2); !isNullish(v) {
			host = v.String()
		}
		return r.promise(u.Send(data, host, port), nil)
	})
	_ = obj.Set("on", func(call goja.FunctionCall) goja.Value {
		event := call.Argument(0).String()
		fn := r.needFunc(call.Argument(1), event+" listener")
		switch event {
		case "message":
			u.On(event, func(p any) {
				m := p.(rawnet.Message)
				info := r.vm.NewObject()
				_ = info.Set("address", m.Address)
				_ = info.Set("family", m.Family)
				_ = info.Set("port", m.Port)
				_ = info.Set("size", len(m.Data))
				r.call("udp message", fn, r.vm.ToValue(string(m.Data)), info)
			})
		case "listening":
			u.On(event, func(p any) { r.call("udp listening", fn, r.addrObject(p.(rawnet.Addr))) })
		case "error":
			u.On(event, func(p any) { r.call("udp error", fn, r.errorValue(p)) })
		case "close":
			u.On(event, func(any) { r.call("udp close", fn) })
		default:
			panic(r.vm.NewTypeError("unknown socket event %q", event))
		}
		return obj
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		u.Close()
		return goja.Undefined()
	})
	_ = obj.Set("address", func(goja.FunctionCall) goja.Value {
		if a := u.Address(); a.Port != 0 {
			return r.addrObject(a)
		}
		return goja.Null()
	})
	return obj
}
