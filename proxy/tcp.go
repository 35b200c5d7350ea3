package proxy

import (
	"context"
	"fmt"
	"net"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/rawnet"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

// TCPProxy pipes accepted connections to a fixed target address.
//
// Each side closing gracefully ends the other once its buffered writes are
// flushed. Half-closed connections are not kept open.
type TCPProxy struct {
	loop   *eventloop.Loop
	reg    *registry.Registry
	server *rawnet.TCPServer
	events *eventloop.EventTarget
	logger *logiface.Logger[logiface.Event]
	done   *eventloop.Promise
	opts   *options
	target string

	// loop goroutine only
	sessions map[*session]struct{}
	closed   bool
}

type session struct {
	client  *reactor.Conn
	target  *reactor.Conn
	pending [][]byte
	ended   bool
}

// NewTCP creates a proxy to target, a host:port. reg may be nil.
func NewTCP(loop *eventloop.Loop, reg *registry.Registry, target string, opts ...Option) (*TCPProxy, error) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	o := resolveOptions(opts)
	if reg == nil {
		reg = registry.New(o.logger)
	}
	p := &TCPProxy{
		loop:     loop,
		reg:      reg,
		opts:     o,
		logger:   o.logger,
		target:   target,
		events:   eventloop.NewEventTarget(),
		server:   rawnet.NewTCPServer(loop, reg, rawnet.WithLogger(o.logger)),
		sessions: make(map[*session]struct{}),
	}
	p.events.OnPanic = func(kind string, err eventloop.PanicError) {
		p.logger.Err().Str("event", kind).Any("panic", err.Value).Log("proxy: listener panicked")
	}
	done, resolve, _ := loop.NewPromise()
	p.done = done
	p.server.On("connection", func(v any) { p.accept(v.(*reactor.Conn)) })
	p.server.On("error", func(v any) { p.fail("", v) })
	p.server.On("close", func(any) {
		p.events.Emit("close", nil)
		resolve(nil)
	})
	return p, nil
}

// Listen binds addr. The promise resolves to the bound rawnet.Addr.
func (p *TCPProxy) Listen(addr string) *eventloop.Promise {
	return p.server.Listen(addr)
}

// Close stops accepting and destroys every proxied connection. The promise
// resolves once the close event has been delivered.
func (p *TCPProxy) Close() *eventloop.Promise {
	p.loop.RunOnLoop(func() {
		if p.closed {
			return
		}
		p.closed = true
		for s := range p.sessions {
			s.client.Destroy(nil)
			if s.target != nil {
				s.target.Destroy(nil)
			}
		}
	})
	p.server.Close()
	return p.done
}

// Addr is the bound address, the zero Addr before Listen resolves.
func (p *TCPProxy) Addr() rawnet.Addr { return p.server.Addr() }

// Target is the upstream address.
func (p *TCPProxy) Target() string { return p.target }

func (p *TCPProxy) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return p.events.On(kind, fn)
}

func (p *TCPProxy) Off(id eventloop.ListenerID) bool { return p.events.Off(id) }

// accept runs on the loop. The client is paused until the target is
// connected; anything it sent meanwhile is replayed in order.
func (p *TCPProxy) accept(client *reactor.Conn) {
	if p.closed {
		client.Destroy(nil)
		return
	}
	s := &session{client: client}
	p.sessions[s] = struct{}{}
	client.Pause()
	p.events.Emit("connection", ConnectionInfo{
		RemoteAddr: client.RemoteAddr().String(),
		Target:     p.target,
	})

	client.On("data", func(v any) {
		b := v.([]byte)
		p.events.Emit("data", DataInfo{Direction: ClientToTarget, Bytes: len(b)})
		if s.target == nil {
			s.pending = append(s.pending, b)
			return
		}
		pipe(client, s.target, b)
	})
	client.On("error", func(v any) { p.fail(ClientToTarget, v) })
	client.On("close", func(any) {
		delete(p.sessions, s)
		s.ended = true
		if s.target != nil {
			s.target.End()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.dialTimeout)
	dialed := rawnet.DialTCP(ctx, p.loop, p.reg, p.target, rawnet.WithLogger(p.logger))
	dialed.Finally(cancel)
	dialed.Then(func(v any) any {
		p.connected(s, v.(*reactor.Conn))
		return nil
	}, func(reason any) any {
		p.fail(ClientToTarget, reason)
		client.Destroy(nil)
		return nil
	})
}

func (p *TCPProxy) connected(s *session, target *reactor.Conn) {
	if p.closed {
		target.Destroy(nil)
		return
	}
	s.target = target
	client := s.client

	target.On("data", func(v any) {
		b := v.([]byte)
		p.events.Emit("data", DataInfo{Direction: TargetToClient, Bytes: len(b)})
		pipe(target, client, b)
	})
	target.On("error", func(v any) { p.fail(TargetToClient, v) })
	target.On("close", func(any) { client.End() })
	target.On("drain", func(any) { client.Resume() })
	client.On("drain", func(any) { target.Resume() })

	queued := false
	for _, b := range s.pending {
		queued = target.Write(b) == reactor.WriteQueued
	}
	s.pending = nil
	if s.ended {
		target.End()
		return
	}
	if !queued {
		client.Resume()
	}
	p.logger.Debug().
		Str("remote", client.RemoteAddr().String()).
		Str("target", p.target).
		Log("proxy: tcp connected")
}

// pipe forwards b, pausing src while dst is over its high water mark. The
// drain listener on dst resumes it.
func pipe(src, dst *reactor.Conn, b []byte) {
	if dst.Write(b) == reactor.WriteQueued {
		src.Pause()
	}
}

func (p *TCPProxy) fail(direction string, reason any) {
	err := reasonError(reason)
	p.logger.Debug().Str("direction", direction).Err(err).Log("proxy: tcp error")
	p.events.Emit("error", ErrorInfo{Err: err, Direction: direction})
}
