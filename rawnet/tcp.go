package rawnet

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

// maxAcceptDelay caps the backoff after temporary accept errors.
const maxAcceptDelay = time.Second

// TCPServer accepts TCP connections onto the loop.
//
// Events: "listening" (Addr), "connection" (*reactor.Conn), "error" (error)
// and "close" (nil). Closing the server stops accepting; connections
// already accepted stay open.
type TCPServer struct {
	loop       *eventloop.Loop
	reg        *registry.Registry
	events     *eventloop.EventTarget
	logger     *logiface.Logger[logiface.Event]
	ln         net.Listener
	release    func()
	opts       *options
	addr       Addr
	mu         sync.Mutex
	listenerID atomic.Uint64
	bound      bool
	closed     bool
}

// NewTCPServer creates a server. reg may be nil.
func NewTCPServer(loop *eventloop.Loop, reg *registry.Registry, opts ...Option) *TCPServer {
	o := resolveOptions("tcp", opts)
	if reg == nil {
		reg = registry.New(o.logger)
	}
	s := &TCPServer{
		loop:   loop,
		reg:    reg,
		opts:   o,
		logger: o.logger,
		events: eventloop.NewEventTarget(),
	}
	s.events.OnPanic = func(kind string, err eventloop.PanicError) {
		s.logger.Err().Str("event", kind).Any("panic", err.Value).Log("rawnet: listener panicked")
	}
	return s
}

// Listen binds addr, e.g. ":8080". The promise resolves to the bound Addr
// or rejects with an *OpError.
func (s *TCPServer) Listen(addr string) *eventloop.Promise {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return s.loop.Rejected(ErrClosed)
	case s.bound:
		s.mu.Unlock()
		return s.loop.Rejected(ErrAlreadyBound)
	}
	s.bound = true
	s.mu.Unlock()

	// registry changes happen on the loop, ordered with the events and
	// promise settlements they belong to
	s.loop.RunOnLoop(func() {
		s.listenerID.Store(s.reg.AddListener(registry.KindTCP, addr, s))
	})

	return s.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, s.opts.network, addr)
		if err != nil {
			s.loop.RunOnLoop(func() {
				s.dropListener()
				s.mu.Lock()
				s.bound = false
				s.mu.Unlock()
			})
			s.logger.Warning().Str("addr", addr).Err(err).Log("rawnet: listen failed")
			return nil, &OpError{Op: "listen", Addr: addr, Err: err}
		}

		bound := AddrOf(ln.Addr())
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = ln.Close()
			return nil, ErrClosed
		}
		s.ln = ln
		s.addr = bound
		s.release = s.loop.Hold()
		s.mu.Unlock()

		// ahead of the settlement, and of every accepted connection
		if err := s.loop.SubmitInternal(func() {
			if s.isClosed() {
				return
			}
			id := s.listenerID.Load()
			_ = s.reg.SetListenerAddr(id, bound.String())
			_ = s.reg.SetListenerState(id, registry.Listening)
			s.logger.Info().Uint64("listener", id).Str("addr", bound.String()).Log("rawnet: listening")
			s.events.Emit("listening", bound)
		}); err != nil {
			s.Close()
			return nil, err
		}
		go s.acceptLoop(ln)
		return bound, nil
	})
}

func (s *TCPServer) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay = min(delay*2, maxAcceptDelay)
				}
				s.logger.Warning().Err(err).Dur("retry", delay).Log("rawnet: accept error")
				time.Sleep(delay)
				continue
			}
			s.logger.Err().Err(err).Log("rawnet: accept failed")
			if s.loop.Submit(func() { s.events.Emit("error", err) }) == nil {
				s.Close()
			}
			return
		}
		delay = 0
		if s.loop.Submit(func() { s.accept(nc) }) != nil {
			_ = nc.Close()
			return
		}
	}
}

// accept runs on the loop.
func (s *TCPServer) accept(nc net.Conn) {
	if s.isClosed() {
		_ = nc.Close()
		return
	}
	c := reactor.NewConn(s.loop, nc, s.opts.conn)
	id, err := s.reg.AddConn(s.listenerID.Load(), registry.KindTCP, nc.RemoteAddr().String(), c)
	if err != nil {
		_ = nc.Close()
		return
	}
	c.SetID(id)
	c.OnClose(func(c *reactor.Conn) { s.reg.RemoveConn(c.ID()) })
	s.logger.Debug().Uint64("conn", id).Str("remote", nc.RemoteAddr().String()).Log("rawnet: accepted")

	if err := c.Start(); err != nil {
		return
	}
	// data is delivered as later tasks, so listeners attached here see all of it
	s.events.Emit("connection", c)
}

// Close stops accepting. It is idempotent; the close event is delivered on
// the loop.
func (s *TCPServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln, release := s.ln, s.release
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if err := s.loop.Submit(func() {
		s.dropListener()
		s.events.Emit("close", nil)
		if release != nil {
			release()
		}
	}); err != nil {
		s.dropListener()
		if release != nil {
			release()
		}
	}
}

// dropListener retires the registry entry. Loop goroutine.
func (s *TCPServer) dropListener() {
	if id := s.listenerID.Swap(0); id != 0 {
		_ = s.reg.SetListenerState(id, registry.Closed)
		s.reg.RemoveListener(id)
	}
}

func (s *TCPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Addr returns the bound address, the zero Addr before Listen resolves.
func (s *TCPServer) Addr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenerID is the registry id, zero before Listen and after Close.
func (s *TCPServer) ListenerID() uint64 { return s.listenerID.Load() }

func (s *TCPServer) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return s.events.On(kind, fn)
}

func (s *TCPServer) Off(id eventloop.ListenerID) bool { return s.events.Off(id) }

// DialTCP connects to addr. The promise resolves, on the loop, to a
// registered and started *reactor.Conn, or rejects with an *OpError.
// Reactions to the returned promise run before the first data event.
func DialTCP(ctx context.Context, loop *eventloop.Loop, reg *registry.Registry, addr string, opts ...Option) *eventloop.Promise {
	o := resolveOptions("tcp", opts)
	dialed := loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, o.network, addr)
		if err != nil {
			o.logger.Debug().Str("addr", addr).Err(err).Log("rawnet: dial failed")
			return nil, &OpError{Op: "dial", Addr: addr, Err: err}
		}
		return nc, nil
	})
	return dialed.Then(func(v any) any {
		nc := v.(net.Conn)
		c := reactor.NewConn(loop, nc, o.conn)
		if reg != nil {
			id, err := reg.AddConn(0, registry.KindTCP, nc.RemoteAddr().String(), c)
			if err != nil {
				_ = nc.Close()
				return loop.Rejected(err)
			}
			c.SetID(id)
			c.OnClose(func(c *reactor.Conn) { reg.RemoveConn(c.ID()) })
		}
		if o.setup != nil {
			o.setup(c)
		}
		if err := c.Start(); err != nil {
			return loop.Rejected(err)
		}
		return c
	}, nil)
}
