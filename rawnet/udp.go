package rawnet

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

// Message is the payload of a UDP message event.
type Message struct {
	Data    []byte
	Address string
	Family  string
	Port    int
}

// UDPSocket is a datagram socket. Events: "listening" (Addr), "message"
// (Message), "error" (error) and "close" (nil).
//
// A socket that was never bound can still send; each datagram then goes out
// from an ephemeral port that is closed straight after.
type UDPSocket struct {
	loop       *eventloop.Loop
	reg        *registry.Registry
	events     *eventloop.EventTarget
	logger     *logiface.Logger[logiface.Event]
	pc         *reactor.PacketConn
	network    string
	mu         sync.Mutex
	listenerID uint64
	bound      bool
	closed     bool
}

// NewUDPSocket creates an unbound socket. The network defaults to "udp4";
// WithNetwork("udp6") selects IPv6. reg may be nil.
func NewUDPSocket(loop *eventloop.Loop, reg *registry.Registry, opts ...Option) *UDPSocket {
	o := resolveOptions("udp4", opts)
	if reg == nil {
		reg = registry.New(o.logger)
	}
	u := &UDPSocket{
		loop:    loop,
		reg:     reg,
		network: o.network,
		logger:  o.logger,
		events:  eventloop.NewEventTarget(),
	}
	u.events.OnPanic = func(kind string, err eventloop.PanicError) {
		u.logger.Err().Str("event", kind).Any("panic", err.Value).Log("rawnet: listener panicked")
	}
	return u
}

// Bind binds addr, e.g. "0.0.0.0:41234", and starts receiving. The promise
// resolves to the bound Addr.
func (u *UDPSocket) Bind(addr string) *eventloop.Promise {
	u.mu.Lock()
	switch {
	case u.closed:
		u.mu.Unlock()
		return u.loop.Rejected(ErrClosed)
	case u.bound:
		u.mu.Unlock()
		return u.loop.Rejected(ErrAlreadyBound)
	}
	u.bound = true
	u.mu.Unlock()

	return u.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		var lc net.ListenConfig
		pc, err := lc.ListenPacket(ctx, u.network, addr)
		if err != nil {
			u.mu.Lock()
			u.bound = false
			u.mu.Unlock()
			return nil, &OpError{Op: "bind", Addr: addr, Err: err}
		}
		bound := AddrOf(pc.LocalAddr())

		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			_ = pc.Close()
			return nil, ErrClosed
		}
		p := reactor.NewPacketConn(u.loop, pc, u.logger)
		u.pc = p
		u.mu.Unlock()

		p.On("message", func(payload any) {
			dg := payload.(reactor.Datagram)
			from := AddrOf(dg.Addr)
			u.events.Emit("message", Message{Data: dg.Data, Address: from.Address, Family: from.Family, Port: from.Port})
		})
		p.On("error", func(payload any) { u.events.Emit("error", payload) })
		p.On("close", func(any) {
			u.dropListener()
			u.events.Emit("close", nil)
		})

		// registered on the loop ahead of the settlement and the first
		// message; Close holds mu, so a socket closed first is never added
		if err := u.loop.SubmitInternal(func() {
			u.mu.Lock()
			if u.closed {
				u.mu.Unlock()
				return
			}
			id := u.reg.AddListener(registry.KindUDP, bound.String(), u)
			_ = u.reg.SetListenerState(id, registry.Listening)
			u.listenerID = id
			u.mu.Unlock()
			u.logger.Debug().Uint64("listener", id).Str("addr", bound.String()).Log("rawnet: udp bound")
			u.events.Emit("listening", bound)
		}); err != nil {
			p.Close()
			return nil, err
		}
		if err := p.Start(); err != nil {
			return nil, err
		}
		return bound, nil
	})
}

// Send sends one datagram to host:port. The promise resolves to the number
// of bytes sent.
func (u *UDPSocket) Send(data []byte, host string, port int) *eventloop.Promise {
	u.mu.Lock()
	closed, pc := u.closed, u.pc
	u.mu.Unlock()
	if closed {
		return u.loop.Rejected(ErrClosed)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	target := net.JoinHostPort(host, strconv.Itoa(port))

	return u.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		raddr, err := net.ResolveUDPAddr(u.network, target)
		if err != nil {
			return nil, &OpError{Op: "send", Addr: target, Err: err}
		}
		if pc != nil {
			if err := pc.Send(buf, raddr); err != nil {
				return nil, &OpError{Op: "send", Addr: target, Err: err}
			}
			return len(buf), nil
		}
		conn, err := net.DialUDP(u.network, nil, raddr)
		if err != nil {
			return nil, &OpError{Op: "send", Addr: target, Err: err}
		}
		defer conn.Close()
		n, err := conn.Write(buf)
		if err != nil {
			return nil, &OpError{Op: "send", Addr: target, Err: err}
		}
		return n, nil
	})
}

// Close closes the socket. The close event is delivered on the loop.
func (u *UDPSocket) Close() {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return
	}
	u.closed = true
	pc := u.pc
	u.mu.Unlock()

	if pc != nil {
		pc.Close()
		return
	}
	_ = u.loop.Submit(func() { u.events.Emit("close", nil) })
}

// dropListener retires the registry entry.
func (u *UDPSocket) dropListener() {
	u.mu.Lock()
	id := u.listenerID
	u.listenerID = 0
	u.mu.Unlock()
	if id != 0 {
		_ = u.reg.SetListenerState(id, registry.Closed)
		u.reg.RemoveListener(id)
	}
}

// Address returns the bound address, the zero Addr if unbound.
func (u *UDPSocket) Address() Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.pc == nil {
		return Addr{}
	}
	return AddrOf(u.pc.LocalAddr())
}

// ListenerID is the registry id, zero while unbound or closed.
func (u *UDPSocket) ListenerID() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listenerID
}

func (u *UDPSocket) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return u.events.On(kind, fn)
}

func (u *UDPSocket) Off(id eventloop.ListenerID) bool { return u.events.Off(id) }
