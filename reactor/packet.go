package reactor

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/logiface"
)

// maxDatagram is the largest UDP payload.
const maxDatagram = 64 << 10

// Datagram is the payload of a message event.
type Datagram struct {
	Addr net.Addr
	Data []byte
}

// PacketConn is a datagram handle. Each received datagram is one message
// event, delivered in arrival order.
type PacketConn struct {
	loop      *eventloop.Loop
	pc        net.PacketConn
	events    *eventloop.EventTarget
	logger    *logiface.Logger[logiface.Event]
	release   func()
	credit    chan struct{}
	stopRead  chan struct{}
	onClose   []func(*PacketConn)
	stopOnce  sync.Once
	closeOnce sync.Once
	id        atomic.Uint64
	state     atomic.Int32
}

// NewPacketConn wraps pc. No I/O happens until Start.
func NewPacketConn(loop *eventloop.Loop, pc net.PacketConn, logger *logiface.Logger[logiface.Event]) *PacketConn {
	p := &PacketConn{
		loop:     loop,
		pc:       pc,
		logger:   logger,
		events:   eventloop.NewEventTarget(),
		credit:   make(chan struct{}, 1),
		stopRead: make(chan struct{}),
	}
	p.events.OnPanic = func(kind string, err eventloop.PanicError) {
		p.logger.Err().Str("event", kind).Any("panic", err.Value).Log("reactor: listener panicked")
	}
	return p
}

// Start begins receiving and holds the loop until Close.
func (p *PacketConn) Start() error {
	if !p.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrClosed
	}
	p.release = p.loop.Hold()
	go p.readLoop()
	return nil
}

func (p *PacketConn) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := p.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.stopRead:
				return
			default:
			}
			if p.loop.Submit(func() { p.fail(err) }) != nil {
				p.Close()
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dg := Datagram{Addr: addr, Data: data}
		if p.loop.Submit(func() { p.deliver(dg) }) != nil {
			p.Close()
			return
		}
		select {
		case <-p.credit:
		case <-p.stopRead:
			return
		}
	}
}

func (p *PacketConn) deliver(dg Datagram) {
	if p.State() == StateClosed {
		return
	}
	p.events.Emit("message", dg)
	select {
	case p.credit <- struct{}{}:
	default:
	}
}

func (p *PacketConn) fail(err error) {
	if p.State() == StateClosed {
		return
	}
	p.closeWith(err)
}

// Send writes one datagram to addr. UDP writes complete without waiting on
// the peer, so this is safe to call on the loop goroutine.
func (p *PacketConn) Send(data []byte, addr net.Addr) error {
	if p.State() != StateOpen {
		return ErrClosed
	}
	if addr == nil {
		return errors.New("reactor: nil destination address")
	}
	_, err := p.pc.WriteTo(data, addr)
	return err
}

// Close closes the socket. The close event follows as its own task.
func (p *PacketConn) Close() {
	p.closeWith(nil)
}

func (p *PacketConn) closeWith(err error) {
	prev := State(p.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	p.stopOnce.Do(func() { close(p.stopRead) })
	_ = p.pc.Close()
	if prev == StateConnecting {
		p.finish(err)
		return
	}
	if p.loop.Submit(func() { p.finish(err) }) != nil {
		p.finish(err)
	}
}

func (p *PacketConn) finish(err error) {
	p.closeOnce.Do(func() {
		if err != nil {
			p.events.Emit("error", err)
		}
		p.events.Emit("close", err != nil)
		for _, fn := range p.onClose {
			fn(p)
		}
		if p.release != nil {
			p.release()
		}
	})
}

// OnClose registers a hook run after the close event. Before Start only.
func (p *PacketConn) OnClose(fn func(*PacketConn)) {
	p.onClose = append(p.onClose, fn)
}

func (p *PacketConn) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return p.events.On(kind, fn)
}

func (p *PacketConn) Off(id eventloop.ListenerID) bool { return p.events.Off(id) }

func (p *PacketConn) State() State { return State(p.state.Load()) }

func (p *PacketConn) ID() uint64 { return p.id.Load() }

func (p *PacketConn) SetID(id uint64) { p.id.Store(id) }

func (p *PacketConn) LocalAddr() net.Addr { return p.pc.LocalAddr() }
