package reactor

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/logiface"
)

// DefaultReadBufferSize bounds a single read, and so a single data event.
const DefaultReadBufferSize = 32 << 10

// Options configures a handle. Zero durations disable the matching deadline.
type Options struct {
	Logger         *logiface.Logger[logiface.Event]
	ReadBufferSize int
	WriteHighWater int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.WriteHighWater <= 0 {
		o.WriteHighWater = DefaultWriteHighWater
	}
	return o
}

// Conn is a stream handle: a net.Conn whose reads arrive as loop events
// and whose writes are buffered without ever blocking the caller.
type Conn struct {
	loop    *eventloop.Loop
	nc      net.Conn
	events  *eventloop.EventTarget
	outbox  *Outbox
	release func()
	// credit allows the reader to issue its next read; one data event is
	// in flight at a time, so per-handle ordering holds
	credit   chan struct{}
	stopRead chan struct{}
	logger   *logiface.Logger[logiface.Event]
	onClose  []func(*Conn)
	opts     Options

	stopOnce  sync.Once
	closeOnce sync.Once
	idleTimer atomic.Uint64
	id        atomic.Uint64
	state     atomic.Int32

	// loop goroutine only
	paused     bool
	creditOwed bool
}

// NewConn wraps nc. The handle stays in StateConnecting, performing no I/O,
// until Start.
func NewConn(loop *eventloop.Loop, nc net.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		loop:     loop,
		nc:       nc,
		opts:     opts,
		logger:   opts.Logger,
		events:   eventloop.NewEventTarget(),
		credit:   make(chan struct{}, 1),
		stopRead: make(chan struct{}),
	}
	c.events.OnPanic = func(kind string, err eventloop.PanicError) {
		c.logger.Err().Str("event", kind).Any("panic", err.Value).Log("reactor: listener panicked")
	}
	return c
}

// Start opens the handle: the loop is held alive, and reading, writing and
// the idle timer begin.
func (c *Conn) Start() error {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return ErrClosed
	}
	c.release = c.loop.Hold()
	c.outbox = NewOutbox(OutboxConfig{
		HighWater: c.opts.WriteHighWater,
		Write:     c.writeMessage,
		OnDrain: func() {
			c.submit(func() {
				if c.State() != StateClosed {
					c.events.Emit("drain", nil)
				}
			})
		},
		OnError: func(err error) {
			c.submit(func() { c.fail(err) })
		},
		OnFlushed: func() {
			c.submit(func() { c.Destroy(nil) })
		},
	})
	if err := c.loop.Submit(c.armIdle); err != nil {
		c.Destroy(err)
		return err
	}
	go c.readLoop()
	return nil
}

func (c *Conn) submit(fn func()) {
	if err := c.loop.Submit(fn); err != nil {
		// loop gone, nobody is listening anymore
		c.Destroy(nil)
	}
}

func (c *Conn) readLoop() {
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if c.loop.Submit(func() { c.deliver(data) }) != nil {
				c.Destroy(nil)
				return
			}
			select {
			case <-c.credit:
			case <-c.stopRead:
				return
			}
		}
		if err != nil {
			select {
			case <-c.stopRead:
				return
			default:
			}
			c.submit(func() { c.readFailed(err) })
			return
		}
	}
}

func (c *Conn) deliver(data []byte) {
	if c.State() == StateClosed {
		return
	}
	c.touch()
	c.events.Emit("data", data)
	if c.paused {
		c.creditOwed = true
		return
	}
	c.grantCredit()
}

func (c *Conn) grantCredit() {
	select {
	case c.credit <- struct{}{}:
	default:
	}
}

func (c *Conn) readFailed(err error) {
	if c.State() == StateClosed {
		return
	}
	switch {
	case errors.Is(err, io.EOF):
		c.events.Emit("end", nil)
		c.End()
	case errors.Is(err, os.ErrDeadlineExceeded):
		c.events.Emit("timeout", err)
		c.Destroy(err)
	case errors.Is(err, net.ErrClosed) && c.State() == StateClosing:
		c.Destroy(nil)
	default:
		c.Destroy(err)
	}
}

func (c *Conn) fail(err error) {
	if c.State() == StateClosed {
		return
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		c.events.Emit("timeout", err)
	}
	c.Destroy(err)
}

func (c *Conn) writeMessage(m Message) error {
	if c.opts.WriteTimeout > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	_, err := c.nc.Write(m.Data)
	return err
}

// Write buffers p for sending. It never blocks. Writing to a handle that is
// closing or closed is a no-op reported as WriteClosed.
func (c *Conn) Write(p []byte) WriteStatus {
	if c.State() != StateOpen || c.outbox == nil {
		return WriteClosed
	}
	status := c.outbox.Push(p, 0)
	if status != WriteClosed && c.loop.IsLoopThread() {
		c.touch()
	}
	return status
}

// WriteString is Write for strings.
func (c *Conn) WriteString(s string) WriteStatus {
	return c.Write([]byte(s))
}

// End closes gracefully: buffered writes are flushed, then the socket closes.
func (c *Conn) End() {
	switch {
	case c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)):
		c.outbox.End()
	case c.State() == StateConnecting:
		c.Destroy(nil)
	}
}

// Destroy closes immediately, discarding buffered writes. A non-nil err is
// delivered as an error event before close.
func (c *Conn) Destroy(err error) {
	prev := State(c.state.Swap(int32(StateClosed)))
	if prev == StateClosed {
		return
	}
	c.stopOnce.Do(func() { close(c.stopRead) })
	if c.outbox != nil {
		c.outbox.Close()
	}
	_ = c.nc.Close()

	if prev == StateConnecting {
		c.finish(err)
		return
	}
	// error and close are always delivered as their own task
	if c.loop.Submit(func() { c.finish(err) }) != nil {
		c.finish(err)
	}
}

func (c *Conn) finish(err error) {
	c.closeOnce.Do(func() {
		if id := c.idleTimer.Swap(0); id != 0 {
			_ = c.loop.CancelTimer(eventloop.TimerID(id))
		}
		if err != nil {
			c.logger.Debug().Uint64("conn", c.ID()).Err(err).Log("reactor: connection failed")
			c.events.Emit("error", err)
		}
		c.events.Emit("close", err != nil)
		for _, fn := range c.onClose {
			fn(c)
		}
		if c.release != nil {
			c.release()
		}
	})
}

func (c *Conn) armIdle() {
	if c.opts.IdleTimeout <= 0 || c.State() == StateClosed {
		return
	}
	id, err := c.loop.ScheduleTimer(c.opts.IdleTimeout, 0, c.onIdle)
	if err == nil {
		c.idleTimer.Store(uint64(id))
	}
}

// touch pushes the idle deadline out after activity.
func (c *Conn) touch() {
	id := c.idleTimer.Load()
	if id == 0 {
		return
	}
	if err := c.loop.ResetTimer(eventloop.TimerID(id), c.opts.IdleTimeout); err != nil {
		c.idleTimer.Store(0)
		c.armIdle()
	}
}

func (c *Conn) onIdle() {
	c.idleTimer.Store(0)
	if c.State() == StateClosed {
		return
	}
	c.events.Emit("timeout", ErrIdleTimeout)
	c.Destroy(ErrIdleTimeout)
}

// SetIdleTimeout replaces the idle timeout. Zero disables it. Loop goroutine only.
func (c *Conn) SetIdleTimeout(d time.Duration) {
	if id := c.idleTimer.Swap(0); id != 0 {
		_ = c.loop.CancelTimer(eventloop.TimerID(id))
	}
	c.opts.IdleTimeout = d
	c.armIdle()
}

// Pause stops issuing reads after the current data event. Loop goroutine only.
func (c *Conn) Pause() { c.paused = true }

// Resume undoes Pause. Loop goroutine only.
func (c *Conn) Resume() {
	c.paused = false
	if c.creditOwed {
		c.creditOwed = false
		c.grantCredit()
	}
}

// OnClose registers a hook run on the loop after the close event. Hooks
// registered before Start only.
func (c *Conn) OnClose(fn func(*Conn)) {
	c.onClose = append(c.onClose, fn)
}

// On subscribes to a handle event, see the package documentation.
func (c *Conn) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return c.events.On(kind, fn)
}

// Off removes a listener.
func (c *Conn) Off(id eventloop.ListenerID) bool { return c.events.Off(id) }

// Events exposes the subscription table.
func (c *Conn) Events() *eventloop.EventTarget { return c.events }

func (c *Conn) State() State { return State(c.state.Load()) }

// ID is the registry id, zero if unregistered.
func (c *Conn) ID() uint64 { return c.id.Load() }

// SetID records the registry id.
func (c *Conn) SetID(id uint64) { c.id.Store(id) }

func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Buffered returns the number of bytes written but not yet sent.
func (c *Conn) Buffered() int {
	if c.outbox == nil {
		return 0
	}
	return c.outbox.Buffered()
}
