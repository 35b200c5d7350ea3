package reactor

import (
	"sync"

	"github.com/eapache/queue"
)

// DefaultWriteHighWater is the buffered byte count at which writes start
// reporting [WriteQueued].
const DefaultWriteHighWater = 1 << 20

// Message is one buffered write. Kind is opaque to the outbox and is passed
// through to the write function, e.g. to select a WebSocket frame type.
type Message struct {
	Data []byte
	Kind int
}

// OutboxConfig wires an [Outbox] to its transport. All callbacks run on the
// outbox's writer goroutine, never on the loop.
type OutboxConfig struct {
	// Write performs one blocking write. Required.
	Write func(Message) error
	// OnDrain is called when the buffer falls below the high-water mark
	// after a write reported WriteQueued.
	OnDrain func()
	// OnError is called once if Write fails. The outbox stops afterwards.
	OnError func(error)
	// OnFlushed is called once after End, when every message was written.
	OnFlushed func()
	// HighWater defaults to DefaultWriteHighWater.
	HighWater int
}

// Outbox is an unbounded FIFO of pending writes drained by a dedicated
// writer goroutine. Push never blocks; the high-water mark is advisory and
// surfaces as [WriteQueued].
type Outbox struct {
	cfg       OutboxConfig
	pending   *queue.Queue
	signal    chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	buffered  int
	needDrain bool
	ending    bool
	closed    bool
}

// NewOutbox starts the writer goroutine. Call Close or End to stop it.
func NewOutbox(cfg OutboxConfig) *Outbox {
	if cfg.HighWater <= 0 {
		cfg.HighWater = DefaultWriteHighWater
	}
	o := &Outbox{
		cfg:     cfg,
		pending: queue.New(),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Push buffers a copy of data.
func (o *Outbox) Push(data []byte, kind int) WriteStatus {
	o.mu.Lock()
	if o.ending || o.closed {
		o.mu.Unlock()
		return WriteClosed
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	o.pending.Add(Message{Data: buf, Kind: kind})
	o.buffered += len(buf)
	status := WriteOK
	if o.buffered >= o.cfg.HighWater {
		o.needDrain = true
		status = WriteQueued
	}
	o.mu.Unlock()
	o.notify()
	return status
}

// Buffered returns the number of bytes not yet written.
func (o *Outbox) Buffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buffered
}

// End stops accepting writes. OnFlushed runs after the backlog is written.
func (o *Outbox) End() {
	o.mu.Lock()
	if o.ending || o.closed {
		o.mu.Unlock()
		return
	}
	o.ending = true
	o.mu.Unlock()
	o.notify()
}

// Close discards the backlog and stops the writer without calling OnFlushed.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for o.pending.Length() > 0 {
		o.pending.Remove()
	}
	o.buffered = 0
	o.mu.Unlock()
	o.notify()
}

// Done is closed when the writer goroutine exits.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) notify() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}

func (o *Outbox) run() {
	defer close(o.done)
	for range o.signal {
		for {
			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return
			}
			if o.pending.Length() == 0 {
				ending := o.ending
				o.mu.Unlock()
				if ending {
					if o.cfg.OnFlushed != nil {
						o.cfg.OnFlushed()
					}
					return
				}
				break
			}
			msg := o.pending.Peek().(Message)
			o.mu.Unlock()

			if err := o.cfg.Write(msg); err != nil {
				o.mu.Lock()
				wasClosed := o.closed
				o.closed = true
				o.mu.Unlock()
				if !wasClosed && o.cfg.OnError != nil {
					o.cfg.OnError(err)
				}
				return
			}

			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return
			}
			o.pending.Remove()
			o.buffered -= len(msg.Data)
			drained := o.needDrain && o.buffered < o.cfg.HighWater
			if drained {
				o.needDrain = false
			}
			o.mu.Unlock()

			if drained && o.cfg.OnDrain != nil {
				o.cfg.OnDrain()
			}
		}
	}
}
