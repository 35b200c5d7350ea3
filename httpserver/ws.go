package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

const (
	statusNormal    = websocket.StatusNormalClosure
	statusGoingAway = websocket.StatusGoingAway
	statusAbnormal  = websocket.StatusAbnormalClosure

	// DefaultWSReadLimit bounds a single inbound message for dialed
	// connections. Server connections use Config.MaxBodyBytes.
	DefaultWSReadLimit = 1 << 20

	wsWriteTimeout = 10 * time.Second
)

// WSHandler is called on the loop for each upgraded connection.
type WSHandler func(c *WSConn)

// WSMessage is the payload of a message event.
type WSMessage struct {
	Data   []byte
	Binary bool
}

func (m WSMessage) Text() string { return string(m.Data) }

// WSCloseEvent is the payload of the close event.
type WSCloseEvent struct {
	Reason string
	Code   int
}

// WSConn is a WebSocket connection on either side. Events are message,
// drain, error and close; close fires exactly once. drain follows a send
// that reported WriteQueued, once the backlog falls below the high-water
// mark.
type WSConn struct {
	ctx        context.Context
	loop       *eventloop.Loop
	reg        *registry.Registry
	conn       *websocket.Conn
	events     *eventloop.EventTarget
	outbox     *reactor.Outbox
	logger     *logiface.Logger[logiface.Event]
	cancel     context.CancelFunc
	release    func()
	onClose    func(*WSConn)
	credit     chan struct{}
	done       chan struct{}
	Params     map[string]string
	Path       string
	RemoteAddr string
	local      WSCloseEvent
	mu         sync.Mutex
	readOnce   sync.Once
	closeOnce  sync.Once
	listenerID uint64
	id         atomic.Uint64
	state      atomic.Int32
}

type wsConfig struct {
	logger     *logiface.Logger[logiface.Event]
	params     map[string]string
	path       string
	remote     string
	listenerID uint64
	readLimit  int64
	writeLimit time.Duration
	highWater  int
}

func newWSConn(loop *eventloop.Loop, reg *registry.Registry, conn *websocket.Conn, cfg wsConfig) *WSConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSConn{
		ctx:        ctx,
		cancel:     cancel,
		loop:       loop,
		reg:        reg,
		conn:       conn,
		logger:     cfg.logger,
		events:     eventloop.NewEventTarget(),
		credit:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		Params:     cfg.params,
		Path:       cfg.path,
		RemoteAddr: cfg.remote,
		listenerID: cfg.listenerID,
	}
	c.events.OnPanic = func(kind string, err eventloop.PanicError) {
		c.logger.Err().Str("event", kind).Any("panic", err.Value).Log("httpserver: websocket listener panicked")
	}
	if cfg.readLimit > 0 {
		conn.SetReadLimit(cfg.readLimit)
	}
	writeTimeout := cfg.writeLimit
	if writeTimeout <= 0 {
		writeTimeout = wsWriteTimeout
	}
	c.outbox = reactor.NewOutbox(reactor.OutboxConfig{
		HighWater: cfg.highWater,
		Write: func(m reactor.Message) error {
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			defer cancel()
			return conn.Write(ctx, websocket.MessageType(m.Kind), m.Data)
		},
		OnDrain: func() {
			_ = loop.Submit(func() {
				if c.State() == reactor.StateOpen {
					c.events.Emit("drain", nil)
				}
			})
		},
		OnError: func(err error) {
			c.abort(err)
		},
		OnFlushed: c.closeHandshake,
	})
	return c
}

// open registers the connection and holds the loop. Loop goroutine.
func (c *WSConn) open() error {
	id, err := c.reg.AddConn(c.listenerID, registry.KindWS, c.RemoteAddr, c)
	if err != nil {
		return err
	}
	c.id.Store(id)
	c.release = c.loop.Hold()
	c.state.Store(int32(reactor.StateOpen))
	return nil
}

// startReading begins delivering message events. Loop goroutine.
func (c *WSConn) startReading() {
	c.readOnce.Do(func() { go c.readLoop() })
}

func (c *WSConn) readLoop() {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}
		msg := WSMessage{Data: data, Binary: typ == websocket.MessageBinary}
		if c.loop.Submit(func() { c.deliver(msg) }) != nil {
			c.Destroy()
			return
		}
		select {
		case <-c.credit:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) deliver(msg WSMessage) {
	if c.State() != reactor.StateOpen && c.State() != reactor.StateClosing {
		return
	}
	c.events.Emit("message", msg)
	select {
	case c.credit <- struct{}{}:
	default:
	}
}

func (c *WSConn) readFailed(err error) {
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		c.finish(WSCloseEvent{Code: int(code), Reason: reason}, nil)
		return
	}
	if c.State() != reactor.StateOpen {
		c.finish(c.localClose(), nil)
		return
	}
	c.abort(err)
}

// abort tears the connection down after a transport failure.
func (c *WSConn) abort(err error) {
	_ = c.conn.CloseNow()
	c.finish(WSCloseEvent{Code: int(statusAbnormal)}, err)
}

// Send queues a text message.
func (c *WSConn) Send(text string) reactor.WriteStatus {
	return c.push([]byte(text), websocket.MessageText)
}

// SendBinary queues a binary message.
func (c *WSConn) SendBinary(data []byte) reactor.WriteStatus {
	return c.push(data, websocket.MessageBinary)
}

// SendJSON queues v encoded as a JSON text message.
func (c *WSConn) SendJSON(v any) (reactor.WriteStatus, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return reactor.WriteClosed, err
	}
	return c.push(b, websocket.MessageText), nil
}

func (c *WSConn) push(data []byte, typ websocket.MessageType) reactor.WriteStatus {
	if c.State() != reactor.StateOpen {
		return reactor.WriteClosed
	}
	return c.outbox.Push(data, int(typ))
}

// Close starts the closing handshake: queued messages are flushed, a close
// frame is sent, and the peer has five seconds to answer before the
// connection is dropped. The close event follows either way.
func (c *WSConn) Close(code int, reason string) {
	if code == 0 {
		code = int(statusNormal)
	}
	c.mu.Lock()
	if c.State() != reactor.StateOpen {
		c.mu.Unlock()
		return
	}
	c.local = WSCloseEvent{Code: code, Reason: reason}
	c.state.Store(int32(reactor.StateClosing))
	c.mu.Unlock()
	c.outbox.End()
}

func (c *WSConn) localClose() WSCloseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// closeHandshake runs on the outbox goroutine once the backlog is flushed.
func (c *WSConn) closeHandshake() {
	local := c.localClose()
	if err := c.conn.Close(websocket.StatusCode(local.Code), local.Reason); err != nil {
		c.logger.Debug().Uint64("conn", c.ID()).Err(err).Log("httpserver: websocket close handshake")
	}
	c.finish(local, nil)
}

// Destroy drops the connection without a handshake.
func (c *WSConn) Destroy() {
	_ = c.conn.CloseNow()
	c.finish(WSCloseEvent{Code: int(statusAbnormal)}, nil)
}

// finish delivers error and close as one loop task, once.
func (c *WSConn) finish(ev WSCloseEvent, err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(reactor.StateClosed))
		c.cancel()
		c.outbox.Close()
		close(c.done)
		emit := func() {
			if err != nil {
				c.logger.Debug().Uint64("conn", c.ID()).Err(err).Log("httpserver: websocket failed")
				c.events.Emit("error", err)
			}
			c.events.Emit("close", ev)
			c.reg.RemoveConn(c.ID())
			if c.onClose != nil {
				c.onClose(c)
			}
			if c.release != nil {
				c.release()
			}
		}
		if c.loop.Submit(emit) != nil {
			emit()
		}
	})
}

// On subscribes to message, error or close.
func (c *WSConn) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return c.events.On(kind, fn)
}

func (c *WSConn) Off(id eventloop.ListenerID) bool { return c.events.Off(id) }

func (c *WSConn) State() reactor.State { return reactor.State(c.state.Load()) }

// ID is the registry id.
func (c *WSConn) ID() uint64 { return c.id.Load() }

// Done is closed once the connection is closed.
func (c *WSConn) Done() <-chan struct{} { return c.done }

func (c *WSConn) Subprotocol() string { return c.conn.Subprotocol() }

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, rt *route, params map[string]string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug().Str("path", r.URL.Path).Err(err).Log("httpserver: websocket upgrade failed")
		return
	}
	if params == nil {
		params = make(map[string]string)
	}
	c := newWSConn(s.loop, s.reg, conn, wsConfig{
		logger:     s.logger,
		params:     params,
		path:       r.URL.Path,
		remote:     r.RemoteAddr,
		readLimit:  s.cfg.MaxBodyBytes,
		writeLimit: s.cfg.WriteTimeout,
		highWater:  s.cfg.WSHighWater,
	})
	if !s.trackWS(c) {
		_ = conn.Close(statusGoingAway, "server closing")
		c.outbox.Close()
		return
	}
	c.onClose = s.untrackWS
	refuse := func() {
		s.untrackWS(c)
		_ = conn.CloseNow()
		c.outbox.Close()
	}
	err = s.loop.Submit(func() {
		// Close flips closed and snapshots the connections under mu, so
		// this either opens before the snapshot or not at all
		s.mu.Lock()
		opened := !s.closed
		if opened {
			c.listenerID = s.listenerID.Load()
			opened = c.open() == nil
		}
		s.mu.Unlock()
		if !opened {
			refuse()
			return
		}
		defer c.startReading()
		defer func() {
			if v := recover(); v != nil {
				s.logger.Err().Str("path", c.Path).Any("panic", v).Log("httpserver: websocket handler panicked")
				c.Close(int(websocket.StatusInternalError), "")
			}
		}()
		rt.ws(c)
	})
	if err != nil {
		refuse()
	}
}

// DialWS connects to a WebSocket server. The promise resolves to a
// *WSConn; message delivery starts once the resolution is observed, so
// listeners attached in the reaction see every message. reg may be nil.
func DialWS(ctx context.Context, loop *eventloop.Loop, reg *registry.Registry, url string, logger *logiface.Logger[logiface.Event]) *eventloop.Promise {
	if reg == nil {
		reg = registry.New(logger)
	}
	return loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		conn, resp, err := websocket.Dial(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return newWSConn(loop, reg, conn, wsConfig{
			logger:    logger,
			path:      url,
			remote:    url,
			params:    map[string]string{},
			readLimit: DefaultWSReadLimit,
		}), nil
	}).Then(func(v any) any {
		c := v.(*WSConn)
		if err := c.open(); err != nil {
			_ = c.conn.CloseNow()
			c.outbox.Close()
			return loop.Rejected(err)
		}
		c.startReading()
		return c
	}, nil)
}
