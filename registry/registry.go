package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/joeycumines/logiface"
)

var (
	// ErrNotFound is returned for an id that is not registered.
	ErrNotFound = errors.New("registry: id not found")
	// ErrListenerClosed is returned when adding a connection to a listener
	// that has stopped accepting.
	ErrListenerClosed = errors.New("registry: listener closed")
)

// Kind is the transport a listener or connection belongs to.
type Kind uint8

const (
	KindHTTP Kind = iota + 1
	KindWS
	KindTCP
	KindUDP
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindWS:
		return "ws"
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// ListenerState is the lifecycle of a listener: Binding until the socket is
// bound, Listening while it accepts, Closed afterwards.
type ListenerState uint8

const (
	Binding ListenerState = iota
	Listening
	Closed
)

func (s ListenerState) String() string {
	switch s {
	case Binding:
		return "binding"
	case Listening:
		return "listening"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Listener describes a registered listener.
type Listener struct {
	Value any
	Addr  string
	ID    uint64
	State ListenerState
	Kind  Kind
}

// Conn describes a registered connection. ListenerID is zero for outbound
// connections.
type Conn struct {
	Value      any
	Remote     string
	ID         uint64
	ListenerID uint64
	Kind       Kind
}

// Stats is a point-in-time summary.
type Stats struct {
	Conns     map[Kind]int
	Listeners int
	// Accepted and Removed are lifetime counters.
	Accepted uint64
	Removed  uint64
}

// Registry tracks every live listener and connection by id. Ids are never
// reused; zero is the null id.
//
// Mutations are expected from the loop goroutine, which keeps registry
// changes ordered with the events that cause them. Reads are safe from any
// goroutine.
type Registry struct {
	logger    *logiface.Logger[logiface.Event]
	listeners map[uint64]*Listener
	conns     map[uint64]*Conn
	nextID    uint64
	accepted  uint64
	removed   uint64
	mu        sync.RWMutex
}

// New returns an empty registry. logger may be nil.
func New(logger *logiface.Logger[logiface.Event]) *Registry {
	return &Registry{
		logger:    logger,
		listeners: make(map[uint64]*Listener),
		conns:     make(map[uint64]*Conn),
		nextID:    1,
	}
}

func (r *Registry) allocID() uint64 {
	id := r.nextID
	r.nextID++
	return id
}

// AddListener registers a listener in the Binding state.
func (r *Registry) AddListener(kind Kind, addr string, value any) uint64 {
	r.mu.Lock()
	id := r.allocID()
	r.listeners[id] = &Listener{ID: id, Kind: kind, Addr: addr, State: Binding, Value: value}
	r.mu.Unlock()
	r.logger.Debug().Uint64("listener", id).Stringer("kind", kind).Str("addr", addr).Log("registry: listener added")
	return id
}

// SetListenerState moves a listener through its lifecycle. Closed is final.
func (r *Registry) SetListenerState(id uint64, state ListenerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[id]
	if !ok {
		return ErrNotFound
	}
	if l.State == Closed {
		return ErrListenerClosed
	}
	l.State = state
	return nil
}

// SetListenerAddr records the bound address, e.g. once port 0 is resolved.
func (r *Registry) SetListenerAddr(id uint64, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.listeners[id]
	if !ok {
		return ErrNotFound
	}
	l.Addr = addr
	return nil
}

// RemoveListener forgets a listener. Its connections stay registered.
func (r *Registry) RemoveListener(id uint64) bool {
	r.mu.Lock()
	_, ok := r.listeners[id]
	delete(r.listeners, id)
	r.mu.Unlock()
	if ok {
		r.logger.Debug().Uint64("listener", id).Log("registry: listener removed")
	}
	return ok
}

// Listener returns a copy of the listener record.
func (r *Registry) Listener(id uint64) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[id]
	if !ok {
		return Listener{}, false
	}
	return *l, true
}

// AddConn registers a connection. A non-zero listenerID must name a
// listener that is not Closed.
func (r *Registry) AddConn(listenerID uint64, kind Kind, remote string, value any) (uint64, error) {
	r.mu.Lock()
	if listenerID != 0 {
		l, ok := r.listeners[listenerID]
		if !ok {
			r.mu.Unlock()
			return 0, ErrNotFound
		}
		if l.State == Closed {
			r.mu.Unlock()
			return 0, ErrListenerClosed
		}
	}
	id := r.allocID()
	r.conns[id] = &Conn{ID: id, ListenerID: listenerID, Kind: kind, Remote: remote, Value: value}
	r.accepted++
	r.mu.Unlock()
	r.logger.Trace().Uint64("conn", id).Uint64("listener", listenerID).Stringer("kind", kind).Str("remote", remote).Log("registry: conn added")
	return id, nil
}

// RemoveConn forgets a connection. It reports false for an unknown id,
// which makes a repeated close harmless.
func (r *Registry) RemoveConn(id uint64) bool {
	r.mu.Lock()
	_, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		r.removed++
	}
	r.mu.Unlock()
	if ok {
		r.logger.Trace().Uint64("conn", id).Log("registry: conn removed")
	}
	return ok
}

// Conn returns a copy of the connection record.
func (r *Registry) Conn(id uint64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return Conn{}, false
	}
	return *c, true
}

// Conns returns the connections of kind, in id order.
func (r *Registry) Conns(kind Kind) []Conn {
	return r.collect(func(c *Conn) bool { return c.Kind == kind })
}

// ConnsOf returns the connections accepted by a listener, in id order.
func (r *Registry) ConnsOf(listenerID uint64) []Conn {
	return r.collect(func(c *Conn) bool { return c.ListenerID == listenerID })
}

func (r *Registry) collect(match func(*Conn) bool) []Conn {
	r.mu.RLock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if match(c) {
			out = append(out, *c)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Conn) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Range calls fn for every connection in id order until fn returns false.
// fn may add or remove connections.
func (r *Registry) Range(fn func(Conn) bool) {
	for _, c := range r.collect(func(*Conn) bool { return true }) {
		if !fn(c) {
			return
		}
	}
}

// Broadcast calls fn for every connection of kind, in id order, and returns
// how many were visited. A connection removed by an earlier call is skipped.
func (r *Registry) Broadcast(kind Kind, fn func(Conn)) int {
	n := 0
	for _, c := range r.Conns(kind) {
		if _, ok := r.Conn(c.ID); !ok {
			continue
		}
		fn(c)
		n++
	}
	return n
}

// Stats summarises the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Listeners: len(r.listeners),
		Conns:     make(map[Kind]int),
		Accepted:  r.accepted,
		Removed:   r.removed,
	}
	for _, c := range r.conns {
		s.Conns[c.Kind]++
	}
	return s
}
