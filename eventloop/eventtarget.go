package eventloop

import (
	"sync"
)

// ListenerID identifies a registered listener, since Go funcs are not
// comparable.
type ListenerID uint64

// Listener receives an event payload.
type Listener func(payload any)

type listenerEntry struct {
	fn   Listener
	id   ListenerID
	once bool
}

// EventTarget is a per-object subscription table: event kind to an ordered
// list of listeners.
//
// Registration is safe from any goroutine. Emit is intended to be called by
// the loop goroutine only, so that listeners observe the single-threaded
// execution model. Listeners run in subscription order; a listener that
// panics is reported through OnPanic and does not prevent delivery to the
// rest.
type EventTarget struct {
	// OnPanic, if set, receives panics recovered from listeners.
	OnPanic func(kind string, err PanicError)

	listeners map[string][]listenerEntry
	nextID    ListenerID
	mu        sync.Mutex
}

// NewEventTarget returns an empty subscription table.
func NewEventTarget() *EventTarget {
	return &EventTarget{listeners: make(map[string][]listenerEntry)}
}

// On subscribes fn to kind. A nil fn is ignored and returns zero.
func (et *EventTarget) On(kind string, fn Listener) ListenerID {
	return et.add(kind, fn, false)
}

// Once subscribes fn to the next kind event only.
func (et *EventTarget) Once(kind string, fn Listener) ListenerID {
	return et.add(kind, fn, true)
}

func (et *EventTarget) add(kind string, fn Listener, once bool) ListenerID {
	if fn == nil {
		return 0
	}
	et.mu.Lock()
	defer et.mu.Unlock()
	if et.listeners == nil {
		et.listeners = make(map[string][]listenerEntry)
	}
	et.nextID++
	id := et.nextID
	et.listeners[kind] = append(et.listeners[kind], listenerEntry{fn: fn, id: id, once: once})
	return id
}

// Off removes a listener by id, reporting whether it was found.
func (et *EventTarget) Off(id ListenerID) bool {
	et.mu.Lock()
	defer et.mu.Unlock()
	for kind, list := range et.listeners {
		for i, entry := range list {
			if entry.id != id {
				continue
			}
			et.listeners[kind] = append(list[:i:i], list[i+1:]...)
			if len(et.listeners[kind]) == 0 {
				delete(et.listeners, kind)
			}
			return true
		}
	}
	return false
}

// RemoveAll drops every listener for kind, or for every kind if kind is "".
func (et *EventTarget) RemoveAll(kind string) {
	et.mu.Lock()
	defer et.mu.Unlock()
	if kind == "" {
		et.listeners = make(map[string][]listenerEntry)
		return
	}
	delete(et.listeners, kind)
}

// ListenerCount returns the number of listeners for kind.
func (et *EventTarget) ListenerCount(kind string) int {
	et.mu.Lock()
	defer et.mu.Unlock()
	return len(et.listeners[kind])
}

// Emit delivers payload to the listeners of kind registered at the time of
// the call, returning how many were invoked.
func (et *EventTarget) Emit(kind string, payload any) int {
	et.mu.Lock()
	list := et.listeners[kind]
	if len(list) == 0 {
		et.mu.Unlock()
		return 0
	}
	snapshot := make([]listenerEntry, len(list))
	copy(snapshot, list)
	kept := list[:0:0]
	for _, entry := range list {
		if !entry.once {
			kept = append(kept, entry)
		}
	}
	if len(kept) == 0 {
		delete(et.listeners, kind)
	} else if len(kept) != len(list) {
		et.listeners[kind] = kept
	}
	et.mu.Unlock()

	for _, entry := range snapshot {
		et.invoke(kind, entry.fn, payload)
	}
	return len(snapshot)
}

func (et *EventTarget) invoke(kind string, fn Listener, payload any) {
	defer func() {
		if r := recover(); r != nil && et.OnPanic != nil {
			et.OnPanic(kind, PanicError{Value: r})
		}
	}()
	fn(payload)
}
