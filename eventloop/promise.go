package eventloop

import (
	"context"
	"errors"
	"sync"
)

// PromiseState is the settlement state of a [Promise].
type PromiseState int

const (
	Pending PromiseState = iota
	Fulfilled
	Rejected
)

func (s PromiseState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ErrPromiseSelfResolution rejects a promise resolved with itself.
var ErrPromiseSelfResolution = errors.New("eventloop: promise resolved with itself")

// ResolveFunc fulfils a promise, or adopts the state of a *Promise value.
// Only the first call to either settlement function has an effect; it
// reports whether this call was that one.
type ResolveFunc func(value any) bool

// RejectFunc rejects a promise. See [ResolveFunc].
type RejectFunc func(reason any) bool

// Result is a settled outcome, as delivered by [Promise.ToChannel].
type Result struct {
	Value any
	Err   error
}

type reaction struct {
	onFulfilled func(any) any
	onRejected  func(any) any
	resolve     ResolveFunc
	reject      RejectFunc
}

// Promise is a single-assignment result cell bound to a [Loop].
//
// Settlement is safe from any goroutine, but reactions registered with Then,
// Catch and Finally always run as microtasks on the loop, never inline
// with the settling call. Each reaction runs exactly once, in registration
// order.
type Promise struct {
	loop      *Loop
	value     any
	reason    any
	reactions []reaction
	observers []func()
	mu        sync.Mutex
	state     PromiseState
	// locked is set by the first settlement call, including adoption of
	// another promise that has not settled yet
	locked  bool
	handled bool
}

// NewPromise creates a pending promise and its settlement functions.
func (l *Loop) NewPromise() (*Promise, ResolveFunc, RejectFunc) {
	p := &Promise{loop: l}
	return p, p.resolveOnce, p.rejectOnce
}

// Resolved returns a promise already fulfilled with value.
func (l *Loop) Resolved(value any) *Promise {
	p, resolve, _ := l.NewPromise()
	resolve(value)
	return p
}

// Rejected returns a promise already rejected with reason.
func (l *Loop) Rejected(reason any) *Promise {
	p, _, reject := l.NewPromise()
	reject(reason)
	return p
}

func (p *Promise) resolveOnce(value any) bool {
	p.mu.Lock()
	if p.locked {
		p.mu.Unlock()
		return false
	}
	p.locked = true
	p.mu.Unlock()

	if other, ok := value.(*Promise); ok {
		if other == p {
			p.settle(Rejected, ErrPromiseSelfResolution)
			return true
		}
		other.subscribe(reaction{
			resolve: func(v any) bool { p.settle(Fulfilled, v); return true },
			reject:  func(r any) bool { p.settle(Rejected, r); return true },
		})
		return true
	}

	p.settle(Fulfilled, value)
	return true
}

func (p *Promise) rejectOnce(reason any) bool {
	p.mu.Lock()
	if p.locked {
		p.mu.Unlock()
		return false
	}
	p.locked = true
	p.mu.Unlock()

	p.settle(Rejected, reason)
	return true
}

func (p *Promise) settle(state PromiseState, v any) {
	p.mu.Lock()
	if p.state != Pending {
		p.mu.Unlock()
		return
	}
	p.state = state
	if state == Fulfilled {
		p.value = v
	} else {
		p.reason = v
	}
	reactions := p.reactions
	observers := p.observers
	p.reactions = nil
	p.observers = nil
	unhandled := state == Rejected && !p.handled
	p.mu.Unlock()

	for _, r := range reactions {
		p.schedule(r, state, v)
	}
	for _, fn := range observers {
		fn()
	}
	if unhandled {
		p.loop.trackRejection(p)
	}
}

// subscribe registers a reaction and marks the promise handled.
func (p *Promise) subscribe(r reaction) {
	p.mu.Lock()
	p.handled = true
	if p.state == Pending {
		p.reactions = append(p.reactions, r)
		p.mu.Unlock()
		return
	}
	state, v := p.state, p.value
	if state == Rejected {
		v = p.reason
	}
	p.mu.Unlock()
	p.schedule(r, state, v)
}

func (p *Promise) schedule(r reaction, state PromiseState, v any) {
	p.loop.queueMicrotask(func() { runReaction(r, state, v) })
}

func runReaction(r reaction, state PromiseState, v any) {
	handler := r.onFulfilled
	if state == Rejected {
		handler = r.onRejected
	}
	if handler == nil {
		if state == Fulfilled {
			r.resolve(v)
		} else {
			r.reject(v)
		}
		return
	}

	var (
		result    any
		panicked  bool
		recovered any
	)
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				panicked = true
				recovered = rec
			}
		}()
		result = handler(v)
	}()
	if panicked {
		if err, ok := recovered.(error); ok {
			r.reject(err)
		} else {
			r.reject(PanicError{Value: recovered})
		}
		return
	}
	r.resolve(result)
}

// Then registers reactions and returns the derived promise. A nil handler
// passes the outcome through. A handler that returns a *Promise makes the
// derived promise adopt it; a handler that panics rejects it.
func (p *Promise) Then(onFulfilled, onRejected func(any) any) *Promise {
	child, resolve, reject := p.loop.NewPromise()
	p.subscribe(reaction{
		onFulfilled: onFulfilled,
		onRejected:  onRejected,
		resolve:     resolve,
		reject:      reject,
	})
	return child
}

// Catch is Then(nil, onRejected).
func (p *Promise) Catch(onRejected func(any) any) *Promise {
	return p.Then(nil, onRejected)
}

// Finally runs fn once the promise settles, preserving the outcome.
func (p *Promise) Finally(fn func()) *Promise {
	return p.Then(
		func(v any) any {
			if fn != nil {
				fn()
			}
			return v
		},
		func(r any) any {
			if fn != nil {
				fn()
			}
			return p.loop.Rejected(r)
		},
	)
}

// ToChannel returns a channel that receives the outcome once settled. It
// does not depend on the loop running, so Go callers may block on it.
func (p *Promise) ToChannel() <-chan Result {
	ch := make(chan Result, 1)
	deliver := func() {
		p.mu.Lock()
		state, v, r := p.state, p.value, p.reason
		p.mu.Unlock()
		if state == Fulfilled {
			ch <- Result{Value: v}
		} else {
			ch <- Result{Err: AsError(r)}
		}
	}
	p.mu.Lock()
	p.handled = true
	if p.state == Pending {
		p.observers = append(p.observers, deliver)
		p.mu.Unlock()
		return ch
	}
	p.mu.Unlock()
	deliver()
	return ch
}

// Await blocks until the promise settles or ctx is done. It must not be
// called on the loop goroutine for a promise settled by loop tasks.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case res := <-p.ToChannel():
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current state.
func (p *Promise) State() PromiseState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Value returns the fulfilment value, nil unless fulfilled.
func (p *Promise) Value() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value
}

// Reason returns the rejection reason, nil unless rejected.
func (p *Promise) Reason() any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// MarkHandled suppresses the unhandled rejection report for p.
func (p *Promise) MarkHandled() {
	p.mu.Lock()
	p.handled = true
	p.mu.Unlock()
}

func (l *Loop) trackRejection(p *Promise) {
	l.rejectMu.Lock()
	l.rejections = append(l.rejections, p)
	l.rejectMu.Unlock()
}

// reportUnhandledRejections reports rejections that still have no reaction
// after the microtask queue drained.
func (l *Loop) reportUnhandledRejections() {
	l.rejectMu.Lock()
	if len(l.rejections) == 0 {
		l.rejectMu.Unlock()
		return
	}
	list := l.rejections
	l.rejections = nil
	l.rejectMu.Unlock()

	for _, p := range list {
		p.mu.Lock()
		handled, reason := p.handled, p.reason
		p.mu.Unlock()
		if handled {
			continue
		}
		if l.opts.unhandledRejection != nil {
			l.safeExecute(func() { l.opts.unhandledRejection(p, reason) })
			continue
		}
		l.logger.Warning().Err(AsError(reason)).Log("eventloop: unhandled promise rejection")
	}
}

// All fulfils with every value, in input order, or rejects with the first
// rejection. An empty input fulfils immediately.
func (l *Loop) All(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()
	if len(promises) == 0 {
		resolve([]any{})
		return result
	}
	values := make([]any, len(promises))
	remaining := len(promises)
	for i, p := range promises {
		p.subscribe(reaction{
			resolve: func(v any) bool {
				values[i] = v
				remaining--
				if remaining == 0 {
					resolve(values)
				}
				return true
			},
			reject: reject,
		})
	}
	return result
}

// Race settles like the first input to settle. An empty input stays pending.
func (l *Loop) Race(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()
	for _, p := range promises {
		p.subscribe(reaction{resolve: resolve, reject: reject})
	}
	return result
}

// Any fulfils with the first fulfilment, or rejects with an
// [AggregateError] once every input rejected.
func (l *Loop) Any(promises []*Promise) *Promise {
	result, resolve, reject := l.NewPromise()
	if len(promises) == 0 {
		reject(&AggregateError{})
		return result
	}
	errs := make([]error, len(promises))
	remaining := len(promises)
	for i, p := range promises {
		p.subscribe(reaction{
			resolve: resolve,
			reject: func(r any) bool {
				errs[i] = AsError(r)
				remaining--
				if remaining == 0 {
					reject(&AggregateError{Errors: errs})
				}
				return true
			},
		})
	}
	return result
}

// AllSettled fulfils with a []Result, in input order, once every input settled.
func (l *Loop) AllSettled(promises []*Promise) *Promise {
	result, resolve, _ := l.NewPromise()
	if len(promises) == 0 {
		resolve([]Result{})
		return result
	}
	outcomes := make([]Result, len(promises))
	remaining := len(promises)
	done := func() {
		remaining--
		if remaining == 0 {
			resolve(outcomes)
		}
	}
	for i, p := range promises {
		p.subscribe(reaction{
			resolve: func(v any) bool { outcomes[i] = Result{Value: v}; done(); return true },
			reject:  func(r any) bool { outcomes[i] = Result{Err: AsError(r)}; done(); return true },
		})
	}
	return result
}
