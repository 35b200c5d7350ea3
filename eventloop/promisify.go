package eventloop

import (
	"context"
)

// Promisify runs fn on a new goroutine and returns a promise for its
// result. It is the bridge for blocking native work (I/O, syscalls,
// database calls): the loop keeps executing tasks while fn runs.
//
// The loop is held alive until fn returns. The outcome is delivered through
// SubmitInternal, so the promise settles on the loop goroutine, falling back
// to direct settlement if the loop has already terminated. A panic in fn
// rejects with [PanicError], runtime.Goexit with [ErrGoexit]. Shutdown
// rejects every outstanding promise with [ErrLoopTerminated].
func (l *Loop) Promisify(ctx context.Context, fn func(ctx context.Context) (any, error)) *Promise {
	p, resolve, reject := l.NewPromise()

	l.pendingMu.Lock()
	if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
		l.pendingMu.Unlock()
		reject(ErrLoopTerminated)
		return p
	}
	l.pending[p] = struct{}{}
	l.promisifyWg.Add(1)
	l.pendingMu.Unlock()

	release := l.Hold()

	settle := func(fn func()) {
		if err := l.SubmitInternal(fn); err != nil {
			fn()
		}
	}

	go func() {
		defer l.promisifyWg.Done()
		defer release()
		defer l.forget(p)

		completed := false
		defer func() {
			if r := recover(); r != nil {
				perr := PanicError{Value: r}
				settle(func() { reject(perr) })
			} else if !completed {
				settle(func() { reject(ErrGoexit) })
			}
		}()

		if err := ctx.Err(); err != nil {
			completed = true
			settle(func() { reject(err) })
			return
		}

		value, err := fn(ctx)
		completed = true
		if err != nil {
			settle(func() { reject(err) })
			return
		}
		settle(func() { resolve(value) })
	}()

	return p
}

func (l *Loop) forget(p *Promise) {
	l.pendingMu.Lock()
	delete(l.pending, p)
	l.pendingMu.Unlock()
}

func (l *Loop) rejectPending(err error) {
	l.pendingMu.Lock()
	pending := l.pending
	l.pending = make(map[*Promise]struct{})
	l.pendingMu.Unlock()
	for p := range pending {
		p.rejectOnce(err)
	}
}
