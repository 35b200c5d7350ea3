package eventloop

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func awaitPromise(t *testing.T, p *Promise) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("promise did not settle")
	}
	return v, err
}

func TestPromise_SettleOnce(t *testing.T) {
	loop := startLoop(t)

	var calls []string
	p, resolve, reject := loop.NewPromise()
	onLoop(t, loop, func() {
		p.Then(
			func(v any) any { calls = append(calls, "fulfilled"); return nil },
			func(r any) any { calls = append(calls, "rejected"); return nil },
		)
		assert.True(t, resolve("first"))
		assert.False(t, reject(errors.New("second")))
		assert.False(t, resolve("third"))
	})
	onLoop(t, loop, func() {})

	assert.Equal(t, []string{"fulfilled"}, calls)
	assert.Equal(t, Fulfilled, p.State())
	assert.Equal(t, "first", p.Value())
	assert.Nil(t, p.Reason())
}

func TestPromise_RejectThenResolve(t *testing.T) {
	loop := startLoop(t)
	p, resolve, reject := loop.NewPromise()
	boom := errors.New("boom")
	assert.True(t, reject(boom))
	assert.False(t, resolve(1))
	_, err := awaitPromise(t, p)
	assert.ErrorIs(t, err, boom)
}

// p1.then(f1).then(f2): f1 strictly before f2, both after resolve returns.
func TestPromise_ChainRunsAfterResolveReturns(t *testing.T) {
	loop := startLoop(t)

	var events []string
	onLoop(t, loop, func() {
		p1, resolve, _ := loop.NewPromise()
		p1.Then(func(v any) any {
			events = append(events, "f1")
			return v.(int) + 1
		}, nil).Then(func(v any) any {
			events = append(events, "f2")
			assert.Equal(t, 2, v)
			return nil
		}, nil)

		resolve(1)
		events = append(events, "resolve returned")
	})
	onLoop(t, loop, func() {})

	assert.Equal(t, []string{"resolve returned", "f1", "f2"}, events)
}

func TestPromise_ReactionsRunInRegistrationOrder(t *testing.T) {
	loop := startLoop(t)

	var order []int
	p, resolve, _ := loop.NewPromise()
	onLoop(t, loop, func() {
		for i := 0; i < 3; i++ {
			p.Then(func(any) any { order = append(order, i); return nil }, nil)
		}
	})

	// settle from a foreign goroutine
	resolve("x")
	_, err := awaitPromise(t, p.Then(nil, nil))
	require.NoError(t, err)
	onLoop(t, loop, func() {})

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestPromise_AdoptsReturnedPromise(t *testing.T) {
	loop := startLoop(t)

	inner, resolveInner, _ := loop.NewPromise()
	outer := loop.Resolved(1).Then(func(any) any { return inner }, nil)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, Pending, outer.State())

	resolveInner("inner")
	v, err := awaitPromise(t, outer)
	require.NoError(t, err)
	assert.Equal(t, "inner", v)
}

func TestPromise_SelfResolution(t *testing.T) {
	loop := startLoop(t)
	p, resolve, _ := loop.NewPromise()
	resolve(p)
	_, err := awaitPromise(t, p)
	assert.ErrorIs(t, err, ErrPromiseSelfResolution)
}

func TestPromise_PanicInHandlerRejects(t *testing.T) {
	loop := startLoop(t)
	p := loop.Resolved(1).Then(func(any) any { panic("handler failed") }, nil)
	_, err := awaitPromise(t, p)
	var perr PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "handler failed", perr.Value)
}

func TestPromise_CatchAndFinally(t *testing.T) {
	loop := startLoop(t)

	finallyRan := false
	p := loop.Rejected("nope").
		Finally(func() { finallyRan = true }).
		Catch(func(r any) any { return "recovered from " + r.(string) })

	v, err := awaitPromise(t, p)
	require.NoError(t, err)
	assert.Equal(t, "recovered from nope", v)
	onLoop(t, loop, func() { assert.True(t, finallyRan) })
}

func TestPromise_All(t *testing.T) {
	loop := startLoop(t)

	a, resolveA, _ := loop.NewPromise()
	b, resolveB, _ := loop.NewPromise()
	all := loop.All([]*Promise{a, b})

	resolveB("b")
	resolveA("a")

	v, err := awaitPromise(t, all)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	boom := errors.New("boom")
	_, err = awaitPromise(t, loop.All([]*Promise{loop.Resolved(1), loop.Rejected(boom)}))
	assert.ErrorIs(t, err, boom)

	v, err = awaitPromise(t, loop.All(nil))
	require.NoError(t, err)
	assert.Equal(t, []any{}, v)
}

func TestPromise_Race(t *testing.T) {
	loop := startLoop(t)
	slow, _, _ := loop.NewPromise()
	v, err := awaitPromise(t, loop.Race([]*Promise{slow, loop.Resolved("fast")}))
	require.NoError(t, err)
	assert.Equal(t, "fast", v)
}

func TestPromise_Any(t *testing.T) {
	loop := startLoop(t)

	v, err := awaitPromise(t, loop.Any([]*Promise{loop.Rejected("x"), loop.Resolved("ok")}))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	e1, e2 := errors.New("e1"), errors.New("e2")
	_, err = awaitPromise(t, loop.Any([]*Promise{loop.Rejected(e1), loop.Rejected(e2)}))
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Errors, 2)
	assert.ErrorIs(t, err, e2)
}

func TestPromise_AllSettled(t *testing.T) {
	loop := startLoop(t)
	boom := errors.New("boom")
	v, err := awaitPromise(t, loop.AllSettled([]*Promise{loop.Resolved(1), loop.Rejected(boom)}))
	require.NoError(t, err)
	results := v.([]Result)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Value)
	assert.ErrorIs(t, results[1].Err, boom)
}

func TestPromise_UnhandledRejectionReported(t *testing.T) {
	reported := make(chan any, 4)
	loop := startLoop(t, WithUnhandledRejection(func(_ *Promise, reason any) {
		reported <- reason
	}))

	onLoop(t, loop, func() {
		loop.Rejected("ignored")
		loop.Rejected("caught").Catch(func(any) any { return nil })
	})

	select {
	case r := <-reported:
		assert.Equal(t, "ignored", r)
	case <-time.After(5 * time.Second):
		t.Fatal("unhandled rejection not reported")
	}
	onLoop(t, loop, func() {})
	assert.Empty(t, reported)
}

func TestPromisify(t *testing.T) {
	loop := startLoop(t)

	v, err := awaitPromise(t, loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	}))
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = awaitPromise(t, loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return nil, boom
	}))
	assert.ErrorIs(t, err, boom)

	_, err = awaitPromise(t, loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		panic("kaboom")
	}))
	var perr PanicError
	require.ErrorAs(t, err, &perr)

	_, err = awaitPromise(t, loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		runtime.Goexit()
		return nil, nil
	}))
	assert.ErrorIs(t, err, ErrGoexit)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = awaitPromise(t, loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		return 1, nil
	}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPromisify_HoldsLoopUntilDone(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var got any
	require.NoError(t, loop.Submit(func() {
		loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return "done", nil
		}).Then(func(v any) any { got = v; return nil }, nil)
	}))

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.Equal(t, "done", got)
}

func TestPromisify_ShutdownRejectsPending(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	block := make(chan struct{})
	defer close(block)
	p := loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	})

	require.NoError(t, loop.Shutdown(context.Background()))
	<-done

	_, err = awaitPromise(t, p)
	assert.ErrorIs(t, err, ErrLoopTerminated)

	_, err = awaitPromise(t, loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}))
	assert.ErrorIs(t, err, ErrLoopTerminated)
}
