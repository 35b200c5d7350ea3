package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop runs a loop in the background, shutting it down on cleanup.
func startLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = loop.Shutdown(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			t.Error("loop did not stop")
		}
	})
	return loop
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop task")
	}
}

func TestLoop_SubmitFIFO(t *testing.T) {
	loop := startLoop(t)

	const n = 1000
	var order []int
	for i := 0; i < n; i++ {
		require.NoError(t, loop.Submit(func() { order = append(order, i) }))
	}
	onLoop(t, loop, func() {})

	require.Len(t, order, n)
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d", i, v)
		}
	}
}

func TestLoop_MutualExclusion(t *testing.T) {
	loop := startLoop(t)

	const producers = 8
	const perProducer = 500

	var (
		active     atomic.Int32
		violations atomic.Int32
		counter    int
		wg         sync.WaitGroup
	)

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = loop.Submit(func() {
					if active.Add(1) != 1 {
						violations.Add(1)
					}
					counter++
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	onLoop(t, loop, func() {})

	assert.Zero(t, violations.Load())
	onLoop(t, loop, func() {
		assert.Equal(t, producers*perProducer, counter)
	})
}

func TestLoop_NestedSubmitIsAppended(t *testing.T) {
	loop := startLoop(t)

	var events []string
	onLoop(t, loop, func() {
		events = append(events, "a:start")
		_ = loop.Submit(func() { events = append(events, "b") })
		events = append(events, "a:end")
	})
	onLoop(t, loop, func() {})

	assert.Equal(t, []string{"a:start", "a:end", "b"}, events)
}

func TestLoop_PanicIsRecovered(t *testing.T) {
	var panics []PanicError
	loop := startLoop(t, WithOnPanic(func(err PanicError) { panics = append(panics, err) }))

	_ = loop.Submit(func() { panic("boom") })
	ran := false
	onLoop(t, loop, func() { ran = true })

	assert.True(t, ran)
	require.Len(t, panics, 1)
	assert.Equal(t, "boom", panics[0].Value)
}

func TestLoop_RunTwice(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.Eventually(t, func() bool { return loop.State().String() != "Awake" }, time.Second, time.Millisecond)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)

	require.NoError(t, loop.Shutdown(context.Background()))
	require.NoError(t, <-done)

	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Submit(func() {}), ErrLoopTerminated)
}

func TestLoop_ReentrantRun(t *testing.T) {
	loop := startLoop(t)
	var err error
	onLoop(t, loop, func() { err = loop.Run(context.Background()) })
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_ShutdownBeforeRun(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	require.NoError(t, loop.Shutdown(context.Background()))
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
	select {
	case <-loop.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestLoop_ShutdownDrainsQueuedTasks(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 100; i++ {
		require.NoError(t, loop.Submit(func() { ran.Add(1) }))
	}

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	require.Eventually(t, func() bool { return loop.State() != StateAwake }, time.Second, time.Millisecond)

	require.NoError(t, loop.Shutdown(context.Background()))
	require.NoError(t, <-done)
	assert.EqualValues(t, 100, ran.Load())
}

func TestLoop_ContextCancel(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not observe cancellation")
	}
}

func TestLoop_IngressBudget(t *testing.T) {
	var overloads int
	loop, err := New(
		WithIngressBudget(10),
		WithOnOverload(func(err error) {
			if errors.Is(err, ErrLoopOverloaded) {
				overloads++
			}
		}),
	)
	require.NoError(t, err)

	var order []int
	for i := 0; i < 100; i++ {
		require.NoError(t, loop.Submit(func() { order = append(order, i) }))
	}

	require.NoError(t, loop.RunUntilIdle(context.Background()))

	assert.GreaterOrEqual(t, overloads, 1)
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestLoop_InvalidIngressBudget(t *testing.T) {
	_, err := New(WithIngressBudget(0))
	assert.Error(t, err)
}

func TestLoop_RunUntilIdle_WaitsForTimers(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	fired := false
	require.NoError(t, loop.Submit(func() {
		_, err := loop.ScheduleTimer(20*time.Millisecond, 0, func() { fired = true })
		assert.NoError(t, err)
	}))

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.True(t, fired)
}

func TestLoop_RunUntilIdle_WaitsForHold(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)

	release := loop.Hold()
	start := time.Now()
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = loop.Submit(func() {})
		release()
		release() // idempotent
	}()

	require.NoError(t, loop.RunUntilIdle(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, loop.Holds())
}

func TestLoop_IsLoopThread(t *testing.T) {
	loop := startLoop(t)
	assert.False(t, loop.IsLoopThread())
	var inside bool
	onLoop(t, loop, func() { inside = loop.IsLoopThread() })
	assert.True(t, inside)
}

func TestLoop_RunOnLoop(t *testing.T) {
	loop := startLoop(t)

	var order []string
	onLoop(t, loop, func() {
		loop.RunOnLoop(func() { order = append(order, "inline") })
		order = append(order, "after")
	})
	assert.Equal(t, []string{"inline", "after"}, order)

	ran := make(chan bool, 1)
	loop.RunOnLoop(func() { ran <- loop.IsLoopThread() })
	select {
	case onThread := <-ran:
		assert.True(t, onThread)
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, loop.Shutdown(ctx))
	called := false
	loop.RunOnLoop(func() { called = true })
	assert.True(t, called)
}

func TestLoop_QueueMicrotaskRunsBeforeNextTask(t *testing.T) {
	loop := startLoop(t)

	var events []string
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		events = append(events, "task1")
		_ = loop.QueueMicrotask(func() { events = append(events, "micro") })
	}))
	require.NoError(t, loop.Submit(func() {
		events = append(events, "task2")
		close(done)
	}))
	<-done

	assert.Equal(t, []string{"task1", "micro", "task2"}, events)
}
