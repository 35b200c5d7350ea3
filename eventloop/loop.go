package eventloop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// maxPollTimeout caps a single blocking wait, so the loop periodically
// re-evaluates its state even with nothing scheduled.
const maxPollTimeout = 10 * time.Second

// Loop is a single-threaded dispatcher. Exactly one goroutine runs the loop,
// and every task, timer callback and microtask executes on it, one at a time.
//
// Work reaches the loop through three FIFO queues:
//   - internal: timer bookkeeping and cross-goroutine settlements
//   - external: [Loop.Submit], everything else
//   - microtasks: promise continuations, drained after each task
//
// Each tick runs due timers, then the internal queue, then at most the
// ingress budget of external tasks, then blocks in the poller until the next
// deadline or a wake-up.
type Loop struct { // betteralign:ignore
	_ [0]func()

	state  *FastState
	opts   *loopOptions
	logger *logiface.Logger[logiface.Event]

	external   taskQueue
	internal   taskQueue
	microtasks taskQueue
	batchBuf   []Task

	timers     timerHeap
	timerIndex map[TimerID]*timer
	dueBuf     []dueTimer
	timerSeq   uint64
	timerMu    sync.Mutex

	poller      poller
	wakePending atomic.Uint32

	// holds counts keep-alive references, see Hold
	holds atomic.Int64

	pendingMu  sync.Mutex
	pending    map[*Promise]struct{}
	rejectMu   sync.Mutex
	rejections []*Promise

	promisifyWg sync.WaitGroup
	inflight    atomic.Int64

	stopOnce sync.Once
	loopDone chan struct{}

	tickAnchor      time.Time
	tickElapsedTime atomic.Int64
	loopGoroutineID atomic.Uint64
	tickCount       uint64

	untilIdle bool
}

// New creates a loop. The loop does nothing until Run or RunUntilIdle.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:      newFastState(),
		opts:       cfg,
		logger:     cfg.logger,
		batchBuf:   make([]Task, cfg.ingressBudget),
		timerIndex: make(map[TimerID]*timer),
		pending:    make(map[*Promise]struct{}),
		loopDone:   make(chan struct{}),
	}

	if err := l.poller.init(l.drainWakeup); err != nil {
		return nil, err
	}

	return l, nil
}

// Run executes the loop on the calling goroutine until Shutdown, Close, or
// ctx is done. A cancelled ctx returns ctx.Err() after draining.
func (l *Loop) Run(ctx context.Context) error {
	return l.start(ctx, false)
}

// RunUntilIdle is Run, except that it also returns (with a nil error) once
// the loop is idle: no queued tasks or microtasks, no live timers and no
// outstanding [Loop.Hold] references. The loop is terminated on return.
func (l *Loop) RunUntilIdle(ctx context.Context) error {
	return l.start(ctx, true)
}

func (l *Loop) start(ctx context.Context, untilIdle bool) error {
	if l.IsLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	l.untilIdle = untilIdle
	l.tickAnchor = time.Now()
	l.tickElapsedTime.Store(0)

	return l.run(ctx)
}

// Shutdown terminates the loop gracefully: queued tasks still run, pending
// promisified operations are rejected with [ErrLoopTerminated]. It blocks
// until the loop goroutine exits or ctx is done.
func (l *Loop) Shutdown(ctx context.Context) error {
	var result error
	l.stopOnce.Do(func() {
		result = l.requestStop(ctx, true)
	})
	if result == nil && l.state.Load() != StateTerminated {
		return ErrLoopTerminated
	}
	return result
}

// Close requests termination without waiting for the loop goroutine.
func (l *Loop) Close() error {
	return l.requestStop(context.Background(), false)
}

func (l *Loop) requestStop(ctx context.Context, wait bool) error {
	for {
		current := l.state.Load()
		if current == StateTerminated {
			return ErrLoopTerminated
		}
		if current == StateTerminating {
			break
		}
		if l.state.TryTransition(current, StateTerminating) {
			if current == StateAwake {
				l.state.Store(StateTerminated)
				l.rejectPending(ErrLoopTerminated)
				_ = l.poller.close()
				close(l.loopDone)
				return nil
			}
			l.forceWake()
			break
		}
	}

	if !wait {
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the loop has terminated.
func (l *Loop) Done() <-chan struct{} { return l.loopDone }

func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.forceWake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Bool("until_idle", l.untilIdle).Log("eventloop: started")

	for {
		select {
		case <-ctx.Done():
			l.beginTerminating()
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()

		if l.untilIdle && l.isIdle() {
			l.beginTerminating()
			l.shutdown()
			return nil
		}
	}
}

func (l *Loop) beginTerminating() {
	for {
		current := l.state.Load()
		if current == StateTerminating || current == StateTerminated {
			return
		}
		if l.state.TryTransition(current, StateTerminating) {
			return
		}
	}
}

// shutdown drains every queue, then marks the loop terminated.
func (l *Loop) shutdown() {
	// let promisified goroutines that are about to settle get their
	// submissions in before the queues close
	promisifyDone := make(chan struct{})
	go func() {
		l.promisifyWg.Wait()
		close(promisifyDone)
	}()
	select {
	case <-promisifyDone:
	case <-time.After(100 * time.Millisecond):
	}

	l.rejectPending(ErrLoopTerminated)

	const requiredEmptyChecks = 3
	emptyChecks := 0
	for emptyChecks < requiredEmptyChecks {
		for spins := 0; l.inflight.Load() > 0; spins++ {
			if spins > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		drained := false
		for _, queue := range [...]*taskQueue{&l.internal, &l.external, &l.microtasks} {
			for {
				task, ok := queue.Pop()
				if !ok {
					break
				}
				l.safeExecute(task)
				drained = true
			}
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}

		if emptyChecks == requiredEmptyChecks-1 {
			// reject before the final check so late submissions are refused
			l.state.Store(StateTerminated)
		}
	}

	l.reportUnhandledRejections()
	_ = l.poller.close()

	l.logger.Debug().Uint64("ticks", l.tickCount).Log("eventloop: terminated")
}

func (l *Loop) tick() {
	l.tickCount++
	l.tickElapsedTime.Store(int64(time.Since(l.tickAnchor)))

	l.runTimers()
	l.processInternal()
	l.processExternal()
	l.drainMicrotasks()
	l.poll()
	l.drainMicrotasks()
	l.reportUnhandledRejections()
}

func (l *Loop) processInternal() {
	// bounded by the length at entry, tasks queued meanwhile wait a tick
	for n := l.internal.Len(); n > 0; n-- {
		task, ok := l.internal.Pop()
		if !ok {
			break
		}
		l.safeExecute(task)
		if l.opts.strictMicrotaskMode {
			l.drainMicrotasks()
		}
	}
}

func (l *Loop) processExternal() {
	n := l.external.PopBatch(l.batchBuf, l.opts.ingressBudget)
	remaining := l.external.Len()

	for i := 0; i < n; i++ {
		task := l.batchBuf[i]
		l.batchBuf[i] = nil
		l.safeExecute(task)
		if l.opts.strictMicrotaskMode {
			l.drainMicrotasks()
		}
	}

	if remaining > 0 {
		l.logger.Trace().Int("remaining", remaining).Log("eventloop: ingress budget exhausted")
		if l.opts.onOverload != nil {
			l.opts.onOverload(ErrLoopOverloaded)
		}
	}
}

// drainMicrotasks runs microtasks until the queue is empty, including those
// queued by microtasks, bounded by the microtask budget.
func (l *Loop) drainMicrotasks() {
	for i := 0; i < l.opts.microtaskBudget; i++ {
		fn, ok := l.microtasks.Pop()
		if !ok {
			return
		}
		l.safeExecute(fn)
	}
}

func (l *Loop) poll() {
	if l.state.Load() != StateRunning {
		return
	}
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	if l.hasQueuedWork() || (l.untilIdle && l.isIdle()) {
		l.state.TryTransition(StateSleeping, StateRunning)
		return
	}

	timeout := l.calculateTimeout()

	if err := l.poller.poll(timeout); err != nil {
		l.logger.Crit().Err(err).Log("eventloop: poll failed, terminating")
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

func (l *Loop) hasQueuedWork() bool {
	return l.external.Len() > 0 || l.internal.Len() > 0 || l.microtasks.Len() > 0
}

// isIdle reports whether nothing could ever make the loop do more work.
func (l *Loop) isIdle() bool {
	return !l.hasQueuedWork() && l.liveTimers() == 0 && l.holds.Load() == 0
}

// calculateTimeout returns the poll timeout in milliseconds.
func (l *Loop) calculateTimeout() int {
	maxDelay := maxPollTimeout
	if d, ok := l.nextTimerDelay(time.Now()); ok && d < maxDelay {
		maxDelay = d
	}
	// sub-millisecond waits round up, never spin
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}
	ms := maxDelay / time.Millisecond
	if maxDelay%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// wake interrupts a sleeping loop. Redundant wake-ups are coalesced.
func (l *Loop) wake() {
	if l.state.Load() != StateSleeping {
		return
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.poller.wakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

// forceWake interrupts the loop regardless of its observed state.
func (l *Loop) forceWake() {
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.poller.wakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
}

func (l *Loop) drainWakeup() {
	l.wakePending.Store(0)
}

// Submit appends a task to the external queue. Safe from any goroutine,
// never blocks. Tasks submitted during shutdown still run.
func (l *Loop) Submit(task Task) error {
	return l.submitTo(&l.external, task)
}

// SubmitInternal appends a task to the internal queue, which each tick
// drains before the external queue.
func (l *Loop) SubmitInternal(task Task) error {
	return l.submitTo(&l.internal, task)
}

func (l *Loop) submitTo(q *taskQueue, task Task) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	if task == nil {
		return nil
	}

	q.Push(task)
	l.wake()
	return nil
}

// RunOnLoop runs fn on the loop goroutine: inline when called from it,
// otherwise as an internal task, so it lands ahead of promise settlements
// submitted afterwards by the same goroutine. Once the loop has terminated
// fn runs on the caller.
func (l *Loop) RunOnLoop(fn func()) {
	if l.IsLoopThread() {
		fn()
		return
	}
	if err := l.SubmitInternal(fn); err != nil {
		fn()
	}
}

// QueueMicrotask schedules fn to run after the current task, before the
// next task is taken from any queue.
func (l *Loop) QueueMicrotask(fn func()) error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	l.queueMicrotask(fn)
	return nil
}

func (l *Loop) queueMicrotask(fn func()) {
	l.microtasks.Push(fn)
	if !l.IsLoopThread() {
		l.wake()
	}
}

// Hold registers a keep-alive reference, preventing RunUntilIdle from
// returning until the returned release function is called. Release is
// idempotent and safe from any goroutine.
func (l *Loop) Hold() (release func()) {
	l.holds.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			if l.holds.Add(-1) == 0 {
				l.wake()
			}
		})
	}
}

// Holds returns the number of outstanding keep-alive references.
func (l *Loop) Holds() int64 { return l.holds.Load() }

// RegisterFD watches a raw file descriptor. The callback runs on the loop.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback func(events IOEvents)) error {
	if callback == nil {
		return ErrFDOutOfRange
	}
	return l.poller.registerFD(fd, events, func(ev IOEvents) {
		l.safeExecute(func() { callback(ev) })
	})
}

// UnregisterFD stops watching fd. Call it before closing the descriptor.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.unregisterFD(fd)
}

// ModifyFD changes the readiness interest for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.modifyFD(fd, events)
}

// CurrentTickTime returns the time at which the current tick started.
func (l *Loop) CurrentTickTime() time.Time {
	if l.tickAnchor.IsZero() {
		return time.Now()
	}
	return l.tickAnchor.Add(time.Duration(l.tickElapsedTime.Load()))
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Logger returns the configured logger, which may be nil.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			perr := PanicError{Value: r}
			l.logger.Err().Any("panic", r).Log("eventloop: task panicked")
			if l.opts.onPanic != nil {
				l.opts.onPanic(perr)
			}
		}
	}()
	fn()
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
