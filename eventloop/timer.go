package eventloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a scheduled timer. Zero is never a valid id.
type TimerID uint64

// minTimerResolution is the smallest effective delay or interval.
const minTimerResolution = time.Millisecond

type timer struct {
	fn        func()
	when      time.Time
	interval  time.Duration
	id        TimerID
	seq       uint64
	gen       uint64 // bumped by ResetTimer, stales any pending fire
	index     int    // heap index, -1 when not queued
	cancelled bool
}

// timerHeap orders by deadline, then by insertion sequence.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ScheduleTimer registers fn to run after delay. A positive interval makes
// the timer repeat until cancelled. Safe to call from any goroutine.
//
// Repeating timers are anchored to their previous deadline rather than to
// the time the callback ran. If the loop falls behind by more than one
// interval, the missed ticks are coalesced into a single invocation.
func (l *Loop) ScheduleTimer(delay, interval time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, ErrInvalidInterval
	}
	if interval < 0 {
		return 0, ErrInvalidInterval
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}
	if delay < 0 {
		delay = 0
	}
	if interval > 0 && interval < minTimerResolution {
		interval = minTimerResolution
	}

	l.timerMu.Lock()
	l.timerSeq++
	t := &timer{
		id:       TimerID(l.timerSeq),
		seq:      l.timerSeq,
		when:     time.Now().Add(delay),
		interval: interval,
		fn:       fn,
	}
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	first := t.index == 0
	l.timerMu.Unlock()

	if first && !l.IsLoopThread() {
		l.wake()
	}
	return t.id, nil
}

// CancelTimer stops a timer. A cancelled timer never runs its callback, even
// if it already came due in the current tick. Cancelling an unknown or
// finished timer returns [ErrTimerNotFound] and has no other effect.
func (l *Loop) CancelTimer(id TimerID) error {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	t, ok := l.timerIndex[id]
	if !ok {
		return ErrTimerNotFound
	}
	t.cancelled = true
	delete(l.timerIndex, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return nil
}

// ResetTimer re-anchors a live timer so its next deadline is now+interval.
// For a repeating timer, interval also replaces the repeat period. A zero
// interval keeps the existing period.
func (l *Loop) ResetTimer(id TimerID, interval time.Duration) error {
	if interval < 0 {
		return ErrInvalidInterval
	}
	l.timerMu.Lock()
	t, ok := l.timerIndex[id]
	if !ok {
		l.timerMu.Unlock()
		return ErrTimerNotFound
	}
	if interval == 0 {
		interval = t.interval
	} else if interval < minTimerResolution {
		interval = minTimerResolution
	}
	if t.interval > 0 {
		t.interval = interval
	}
	l.timerSeq++
	t.seq = l.timerSeq
	t.gen++
	t.when = time.Now().Add(interval)
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
	} else {
		heap.Push(&l.timers, t)
	}
	first := t.index == 0
	l.timerMu.Unlock()

	if first && !l.IsLoopThread() {
		l.wake()
	}
	return nil
}

// liveTimers returns the number of timers that may still fire.
func (l *Loop) liveTimers() int {
	l.timerMu.Lock()
	n := len(l.timerIndex)
	l.timerMu.Unlock()
	return n
}

// nextTimerDelay returns the wait until the earliest deadline, or false.
func (l *Loop) nextTimerDelay(now time.Time) (time.Duration, bool) {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	d := l.timers[0].when.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}

// dueTimer is a fired timer awaiting execution within the current tick.
type dueTimer struct {
	fn      func()
	id      TimerID
	gen     uint64
	oneShot bool
}

// collectDueTimers pops every timer due at now, in deadline order, and
// reschedules the repeating ones before any callback runs.
func (l *Loop) collectDueTimers(now time.Time, due []dueTimer) []dueTimer {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		due = append(due, dueTimer{id: t.id, fn: t.fn, gen: t.gen, oneShot: t.interval <= 0})
		if t.interval <= 0 {
			continue
		}
		next := t.when.Add(t.interval)
		if !next.After(now) {
			missed := now.Sub(t.when) / t.interval
			next = t.when.Add((missed + 1) * t.interval)
		}
		l.timerSeq++
		t.seq = l.timerSeq
		t.when = next
		heap.Push(&l.timers, t)
	}
	return due
}

// runTimers executes the callbacks of every due timer.
func (l *Loop) runTimers() {
	due := l.collectDueTimers(time.Now(), l.dueBuf[:0])
	for i := range due {
		d := due[i]
		due[i] = dueTimer{}
		if !l.claimTimer(d) {
			continue
		}
		l.safeExecute(d.fn)
		if l.opts.strictMicrotaskMode {
			l.drainMicrotasks()
		}
	}
	l.dueBuf = due[:0]
}

// claimTimer re-checks cancellation at the top of a timer task. One-shot
// timers are retired here, so they count as live until they actually run.
// A timer reset after it was collected has been requeued with a new
// deadline, so the stale fire is dropped.
func (l *Loop) claimTimer(d dueTimer) bool {
	l.timerMu.Lock()
	defer l.timerMu.Unlock()
	t, ok := l.timerIndex[d.id]
	if !ok || t.cancelled || t.gen != d.gen {
		return false
	}
	if d.oneShot {
		delete(l.timerIndex, d.id)
	}
	return true
}
