// Package eventloop implements the concurrency core of the script runtime: a
// single-threaded dispatcher that owns the script execution slot, fed by
// FIFO task queues, a timer heap, and a platform poller.
//
// # Execution Model
//
// Every callback (task, timer, microtask, promise reaction, event listener)
// runs on the goroutine that called [Loop.Run] or [Loop.RunUntilIdle], one at
// a time, to completion. Native work happens on other goroutines and hands
// its results back through [Loop.Submit], [Loop.SubmitInternal] or a
// [Promise], which is the only way state crosses into the loop.
//
// Task priority ordering within each tick:
//  1. Due timers (earliest deadline first, ties in scheduling order)
//  2. Internal queue tasks ([Loop.SubmitInternal])
//  3. External queue tasks ([Loop.Submit]), up to the ingress budget
//  4. Microtasks, drained after every task of the above
//
// # Liveness
//
// [Loop.RunUntilIdle] returns once there is nothing left that could produce
// work: no queued tasks, no live timers, and no keep-alive references taken
// with [Loop.Hold]. Listeners, open connections and in-flight native
// operations hold the loop open.
//
// # Platform Support
//
// On Linux the loop blocks in epoll, woken by an eventfd, and exposes raw
// descriptor readiness via [Loop.RegisterFD]. Elsewhere a channel-based
// fallback is used and RegisterFD is unsupported.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//
//	_ = loop.Submit(func() {
//	    _, _ = loop.ScheduleTimer(100*time.Millisecond, 0, func() {
//	        fmt.Println("Hello after 100ms")
//	    })
//	})
//
//	if err := loop.RunUntilIdle(ctx); err != nil {
//	    return err
//	}
package eventloop
