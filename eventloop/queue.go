package eventloop

import (
	"sync"
)

// chunkSize is the number of tasks per queue chunk.
const chunkSize = 128

// Task is a unit of work executed on the loop goroutine.
type Task func()

type chunk struct {
	tasks [chunkSize]Task
	next  *chunk
	// pos is the next read index, n is the next write index
	pos int
	n   int
}

var chunkPool = sync.Pool{
	New: func() any { return new(chunk) },
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.n = 0
	c.next = nil
	return c
}

func releaseChunk(c *chunk) {
	for i := c.pos; i < c.n; i++ {
		c.tasks[i] = nil
	}
	c.pos = 0
	c.n = 0
	c.next = nil
	chunkPool.Put(c)
}

// taskQueue is an unbounded multi-producer single-consumer FIFO.
//
// Storage is a linked list of fixed-size chunks recycled through a pool,
// so steady-state operation does not allocate. Order is strictly the order
// in which Push calls acquired the lock.
type taskQueue struct {
	head   *chunk
	tail   *chunk
	mu     sync.Mutex
	length int
}

func (q *taskQueue) Push(t Task) {
	q.mu.Lock()
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}
	if q.tail.n == chunkSize {
		c := newChunk()
		q.tail.next = c
		q.tail = c
	}
	q.tail.tasks[q.tail.n] = t
	q.tail.n++
	q.length++
	q.mu.Unlock()
}

func (q *taskQueue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *taskQueue) popLocked() (Task, bool) {
	if q.head == nil || q.length == 0 {
		return nil, false
	}
	for q.head.pos == q.head.n {
		if q.head.next == nil {
			return nil, false
		}
		old := q.head
		q.head = old.next
		releaseChunk(old)
	}
	t := q.head.tasks[q.head.pos]
	q.head.tasks[q.head.pos] = nil
	q.head.pos++
	q.length--
	if q.head.pos == q.head.n && q.head.next == nil {
		// keep the single chunk, rewound
		q.head.pos = 0
		q.head.n = 0
	}
	return t, true
}

// PopBatch moves up to max tasks into buf, returning the count.
func (q *taskQueue) PopBatch(buf []Task, max int) int {
	if max > len(buf) {
		max = len(buf)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < max {
		t, ok := q.popLocked()
		if !ok {
			break
		}
		buf[n] = t
		n++
	}
	return n
}

func (q *taskQueue) Len() int {
	q.mu.Lock()
	n := q.length
	q.mu.Unlock()
	return n
}
