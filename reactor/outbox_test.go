package reactor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutbox_WritesInOrder(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	flushed := make(chan struct{})
	o := NewOutbox(OutboxConfig{
		Write: func(m Message) error {
			mu.Lock()
			got = append(got, string(m.Data))
			mu.Unlock()
			return nil
		},
		OnFlushed: func() { close(flushed) },
	})
	for _, s := range []string{"a", "b", "c"} {
		assert.Equal(t, WriteOK, o.Push([]byte(s), 0))
	}
	o.End()
	assert.Equal(t, WriteClosed, o.Push([]byte("late"), 0))

	select {
	case <-flushed:
	case <-time.After(5 * time.Second):
		t.Fatal("outbox never flushed")
	}
	<-o.Done()
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Zero(t, o.Buffered())
}

func TestOutbox_HighWaterAndDrain(t *testing.T) {
	gate := make(chan struct{})
	drained := make(chan struct{}, 1)
	o := NewOutbox(OutboxConfig{
		HighWater: 8,
		Write: func(Message) error {
			<-gate
			return nil
		},
		OnDrain: func() { drained <- struct{}{} },
	})
	defer o.Close()

	assert.Equal(t, WriteOK, o.Push([]byte("1234"), 0))
	assert.Equal(t, WriteQueued, o.Push([]byte("5678"), 0))
	assert.Equal(t, WriteQueued, o.Push([]byte("9"), 0))
	assert.Equal(t, 9, o.Buffered())

	close(gate)
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("no drain notification")
	}
	assert.Eventually(t, func() bool { return o.Buffered() == 0 }, 5*time.Second, time.Millisecond)
}

func TestOutbox_PushCopies(t *testing.T) {
	got := make(chan []byte, 1)
	o := NewOutbox(OutboxConfig{Write: func(m Message) error { got <- m.Data; return nil }})
	defer o.Close()

	buf := []byte("abc")
	o.Push(buf, 7)
	buf[0] = 'x'
	assert.Equal(t, []byte("abc"), <-got)
}

func TestOutbox_ErrorStopsWriter(t *testing.T) {
	boom := errors.New("boom")
	errs := make(chan error, 2)
	o := NewOutbox(OutboxConfig{
		Write:   func(Message) error { return boom },
		OnError: func(err error) { errs <- err },
	})
	o.Push([]byte("x"), 0)
	<-o.Done()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, <-errs, boom)
	assert.Equal(t, WriteClosed, o.Push([]byte("y"), 0))
}

func TestOutbox_CloseDiscardsBacklog(t *testing.T) {
	gate := make(chan struct{})
	var writes int
	o := NewOutbox(OutboxConfig{
		Write: func(Message) error {
			<-gate
			writes++
			return nil
		},
		OnFlushed: func() { t.Error("flushed after close") },
	})
	o.Push([]byte("a"), 0)
	o.Push([]byte("b"), 0)
	o.Push([]byte("c"), 0)
	o.Close()
	close(gate)
	<-o.Done()
	assert.LessOrEqual(t, writes, 1)
	assert.Zero(t, o.Buffered())
}
