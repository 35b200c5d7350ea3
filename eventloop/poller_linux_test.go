//go:build linux

package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoop_RegisterFD_ReadReadiness(t *testing.T) {
	loop := startLoop(t)

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	ready := make(chan IOEvents, 1)
	require.NoError(t, loop.RegisterFD(fds[0], EventRead, func(ev IOEvents) {
		var buf [16]byte
		_, _ = unix.Read(fds[0], buf[:])
		select {
		case ready <- ev:
		default:
		}
	}))
	assert.ErrorIs(t, loop.RegisterFD(fds[0], EventRead, func(IOEvents) {}), ErrFDAlreadyRegistered)

	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-ready:
		assert.NotZero(t, ev&EventRead)
	case <-time.After(5 * time.Second):
		t.Fatal("readiness callback not invoked")
	}

	require.NoError(t, loop.ModifyFD(fds[0], EventRead|EventWrite))
	require.NoError(t, loop.UnregisterFD(fds[0]))
	assert.ErrorIs(t, loop.UnregisterFD(fds[0]), ErrFDNotRegistered)
	assert.ErrorIs(t, loop.ModifyFD(fds[0], EventRead), ErrFDNotRegistered)
}

func TestLoop_RegisterFD_OutOfRange(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()
	assert.ErrorIs(t, loop.RegisterFD(-1, EventRead, func(IOEvents) {}), ErrFDOutOfRange)
}
