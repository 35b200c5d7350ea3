package reactor

import (
	"errors"
)

var (
	// ErrIdleTimeout closes a handle that saw no reads or writes for its
	// configured idle timeout.
	ErrIdleTimeout = errors.New("reactor: idle timeout")

	// ErrClosed is returned by operations on a closed handle that cannot be
	// silently ignored.
	ErrClosed = errors.New("reactor: handle closed")

	// ErrNotStarted is returned when using a handle before Start.
	ErrNotStarted = errors.New("reactor: handle not started")
)
