package rawnet

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed server or socket.
	ErrClosed = errors.New("rawnet: closed")
	// ErrAlreadyBound is returned by a second Listen or Bind.
	ErrAlreadyBound = errors.New("rawnet: already bound")
)

// OpError describes a failed bind or dial.
type OpError struct {
	Err  error
	Op   string
	Addr string
}

func (e *OpError) Error() string {
	return fmt.Sprintf("rawnet: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
