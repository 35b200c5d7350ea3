package httpserver

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyListening is returned by a second Listen on the same server.
	ErrAlreadyListening = errors.New("httpserver: already listening")
	// ErrServerClosed is returned by operations on a closed server.
	ErrServerClosed = errors.New("httpserver: server closed")
	// ErrInvalidPattern is returned for a malformed route pattern.
	ErrInvalidPattern = errors.New("httpserver: invalid route pattern")
)

// ListenError is a bind or TLS setup failure. It is fatal to the listener
// that reported it only.
type ListenError struct {
	Err  error
	Addr string
}

func (e *ListenError) Error() string {
	return fmt.Sprintf("httpserver: listen %s: %v", e.Addr, e.Err)
}

func (e *ListenError) Unwrap() error { return e.Err }
