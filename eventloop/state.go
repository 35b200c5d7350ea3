package eventloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle state of a [Loop].
//
// Transitions:
//
//	StateAwake       -> StateRunning      [Run]
//	StateRunning     -> StateSleeping     [poll, CAS]
//	StateSleeping    -> StateRunning      [poll wake, CAS]
//	StateRunning     -> StateTerminating  [Shutdown, Close, ctx]
//	StateSleeping    -> StateTerminating  [Shutdown, Close, ctx]
//	StateAwake       -> StateTerminated   [Shutdown before Run]
//	StateTerminating -> StateTerminated   [drain complete]
//
// Running and Sleeping must only ever be entered via TryTransition.
type LoopState uint64

const (
	StateAwake       LoopState = 0
	StateTerminated  LoopState = 1
	StateSleeping    LoopState = 2
	StateRunning     LoopState = 3
	StateTerminating LoopState = 4
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// FastState is a lock-free state cell, padded to its own cache line.
type FastState struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint64
	_ [56]byte //nolint:unused
}

func newFastState() *FastState {
	s := &FastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

// Load returns the current state.
func (s *FastState) Load() LoopState { return LoopState(s.v.Load()) }

// Store unconditionally sets the state. Only valid for terminal states.
func (s *FastState) Store(state LoopState) { s.v.Store(uint64(state)) }

// TryTransition performs a CAS from one state to another.
func (s *FastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning reports Running or Sleeping.
func (s *FastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

// CanAcceptWork reports whether Submit would currently be accepted.
func (s *FastState) CanAcceptWork() bool {
	return s.Load() != StateTerminated
}
