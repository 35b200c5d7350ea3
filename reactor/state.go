package reactor

// State is the lifecycle of a handle.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WriteStatus is the outcome of a non-blocking write.
type WriteStatus int

const (
	// WriteOK means the data was buffered and the buffer is below its
	// high-water mark.
	WriteOK WriteStatus = iota
	// WriteQueued means the data was buffered but the buffer is at or over
	// its high-water mark. Callers should wait for a drain event.
	WriteQueued
	// WriteClosed means the handle is closing or closed. The data was
	// dropped and no error is reported.
	WriteClosed
)

func (s WriteStatus) String() string {
	switch s {
	case WriteOK:
		return "ok"
	case WriteQueued:
		return "queued"
	case WriteClosed:
		return "closed"
	default:
		return "unknown"
	}
}
