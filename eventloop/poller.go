package eventloop

// IOEvents is a readiness bit set for [Loop.RegisterFD].
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// IOCallback receives the readiness observed for a registered descriptor.
type IOCallback func(IOEvents)
