// Package reactor turns network sockets into loop-driven handles.
//
// Each handle pairs a native socket with goroutines that perform the
// blocking reads and writes, parked in the Go runtime's netpoller
// (epoll/kqueue) until the socket is ready. Completed operations are handed
// to the [eventloop.Loop] as tasks, so script-level callbacks only ever
// observe finished I/O and never block the execution slot.
//
// Stream handles ([Conn]) emit, in the order the underlying I/O occurred:
//
//	data     []byte, a completed read
//	drain    nil, the write buffer fell back below its high-water mark
//	end      nil, the peer finished sending
//	timeout  error, a read, write or idle deadline expired
//	error    error, the handle failed
//	close    bool, exactly once, true if the handle closed due to an error
//
// Packet handles ([PacketConn]) emit message, error and close.
package reactor
