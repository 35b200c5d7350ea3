// Package rawnet exposes raw TCP and UDP sockets on the event loop.
//
// A [TCPServer] emits a "connection" event, carrying a *reactor.Conn, for
// each accepted socket. The connection is already open, so listeners may
// write to it, and its data events arrive as later tasks, so none is missed. [DialTCP] resolves to a started
// *reactor.Conn. A [UDPSocket] emits one "message" event per datagram.
//
// Every bound or connected socket is registered in the connection registry
// and holds the loop alive until it closes.
package rawnet
