// Package proxy forwards traffic to a single upstream from the event loop.
//
// A [TCPProxy] accepts connections with a rawnet server and pipes each one,
// in both directions, to a freshly dialed connection to the target. Reads
// from one side pause while the other side's write buffer is over its high
// water mark, and resume on drain.
//
// An [HTTPProxy] serves every path with an httpserver route that replays
// the request upstream through an httpclient.Client. Upstream failures are
// answered with 502 Bad Gateway.
//
// Both emit their events on the loop goroutine:
//
//	TCPProxy:  "connection" (ConnectionInfo), "data" (DataInfo),
//	           "error" (ErrorInfo), "close" (nil)
//	HTTPProxy: "request" (RequestInfo), "response" (ResponseInfo),
//	           "error" (ErrorInfo), "close" (nil)
package proxy
