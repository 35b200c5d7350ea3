package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/logiface"
)

// Handler serves a request on the loop goroutine. It may commit the response
// later, from a subsequent task, as long as it does so within WriteTimeout.
type Handler func(c *Context)

// Middleware wraps the rest of the chain. Not calling next short-circuits it.
type Middleware func(c *Context, next func())

// Request is a fully read request. Body is limited to Config.MaxBodyBytes.
type Request struct {
	raw        *http.Request
	Header     http.Header
	Query      url.Values
	Params     map[string]string
	URL        *url.URL
	Method     string
	Path       string
	Host       string
	RemoteAddr string
	Body       []byte
}

func newRequest(r *http.Request, params map[string]string, body []byte) *Request {
	if params == nil {
		params = make(map[string]string)
	}
	return &Request{
		raw:        r,
		Header:     r.Header,
		Query:      r.URL.Query(),
		Params:     params,
		URL:        r.URL,
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		Body:       body,
	}
}

// Param returns a path parameter, empty if absent.
func (r *Request) Param(name string) string { return r.Params[name] }

// JSON decodes the body into v.
func (r *Request) JSON(v any) error {
	if len(r.Body) == 0 {
		return io.ErrUnexpectedEOF
	}
	return json.Unmarshal(r.Body, v)
}

// IP is the client address without the port.
func (r *Request) IP() string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (r *Request) UserAgent() string { return r.Header.Get("User-Agent") }

// Context is cancelled when the client goes away.
func (r *Request) Context() context.Context {
	if r.raw == nil {
		return context.Background()
	}
	return r.raw.Context()
}

// Context carries one request through the middleware chain.
type Context struct {
	Request  *Request
	Response *Response
	server   *Server
	values   map[string]any
}

func (c *Context) Loop() *eventloop.Loop { return c.server.loop }

func (c *Context) Logger() *logiface.Logger[logiface.Event] { return c.server.logger }

// Set stores a value for later middleware or the handler.
func (c *Context) Set(key string, value any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Error reports a handler failure. A 500 is sent unless the response was
// already committed.
func (c *Context) Error(err error) {
	if err == nil {
		err = errors.New("handler failed")
	}
	c.server.logger.Err().
		Str("method", c.Request.Method).
		Str("path", c.Request.Path).
		Err(err).
		Log("httpserver: handler error")
	c.Response.fail(http.StatusInternalServerError)
}
