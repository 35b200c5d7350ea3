package proxy

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joeycumines/go-swruntime/httpclient"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/logiface"
)

// DefaultDialTimeout bounds the upstream dial of each TCP connection.
const DefaultDialTimeout = 10 * time.Second

// Directions reported by DataInfo and ErrorInfo.
const (
	ClientToTarget = "client->target"
	TargetToClient = "target->client"
)

// ErrInvalidTarget is returned for a target that cannot be proxied to.
var ErrInvalidTarget = errors.New("proxy: invalid target")

// ConnectionInfo is the payload of a TCP "connection" event.
type ConnectionInfo struct {
	RemoteAddr string
	Target     string
}

// DataInfo is the payload of a TCP "data" event.
type DataInfo struct {
	Direction string
	Bytes     int
}

// ErrorInfo is the payload of an "error" event. Direction is set by the
// TCP proxy, URL by the HTTP proxy.
type ErrorInfo struct {
	Err       error
	Direction string
	URL       string
}

func (e ErrorInfo) Error() string { return e.Err.Error() }

func (e ErrorInfo) Unwrap() error { return e.Err }

// RequestInfo is the payload of an HTTP "request" event.
type RequestInfo struct {
	Header     http.Header
	Method     string
	URL        string
	Path       string
	Host       string
	RemoteAddr string
}

// ResponseInfo is the payload of an HTTP "response" event.
type ResponseInfo struct {
	Header     http.Header
	StatusText string
	Status     int
}

// Option configures a TCPProxy or HTTPProxy.
type Option interface {
	applyOption(*options)
}

type options struct {
	logger      *logiface.Logger[logiface.Event]
	client      *httpclient.Client
	serverCfg   httpserver.Config
	dialTimeout time.Duration
	timeout     time.Duration
}

type optionFunc func(*options)

func (f optionFunc) applyOption(o *options) { f(o) }

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

// WithDialTimeout bounds the upstream dial of the TCP proxy.
func WithDialTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) { o.dialTimeout = d })
}

// WithTimeout bounds each upstream HTTP exchange. Zero uses the server's
// WriteTimeout.
func WithTimeout(d time.Duration) Option {
	return optionFunc(func(o *options) { o.timeout = d })
}

// WithClient replaces the upstream HTTP client. The default one does not
// follow redirects, passing them to the caller instead.
func WithClient(c *httpclient.Client) Option {
	return optionFunc(func(o *options) { o.client = c })
}

// WithServerConfig configures the HTTP proxy's listening side.
func WithServerConfig(cfg httpserver.Config) Option {
	return optionFunc(func(o *options) { o.serverCfg = cfg })
}

func resolveOptions(opts []Option) *options {
	o := &options{dialTimeout: DefaultDialTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(o)
		}
	}
	if o.serverCfg == (httpserver.Config{}) {
		o.serverCfg = httpserver.DefaultConfig()
	}
	return o
}

// reasonError converts a promise rejection reason to an error.
func reasonError(reason any) error {
	if err, ok := reason.(error); ok {
		return err
	}
	return fmt.Errorf("%v", reason)
}
