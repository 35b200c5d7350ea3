package gojaruntime

import (
	"github.com/joeycumines/go-swruntime/httpclient"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

// Option configures a Runtime.
type Option interface {
	applyOption(*runtimeOptions)
}

type runtimeOptions struct {
	logger    *logiface.Logger[logiface.Event]
	registry  *registry.Registry
	client    *httpclient.Client
	onError   func(error)
	baseDir   string
	serverCfg httpserver.Config
}

type optionFunc func(*runtimeOptions)

func (f optionFunc) applyOption(o *runtimeOptions) { f(o) }

// WithLogger sets the logger used for console output and runtime
// diagnostics.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *runtimeOptions) { o.logger = logger })
}

// WithRegistry shares a connection registry. By default each runtime has
// its own.
func WithRegistry(reg *registry.Registry) Option {
	return optionFunc(func(o *runtimeOptions) { o.registry = reg })
}

// WithHTTPClient sets the client behind the http module.
func WithHTTPClient(c *httpclient.Client) Option {
	return optionFunc(func(o *runtimeOptions) { o.client = c })
}

// WithServerConfig sets the defaults for servers created by scripts. Keys
// passed to createServer override them.
func WithServerConfig(cfg httpserver.Config) Option {
	return optionFunc(func(o *runtimeOptions) { o.serverCfg = cfg })
}

// WithBaseDir sets the directory relative script paths resolve against.
func WithBaseDir(dir string) Option {
	return optionFunc(func(o *runtimeOptions) { o.baseDir = dir })
}

// WithOnError is called, on the loop, for every uncaught script error.
func WithOnError(fn func(error)) Option {
	return optionFunc(func(o *runtimeOptions) { o.onError = fn })
}
