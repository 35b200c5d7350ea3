package rawnet

import (
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/logiface"
)

// Option configures a TCPServer, DialTCP or UDPSocket.
type Option interface {
	applyOption(*options)
}

type options struct {
	logger  *logiface.Logger[logiface.Event]
	setup   func(*reactor.Conn)
	network string
	conn    reactor.Options
}

type optionFunc func(*options)

func (f optionFunc) applyOption(o *options) { f(o) }

// WithLogger sets the logger, which is also passed to each connection.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *options) { o.logger = logger })
}

// WithConnOptions sets the options of every connection created.
func WithConnOptions(opts reactor.Options) Option {
	return optionFunc(func(o *options) { o.conn = opts })
}

// WithSetup registers fn to run on the loop for each dialed connection,
// after registration and before it starts reading.
func WithSetup(fn func(*reactor.Conn)) Option {
	return optionFunc(func(o *options) { o.setup = fn })
}

// WithNetwork overrides the network, e.g. "tcp4" or "udp6".
func WithNetwork(network string) Option {
	return optionFunc(func(o *options) { o.network = network })
}

func resolveOptions(network string, opts []Option) *options {
	o := &options{network: network}
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(o)
		}
	}
	if o.conn.Logger == nil {
		o.conn.Logger = o.logger
	}
	return o
}
