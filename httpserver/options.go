package httpserver

import (
	"crypto/tls"

	"github.com/joeycumines/logiface"
)

// Option configures a Server.
type Option interface {
	applyOption(*serverOptions) error
}

type serverOptions struct {
	logger    *logiface.Logger[logiface.Event]
	tlsConfig *tls.Config
}

type optionFunc func(*serverOptions) error

func (f optionFunc) applyOption(o *serverOptions) error { return f(o) }

// WithLogger sets the server logger. Nil disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(o *serverOptions) error {
		o.logger = logger
		return nil
	})
}

// WithTLSConfig sets the base TLS configuration for ListenTLS. The
// certificate passed to ListenTLS is added to a clone of it.
func WithTLSConfig(cfg *tls.Config) Option {
	return optionFunc(func(o *serverOptions) error {
		o.tlsConfig = cfg
		return nil
	})
}

func resolveOptions(opts []Option) (*serverOptions, error) {
	o := new(serverOptions)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyOption(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}
