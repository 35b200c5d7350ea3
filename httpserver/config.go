package httpserver

import (
	"fmt"
	"time"
)

// Config holds the listener limits. The zero value of a field means its
// default, see DefaultConfig.
type Config struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
	// MaxConnections caps concurrently accepted connections. Zero is unlimited.
	MaxConnections int
	// WSHighWater is the buffered byte count at which WebSocket sends start
	// reporting WriteQueued. Zero selects reactor.DefaultWriteHighWater.
	WSHighWater int
}

// DefaultConfig returns the defaults applied to zero fields.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		MaxHeaderBytes:    8 << 10,
		MaxBodyBytes:      10 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxHeaderBytes == 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	return c
}

// Validate rejects negative values. Zero values are valid and select the
// default.
func (c Config) Validate() error {
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"read timeout", c.ReadTimeout},
		{"write timeout", c.WriteTimeout},
		{"idle timeout", c.IdleTimeout},
		{"read header timeout", c.ReadHeaderTimeout},
		{"shutdown timeout", c.ShutdownTimeout},
	} {
		if d.v < 0 {
			return fmt.Errorf("httpserver: %s must not be negative: %s", d.name, d.v)
		}
	}
	if c.MaxHeaderBytes < 0 {
		return fmt.Errorf("httpserver: max header bytes must not be negative: %d", c.MaxHeaderBytes)
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("httpserver: max body bytes must not be negative: %d", c.MaxBodyBytes)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("httpserver: max connections must not be negative: %d", c.MaxConnections)
	}
	if c.WSHighWater < 0 {
		return fmt.Errorf("httpserver: websocket high water must not be negative: %d", c.WSHighWater)
	}
	return nil
}
