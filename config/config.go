// Package config loads the runtime's TOML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/logiface"
)

var (
	// ErrUnknownKey is returned when the file sets a key this package does
	// not define. The message lists every such key.
	ErrUnknownKey = errors.New("config: unknown key")
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("config: invalid value")
)

// Duration is a time.Duration written as a string, e.g. "250ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std converts to time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type (
	Config struct {
		Log    Log    `toml:"log"`
		Script Script `toml:"script"`
		Client Client `toml:"client"`
		HTTP   HTTP   `toml:"http"`
		Loop   Loop   `toml:"loop"`
	}

	Log struct {
		// Level is a logiface level keyword: trace, debug, info, notice,
		// warning, err, crit, alert, emerg or disabled.
		Level  string `toml:"level"`
		Format string `toml:"format"`
	}

	Loop struct {
		// IngressBudget bounds the tasks run per tick before timers and
		// I/O get a turn. Zero keeps the loop's default.
		IngressBudget int `toml:"ingress_budget"`
	}

	HTTP struct {
		ReadTimeout       Duration `toml:"read_timeout"`
		WriteTimeout      Duration `toml:"write_timeout"`
		IdleTimeout       Duration `toml:"idle_timeout"`
		ReadHeaderTimeout Duration `toml:"read_header_timeout"`
		ShutdownTimeout   Duration `toml:"shutdown_timeout"`
		MaxBodyBytes      int64    `toml:"max_body_bytes"`
		MaxHeaderBytes    int      `toml:"max_header_bytes"`
		MaxConnections    int      `toml:"max_connections"`
	}

	Client struct {
		Timeout Duration `toml:"timeout"`
	}

	Script struct {
		BaseDir string `toml:"base_dir"`
	}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	d := httpserver.DefaultConfig()
	return &Config{
		Log: Log{Level: "info", Format: "json"},
		HTTP: HTTP{
			ReadTimeout:       Duration(d.ReadTimeout),
			WriteTimeout:      Duration(d.WriteTimeout),
			IdleTimeout:       Duration(d.IdleTimeout),
			ReadHeaderTimeout: Duration(d.ReadHeaderTimeout),
			ShutdownTimeout:   Duration(d.ShutdownTimeout),
			MaxBodyBytes:      d.MaxBodyBytes,
			MaxHeaderBytes:    d.MaxHeaderBytes,
		},
		Client: Client{Timeout: Duration(30 * time.Second)},
		Script: Script{BaseDir: "."},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(string(b))
}

// Parse is Load for an in-memory document.
func Parse(doc string) (*Config, error) {
	c := Default()
	md, err := toml.Decode(doc, c)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first invalid value.
func (c *Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q, only json is supported", ErrInvalid, c.Log.Format)
	}
	if c.Loop.IngressBudget < 0 {
		return fmt.Errorf("%w: loop.ingress_budget is negative", ErrInvalid)
	}
	if c.Client.Timeout < 0 {
		return fmt.Errorf("%w: client.timeout is negative", ErrInvalid)
	}
	if err := c.ServerConfig().Validate(); err != nil {
		return fmt.Errorf("%w: http: %v", ErrInvalid, err)
	}
	return nil
}

// ServerConfig maps the [http] section.
func (c *Config) ServerConfig() httpserver.Config {
	return httpserver.Config{
		ReadTimeout:       c.HTTP.ReadTimeout.Std(),
		WriteTimeout:      c.HTTP.WriteTimeout.Std(),
		IdleTimeout:       c.HTTP.IdleTimeout.Std(),
		ReadHeaderTimeout: c.HTTP.ReadHeaderTimeout.Std(),
		ShutdownTimeout:   c.HTTP.ShutdownTimeout.Std(),
		MaxBodyBytes:      c.HTTP.MaxBodyBytes,
		MaxHeaderBytes:    c.HTTP.MaxHeaderBytes,
		MaxConnections:    c.HTTP.MaxConnections,
	}
}

// ParseLevel maps a level keyword, as printed by logiface.Level.String.
// "warn", "error" and "information" are accepted as aliases.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off":
		return logiface.LevelDisabled, nil
	case "emerg":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "information":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	}
	return logiface.LevelDisabled, fmt.Errorf("%w: log.level %q", ErrInvalid, s)
}
