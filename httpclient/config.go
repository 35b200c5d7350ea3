package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"
)

var (
	// ErrUnknownConfigKey is returned by DecodeConfig for a key it does not
	// recognize.
	ErrUnknownConfigKey = errors.New("httpclient: unknown config key")
	// ErrInvalidConfig is returned by DecodeConfig for a value of the wrong
	// type.
	ErrInvalidConfig = errors.New("httpclient: invalid config value")
	// ErrResponseTooLarge is returned when a body exceeds the client limit.
	ErrResponseTooLarge = errors.New("httpclient: response body too large")
)

// Response types.
const (
	ResponseJSON        = "json"
	ResponseText        = "text"
	ResponseArrayBuffer = "arraybuffer"
)

// Auth is HTTP basic authentication.
type Auth struct {
	Username string
	Password string
}

// Config is the per-request configuration.
type Config struct {
	// Data is the request body: a string or []byte is sent as is, anything
	// else as JSON.
	Data    any
	Headers map[string]string
	Params  map[string]string
	Auth    *Auth

	// TransformRequest may replace Data before it is encoded.
	TransformRequest func(data any) (any, error)
	// TransformResponse may replace the decoded response data.
	TransformResponse func(data any) (any, error)
	// BeforeRequest sees the outgoing request.
	BeforeRequest func(req *http.Request) error
	// AfterResponse sees the response before it is returned.
	AfterResponse func(resp *Response) error

	// ResponseType is json (the default; non-JSON bodies fall back to text),
	// text or arraybuffer.
	ResponseType string
	// FilePath streams the body to a file instead of decoding it.
	FilePath string
	Timeout  time.Duration
}

var configKeys = []string{
	"headers", "params", "data", "auth", "timeout", "responseType", "filePath",
	"transformRequest", "transformResponse", "beforeRequest", "afterResponse",
}

// DecodeConfig builds a Config from a generic map, as produced by a script
// engine. Timeouts are milliseconds or duration strings.
func DecodeConfig(m map[string]any) (Config, error) {
	var cfg Config
	var unknown []string
	for k := range m {
		if !slices.Contains(configKeys, k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return cfg, fmt.Errorf("%w: %s (allowed: %s)", ErrUnknownConfigKey, strings.Join(unknown, ", "), strings.Join(configKeys, ", "))
	}

	var err error
	if v, ok := m["headers"]; ok && v != nil {
		if cfg.Headers, err = stringMap("headers", v); err != nil {
			return cfg, err
		}
	}
	if v, ok := m["params"]; ok && v != nil {
		if cfg.Params, err = stringMap("params", v); err != nil {
			return cfg, err
		}
	}
	cfg.Data = m["data"]
	if v, ok := m["auth"]; ok && v != nil {
		am, err := stringMap("auth", v)
		if err != nil {
			return cfg, err
		}
		for k := range am {
			if k != "username" && k != "password" {
				return cfg, fmt.Errorf("%w: auth.%s", ErrUnknownConfigKey, k)
			}
		}
		cfg.Auth = &Auth{Username: am["username"], Password: am["password"]}
	}
	if v, ok := m["timeout"]; ok && v != nil {
		if cfg.Timeout, err = duration(v); err != nil {
			return cfg, err
		}
	}
	if v, ok := m["responseType"]; ok && v != nil {
		s, ok := v.(string)
		switch {
		case !ok:
			return cfg, fmt.Errorf("%w: responseType must be a string", ErrInvalidConfig)
		case s != ResponseJSON && s != ResponseText && s != ResponseArrayBuffer:
			return cfg, fmt.Errorf("%w: responseType %q", ErrInvalidConfig, s)
		}
		cfg.ResponseType = s
	}
	if v, ok := m["filePath"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return cfg, fmt.Errorf("%w: filePath must be a string", ErrInvalidConfig)
		}
		cfg.FilePath = s
	}
	if err := decodeHooks(&cfg, m); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeHooks(cfg *Config, m map[string]any) error {
	bad := func(k string) error { return fmt.Errorf("%w: %s must be a function", ErrInvalidConfig, k) }
	if v, ok := m["transformRequest"]; ok && v != nil {
		if cfg.TransformRequest, ok = v.(func(any) (any, error)); !ok {
			return bad("transformRequest")
		}
	}
	if v, ok := m["transformResponse"]; ok && v != nil {
		if cfg.TransformResponse, ok = v.(func(any) (any, error)); !ok {
			return bad("transformResponse")
		}
	}
	if v, ok := m["beforeRequest"]; ok && v != nil {
		if cfg.BeforeRequest, ok = v.(func(*http.Request) error); !ok {
			return bad("beforeRequest")
		}
	}
	if v, ok := m["afterResponse"]; ok && v != nil {
		if cfg.AfterResponse, ok = v.(func(*Response) error); !ok {
			return bad("afterResponse")
		}
	}
	return nil
}

func stringMap(key string, v any) (map[string]string, error) {
	switch m := v.(type) {
	case map[string]string:
		return m, nil
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			switch val := val.(type) {
			case string:
				out[k] = val
			case fmt.Stringer:
				out[k] = val.String()
			case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
				out[k] = fmt.Sprint(val)
			default:
				return nil, fmt.Errorf("%w: %s.%s has type %T", ErrInvalidConfig, key, k, val)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be an object, got %T", ErrInvalidConfig, key, v)
	}
}

func duration(v any) (time.Duration, error) {
	var d time.Duration
	switch v := v.(type) {
	case time.Duration:
		d = v
	case int:
		d = time.Duration(v) * time.Millisecond
	case int64:
		d = time.Duration(v) * time.Millisecond
	case float64:
		d = time.Duration(v * float64(time.Millisecond))
	case string:
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("%w: timeout: %v", ErrInvalidConfig, err)
		}
	default:
		return 0, fmt.Errorf("%w: timeout has type %T", ErrInvalidConfig, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: timeout must not be negative", ErrInvalidConfig)
	}
	return d, nil
}
