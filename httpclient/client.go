package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/logiface"
)

// Default limits.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxResponseBytes = 64 << 20
)

// Response is a completed exchange. Any status code is a response, never an
// error.
type Response struct {
	Data       any
	Headers    map[string]string
	Header     http.Header
	StatusText string
	URL        string
	Status     int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying client. Its Timeout is ignored in
// favour of per-request timeouts.
func WithHTTPClient(c *http.Client) Option {
	return func(x *Client) { x.http = c }
}

func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(x *Client) { x.logger = logger }
}

// WithTimeout sets the timeout for requests whose Config has none.
func WithTimeout(d time.Duration) Option {
	return func(x *Client) { x.timeout = d }
}

func WithMaxResponseBytes(n int64) Option {
	return func(x *Client) { x.maxBytes = n }
}

// Client performs requests. It is safe for concurrent use.
type Client struct {
	http     *http.Client
	logger   *logiface.Logger[logiface.Event]
	timeout  time.Duration
	maxBytes int64
}

func New(opts ...Option) *Client {
	c := &Client{
		timeout:  DefaultTimeout,
		maxBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: &http.Transport{
			Proxy:              http.ProxyFromEnvironment,
			DisableCompression: true,
			ForceAttemptHTTP2:  true,
			IdleConnTimeout:    90 * time.Second,
		}}
	}
	return c
}

// Request runs Do on a worker goroutine, returning a promise for the
// *Response. The loop keeps running meanwhile.
func (c *Client) Request(loop *eventloop.Loop, ctx context.Context, method, rawURL string, cfg Config) *eventloop.Promise {
	return loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		return c.Do(ctx, method, rawURL, cfg)
	})
}

func (c *Client) Get(ctx context.Context, rawURL string, cfg Config) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, cfg)
}

func (c *Client) Post(ctx context.Context, rawURL string, cfg Config) (*Response, error) {
	return c.Do(ctx, http.MethodPost, rawURL, cfg)
}

func (c *Client) Put(ctx context.Context, rawURL string, cfg Config) (*Response, error) {
	return c.Do(ctx, http.MethodPut, rawURL, cfg)
}

func (c *Client) Patch(ctx context.Context, rawURL string, cfg Config) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, rawURL, cfg)
}

func (c *Client) Delete(ctx context.Context, rawURL string, cfg Config) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, rawURL, cfg)
}

// Do performs one request and blocks until the body is read. Only
// transport failures, timeouts, hook errors and oversized bodies are
// errors.
func (c *Client) Do(ctx context.Context, method, rawURL string, cfg Config) (*Response, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = c.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := c.newRequest(ctx, method, rawURL, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BeforeRequest != nil {
		if err := cfg.BeforeRequest(req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug().Str("method", method).Str("url", rawURL).Err(err).Log("httpclient: request failed")
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     resp.Header,
		Headers:    make(map[string]string, len(resp.Header)),
		URL:        resp.Request.URL.String(),
	}
	for k, vals := range resp.Header {
		out.Headers[strings.ToLower(k)] = strings.Join(vals, ", ")
	}

	body, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}
	if closer, ok := body.(io.Closer); ok {
		defer closer.Close()
	}

	if cfg.FilePath != "" {
		if err := c.saveFile(cfg.FilePath, body); err != nil {
			return nil, err
		}
		out.Data = cfg.FilePath
	} else {
		raw, err := c.readAll(body)
		if err != nil {
			return nil, err
		}
		out.Data = decodeData(cfg.ResponseType, raw)
	}

	if cfg.TransformResponse != nil {
		if out.Data, err = cfg.TransformResponse(out.Data); err != nil {
			return nil, err
		}
	}
	if cfg.AfterResponse != nil {
		if err := cfg.AfterResponse(out); err != nil {
			return nil, err
		}
	}
	c.logger.Debug().
		Str("method", method).
		Str("url", out.URL).
		Int("status", out.Status).
		Dur("elapsed", time.Since(start)).
		Log("httpclient: response")
	return out, nil
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, cfg Config) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if len(cfg.Params) > 0 {
		q := u.Query()
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	data := cfg.Data
	if cfg.TransformRequest != nil {
		if data, err = cfg.TransformRequest(data); err != nil {
			return nil, err
		}
	}
	body, contentType, err := encodeData(data)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "br, gzip")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	if cfg.Auth != nil {
		req.SetBasicAuth(cfg.Auth.Username, cfg.Auth.Password)
	}
	return req, nil
}

func encodeData(data any) (io.Reader, string, error) {
	switch v := data.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(v), "text/plain; charset=utf-8", nil
	case []byte:
		return bytes.NewReader(v), "application/octet-stream", nil
	case url.Values:
		return strings.NewReader(v.Encode()), "application/x-www-form-urlencoded", nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("httpclient: encode data: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// decodeBody undoes the content encoding negotiated by Accept-Encoding.
func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("httpclient: gzip: %w", err)
		}
		return zr, nil
	default:
		return resp.Body, nil
	}
}

func (c *Client) readAll(r io.Reader) ([]byte, error) {
	if c.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > c.maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}

func (c *Client) saveFile(path string, r io.Reader) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	_, err = io.Copy(f, r)
	return err
}

func decodeData(responseType string, raw []byte) any {
	switch responseType {
	case ResponseArrayBuffer:
		return raw
	case ResponseText:
		return string(raw)
	default:
		if len(raw) == 0 {
			return ""
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return string(raw)
		}
		return v
	}
}
