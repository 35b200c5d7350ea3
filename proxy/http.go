package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/httpclient"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

var proxiedMethods = []string{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

// hop-by-hop headers, never forwarded
var hopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// HTTPProxy forwards every request to a target origin.
type HTTPProxy struct {
	loop    *eventloop.Loop
	server  *httpserver.Server
	client  *httpclient.Client
	target  *url.URL
	events  *eventloop.EventTarget
	logger  *logiface.Logger[logiface.Event]
	timeout time.Duration

	// loop goroutine only
	closeEmitted bool
}

// NewHTTP creates a proxy to target, an http or https URL whose path, if
// any, prefixes every forwarded path. reg may be nil.
func NewHTTP(loop *eventloop.Loop, reg *registry.Registry, target string, opts ...Option) (*HTTPProxy, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTarget, target, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q: need an http or https URL", ErrInvalidTarget, target)
	}
	o := resolveOptions(opts)
	if reg == nil {
		reg = registry.New(o.logger)
	}
	if o.client == nil {
		o.client = httpclient.New(
			httpclient.WithLogger(o.logger),
			httpclient.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DisableCompression: true,
					ForceAttemptHTTP2:  true,
					IdleConnTimeout:    90 * time.Second,
				},
				CheckRedirect: func(*http.Request, []*http.Request) error {
					return http.ErrUseLastResponse
				},
			}),
		)
	}
	if o.timeout == 0 {
		// answer with a 502 before the server gives up with a 503
		o.timeout = o.serverCfg.WriteTimeout
	}
	srv, err := httpserver.New(loop, reg, o.serverCfg, httpserver.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	p := &HTTPProxy{
		loop:    loop,
		server:  srv,
		client:  o.client,
		target:  u,
		logger:  o.logger,
		timeout: o.timeout,
		events:  eventloop.NewEventTarget(),
	}
	p.events.OnPanic = func(kind string, err eventloop.PanicError) {
		p.logger.Err().Str("event", kind).Any("panic", err.Value).Log("proxy: listener panicked")
	}
	for _, method := range proxiedMethods {
		if err := srv.Handle(method, "/*path", p.forward); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Listen binds addr. The promise resolves to the bound address string.
func (p *HTTPProxy) Listen(addr string) *eventloop.Promise {
	return p.server.Listen(addr)
}

// Close shuts the listening side down, letting in-flight exchanges finish
// within the server's shutdown timeout.
func (p *HTTPProxy) Close(ctx context.Context) *eventloop.Promise {
	return p.server.Close(ctx).Finally(func() {
		if !p.closeEmitted {
			p.closeEmitted = true
			p.events.Emit("close", nil)
		}
	})
}

// Server exposes the listening side, e.g. to add middleware.
func (p *HTTPProxy) Server() *httpserver.Server { return p.server }

// Target is the upstream origin.
func (p *HTTPProxy) Target() *url.URL { return p.target }

func (p *HTTPProxy) On(kind string, fn eventloop.Listener) eventloop.ListenerID {
	return p.events.On(kind, fn)
}

func (p *HTTPProxy) Off(id eventloop.ListenerID) bool { return p.events.Off(id) }

func (p *HTTPProxy) forward(c *httpserver.Context) {
	req := c.Request
	upstream := p.upstreamURL(req.URL)
	p.events.Emit("request", RequestInfo{
		Header:     req.Header.Clone(),
		Method:     req.Method,
		URL:        req.URL.String(),
		Path:       req.Path,
		Host:       req.Host,
		RemoteAddr: req.RemoteAddr,
	})

	cfg := httpclient.Config{
		ResponseType: httpclient.ResponseArrayBuffer,
		Timeout:      p.timeout,
		BeforeRequest: func(out *http.Request) error {
			copyRequestHeaders(out, req)
			return nil
		},
	}
	if len(req.Body) > 0 {
		cfg.Data = req.Body
	}

	p.client.Request(p.loop, req.Context(), req.Method, upstream, cfg).Then(func(v any) any {
		resp := v.(*httpclient.Response)
		p.events.Emit("response", ResponseInfo{
			Header:     resp.Header.Clone(),
			StatusText: resp.StatusText,
			Status:     resp.Status,
		})
		for k, vals := range resp.Header {
			// the client already decoded the body, and the server frames it
			if isHopHeader(k) || k == "Content-Encoding" || k == "Content-Length" {
				continue
			}
			for _, v := range vals {
				c.Response.AddHeader(k, v)
			}
		}
		body, _ := resp.Data.([]byte)
		c.Response.Status(resp.Status).Send(body)
		return nil
	}, func(reason any) any {
		err := reasonError(reason)
		p.logger.Warning().Str("method", req.Method).Str("url", upstream).Err(err).Log("proxy: upstream failed")
		p.events.Emit("error", ErrorInfo{Err: err, URL: upstream})
		c.Response.Status(http.StatusBadGateway).Send("Proxy Error: " + err.Error())
		return nil
	})
}

// upstreamURL joins the target path and query with the request's.
func (p *HTTPProxy) upstreamURL(in *url.URL) string {
	u := *p.target
	u.Path = joinPath(p.target.Path, in.Path)
	u.RawPath = ""
	switch {
	case p.target.RawQuery == "":
		u.RawQuery = in.RawQuery
	case in.RawQuery != "":
		u.RawQuery = p.target.RawQuery + "&" + in.RawQuery
	}
	return u.String()
}

func joinPath(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return strings.TrimSuffix(a, "/") + "/" + strings.TrimPrefix(b, "/")
}

func copyRequestHeaders(out *http.Request, in *httpserver.Request) {
	for k, vals := range in.Header {
		// Accept-Encoding stays the client's own, it decodes what it negotiates
		if isHopHeader(k) || k == "Accept-Encoding" || k == "Content-Length" {
			continue
		}
		out.Header[k] = append([]string(nil), vals...)
	}
	if ip := in.IP(); ip != "" {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		out.Header.Set("X-Forwarded-For", ip)
	}
	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
	if in.Header.Get("Content-Type") == "" {
		out.Header.Del("Content-Type")
	}
}

func isHopHeader(k string) bool { return slices.Contains(hopHeaders, k) }
