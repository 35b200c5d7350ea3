package httpserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
	"golang.org/x/net/netutil"
)

// commitGrace keeps the connection's write deadline past the commit
// deadline, so a synthesized 503 can still be written.
const commitGrace = 2 * time.Second

// Server is an HTTP listener whose handlers run on the loop.
//
// Route registration is safe from any goroutine, including after Listen.
// Each request is read in full on its connection goroutine, handed to the
// loop as one task, and written back once the handler commits.
type Server struct {
	loop       *eventloop.Loop
	reg        *registry.Registry
	logger     *logiface.Logger[logiface.Event]
	tlsConfig  *tls.Config
	srv        *http.Server
	release    func()
	notFound   Handler
	addr       net.Addr
	conns      sync.Map // net.Conn -> registry id
	wsConns    map[*WSConn]struct{}
	router     router
	middleware []Middleware
	cfg        Config
	mu         sync.Mutex
	listenerID atomic.Uint64
	listening  bool
	closed     bool
}

// New creates a server. Nothing is bound until Listen.
func New(loop *eventloop.Loop, reg *registry.Registry, cfg Config, opts ...Option) (*Server, error) {
	if loop == nil {
		return nil, errors.New("httpserver: nil loop")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		reg = registry.New(o.logger)
	}
	return &Server{
		loop:      loop,
		reg:       reg,
		logger:    o.logger,
		tlsConfig: o.tlsConfig,
		cfg:       cfg.withDefaults(),
		wsConns:   make(map[*WSConn]struct{}),
	}, nil
}

// Config returns the effective configuration.
func (s *Server) Config() Config { return s.cfg }

// Handle registers h for method and pattern.
func (s *Server) Handle(method, pattern string, h Handler) error {
	if h == nil {
		return errors.New("httpserver: nil handler")
	}
	return s.router.add(&route{kind: routeHandler, method: method, pattern: pattern, handler: h})
}

func (s *Server) GET(pattern string, h Handler) error { return s.Handle(http.MethodGet, pattern, h) }

func (s *Server) POST(pattern string, h Handler) error { return s.Handle(http.MethodPost, pattern, h) }

func (s *Server) PUT(pattern string, h Handler) error { return s.Handle(http.MethodPut, pattern, h) }

func (s *Server) PATCH(pattern string, h Handler) error {
	return s.Handle(http.MethodPatch, pattern, h)
}

func (s *Server) DELETE(pattern string, h Handler) error {
	return s.Handle(http.MethodDelete, pattern, h)
}

func (s *Server) HEAD(pattern string, h Handler) error { return s.Handle(http.MethodHead, pattern, h) }

func (s *Server) OPTIONS(pattern string, h Handler) error {
	return s.Handle(http.MethodOptions, pattern, h)
}

// Use appends middleware. It applies to requests dispatched afterwards.
func (s *Server) Use(mw ...Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mw {
		if m != nil {
			s.middleware = append(s.middleware, m)
		}
	}
}

// NotFound replaces the synthesized 404.
func (s *Server) NotFound(h Handler) {
	s.mu.Lock()
	s.notFound = h
	s.mu.Unlock()
}

// WS registers a WebSocket endpoint. h runs on the loop once the upgrade
// completes; messages are read only after it returns, so listeners it
// attaches see every message.
func (s *Server) WS(pattern string, h WSHandler) error {
	if h == nil {
		return errors.New("httpserver: nil websocket handler")
	}
	return s.router.add(&route{kind: routeWS, method: http.MethodGet, pattern: pattern, ws: h})
}

// Static serves files under dir at prefix, for GET and HEAD. Files are
// served by the connection goroutine without involving the loop. Missing
// files fall through to the 404 handling.
func (s *Server) Static(dir, prefix string) error {
	pattern := strings.TrimSuffix(prefix, "/") + "/*" + staticParam
	d := &staticDir{root: dir, fs: http.Dir(dir)}
	for _, m := range []string{http.MethodGet, http.MethodHead} {
		if err := s.router.add(&route{kind: routeStatic, method: m, pattern: pattern, static: d}); err != nil {
			return err
		}
	}
	return nil
}

// Addr returns the bound address, nil before Listen resolves.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenerID is the registry id, zero before Listen and after Close.
func (s *Server) ListenerID() uint64 { return s.listenerID.Load() }

// Listen binds addr and starts serving. The promise resolves to the bound
// address string, or rejects with a *ListenError. While listening the server
// keeps the loop alive.
func (s *Server) Listen(addr string) *eventloop.Promise {
	return s.listen(addr, "", "")
}

// ListenTLS is Listen over TLS. A certificate that fails to load rejects
// the promise.
func (s *Server) ListenTLS(addr, certFile, keyFile string) *eventloop.Promise {
	if certFile == "" || keyFile == "" {
		return s.loop.Rejected(&ListenError{Addr: addr, Err: errors.New("certificate and key are required")})
	}
	return s.listen(addr, certFile, keyFile)
}

func (s *Server) listen(addr, certFile, keyFile string) *eventloop.Promise {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return s.loop.Rejected(ErrServerClosed)
	case s.listening:
		s.mu.Unlock()
		return s.loop.Rejected(ErrAlreadyListening)
	}
	s.listening = true
	s.mu.Unlock()

	kind := registry.KindHTTP
	if certFile != "" {
		kind = registry.KindTLS
	}
	// registry changes happen on the loop, ordered with the promise
	// settlements they belong to
	s.loop.RunOnLoop(func() {
		s.listenerID.Store(s.reg.AddListener(kind, addr, s))
	})

	return s.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
		ln, err := s.bind(addr, certFile, keyFile)
		if err != nil {
			s.loop.RunOnLoop(s.bindFailed)
			s.logger.Warning().Str("addr", addr).Err(err).Log("httpserver: listen failed")
			return nil, &ListenError{Addr: addr, Err: err}
		}
		s.serve(ln)
		return ln.Addr().String(), nil
	})
}

func (s *Server) bind(addr, certFile, keyFile string) (net.Listener, error) {
	var tlsCfg *tls.Config
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		if s.tlsConfig != nil {
			tlsCfg = s.tlsConfig.Clone()
		} else {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsCfg.Certificates = append(tlsCfg.Certificates, cert)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	return ln, nil
}

// bindFailed runs on the loop.
func (s *Server) bindFailed() {
	s.dropListener()
	s.mu.Lock()
	s.listening = false
	s.mu.Unlock()
}

// dropListener retires the registry entry. Loop goroutine.
func (s *Server) dropListener() {
	if id := s.listenerID.Swap(0); id != 0 {
		_ = s.reg.SetListenerState(id, registry.Closed)
		s.reg.RemoveListener(id)
		s.logger.Info().Uint64("listener", id).Log("httpserver: closed")
	}
}

func (s *Server) serve(ln net.Listener) {
	srv := &http.Server{
		Handler:           s,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout + commitGrace,
		IdleTimeout:       s.cfg.IdleTimeout,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
		ConnState:         s.trackConn,
		ErrorLog:          log.New(logWriter{s.logger}, "", 0),
	}

	s.mu.Lock()
	s.srv = srv
	s.addr = ln.Addr()
	s.release = s.loop.Hold()
	s.mu.Unlock()

	addr := ln.Addr().String()
	// queued ahead of the settlement and of every connection
	s.loop.RunOnLoop(func() {
		id := s.listenerID.Load()
		_ = s.reg.SetListenerAddr(id, addr)
		_ = s.reg.SetListenerState(id, registry.Listening)
		s.logger.Info().Uint64("listener", id).Str("addr", addr).Log("httpserver: listening")
	})

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Err().Str("addr", addr).Err(err).Log("httpserver: serve failed")
		}
	}()
}

// trackConn mirrors connection state into the registry. net/http calls it
// on connection goroutines; StateNew happens before the later states of the
// same connection, so the queued tasks keep that order.
func (s *Server) trackConn(nc net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		remote := nc.RemoteAddr().String()
		s.loop.RunOnLoop(func() {
			id, err := s.reg.AddConn(s.listenerID.Load(), registry.KindHTTP, remote, nc)
			if err == nil {
				s.conns.Store(nc, id)
			}
		})
	case http.StateHijacked, http.StateClosed:
		s.loop.RunOnLoop(func() {
			if id, ok := s.conns.LoadAndDelete(nc); ok {
				s.reg.RemoveConn(id.(uint64))
			}
		})
	}
}

// Close stops accepting, waits up to ShutdownTimeout for in-flight requests,
// closes WebSocket connections with 1001, and releases the loop. Closing
// twice is harmless.
func (s *Server) Close(ctx context.Context) *eventloop.Promise {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.loop.Resolved(nil)
	}
	s.closed = true
	srv, release := s.srv, s.release
	ws := make([]*WSConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		ws = append(ws, c)
	}
	s.mu.Unlock()

	p, resolve, reject := s.loop.NewPromise()
	go func() {
		for _, c := range ws {
			c.Close(int(statusGoingAway), "server closing")
		}
		var err error
		if srv != nil {
			sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
			err = srv.Shutdown(sctx)
			cancel()
			if err != nil {
				_ = srv.Close()
			}
		}
		// the registry entry goes in the same task that settles
		s.loop.RunOnLoop(func() {
			s.dropListener()
			if err != nil {
				reject(err)
			} else {
				resolve(nil)
			}
		})
		// after queueing, so the loop cannot idle first
		if release != nil {
			release()
		}
	}()
	return p
}

// ServeHTTP routes one request. It runs on the connection goroutine. A
// static mount that has no such file passes the request on to the next
// matching route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matches, allowed := s.router.candidates(r.Method, r.URL.Path)
	var rt *route
	var params map[string]string
	for _, m := range matches {
		switch m.route.kind {
		case routeStatic:
			if m.route.static.serve(w, r, m.params[staticParam]) {
				return
			}
			continue
		case routeWS:
			s.serveWS(w, r, m.route, m.params)
			return
		}
		rt, params = m.route, m.params
		break
	}

	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c := &Context{Request: newRequest(r, params, body), Response: newResponse(), server: s}

	s.mu.Lock()
	chain := s.middleware[:len(s.middleware):len(s.middleware)]
	notFound := s.notFound
	s.mu.Unlock()

	var h Handler
	switch {
	case rt != nil:
		h = rt.handler
	case len(allowed) > 0:
		h = methodNotAllowed(allowed)
	case notFound != nil:
		h = notFound
	default:
		h = func(c *Context) { c.Response.fail(http.StatusNotFound) }
	}

	s.dispatch(w, r, c, chain, h)
}

func methodNotAllowed(allowed []string) Handler {
	value := strings.Join(allowed, ", ")
	return func(c *Context) {
		c.Response.Header("Allow", value)
		c.Response.fail(http.StatusMethodNotAllowed)
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	var buf bytes.Buffer
	_, err := io.Copy(&buf, http.MaxBytesReader(w, r.Body, limit))
	return buf.Bytes(), err
}

// dispatch runs the chain on the loop and waits for the commit. A handler
// that never commits gets a 503 after WriteTimeout; a panic gets a 500.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, c *Context, chain []Middleware, h Handler) {
	if err := s.loop.Submit(func() { s.run(c, chain, h) }); err != nil {
		c.Response.fail(http.StatusServiceUnavailable)
		c.Response.writeTo(w, r, s.logger)
		return
	}

	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case <-c.Response.Done():
	case <-timer.C:
		if c.Response.fail(http.StatusServiceUnavailable) {
			s.logger.Warning().Str("method", r.Method).Str("path", r.URL.Path).Log("httpserver: handler did not respond in time")
		}
	case <-s.loop.Done():
		c.Response.fail(http.StatusServiceUnavailable)
	case <-r.Context().Done():
		// client gone, nothing will be written
		c.Response.fail(http.StatusServiceUnavailable)
		return
	}
	c.Response.writeTo(w, r, s.logger)
}

func (s *Server) run(c *Context, chain []Middleware, h Handler) {
	defer func() {
		if v := recover(); v != nil {
			s.logger.Err().
				Str("method", c.Request.Method).
				Str("path", c.Request.Path).
				Any("panic", v).
				Log("httpserver: handler panicked")
			c.Response.fail(http.StatusInternalServerError)
		}
	}()
	i := 0
	var next func()
	next = func() {
		switch {
		case i < len(chain):
			mw := chain[i]
			i++
			mw(c, next)
		case i == len(chain):
			i++
			h(c)
		}
	}
	next()
}

func (s *Server) trackWS(c *WSConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wsConns[c] = struct{}{}
	return true
}

func (s *Server) untrackWS(c *WSConn) {
	s.mu.Lock()
	delete(s.wsConns, c)
	s.mu.Unlock()
}

// logWriter routes net/http's internal logging to the server logger.
type logWriter struct {
	logger *logiface.Logger[logiface.Event]
}

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Warning().Str("source", "net/http").Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
