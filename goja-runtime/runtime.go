package gojaruntime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/require"
	"github.com/joeycumines/go-swruntime/eventloop"
	"github.com/joeycumines/go-swruntime/httpclient"
	"github.com/joeycumines/go-swruntime/httpserver"
	"github.com/joeycumines/go-swruntime/reactor"
	"github.com/joeycumines/go-swruntime/registry"
	"github.com/joeycumines/logiface"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("gojaruntime: runtime closed")

	// ErrNotBound is returned when a script is run before Bind.
	ErrNotBound = errors.New("gojaruntime: runtime not bound")
)

// Runtime is a goja VM driven by an event loop.
type Runtime struct {
	loop      *eventloop.Loop
	vm        *goja.Runtime
	logger    *logiface.Logger[logiface.Event]
	reg       *registry.Registry
	client    *httpclient.Client
	modules   *require.Registry
	onError   func(error)
	serverCfg httpserver.Config
	baseDir   string

	stringify goja.Callable
	parse     goja.Callable

	// loop goroutine only
	sockets    map[*reactor.Conn]*goja.Object
	resources  map[uint64]func()
	timers     map[eventloop.TimerID]struct{}
	immediates map[uint64]struct{}
	rejections map[*goja.Promise]struct{}
	nextID     uint64

	mu       sync.Mutex
	err      error
	uncaught atomic.Int64
	bound    atomic.Bool
	closed   atomic.Bool
}

// New creates a runtime for loop. Call Bind before running scripts.
func New(loop *eventloop.Loop, opts ...Option) (*Runtime, error) {
	if loop == nil {
		return nil, errors.New("gojaruntime: loop cannot be nil")
	}
	var o runtimeOptions
	for _, opt := range opts {
		if opt != nil {
			opt.applyOption(&o)
		}
	}
	if o.registry == nil {
		o.registry = registry.New(o.logger)
	}
	if o.client == nil {
		o.client = httpclient.New(httpclient.WithLogger(o.logger))
	}
	if o.serverCfg == (httpserver.Config{}) {
		o.serverCfg = httpserver.DefaultConfig()
	}
	if err := o.serverCfg.Validate(); err != nil {
		return nil, err
	}
	if o.baseDir == "" {
		o.baseDir = "."
	}
	baseDir, err := filepath.Abs(o.baseDir)
	if err != nil {
		return nil, fmt.Errorf("gojaruntime: base dir: %w", err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	return &Runtime{
		loop:       loop,
		vm:         vm,
		logger:     o.logger,
		reg:        o.registry,
		client:     o.client,
		onError:    o.onError,
		serverCfg:  o.serverCfg,
		baseDir:    baseDir,
		sockets:    make(map[*reactor.Conn]*goja.Object),
		resources:  make(map[uint64]func()),
		timers:     make(map[eventloop.TimerID]struct{}),
		immediates: make(map[uint64]struct{}),
		rejections: make(map[*goja.Promise]struct{}),
	}, nil
}

// Loop returns the event loop.
func (r *Runtime) Loop() *eventloop.Loop { return r.loop }

// VM returns the goja runtime. Loop goroutine only.
func (r *Runtime) VM() *goja.Runtime { return r.vm }

// Registry returns the connection registry.
func (r *Runtime) Registry() *registry.Registry { return r.reg }

// Bind installs the globals and native modules. It must be called once,
// before the loop starts or from the loop goroutine.
func (r *Runtime) Bind() error {
	if !r.bound.CompareAndSwap(false, true) {
		return errors.New("gojaruntime: already bound")
	}

	json := r.vm.Get("JSON").ToObject(r.vm)
	r.stringify, _ = goja.AssertFunction(json.Get("stringify"))
	r.parse, _ = goja.AssertFunction(json.Get("parse"))

	r.modules = require.NewRegistry(
		require.WithLoader(r.loadSource),
		require.WithGlobalFolders(r.baseDir, filepath.Join(r.baseDir, "node_modules")),
	)
	r.registerConsole()
	for _, m := range []struct {
		loader require.ModuleLoader
		names  []string
	}{
		{r.timeModule, []string{"time"}},
		{r.serverModule, []string{"http/server", "httpserver"}},
		{r.clientModule, []string{"http", "http/client"}},
		{r.wsModule, []string{"ws", "websocket"}},
		{r.netModule, []string{"net"}},
		{r.sqliteModule, []string{"sqlite"}},
		{r.fsModule, []string{"fs"}},
		{r.proxyModule, []string{"proxy"}},
		{r.processModule, []string{"process", "exec"}},
	} {
		for _, name := range m.names {
			r.modules.RegisterNativeModule(name, m.loader)
		}
	}
	r.modules.Enable(r.vm)

	if err := r.vm.Set("console", require.Require(r.vm, consoleModule)); err != nil {
		return err
	}
	if err := r.bindTimers(r.vm.GlobalObject()); err != nil {
		return err
	}
	r.vm.SetPromiseRejectionTracker(r.trackRejection)
	return nil
}

// RunScript compiles src and runs it on the loop. Compile errors are
// returned directly; errors thrown while running are reported and recorded,
// see Err.
func (r *Runtime) RunScript(name, src string) error {
	if !r.bound.Load() {
		return ErrNotBound
	}
	if r.closed.Load() {
		return ErrClosed
	}
	prg, err := goja.Compile(name, src, false)
	if err != nil {
		return err
	}
	return r.loop.Submit(func() {
		if _, err := r.vm.RunProgram(prg); err != nil {
			r.fail(err)
		}
	})
}

// Eval runs src on the loop, then calls done on the loop goroutine with the
// completion value or the thrown error. A throw is not recorded in Err.
func (r *Runtime) Eval(name, src string, done func(goja.Value, error)) error {
	if !r.bound.Load() {
		return ErrNotBound
	}
	if r.closed.Load() {
		return ErrClosed
	}
	return r.loop.Submit(func() {
		prg, err := goja.Compile(name, src, false)
		if err != nil {
			done(nil, err)
			return
		}
		done(r.vm.RunProgram(prg))
	})
}

// Format renders v for display: strings as-is, errors by their stack,
// functions by name and everything else as JSON. Loop goroutine only.
func (r *Runtime) Format(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, fn := goja.AssertFunction(obj); fn {
		return "[Function: " + obj.Get("name").String() + "]"
	}
	if p, ok := obj.Export().(*goja.Promise); ok {
		return "Promise { " + promiseStateNames[p.State()] + " }"
	}
	if obj.ClassName() == "Error" {
		return describe(obj)
	}
	out, err := r.stringify(goja.Undefined(), obj, goja.Undefined(), r.vm.ToValue(2))
	if err != nil || goja.IsUndefined(out) {
		return obj.String()
	}
	return out.String()
}

var promiseStateNames = map[goja.PromiseState]string{
	goja.PromiseStatePending:   "<pending>",
	goja.PromiseStateFulfilled: "<fulfilled>",
	goja.PromiseStateRejected:  "<rejected>",
}

// RunFile runs the script at path, resolved against the base directory.
// TypeScript is transpiled first.
func (r *Runtime) RunFile(path string) error {
	path = r.resolvePath(path)
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	code := string(src)
	if isTypeScript(path) {
		if code, err = transpile(path, code); err != nil {
			return err
		}
		code = wrapCommonJS(code)
	}
	return r.RunScript(path, code)
}

// Wait runs the loop until it has nothing left to do, returning the first
// top-level script error, if any.
func (r *Runtime) Wait(ctx context.Context) error {
	return errors.Join(r.loop.RunUntilIdle(ctx), r.Err())
}

// Err returns the first error thrown by a top-level script.
func (r *Runtime) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Uncaught returns the number of errors thrown by callbacks.
func (r *Runtime) Uncaught() int64 { return r.uncaught.Load() }

// Close closes every server, socket, ticker and database the scripts
// opened, which lets an idle loop finish. Safe to call from any goroutine.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.loop.Submit(r.closeResources); err != nil {
		// loop is gone, nothing else can touch the maps
		r.closeResources()
	}
	return nil
}

// Interrupt aborts the running script with v. Safe to call from any
// goroutine.
func (r *Runtime) Interrupt(v any) { r.vm.Interrupt(v) }

func (r *Runtime) closeResources() {
	for id := range r.timers {
		delete(r.timers, id)
		_ = r.loop.CancelTimer(id)
	}
	clear(r.immediates)
	for id, fn := range r.resources {
		delete(r.resources, id)
		fn()
	}
}

// track registers a close function for Close, returning its key.
func (r *Runtime) track(fn func()) uint64 {
	r.nextID++
	r.resources[r.nextID] = fn
	return r.nextID
}

func (r *Runtime) untrack(id uint64) { delete(r.resources, id) }

func (r *Runtime) fail(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.logger.Err().Err(err).Log("gojaruntime: script failed")
	if r.onError != nil {
		r.onError(err)
	}
}

// report records an error thrown by a callback. The loop keeps running.
func (r *Runtime) report(where string, err error) {
	r.uncaught.Add(1)
	r.logger.Err().Str("callback", where).Err(err).Log("gojaruntime: uncaught error")
	if r.onError != nil {
		r.onError(err)
	}
}

// call invokes fn, reporting a throw.
func (r *Runtime) call(where string, fn goja.Callable, args ...goja.Value) goja.Value {
	v, err := fn(goja.Undefined(), args...)
	if err != nil {
		r.report(where, err)
		return goja.Undefined()
	}
	return v
}

func (r *Runtime) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	switch op {
	case goja.PromiseRejectionReject:
		if len(r.rejections) == 0 {
			// checked once the current task and its microtasks are done
			if err := r.loop.Submit(r.checkRejections); err != nil {
				return
			}
		}
		r.rejections[p] = struct{}{}
	case goja.PromiseRejectionHandle:
		delete(r.rejections, p)
	}
}

func (r *Runtime) checkRejections() {
	for p := range r.rejections {
		delete(r.rejections, p)
		if p.State() != goja.PromiseStateRejected {
			continue
		}
		r.logger.Warning().
			Str("reason", describe(p.Result())).
			Log("gojaruntime: unhandled promise rejection")
	}
}

func (r *Runtime) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(r.baseDir, path)
}

// loadSource backs require for files, transpiling TypeScript.
func (r *Runtime) loadSource(path string) ([]byte, error) {
	data, err := require.DefaultSourceLoader(r.resolvePath(path))
	if err != nil || !isTypeScript(path) {
		return data, err
	}
	code, err := transpile(path, string(data))
	if err != nil {
		return nil, err
	}
	return []byte(code), nil
}
