package gojaruntime

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// commandWaitDelay bounds the wait for output pipes after a command exits
// or is killed, when it left children holding them.
const commandWaitDelay = time.Second

type commandOptions struct {
	dir     string
	input   string
	env     []string
	timeout time.Duration
}

type commandResult struct {
	err      error
	stdout   string
	stderr   string
	command  string
	args     []string
	exitCode int
	timedOut bool
}

// processModule is require("process"), also registered as "exec".
//
// exec and shell resolve whatever the exit status; a command that failed
// to start resolves with exitCode -1 and the error message.
func (r *Runtime) processModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("exec", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		var args []string
		optsArg := call.Argument(1)
		// (name, options) skips the argument list
		if v := call.Argument(1); !isNullish(v) {
			if _, isList := v.Export().([]any); isList {
				args = r.stringList(v, "exec arguments")
				optsArg = call.Argument(2)
			}
		}
		return r.runCommand(name, args, r.commandOptions(optsArg))
	})
	_ = exports.Set("shell", func(call goja.FunctionCall) goja.Value {
		line := call.Argument(0).String()
		name, args := "sh", []string{"-c", line}
		if goruntime.GOOS == "windows" {
			name, args = "cmd", []string{"/C", line}
		}
		return r.runCommand(name, args, r.commandOptions(call.Argument(1)))
	})
	_ = exports.Set("which", func(name string) goja.Value {
		path, err := exec.LookPath(name)
		if err != nil {
			return goja.Null()
		}
		return vm.ToValue(path)
	})
	_ = exports.Set("commandExists", func(name string) bool {
		_, err := exec.LookPath(name)
		return err == nil
	})
	_ = exports.Set("cwd", func() string { return r.baseDir })
	_ = exports.Set("env", func(call goja.FunctionCall) goja.Value {
		if name := call.Argument(0); !isNullish(name) {
			if v, ok := os.LookupEnv(name.String()); ok {
				return vm.ToValue(v)
			}
			return goja.Undefined()
		}
		all := make(map[string]any)
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				all[k] = v
			}
		}
		return vm.ToValue(all)
	})
	_ = exports.Set("platform", goruntime.GOOS)
	_ = exports.Set("arch", goruntime.GOARCH)
	_ = exports.Set("pid", os.Getpid())
}

// commandOptions reads { cwd, env, timeout, input }. cwd resolves against
// the base directory; env adds to the inherited environment.
func (r *Runtime) commandOptions(v goja.Value) commandOptions {
	o := commandOptions{dir: r.baseDir}
	m := r.optionsMap(v, "exec options")
	if m == nil {
		return o
	}
	if dir, ok := m["cwd"].(string); ok && dir != "" {
		o.dir = r.resolvePath(dir)
	}
	if env, ok := m["env"].(map[string]any); ok {
		for k, val := range env {
			o.env = append(o.env, k+"="+r.vm.ToValue(val).String())
		}
	}
	if t, ok := m["timeout"]; ok {
		o.timeout = millis(r.vm.ToValue(t))
	}
	if in, ok := m["input"]; ok && in != nil {
		o.input = r.vm.ToValue(in).String()
	}
	return o
}

func (r *Runtime) stringList(v goja.Value, what string) []string {
	items, ok := v.Export().([]any)
	if !ok {
		panic(r.vm.NewTypeError("%s must be an array", what))
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = r.vm.ToValue(item).String()
	}
	return out
}

// runCommand runs on a worker goroutine. Closing the runtime kills the
// process.
func (r *Runtime) runCommand(name string, args []string, o commandOptions) goja.Value {
	ctx, cancel := context.WithCancel(context.Background())
	key := r.track(cancel)
	p := r.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		return execCommand(ctx, name, args, o), nil
	})
	p.Finally(func() {
		cancel()
		r.untrack(key)
	})
	return r.promise(p, func(v any) (goja.Value, error) {
		res := v.(*commandResult)
		r.logger.Debug().
			Str("command", res.command).
			Int("exitCode", res.exitCode).
			Bool("timedOut", res.timedOut).
			Log("gojaruntime: command finished")
		var errValue any
		if res.err != nil {
			errValue = res.err.Error()
		}
		return r.vm.ToValue(map[string]any{
			"stdout":   res.stdout,
			"stderr":   res.stderr,
			"command":  res.command,
			"args":     res.args,
			"exitCode": res.exitCode,
			"success":  res.err == nil,
			"error":    errValue,
			"timedOut": res.timedOut,
		}), nil
	})
}

func execCommand(ctx context.Context, name string, args []string, o commandOptions) *commandResult {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	res := &commandResult{command: name, args: append([]string{}, args...), exitCode: -1}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = o.dir
	cmd.WaitDelay = commandWaitDelay
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	if o.input != "" {
		cmd.Stdin = strings.NewReader(o.input)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	res.err = cmd.Run()
	res.stdout, res.stderr = stdout.String(), stderr.String()
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	}
	res.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	return res
}
