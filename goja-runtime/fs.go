package gojaruntime

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/dop251/goja"
)

// fsModule is require("fs"). The promise variants run on their own
// goroutine; the Sync variants run inline and block the loop until they
// return.
func (r *Runtime) fsModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)

	async := func(name string, fn func(call goja.FunctionCall) func() (any, error), conv func(any) (goja.Value, error)) {
		_ = exports.Set(name, func(call goja.FunctionCall) goja.Value {
			op := fn(call)
			p := r.loop.Promisify(context.Background(), func(context.Context) (any, error) { return op() })
			return r.promise(p, conv)
		})
	}
	sync := func(name string, fn func(call goja.FunctionCall) func() (any, error), conv func(any) (goja.Value, error)) {
		_ = exports.Set(name, func(call goja.FunctionCall) goja.Value {
			v, err := fn(call)()
			if err != nil {
				r.throw(err)
			}
			if conv == nil {
				return vm.ToValue(v)
			}
			out, err := conv(v)
			if err != nil {
				r.throw(err)
			}
			return out
		})
	}
	both := func(name string, fn func(call goja.FunctionCall) func() (any, error), conv func(any) (goja.Value, error)) {
		async(name, fn, conv)
		sync(name+"Sync", fn, conv)
	}

	both("readFile", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		binary := isBinaryEncoding(call.Argument(1))
		return func() (any, error) {
			b, err := os.ReadFile(path)
			if err != nil || binary {
				return b, err
			}
			return string(b), nil
		}
	}, func(v any) (goja.Value, error) { return r.toValue(v), nil })

	both("writeFile", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		data, _ := bytesOf(call.Argument(1))
		return func() (any, error) { return nil, os.WriteFile(path, data, 0o644) }
	}, nil)

	both("appendFile", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		data, _ := bytesOf(call.Argument(1))
		return func() (any, error) {
			f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, err
			}
			_, err = f.Write(data)
			return nil, errors.Join(err, f.Close())
		}
	}, nil)

	both("exists", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		return func() (any, error) {
			_, err := os.Stat(path)
			switch {
			case err == nil:
				return true, nil
			case errors.Is(err, fs.ErrNotExist):
				return false, nil
			default:
				return false, err
			}
		}
	}, nil)

	both("readdir", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		return func() (any, error) {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, err
			}
			names := make([]any, len(entries))
			for i, e := range entries {
				names[i] = e.Name()
			}
			return names, nil
		}
	}, func(v any) (goja.Value, error) { return vm.NewArray(v.([]any)...), nil })

	both("mkdir", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		var recursive bool
		if opts := r.optionsMap(call.Argument(1), "mkdir options"); opts != nil {
			recursive, _ = opts["recursive"].(bool)
		}
		return func() (any, error) {
			if recursive {
				return nil, os.MkdirAll(path, 0o755)
			}
			return nil, os.Mkdir(path, 0o755)
		}
	}, nil)

	both("unlink", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		return func() (any, error) { return nil, os.Remove(path) }
	}, nil)

	both("rmdir", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		var recursive bool
		if opts := r.optionsMap(call.Argument(1), "rmdir options"); opts != nil {
			recursive, _ = opts["recursive"].(bool)
		}
		return func() (any, error) {
			if recursive {
				return nil, os.RemoveAll(path)
			}
			return nil, os.Remove(path)
		}
	}, nil)

	both("rename", func(call goja.FunctionCall) func() (any, error) {
		from := r.resolvePath(call.Argument(0).String())
		to := r.resolvePath(call.Argument(1).String())
		return func() (any, error) { return nil, os.Rename(from, to) }
	}, nil)

	both("stat", func(call goja.FunctionCall) func() (any, error) {
		path := r.resolvePath(call.Argument(0).String())
		return func() (any, error) { return os.Stat(path) }
	}, func(v any) (goja.Value, error) {
		fi := v.(fs.FileInfo)
		obj := vm.NewObject()
		_ = obj.Set("name", fi.Name())
		_ = obj.Set("size", fi.Size())
		_ = obj.Set("mode", uint32(fi.Mode().Perm()))
		_ = obj.Set("mtime", fi.ModTime().UnixMilli())
		_ = obj.Set("isFile", fi.Mode().IsRegular())
		_ = obj.Set("isDirectory", fi.IsDir())
		return obj, nil
	})
}

// isBinaryEncoding reports whether readFile should return an ArrayBuffer.
// Text is the default.
func isBinaryEncoding(v goja.Value) bool {
	if isNullish(v) {
		return false
	}
	switch v.String() {
	case "binary", "buffer":
		return true
	}
	return false
}
