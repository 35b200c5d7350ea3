package gojaruntime

import (
	"context"

	"github.com/dop251/goja"
	"github.com/joeycumines/go-swruntime/sqlstore"
)

// sqliteModule is require("sqlite"). Every call runs off the loop and
// returns a promise.
func (r *Runtime) sqliteModule(vm *goja.Runtime, module *goja.Object) {
	exports := module.Get("exports").(*goja.Object)
	_ = exports.Set("open", func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		if path != ":memory:" {
			path = r.resolvePath(path)
		}
		p := r.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
			return sqlstore.Open(path, r.logger)
		})
		return r.promise(p, func(v any) (goja.Value, error) {
			return r.dbObject(v.(*sqlstore.DB)), nil
		})
	})
}

func (r *Runtime) dbObject(db *sqlstore.DB) *goja.Object {
	key := r.track(func() { _ = db.Close() })
	obj := r.vm.NewObject()

	query := func(call goja.FunctionCall) goja.Value {
		q, args := call.Argument(0).String(), sqlArgs(call.Arguments[min(len(call.Arguments), 1):])
		p := r.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
			return db.Query(ctx, q, args...)
		})
		return r.promise(p, func(v any) (goja.Value, error) {
			return r.rows(v.([]map[string]any)), nil
		})
	}
	exec := func(call goja.FunctionCall) goja.Value {
		q, args := call.Argument(0).String(), sqlArgs(call.Arguments[min(len(call.Arguments), 1):])
		p := r.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
			return db.Exec(ctx, q, args...)
		})
		return r.promise(p, func(v any) (goja.Value, error) {
			res := v.(sqlstore.Result)
			out := r.vm.NewObject()
			_ = out.Set("changes", res.Changes)
			_ = out.Set("lastInsertId", res.LastInsertID)
			return out, nil
		})
	}
	_ = obj.Set("query", query)
	_ = obj.Set("all", query)
	_ = obj.Set("exec", exec)
	_ = obj.Set("run", exec)
	_ = obj.Set("get", func(call goja.FunctionCall) goja.Value {
		q, args := call.Argument(0).String(), sqlArgs(call.Arguments[min(len(call.Arguments), 1):])
		p := r.loop.Promisify(context.Background(), func(ctx context.Context) (any, error) {
			return db.Query(ctx, q, args...)
		})
		return r.promise(p, func(v any) (goja.Value, error) {
			rows := v.([]map[string]any)
			if len(rows) == 0 {
				return goja.Null(), nil
			}
			return r.row(rows[0]), nil
		})
	})
	_ = obj.Set("close", func(goja.FunctionCall) goja.Value {
		r.untrack(key)
		p := r.loop.Promisify(context.Background(), func(context.Context) (any, error) {
			return nil, db.Close()
		})
		return r.promise(p, nil)
	})
	_ = obj.Set("path", db.Path())
	return obj
}

// sqlArgs accepts either positional values or a single array of them.
func sqlArgs(vals []goja.Value) []any {
	if len(vals) == 1 {
		if arr, ok := vals[0].Export().([]any); ok {
			return arr
		}
	}
	args := make([]any, 0, len(vals))
	for _, v := range vals {
		if b, binary := bytesOf(v); binary {
			args = append(args, b)
			continue
		}
		args = append(args, v.Export())
	}
	return args
}

func (r *Runtime) rows(rows []map[string]any) goja.Value {
	items := make([]any, len(rows))
	for i, row := range rows {
		items[i] = r.row(row)
	}
	return r.vm.NewArray(items...)
}

func (r *Runtime) row(row map[string]any) *goja.Object {
	obj := r.vm.NewObject()
	for k, v := range row {
		_ = obj.Set(k, v)
	}
	return obj
}
