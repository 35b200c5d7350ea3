package gojaruntime

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/joeycumines/logiface"
)

const consoleModule = console.ModuleName

// consolePrinter routes console output to the logger. log and info are
// informational, warn is a warning and error is an error.
type consolePrinter struct {
	logger *logiface.Logger[logiface.Event]
}

func (p consolePrinter) Log(s string)   { p.logger.Info().Str("source", "console").Log(s) }
func (p consolePrinter) Warn(s string)  { p.logger.Warning().Str("source", "console").Log(s) }
func (p consolePrinter) Error(s string) { p.logger.Err().Str("source", "console").Log(s) }

func (r *Runtime) registerConsole() {
	load := console.RequireWithPrinter(consolePrinter{logger: r.logger})
	r.modules.RegisterNativeModule(consoleModule, func(vm *goja.Runtime, module *goja.Object) {
		load(vm, module)
		exports := module.Get("exports").(*goja.Object)
		// debug gets its own level, the stock module treats it as log
		_ = exports.Set("debug", func(call goja.FunctionCall) goja.Value {
			r.logger.Debug().Str("source", "console").Log(formatArgs(call.Arguments))
			return goja.Undefined()
		})
	})
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, " ")
}
