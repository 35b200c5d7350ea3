package gojaruntime

import (
	"fmt"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

func isTypeScript(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts", ".mts", ".cts":
		return true
	}
	return false
}

// transpile compiles TypeScript to CommonJS the runtime can execute.
func transpile(path, src string) (string, error) {
	result := esbuild.Transform(src, esbuild.TransformOptions{
		Loader:     esbuild.LoaderTS,
		Format:     esbuild.FormatCommonJS,
		Target:     esbuild.ES2017,
		Sourcefile: path,
	})
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			if e.Location != nil {
				msgs = append(msgs, fmt.Sprintf("%d:%d: %s", e.Location.Line, e.Location.Column, e.Text))
				continue
			}
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("transpiling %s: %s", path, strings.Join(msgs, "; "))
	}
	return string(result.Code), nil
}

// wrapCommonJS gives a transpiled entry script the module and exports
// bindings CommonJS output refers to.
func wrapCommonJS(code string) string {
	return "(function (module) { var exports = module.exports;\n" + code + "\n})({ exports: {} });"
}
