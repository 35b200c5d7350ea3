// Command swrun runs JavaScript and TypeScript programs on the swruntime
// event loop.
//
//	swrun run server.ts
//	swrun run --watch server.ts
//	swrun eval -p '[1, 2, 3].map((x) => x * 2)'
//	swrun repl
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
