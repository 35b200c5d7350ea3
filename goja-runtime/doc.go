// Package gojaruntime embeds a [goja.Runtime] in an event loop and exposes
// the runtime's native modules to scripts.
//
// # Execution Model
//
// The goja runtime is not safe for concurrent use, so it is only touched on
// the loop goroutine: scripts, timers, event listeners and promise
// continuations all run there, one at a time. Native operations (network,
// filesystem, database) run on their own goroutines and hand results back
// through [eventloop.Promise] values, which are converted into script
// promises resolved on the loop.
//
// A synchronous filesystem call (readFileSync and friends) runs inline and
// blocks the loop for its duration; the asynchronous variants do not.
//
// # Globals
//
//   - setTimeout, setInterval, clearTimeout, clearInterval
//   - setImmediate, clearImmediate, queueMicrotask
//   - console, routed to the runtime's logger
//   - require, for the modules below and script files
//
// # Modules
//
//   - time: timers, createTicker(ms), sleep(ms), now()
//   - http/server (also httpserver): createServer(config) with routing,
//     middleware, static files and WebSocket endpoints
//   - http (also http/client): get, post, put, patch, delete, head and
//     request
//   - ws (also websocket): connect(url)
//   - net: createTCPServer, connectTCP, createUDPSocket
//   - proxy (also net.proxy): createHTTPProxy(url), createTCPProxy(address)
//   - process (also exec): exec(cmd, args, options), shell(line, options),
//     which, commandExists, cwd, env, platform, arch, pid
//   - sqlite: open(path)
//   - fs: readFile, writeFile, appendFile, exists, readdir, mkdir, unlink,
//     rmdir, rename and stat, each with a Sync variant
//
// Relative paths given to fs, sqlite, static and RunFile resolve against
// the base directory, see [WithBaseDir].
//
// # Usage
//
//	rt, err := gojaruntime.New(loop, gojaruntime.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := rt.Bind(); err != nil {
//	    return err
//	}
//	if err := rt.RunFile("main.js"); err != nil {
//	    return err
//	}
//	return rt.Wait(ctx)
package gojaruntime
