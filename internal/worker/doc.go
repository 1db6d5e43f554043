// Package worker is the runtime that lives inside each worker process.
//
// A worker reads frames from its stdin and writes replies to its stdout. The
// first frame must be the handshake: it carries the worker's slot id, a session
// token, the handler registry and the inactivity settings, plus an optional
// startup module that runs before the worker reports ready. Every later frame
// must present the same token.
//
// Frames are processed one at a time. While a handler runs the worker does not
// accept the next frame. Handlers are resolved on first use per type and kept
// for the life of the process.
//
// A worker retires itself when it has been idle longer than its inactivity
// limit, when it is told to terminate, when its stdin closes, or when a handler
// faults. Retirement runs the stop hooks registered by startup modules, sends a
// shutdown notice and returns from Serve.
package worker
