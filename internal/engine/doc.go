// Package engine is the harness's view of the native multimedia engine. It
// defines the command, callback and settings surfaces the harness consumes and
// implements them over a framed JSON connection to an engine host process.
//
// Commands are fire-and-forget: a nil error means the request was written,
// not that the engine acted on it. Completion is observed only through the
// callbacks registered with ConnectOutputSignals and ConnectAutoConfig.
package engine
