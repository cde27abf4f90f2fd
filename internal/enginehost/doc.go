// Package enginehost implements a scripted engine host that speaks the engine
// package's framed protocol over a listener. It reproduces the engine's
// observable event sequences for outputs and auto-configuration, optionally
// injecting failures, so the harness can be exercised without the native
// engine.
package enginehost
