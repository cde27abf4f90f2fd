// Package scenario holds the named engine scenarios the harness runs, a
// registry to look them up, and a runner that drives each one through its own
// harness.
package scenario
