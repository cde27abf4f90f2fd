// Package bridge is the single subscription point into the engine's callback
// surface. It turns raw output signals and auto-configuration progress into
// envelopes, appends them to the correlator's buffers, and records them in a
// transcript that live subscribers can follow.
package bridge
