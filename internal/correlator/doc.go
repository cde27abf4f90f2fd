// Package correlator turns the engine's push-style callbacks into pull-style,
// ordered, per-channel awaitable streams. Each output pipeline and the
// auto-configuration progress stream owns one Buffer; consumers take envelopes
// strictly in arrival order and never observe another channel's events.
package correlator
