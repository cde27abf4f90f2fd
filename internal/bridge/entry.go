package bridge

import "github.com/seantiz/streamharness/internal/model"

// Entry is one envelope as delivered by the bridge. Exactly one of Signal and
// Progress is set.
type Entry struct {
	Seq      int                     `json:"seq"`
	Signal   *model.SignalEnvelope   `json:"signal,omitempty"`
	Progress *model.ProgressEnvelope `json:"progress,omitempty"`
}

func (e Entry) String() string {
	switch {
	case e.Signal != nil:
		return "signal " + e.Signal.String()
	case e.Progress != nil:
		return "progress " + e.Progress.String()
	default:
		return "empty"
	}
}
