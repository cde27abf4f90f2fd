package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/seantiz/streamharness/internal/bridge"
)

// lockedWriter serializes writes from loggers and followers sharing stderr.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// followEntries prints each entry tagged with its scenario until the channel
// closes.
func followEntries(w io.Writer, scenario string, entries <-chan bridge.Entry) {
	for e := range entries {
		fmt.Fprintf(w, "[%s] %s\n", scenario, e)
	}
}
