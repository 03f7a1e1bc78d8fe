package monitoring

import "github.com/banshee-data/uwb-locator/internal/uwb"

var eventLog = NewLogger("uwb")

// EventLogger writes engine events through Logf, tagged [uwb]. Position
// updates are frequent, so they are only logged when Verbose is set.
type EventLogger struct {
	Verbose bool
}

// HandleEvent implements uwb.EventSink.
func (l EventLogger) HandleEvent(e uwb.Event) {
	if e.Kind == uwb.EventPositionUpdated && !l.Verbose {
		return
	}
	eventLog.Printf("%s", e)
}
