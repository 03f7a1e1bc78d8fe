package uwb

import (
	"errors"
	"fmt"
	"time"
)

// EventKind classifies what happened while processing a report.
type EventKind string

const (
	EventParseError        EventKind = "parse_error"
	EventInvalidSample     EventKind = "invalid_sample"
	EventDeviceAdded       EventKind = "device_added"
	EventRoleChanged       EventKind = "role_changed"
	EventFrameInitialized  EventKind = "frame_initialized"
	EventFrameExtended     EventKind = "frame_extended"
	EventFrameInitFailed   EventKind = "frame_init_failed"
	EventFrameMemberLeft   EventKind = "frame_member_removed"
	EventPoorGeometry      EventKind = "poor_geometry"
	EventInsufficient      EventKind = "insufficient_anchors"
	EventPositionUpdated   EventKind = "position_updated"
	EventSolverBudget      EventKind = "solver_budget_exhausted"
	EventSmootherFailed    EventKind = "smoother_failed"
	EventRecalibrated      EventKind = "recalibrated"
	EventRecalibrateFailed EventKind = "recalibration_failed"
)

// Event is a structured record of one notable outcome.
type Event struct {
	Kind    EventKind
	Device  string
	Message string
	Err     error
	At      time.Time
}

func (e Event) String() string {
	s := string(e.Kind)
	if e.Device != "" {
		s += " device=" + e.Device
	}
	if e.Message != "" {
		s += " " + e.Message
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s
}

// Is reports whether the event carries an error matching target.
func (e Event) Is(target error) bool {
	return e.Err != nil && errors.Is(e.Err, target)
}

// EventSink receives events as they are produced.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(e Event) { f(e) }
