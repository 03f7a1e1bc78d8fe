package uwb

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultMaxRange is the upper bound (metres) for a plausible ranging sample.
const DefaultMaxRange = 100.0

// MinAnchors is the number of placed anchors needed to bootstrap a frame or to
// locate a tag in three dimensions.
const MinAnchors = 4

// Role is the function a device currently performs in the network.
type Role string

const (
	RoleUnknown Role = "UNKNOWN"
	RoleAnchor  Role = "ANCHOR"
	RoleTag     Role = "TAG"
)

// ParseRole maps a wire token onto a Role. Tokens are case-insensitive.
func ParseRole(token string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "ANCHOR":
		return RoleAnchor, nil
	case "TAG":
		return RoleTag, nil
	case "UNKNOWN":
		return RoleUnknown, nil
	default:
		return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrParse, token)
	}
}

// Valid reports whether r is one of the enumerated roles.
func (r Role) Valid() bool {
	return r == RoleAnchor || r == RoleTag || r == RoleUnknown
}

func (r Role) String() string { return string(r) }

// RangingSample is one measured distance from a reporting device to a peer.
type RangingSample struct {
	Peer    string  `json:"peer_address"`
	Range   float64 `json:"range"`
	RxPower float64 `json:"rx_power,omitempty"`
}

// Validate checks the sample against [0, maxRange]. NaN and ±Inf are rejected.
func (s RangingSample) Validate(maxRange float64) error {
	if s.Peer == "" {
		return fmt.Errorf("%w: empty peer address", ErrInvalidRangingSample)
	}
	if math.IsNaN(s.Range) || math.IsInf(s.Range, 0) {
		return fmt.Errorf("%w: range to %s is not finite", ErrInvalidRangingSample, s.Peer)
	}
	if s.Range < 0 || s.Range > maxRange {
		return fmt.Errorf("%w: range %.3f to %s outside [0, %.1f]", ErrInvalidRangingSample, s.Range, s.Peer, maxRange)
	}
	return nil
}

// Report is one decoded ranging report. A nil Role means the sender did not
// state a role and the previously recorded one is kept.
type Report struct {
	DeviceAddress string
	Role          *Role
	// DeviceMillis is the sender's uptime clock, if it sent one.
	DeviceMillis int64
	Samples      []RangingSample
	ReceivedAt   time.Time
}
