package engine

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// Point is a JSON-friendly 3-D coordinate in metres.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// PointOf converts an r3.Vec.
func PointOf(v r3.Vec) Point { return Point{X: v.X, Y: v.Y, Z: v.Z} }

// Vec converts p back to an r3.Vec.
func (p Point) Vec() r3.Vec { return r3.Vec{X: p.X, Y: p.Y, Z: p.Z} }

// DeviceState is one device as seen in a Snapshot.
type DeviceState struct {
	Address     string    `json:"address"`
	Role        uwb.Role  `json:"role"`
	Position    Point     `json:"position"`
	Resolved    bool      `json:"resolved"`
	LastUpdated time.Time `json:"last_updated"`
	// Raw is the last unsmoothed solve, tags only.
	Raw *Point `json:"raw,omitempty"`
	// Variance is the smoother's per-axis error variance, tags only.
	Variance *Point `json:"variance,omitempty"`
	// InFrame marks anchors that are members of the live frame.
	InFrame bool `json:"in_frame,omitempty"`
}

// Snapshot is a read-only view of the registry taken after a report was fully
// processed. Snapshots are never mutated after publication.
type Snapshot struct {
	Seq              uint64        `json:"seq"`
	TakenAt          time.Time     `json:"taken_at"`
	FrameID          string        `json:"frame_id,omitempty"`
	FrameInitialized bool          `json:"frame_initialized"`
	Devices          []DeviceState `json:"devices"`
}

// Device looks up address in the snapshot.
func (s *Snapshot) Device(address string) (DeviceState, bool) {
	if s == nil {
		return DeviceState{}, false
	}
	for _, d := range s.Devices {
		if d.Address == address {
			return d, true
		}
	}
	return DeviceState{}, false
}

// Positions returns the resolved positions keyed by address, optionally
// filtered to one role. An empty role matches every device.
func (s *Snapshot) Positions(role uwb.Role) map[string]r3.Vec {
	out := map[string]r3.Vec{}
	if s == nil {
		return out
	}
	for _, d := range s.Devices {
		if !d.Resolved || (role != "" && d.Role != role) {
			continue
		}
		out[d.Address] = d.Position.Vec()
	}
	return out
}

// History is a bounded ring of recent snapshots, oldest first.
type History struct {
	mu    sync.RWMutex
	buf   []*Snapshot
	start int
	n     int
}

// NewHistory returns a ring holding at most size snapshots. A non-positive
// size yields a history that records nothing.
func NewHistory(size int) *History {
	if size < 0 {
		size = 0
	}
	return &History{buf: make([]*Snapshot, size)}
}

// Add appends s, evicting the oldest entry when full.
func (h *History) Add(s *Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) == 0 {
		return
	}
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = s
		h.n++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained snapshots.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

// Cap returns the ring capacity.
func (h *History) Cap() int { return len(h.buf) }

// Snapshots returns the retained snapshots, oldest first.
func (h *History) Snapshots() []*Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Snapshot, h.n)
	for i := 0; i < h.n; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Track returns the positions device held across the retained snapshots,
// oldest first. Snapshots where the device was unresolved are skipped.
func (h *History) Track(address string) []DeviceState {
	var out []DeviceState
	for _, s := range h.Snapshots() {
		if d, ok := s.Device(address); ok && d.Resolved {
			out = append(out, d)
		}
	}
	return out
}
