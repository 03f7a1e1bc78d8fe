// Package anchorframe builds and validates the shared coordinate frame that
// anchors are placed in. A Frame is immutable once constructed; every change
// produces a new value so readers never observe a partially updated frame.
package anchorframe

import (
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/spatial/r3"
)

// Frame is the accepted placement of every anchor in the live coordinate system.
type Frame struct {
	ID          uuid.UUID
	Initialized bool
	CreatedAt   time.Time

	order     []string
	positions map[string]r3.Vec
}

// Empty returns an uninitialized frame with no anchors.
func Empty() *Frame {
	return &Frame{positions: map[string]r3.Vec{}}
}

// New builds an initialized frame from an ordered set of placed anchors.
// Addresses in order without an entry in positions are ignored.
func New(order []string, positions map[string]r3.Vec, at time.Time) *Frame {
	f := &Frame{
		ID:          uuid.New(),
		Initialized: true,
		CreatedAt:   at,
		positions:   make(map[string]r3.Vec, len(positions)),
	}
	for _, addr := range order {
		p, ok := positions[addr]
		if !ok {
			continue
		}
		if _, dup := f.positions[addr]; dup {
			continue
		}
		f.order = append(f.order, addr)
		f.positions[addr] = p
	}
	return f
}

// Position returns the placement of addr, if it is a member of the frame.
func (f *Frame) Position(addr string) (r3.Vec, bool) {
	if f == nil {
		return r3.Vec{}, false
	}
	p, ok := f.positions[addr]
	return p, ok
}

// Contains reports whether addr is placed in the frame.
func (f *Frame) Contains(addr string) bool {
	_, ok := f.Position(addr)
	return ok
}

// Len is the number of placed anchors.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.order)
}

// Anchors returns member addresses in placement order.
func (f *Frame) Anchors() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.order...)
}

// Positions returns a copy of the address to position mapping.
func (f *Frame) Positions() map[string]r3.Vec {
	out := make(map[string]r3.Vec, f.Len())
	if f == nil {
		return out
	}
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

// With returns a new frame generation that also places addr at pos.
func (f *Frame) With(addr string, pos r3.Vec, at time.Time) *Frame {
	positions := f.Positions()
	positions[addr] = pos
	order := f.Anchors()
	if !f.Contains(addr) {
		order = append(order, addr)
	}
	return New(order, positions, at)
}

// Without returns a new frame generation lacking addr. The result is
// uninitialized when it would hold no anchors.
func (f *Frame) Without(addr string, at time.Time) *Frame {
	positions := f.Positions()
	delete(positions, addr)
	if len(positions) == 0 {
		return Empty()
	}
	return New(f.Anchors(), positions, at)
}

// ImpliedDistances returns the pairwise distances between the frame's own
// anchor positions.
func (f *Frame) ImpliedDistances() Distances {
	d := Distances{}
	order := f.Anchors()
	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			d.Set(order[i], order[j], r3.Norm(r3.Sub(f.positions[order[i]], f.positions[order[j]])))
		}
	}
	return d
}

// Pair is an unordered pair of anchor addresses.
type Pair struct{ A, B string }

func makePair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{a, b}
}

// Distances holds symmetric pairwise anchor distances.
type Distances map[Pair]float64

// Set records the distance between a and b.
func (d Distances) Set(a, b string, v float64) { d[makePair(a, b)] = v }

// Get returns the distance between a and b.
func (d Distances) Get(a, b string) (float64, bool) {
	v, ok := d[makePair(a, b)]
	return v, ok
}
