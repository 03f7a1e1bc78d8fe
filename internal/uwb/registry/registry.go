// Package registry maps device addresses to their current role, position and
// latest ranging measurements. It is the single source of truth the engine
// consults; it is not safe for concurrent mutation and expects one owner.
package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// RangeEntry is the most recent valid range a device reported to one peer.
type RangeEntry struct {
	Range float64
	At    time.Time
}

// Device is one ranging participant. Values returned by the Registry are
// copies and may be retained by callers.
type Device struct {
	Address     string
	Role        uwb.Role
	Position    r3.Vec
	Resolved    bool
	LastUpdated time.Time
	Ranges      map[string]RangeEntry

	seq int
}

// Seq is the discovery index of the device (0 for the first device seen).
func (d Device) Seq() int { return d.seq }

func (d *Device) clone() Device {
	c := *d
	c.Ranges = make(map[string]RangeEntry, len(d.Ranges))
	for k, v := range d.Ranges {
		c.Ranges[k] = v
	}
	return c
}

// RoleChange describes the effect an upsert had on a device's role.
type RoleChange struct {
	Added   bool
	Changed bool
	From    uwb.Role
	To      uwb.Role
}

// Registry stores devices in discovery order. Entries are never removed.
type Registry struct {
	devices map[string]*Device
	order   []string
	aliases map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		devices: make(map[string]*Device),
		aliases: make(map[string]string),
	}
}

// Upsert records a report from address. A nil role keeps the current role, or
// RoleUnknown for a device seen for the first time. samples must already have
// passed validation. The returned Device is a copy of the stored state.
func (r *Registry) Upsert(address string, role *uwb.Role, samples []uwb.RangingSample, ts time.Time) (Device, RoleChange) {
	var change RoleChange
	dev, ok := r.devices[address]
	if !ok {
		initial := uwb.RoleUnknown
		if role != nil && role.Valid() {
			initial = *role
		}
		dev = &Device{
			Address: address,
			Role:    initial,
			Ranges:  make(map[string]RangeEntry),
			seq:     len(r.order),
		}
		r.devices[address] = dev
		r.order = append(r.order, address)
		if short, ok := ShortAddress(address); ok {
			r.aliases[short] = address
		}
		change = RoleChange{Added: true, From: uwb.RoleUnknown, To: initial}
	} else if role != nil && role.Valid() && *role != dev.Role {
		change = RoleChange{Changed: true, From: dev.Role, To: *role}
		dev.Role = *role
	} else {
		change = RoleChange{From: dev.Role, To: dev.Role}
	}

	for _, s := range samples {
		dev.Ranges[s.Peer] = RangeEntry{Range: s.Range, At: ts}
	}
	dev.LastUpdated = ts
	return dev.clone(), change
}

// Get returns the device stored under address, resolving short aliases.
func (r *Registry) Get(address string) (Device, bool) {
	dev, ok := r.devices[r.Resolve(address)]
	if !ok {
		return Device{}, false
	}
	return dev.clone(), true
}

// SetPosition records a resolved position for address.
func (r *Registry) SetPosition(address string, pos r3.Vec) error {
	dev, ok := r.devices[address]
	if !ok {
		return fmt.Errorf("registry: unknown device %q", address)
	}
	dev.Position = pos
	dev.Resolved = true
	return nil
}

// Len returns the number of devices ever seen.
func (r *Registry) Len() int { return len(r.order) }

// All returns every device in discovery order.
func (r *Registry) All() []Device {
	out := make([]Device, 0, len(r.order))
	for _, addr := range r.order {
		out = append(out, r.devices[addr].clone())
	}
	return out
}

// Anchors returns devices currently recorded as anchors, in discovery order.
func (r *Registry) Anchors() []Device { return r.withRole(uwb.RoleAnchor) }

// Tags returns devices currently recorded as tags, in discovery order.
func (r *Registry) Tags() []Device { return r.withRole(uwb.RoleTag) }

func (r *Registry) withRole(role uwb.Role) []Device {
	var out []Device
	for _, addr := range r.order {
		if d := r.devices[addr]; d.Role == role {
			out = append(out, d.clone())
		}
	}
	return out
}

// IsAnchor reports whether address is currently an anchor.
func (r *Registry) IsAnchor(address string) bool {
	d, ok := r.devices[r.Resolve(address)]
	return ok && d.Role == uwb.RoleAnchor
}

// Resolve maps a peer reference to a known device address. Firmware reports
// peers by their 16-bit short address; once the owning device has reported
// under its full address, the short form resolves to it.
func (r *Registry) Resolve(peer string) string {
	if _, ok := r.devices[peer]; ok {
		return peer
	}
	if full, ok := r.aliases[normalizeShort(peer)]; ok {
		return full
	}
	return peer
}

// Ranges returns the latest range from address to each peer, with peer keys
// resolved. When a peer was reported under both its short and full address the
// newer measurement wins.
func (r *Registry) Ranges(address string) map[string]float64 {
	dev, ok := r.devices[r.Resolve(address)]
	if !ok {
		return nil
	}
	type stamped struct {
		v  float64
		at time.Time
	}
	tmp := make(map[string]stamped, len(dev.Ranges))
	for peer, e := range dev.Ranges {
		key := r.Resolve(peer)
		if cur, ok := tmp[key]; ok && cur.at.After(e.At) {
			continue
		}
		tmp[key] = stamped{e.Range, e.At}
	}
	out := make(map[string]float64, len(tmp))
	for k, v := range tmp {
		out[k] = v.v
	}
	return out
}

// PairDistance returns the measured distance between a and b. When both
// devices reported the pair the two measurements are averaged.
func (r *Registry) PairDistance(a, b string) (float64, bool) {
	ab, okAB := r.Ranges(a)[b]
	ba, okBA := r.Ranges(b)[a]
	switch {
	case okAB && okBA:
		return (ab + ba) / 2, true
	case okAB:
		return ab, true
	case okBA:
		return ba, true
	default:
		return 0, false
	}
}

// ShortAddress derives the DW1000 16-bit short address from a colon separated
// EUI such as "7D:00:22:EA:82:60:3B:9C". The first two bytes are taken
// little-endian, so the example yields "007D".
func ShortAddress(eui string) (string, bool) {
	parts := strings.Split(eui, ":")
	if len(parts) < 2 {
		return "", false
	}
	lo, err := strconv.ParseUint(parts[0], 16, 8)
	if err != nil {
		return "", false
	}
	hi, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%04X", hi<<8|lo), true
}

func normalizeShort(peer string) string {
	p := strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(peer, "0x"), "0X"))
	if len(p) > 4 {
		return p
	}
	if _, err := strconv.ParseUint(p, 16, 16); err != nil {
		return p
	}
	return strings.Repeat("0", 4-len(p)) + p
}
