// Package sim generates synthetic ranging reports for a known layout of
// anchors and moving tags. It feeds the simulator binary and end-to-end tests.
package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/registry"
)

// Device is one simulated unit. Tags with a non-zero OrbitRadius circle
// Position in the horizontal plane.
type Device struct {
	Address  string
	Role     uwb.Role
	Position r3.Vec

	OrbitRadius float64 // metres
	OrbitPeriod time.Duration
}

// Generator produces one round of reports per call to Round.
type Generator struct {
	Devices []Device

	// Configuration
	Noise      float64 // metres, standard deviation of range noise
	MaxRange   float64 // metres, peers further away are not reported
	ShortPeers bool    // render peers as DW1000 short addresses

	start time.Time
	noise distuv.Normal
}

// NewGenerator builds a generator over devices. seed makes the noise
// reproducible.
func NewGenerator(devices []Device, start time.Time, seed uint64) *Generator {
	return &Generator{
		Devices:  devices,
		MaxRange: 100,
		start:    start,
		noise:    distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)},
	}
}

// DefaultLayout is five anchors spanning a 6 x 5 x 3 m room and two tags, one
// fixed and one orbiting the room centre.
func DefaultLayout() []Device {
	return []Device{
		{Address: "7D:00:22:EA:82:60:3B:9C", Role: uwb.RoleAnchor, Position: r3.Vec{X: 0, Y: 0, Z: 0}},
		{Address: "7E:00:22:EA:82:60:3B:9C", Role: uwb.RoleAnchor, Position: r3.Vec{X: 6, Y: 0, Z: 0}},
		{Address: "7F:00:22:EA:82:60:3B:9C", Role: uwb.RoleAnchor, Position: r3.Vec{X: 1, Y: 5, Z: 0}},
		{Address: "80:00:22:EA:82:60:3B:9C", Role: uwb.RoleAnchor, Position: r3.Vec{X: 2, Y: 2, Z: 3}},
		{Address: "81:00:22:EA:82:60:3B:9C", Role: uwb.RoleAnchor, Position: r3.Vec{X: 5, Y: 5, Z: 2.5}},
		{Address: "90:00:22:EA:82:60:3B:9C", Role: uwb.RoleTag, Position: r3.Vec{X: 2.5, Y: 1.5, Z: 1}},
		{Address: "91:00:22:EA:82:60:3B:9C", Role: uwb.RoleTag, Position: r3.Vec{X: 3, Y: 2.5, Z: 1.2}, OrbitRadius: 1.5, OrbitPeriod: 20 * time.Second},
	}
}

// PositionAt returns where d is at time at.
func (g *Generator) PositionAt(d Device, at time.Time) r3.Vec {
	if d.OrbitRadius == 0 || d.OrbitPeriod <= 0 {
		return d.Position
	}
	phase := 2 * math.Pi * float64(at.Sub(g.start)) / float64(d.OrbitPeriod)
	return r3.Vec{
		X: d.Position.X + d.OrbitRadius*math.Cos(phase),
		Y: d.Position.Y + d.OrbitRadius*math.Sin(phase),
		Z: d.Position.Z,
	}
}

// Report builds the report device addr would send at time at. Anchors range
// to every other anchor; tags range to the anchors.
func (g *Generator) Report(addr string, at time.Time) (uwb.Report, error) {
	var self *Device
	for i := range g.Devices {
		if g.Devices[i].Address == addr {
			self = &g.Devices[i]
			break
		}
	}
	if self == nil {
		return uwb.Report{}, fmt.Errorf("unknown device %s", addr)
	}

	role := self.Role
	r := uwb.Report{
		DeviceAddress: self.Address,
		Role:          &role,
		DeviceMillis:  at.Sub(g.start).Milliseconds(),
		ReceivedAt:    at,
	}
	from := g.PositionAt(*self, at)
	for _, peer := range g.Devices {
		if peer.Address == self.Address || peer.Role != uwb.RoleAnchor {
			continue
		}
		d := r3.Norm(r3.Sub(from, g.PositionAt(peer, at)))
		if d > g.MaxRange {
			continue
		}
		if g.Noise > 0 {
			d = math.Max(0, d+g.Noise*g.noise.Rand())
		}
		r.Samples = append(r.Samples, uwb.RangingSample{
			Peer:    g.peerAddress(peer.Address),
			Range:   d,
			RxPower: rxPower(d),
		})
	}
	return r, nil
}

// Round returns one report from every device, anchors first, in layout order.
func (g *Generator) Round(at time.Time) []uwb.Report {
	out := make([]uwb.Report, 0, len(g.Devices))
	for _, role := range []uwb.Role{uwb.RoleAnchor, uwb.RoleTag} {
		for _, d := range g.Devices {
			if d.Role != role {
				continue
			}
			r, _ := g.Report(d.Address, at)
			out = append(out, r)
		}
	}
	return out
}

func (g *Generator) peerAddress(eui string) string {
	if !g.ShortPeers {
		return eui
	}
	if short, ok := registry.ShortAddress(eui); ok {
		return short
	}
	return eui
}

// rxPower is a free-space style received power estimate in dBm.
func rxPower(d float64) float64 {
	return -60 - 20*math.Log10(math.Max(d, 0.1))
}
