package anchorframe

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// collinearTolerance bounds |u×v| / (|u||v|) for the reference triangle; below
// it the anchor-3 system is treated as singular.
const collinearTolerance = 1e-9

// Initialize places the first four anchors (in discovery order) that have all
// six pairwise distances known. Anchor 0 sits at the origin, anchor 1 on the
// +x axis, anchor 2 in the xy-plane with y >= 0 and anchor 3 in the z >= 0
// half-space. Anchors beyond those four are not placed here.
func Initialize(order []string, d Distances, at time.Time) (*Frame, error) {
	order = dedupe(order)
	if len(order) < uwb.MinAnchors {
		return nil, fmt.Errorf("%w: need %d anchors, have %d", uwb.ErrInsufficientAnchors, uwb.MinAnchors, len(order))
	}

	quad, err := selectQuad(order, d)
	if err != nil {
		return nil, err
	}

	var dist [4][4]float64
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			v, _ := d.Get(quad[i], quad[j])
			if !(v > 0) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %s-%s = %v", uwb.ErrNonPositiveDistance, quad[i], quad[j], v)
			}
			dist[i][j], dist[j][i] = v, v
		}
	}

	placed, err := placeFour(dist)
	if err != nil {
		return nil, err
	}

	positions := make(map[string]r3.Vec, 4)
	for i, addr := range quad {
		positions[addr] = placed[i]
	}
	return New(quad[:], positions, at), nil
}

// selectQuad walks four-anchor combinations in discovery order and returns the
// first whose pairwise distances are all present.
func selectQuad(order []string, d Distances) ([4]string, error) {
	n := len(order)
	has := func(i, j int) bool {
		_, ok := d.Get(order[i], order[j])
		return ok
	}
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if !has(a, b) {
				continue
			}
			for c := b + 1; c < n; c++ {
				if !has(a, c) || !has(b, c) {
					continue
				}
				for e := c + 1; e < n; e++ {
					if has(a, e) && has(b, e) && has(c, e) {
						return [4]string{order[a], order[b], order[c], order[e]}, nil
					}
				}
			}
		}
	}
	return [4]string{}, fmt.Errorf("%w: no four anchors with complete pairwise ranges among %d", uwb.ErrInsufficientAnchors, n)
}

func placeFour(d [4][4]float64) ([4]r3.Vec, error) {
	var p [4]r3.Vec
	d01, d02, d12 := d[0][1], d[0][2], d[1][2]

	p[1] = r3.Vec{X: d01}

	x2 := (d01*d01 + d02*d02 - d12*d12) / (2 * d01)
	y2 := math.Sqrt(math.Max(0, d02*d02-x2*x2))
	p[2] = r3.Vec{X: x2, Y: y2}

	normal := r3.Cross(p[1], p[2])
	if r3.Norm(normal) <= collinearTolerance*r3.Norm(p[1])*r3.Norm(p[2]) {
		return p, fmt.Errorf("%w: anchors 0-2 are collinear (d01=%.3f d02=%.3f d12=%.3f)", uwb.ErrSingularGeometry, d01, d02, d12)
	}

	// Rows: the two in-plane baselines and the plane normal. Solving yields the
	// projection of anchor 3 onto the anchor plane.
	d03, d13, d23 := d[0][3], d[1][3], d[2][3]
	a := mat.NewDense(3, 3, []float64{
		p[1].X, p[1].Y, p[1].Z,
		p[2].X, p[2].Y, p[2].Z,
		normal.X, normal.Y, normal.Z,
	})
	b := mat.NewVecDense(3, []float64{
		(r3.Dot(p[1], p[1]) + d03*d03 - d13*d13) / 2,
		(r3.Dot(p[2], p[2]) + d03*d03 - d23*d23) / 2,
		0,
	})
	var q mat.VecDense
	if err := q.SolveVec(a, b); err != nil {
		return p, fmt.Errorf("%w: %v", uwb.ErrSingularGeometry, err)
	}
	inPlane := r3.Vec{X: q.AtVec(0), Y: q.AtVec(1), Z: q.AtVec(2)}
	height := math.Sqrt(math.Max(0, d03*d03-r3.Dot(inPlane, inPlane)))
	p[3] = r3.Add(inPlane, r3.Scale(height, r3.Unit(normal)))

	for i := range p {
		if !finite(p[i]) {
			return p, fmt.Errorf("%w: anchor %d placement is not finite", uwb.ErrSingularGeometry, i)
		}
	}
	return p, nil
}

func finite(v r3.Vec) bool {
	for _, c := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
