package anchorframe

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// DefaultVarianceThreshold is the largest acceptable variance (m²) of anchor
// distances to the layout centroid.
const DefaultVarianceThreshold = 1.0

// rankTolerance is the singular value cutoff, relative to the largest, below
// which a centered direction is treated as absent.
const rankTolerance = 1e-9

// PlacementReport summarises how well-conditioned an anchor layout is.
type PlacementReport struct {
	Anchors                  int
	Centroid                 r3.Vec
	CentroidDistanceVariance float64
	Rank                     int
	HighVariance             bool
	Coplanar                 bool
}

// Poor reports whether either quality check failed.
func (r PlacementReport) Poor() bool { return r.HighVariance || r.Coplanar }

// Err returns an ErrPoorGeometry wrapped error describing the failed checks,
// or nil when the layout is acceptable.
func (r PlacementReport) Err() error {
	switch {
	case r.HighVariance && r.Coplanar:
		return fmt.Errorf("%w: centroid distance variance %.3f and centered rank %d", uwb.ErrPoorGeometry, r.CentroidDistanceVariance, r.Rank)
	case r.HighVariance:
		return fmt.Errorf("%w: centroid distance variance %.3f", uwb.ErrPoorGeometry, r.CentroidDistanceVariance)
	case r.Coplanar:
		return fmt.Errorf("%w: anchors are coplanar (centered rank %d)", uwb.ErrPoorGeometry, r.Rank)
	}
	return nil
}

// ValidatePlacement checks the frame's anchor layout. It is advisory: callers
// keep the frame whatever the outcome.
func ValidatePlacement(f *Frame, varianceThreshold float64) PlacementReport {
	order := f.Anchors()
	pts := make([]r3.Vec, 0, len(order))
	for _, addr := range order {
		p, _ := f.Position(addr)
		pts = append(pts, p)
	}
	return validatePoints(pts, varianceThreshold)
}

func validatePoints(pts []r3.Vec, varianceThreshold float64) PlacementReport {
	rep := PlacementReport{Anchors: len(pts)}
	if len(pts) == 0 {
		rep.Coplanar = true
		return rep
	}

	var sum r3.Vec
	for _, p := range pts {
		sum = r3.Add(sum, p)
	}
	rep.Centroid = r3.Scale(1/float64(len(pts)), sum)

	dists := make([]float64, len(pts))
	centered := mat.NewDense(len(pts), 3, nil)
	for i, p := range pts {
		c := r3.Sub(p, rep.Centroid)
		dists[i] = r3.Norm(c)
		centered.SetRow(i, []float64{c.X, c.Y, c.Z})
	}
	rep.CentroidDistanceVariance = stat.PopVariance(dists, nil)

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDNone); ok {
		if svd.Values(nil)[0] > 0 {
			rep.Rank = svd.Rank(rankTolerance)
		}
	}

	rep.HighVariance = rep.CentroidDistanceVariance > varianceThreshold
	rep.Coplanar = rep.Rank < 3
	return rep
}
