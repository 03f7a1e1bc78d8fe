// Package kalman smooths successive raw position solves per device with a
// constant-position linear Kalman filter (identity transition and
// observation).
package kalman

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Config holds the filter noise parameters, all per-axis variances.
type Config struct {
	ProcessNoise      float64 // Q
	MeasurementNoise  float64 // R
	InitialCovariance float64 // P0
}

// DefaultConfig matches a room-scale deployment with decimetre ranging noise.
func DefaultConfig() Config {
	return Config{
		ProcessNoise:      0.01,
		MeasurementNoise:  5,
		InitialCovariance: 1000,
	}
}

// State is one device's filter state.
type State struct {
	X       *mat.VecDense
	P       *mat.SymDense
	Updates int
}

// Position returns the state estimate as a point.
func (s *State) Position() r3.Vec {
	return r3.Vec{X: s.X.AtVec(0), Y: s.X.AtVec(1), Z: s.X.AtVec(2)}
}

// Variance returns the diagonal of the error covariance.
func (s *State) Variance() r3.Vec {
	return r3.Vec{X: s.P.At(0, 0), Y: s.P.At(1, 1), Z: s.P.At(2, 2)}
}

// Smoother keeps a filter State per device.
type Smoother struct {
	mu     sync.Mutex
	cfg    Config
	q, r   *mat.SymDense
	states map[string]*State
}

// NewSmoother builds a smoother. Non-positive noise values fall back to defaults.
func NewSmoother(cfg Config) *Smoother {
	def := DefaultConfig()
	if cfg.ProcessNoise < 0 {
		cfg.ProcessNoise = def.ProcessNoise
	}
	if cfg.MeasurementNoise <= 0 {
		cfg.MeasurementNoise = def.MeasurementNoise
	}
	if cfg.InitialCovariance <= 0 {
		cfg.InitialCovariance = def.InitialCovariance
	}
	return &Smoother{
		cfg:    cfg,
		q:      scaledIdentity(cfg.ProcessNoise),
		r:      scaledIdentity(cfg.MeasurementNoise),
		states: make(map[string]*State),
	}
}

func scaledIdentity(v float64) *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		v, 0, 0,
		0, v, 0,
		0, 0, v,
	})
}

// Update runs one filter cycle for device with raw observation z and returns
// the filtered position. The first observation of a device initializes its
// state to z with the initial covariance.
func (s *Smoother) Update(device string, z r3.Vec) (r3.Vec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[device]
	if !ok {
		st = &State{
			X: mat.NewVecDense(3, []float64{z.X, z.Y, z.Z}),
			P: scaledIdentity(s.cfg.InitialCovariance),
		}
		s.states[device] = st
		return st.Position(), nil
	}

	// Predict: F = I, so x is unchanged and P grows by Q.
	var pPred mat.SymDense
	pPred.AddSym(st.P, s.q)

	// Correct: H = I.
	var innovCov mat.SymDense
	innovCov.AddSym(&pPred, s.r)
	var sInv mat.Dense
	if err := sInv.Inverse(&innovCov); err != nil {
		return st.Position(), fmt.Errorf("kalman: innovation covariance not invertible for %s: %w", device, err)
	}
	var gain mat.Dense
	gain.Mul(&pPred, &sInv)

	zv := mat.NewVecDense(3, []float64{z.X, z.Y, z.Z})
	var innov mat.VecDense
	innov.SubVec(zv, st.X)
	var corr mat.VecDense
	corr.MulVec(&gain, &innov)
	st.X.AddVec(st.X, &corr)

	// P = (I - K) P⁻, symmetrised to absorb rounding.
	var ikh mat.Dense
	ikh.Sub(eye3(), &gain)
	var pNew mat.Dense
	pNew.Mul(&ikh, &pPred)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := (pNew.At(i, j) + pNew.At(j, i)) / 2
			st.P.SetSym(i, j, v)
		}
	}
	st.Updates++
	return st.Position(), nil
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// State returns a copy of the filter state for device.
func (s *Smoother) State(device string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[device]
	if !ok {
		return State{}, false
	}
	return State{
		X:       mat.VecDenseCopyOf(st.X),
		P:       mat.NewSymDense(3, append([]float64(nil), st.P.RawSymmetric().Data...)),
		Updates: st.Updates,
	}, true
}

// Reset discards device's filter state; its next observation re-initializes it.
func (s *Smoother) Reset(device string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, device)
}

// Len returns the number of devices with filter state.
func (s *Smoother) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
