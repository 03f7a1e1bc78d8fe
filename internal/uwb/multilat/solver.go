// Package multilat estimates a device position from its ranges to anchors at
// known positions by minimising the squared range residuals.
//
// The minimiser is a pluggable strategy. Every strategy runs under an
// iteration, evaluation and wall-clock budget and returns its best point when
// the budget runs out, so a solve never blocks indefinitely. Only a local
// optimum is sought.
package multilat

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/uwb"
)

// Reference is one anchor at a known position and the range measured to it.
type Reference struct {
	Anchor   string
	Position r3.Vec
	Range    float64
}

// Result is the outcome of one solve.
type Result struct {
	Position    r3.Vec
	Residual    float64 // sum of squared range residuals at Position
	Iterations  int
	Evaluations int
	Converged   bool
	Status      string
}

// RMSE is the root mean squared range residual for n references.
func (r Result) RMSE(n int) float64 {
	if n == 0 {
		return 0
	}
	return math.Sqrt(r.Residual / float64(n))
}

// Solver locates a point from anchor references.
type Solver interface {
	Solve(ctx context.Context, refs []Reference) (Result, error)
}

// Budget bounds a solve.
type Budget struct {
	MaxIterations     int
	MaxEvaluations    int
	MaxRuntime        time.Duration
	GradientThreshold float64
}

// DefaultBudget is sized for a handful of anchors at room scale.
func DefaultBudget() Budget {
	return Budget{
		MaxIterations:     200,
		MaxEvaluations:    2000,
		MaxRuntime:        50 * time.Millisecond,
		GradientThreshold: 1e-9,
	}
}

// Method names accepted by New.
const (
	MethodLBFGS      = "lbfgs"
	MethodNelderMead = "nelder-mead"
)

// New returns the solver for the named method.
func New(method string, budget Budget) (Solver, error) {
	switch method {
	case "", MethodLBFGS:
		return &LBFGSSolver{Budget: budget}, nil
	case MethodNelderMead:
		return &NelderMeadSolver{Budget: budget}, nil
	default:
		return nil, fmt.Errorf("multilat: unknown solver method %q", method)
	}
}

// LBFGSSolver minimises with limited-memory BFGS using the analytic gradient.
type LBFGSSolver struct {
	Budget Budget
}

func (s *LBFGSSolver) Solve(ctx context.Context, refs []Reference) (Result, error) {
	return minimize(ctx, refs, s.Budget, &optimize.LBFGS{}, true)
}

// NelderMeadSolver is a derivative-free alternative for badly scaled inputs.
type NelderMeadSolver struct {
	Budget Budget
}

func (s *NelderMeadSolver) Solve(ctx context.Context, refs []Reference) (Result, error) {
	return minimize(ctx, refs, s.Budget, &optimize.NelderMead{}, false)
}

// Centroid returns the mean anchor position, which seeds every solve.
func Centroid(refs []Reference) r3.Vec {
	var sum r3.Vec
	for _, ref := range refs {
		sum = r3.Add(sum, ref.Position)
	}
	if len(refs) == 0 {
		return sum
	}
	return r3.Scale(1/float64(len(refs)), sum)
}

// Objective is Σ(‖p−aᵢ‖−dᵢ)² evaluated at p.
func Objective(refs []Reference, p r3.Vec) float64 {
	var f float64
	for _, ref := range refs {
		r := r3.Norm(r3.Sub(p, ref.Position)) - ref.Range
		f += r * r
	}
	return f
}

func gradient(refs []Reference, p r3.Vec) r3.Vec {
	var g r3.Vec
	for _, ref := range refs {
		diff := r3.Sub(p, ref.Position)
		n := r3.Norm(diff)
		if n == 0 {
			// The residual term is not differentiable on an anchor; its
			// subgradient at zero is used.
			continue
		}
		g = r3.Add(g, r3.Scale(2*(n-ref.Range)/n, diff))
	}
	return g
}

func validateRefs(refs []Reference) error {
	if len(refs) < uwb.MinAnchors {
		return fmt.Errorf("%w: have %d anchor ranges, need %d", uwb.ErrInsufficientAnchors, len(refs), uwb.MinAnchors)
	}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref.Anchor] {
			return fmt.Errorf("%w: duplicate anchor %s", uwb.ErrInsufficientAnchors, ref.Anchor)
		}
		seen[ref.Anchor] = true
	}
	return nil
}

func minimize(ctx context.Context, refs []Reference, budget Budget, method optimize.Method, useGrad bool) (Result, error) {
	if err := validateRefs(refs); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	seed := Centroid(refs)
	toVec := func(x []float64) r3.Vec { return r3.Vec{X: x[0], Y: x[1], Z: x[2]} }

	problem := optimize.Problem{
		Func: func(x []float64) float64 { return Objective(refs, toVec(x)) },
	}
	if useGrad {
		problem.Grad = func(grad, x []float64) {
			g := gradient(refs, toVec(x))
			grad[0], grad[1], grad[2] = g.X, g.Y, g.Z
		}
	}

	runtime := budget.MaxRuntime
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left < time.Millisecond {
			left = time.Millisecond
		}
		if runtime == 0 || left < runtime {
			runtime = left
		}
	}
	settings := &optimize.Settings{
		MajorIterations:   budget.MaxIterations,
		FuncEvaluations:   budget.MaxEvaluations,
		Runtime:           runtime,
		GradientThreshold: budget.GradientThreshold,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-12,
			Iterations: 20,
		},
	}

	initX := []float64{seed.X, seed.Y, seed.Z}
	res, err := optimize.Minimize(problem, initX, settings, method)
	if res == nil {
		if err == nil {
			err = fmt.Errorf("multilat: minimizer returned no result")
		}
		return Result{}, err
	}

	pos := toVec(res.X)
	if !finite(pos) {
		// Fall back to the seed rather than publish a non-finite point.
		pos = seed
	}
	out := Result{
		Position:    pos,
		Residual:    Objective(refs, pos),
		Iterations:  res.Stats.MajorIterations,
		Evaluations: res.Stats.FuncEvaluations,
		Status:      res.Status.String(),
		Converged:   err == nil && converged(res.Status),
	}
	// Budget exhaustion and line-search stalls still carry a usable best point.
	return out, nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.FunctionConvergence, optimize.GradientThreshold,
		optimize.StepConvergence, optimize.MethodConverge, optimize.FunctionThreshold:
		return true
	}
	return false
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}
