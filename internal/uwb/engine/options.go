package engine

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/uwb-locator/internal/config"
	"github.com/banshee-data/uwb-locator/internal/timeutil"
	"github.com/banshee-data/uwb-locator/internal/uwb"
	"github.com/banshee-data/uwb-locator/internal/uwb/anchorframe"
	"github.com/banshee-data/uwb-locator/internal/uwb/kalman"
	"github.com/banshee-data/uwb-locator/internal/uwb/multilat"
)

// Options configures an Engine. Zero values are replaced by defaults in New.
type Options struct {
	MaxRange          float64
	VarianceThreshold float64
	// RecalibrationInterval is the number of processed reports between
	// recalibrations. Zero disables recalibration.
	RecalibrationInterval int
	// RecalibrationSource is config.RecalibrateFromFrame or
	// config.RecalibrateFromMeasured.
	RecalibrationSource string
	Solver              multilat.Solver
	Kalman              kalman.Config
	// HistorySize bounds the snapshot history. Negative disables it.
	HistorySize int
	// FixedAnchors, when set, is installed as the live frame at start and is
	// never recalibrated.
	FixedAnchors map[string]r3.Vec
	Clock        timeutil.Clock
	Sinks        []uwb.EventSink
	// Publishers receive every snapshot as it is published, while the engine
	// lock is held. They must not block.
	Publishers []SnapshotPublisher
}

// SnapshotPublisher pushes published snapshots to a display or stream.
type SnapshotPublisher interface {
	PublishSnapshot(*Snapshot)
}

// DefaultOptions returns options with every field at its default.
func DefaultOptions() Options {
	s, _ := multilat.New(multilat.MethodLBFGS, multilat.DefaultBudget())
	return Options{
		MaxRange:              uwb.DefaultMaxRange,
		VarianceThreshold:     anchorframe.DefaultVarianceThreshold,
		RecalibrationInterval: 100,
		RecalibrationSource:   config.RecalibrateFromFrame,
		Solver:                s,
		Kalman:                kalman.DefaultConfig(),
		HistorySize:           100,
		Clock:                 timeutil.RealClock{},
	}
}

// OptionsFromConfig maps an EngineConfig onto engine Options.
func OptionsFromConfig(cfg *config.EngineConfig) (Options, error) {
	if cfg == nil {
		cfg = config.EmptyEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return Options{}, err
	}
	budget := multilat.DefaultBudget()
	budget.MaxIterations = cfg.GetSolverMaxIterations()
	budget.MaxEvaluations = cfg.GetSolverMaxEvaluations()
	budget.MaxRuntime = cfg.GetSolverTimeout()
	solver, err := multilat.New(cfg.GetSolverMethod(), budget)
	if err != nil {
		return Options{}, err
	}

	opts := Options{
		MaxRange:              cfg.GetMaxRange(),
		VarianceThreshold:     cfg.GetVarianceThreshold(),
		RecalibrationInterval: cfg.GetRecalibrationInterval(),
		RecalibrationSource:   cfg.GetRecalibrationSource(),
		Solver:                solver,
		Kalman: kalman.Config{
			ProcessNoise:      cfg.GetProcessNoise(),
			MeasurementNoise:  cfg.GetMeasurementNoise(),
			InitialCovariance: cfg.GetInitialCovariance(),
		},
		HistorySize: cfg.GetHistorySize(),
		Clock:       timeutil.RealClock{},
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = -1
	}
	if len(cfg.FixedAnchors) > 0 {
		opts.FixedAnchors = make(map[string]r3.Vec, len(cfg.FixedAnchors))
		for addr, p := range cfg.FixedAnchors {
			if addr == "" {
				return Options{}, fmt.Errorf("fixed_anchors: empty address")
			}
			opts.FixedAnchors[addr] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
		}
	}
	return opts, nil
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxRange <= 0 {
		o.MaxRange = def.MaxRange
	}
	if o.VarianceThreshold <= 0 {
		o.VarianceThreshold = def.VarianceThreshold
	}
	if o.RecalibrationInterval < 0 {
		o.RecalibrationInterval = 0
	}
	if o.RecalibrationSource == "" {
		o.RecalibrationSource = def.RecalibrationSource
	}
	if o.Solver == nil {
		o.Solver = def.Solver
	}
	if o.Kalman == (kalman.Config{}) {
		o.Kalman = def.Kalman
	}
	if o.HistorySize == 0 {
		o.HistorySize = def.HistorySize
	}
	if o.Clock == nil {
		o.Clock = def.Clock
	}
	return o
}
