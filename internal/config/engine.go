package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical engine defaults file.
const DefaultConfigPath = "config/engine.defaults.json"

// Recalibration sources.
const (
	RecalibrateFromFrame    = "frame"
	RecalibrateFromMeasured = "measured"
)

// Ingestion queue policies.
const (
	QueueDropOldest = "drop-oldest"
	QueueBlock      = "block"
)

// EngineConfig represents the positioning engine's tunable parameters. Every
// field is optional; the Get* accessors supply defaults for nil fields so a
// partial JSON file is safe.
type EngineConfig struct {
	// Ranging
	MaxRange *float64 `json:"max_range,omitempty"` // metres

	// Anchor frame
	VarianceThreshold     *float64              `json:"variance_threshold,omitempty"`
	RecalibrationInterval *int                  `json:"recalibration_interval,omitempty"` // reports
	RecalibrationSource   *string               `json:"recalibration_source,omitempty"`
	FixedAnchors          map[string][3]float64 `json:"fixed_anchors,omitempty"`

	// Solver
	SolverMethod         *string `json:"solver_method,omitempty"`
	SolverMaxIterations  *int    `json:"solver_max_iterations,omitempty"`
	SolverMaxEvaluations *int    `json:"solver_max_evaluations,omitempty"`
	SolverTimeout        *string `json:"solver_timeout,omitempty"` // duration string like "50ms"

	// Smoother
	ProcessNoise      *float64 `json:"process_noise,omitempty"`
	MeasurementNoise  *float64 `json:"measurement_noise,omitempty"`
	InitialCovariance *float64 `json:"initial_covariance,omitempty"`

	// Output
	HistorySize *int `json:"history_size,omitempty"`

	// Ingestion
	QueueSize     *int    `json:"queue_size,omitempty"`
	QueuePolicy   *string `json:"queue_policy,omitempty"`
	UDPReadBuffer *int    `json:"udp_read_buffer,omitempty"` // bytes
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyEngineConfig returns an EngineConfig with all fields nil.
func EmptyEngineConfig() *EngineConfig {
	return &EngineConfig{}
}

// DefaultEngineConfig returns a config with every field populated with its default.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxRange:              ptrFloat64(100),
		VarianceThreshold:     ptrFloat64(1.0),
		RecalibrationInterval: ptrInt(100),
		RecalibrationSource:   ptrString(RecalibrateFromFrame),
		SolverMethod:          ptrString("lbfgs"),
		SolverMaxIterations:   ptrInt(200),
		SolverMaxEvaluations:  ptrInt(2000),
		SolverTimeout:         ptrString("50ms"),
		ProcessNoise:          ptrFloat64(0.01),
		MeasurementNoise:      ptrFloat64(5),
		InitialCovariance:     ptrFloat64(1000),
		HistorySize:           ptrInt(100),
		QueueSize:             ptrInt(256),
		QueuePolicy:           ptrString(QueueDropOldest),
		UDPReadBuffer:         ptrInt(1 << 20),
	}
}

// LoadEngineConfig loads an EngineConfig from a JSON file. The path must have
// a .json extension and the file must be under 1MB.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyEngineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical engine defaults from DefaultConfigPath.
// It searches the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *EngineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/uwb/engine/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadEngineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *EngineConfig) Validate() error {
	if c.MaxRange != nil && *c.MaxRange <= 0 {
		return fmt.Errorf("max_range must be positive, got %f", *c.MaxRange)
	}
	if c.VarianceThreshold != nil && *c.VarianceThreshold < 0 {
		return fmt.Errorf("variance_threshold must be non-negative, got %f", *c.VarianceThreshold)
	}
	if c.RecalibrationInterval != nil && *c.RecalibrationInterval < 0 {
		return fmt.Errorf("recalibration_interval must be non-negative, got %d", *c.RecalibrationInterval)
	}
	if c.RecalibrationSource != nil {
		switch *c.RecalibrationSource {
		case RecalibrateFromFrame, RecalibrateFromMeasured:
		default:
			return fmt.Errorf("recalibration_source must be %q or %q, got %q", RecalibrateFromFrame, RecalibrateFromMeasured, *c.RecalibrationSource)
		}
	}
	if c.SolverMethod != nil {
		switch *c.SolverMethod {
		case "lbfgs", "nelder-mead":
		default:
			return fmt.Errorf("solver_method must be lbfgs or nelder-mead, got %q", *c.SolverMethod)
		}
	}
	if c.SolverMaxIterations != nil && *c.SolverMaxIterations <= 0 {
		return fmt.Errorf("solver_max_iterations must be positive, got %d", *c.SolverMaxIterations)
	}
	if c.SolverMaxEvaluations != nil && *c.SolverMaxEvaluations <= 0 {
		return fmt.Errorf("solver_max_evaluations must be positive, got %d", *c.SolverMaxEvaluations)
	}
	if c.SolverTimeout != nil && *c.SolverTimeout != "" {
		if _, err := time.ParseDuration(*c.SolverTimeout); err != nil {
			return fmt.Errorf("invalid solver_timeout '%s': %w", *c.SolverTimeout, err)
		}
	}
	for name, v := range map[string]*float64{
		"process_noise":      c.ProcessNoise,
		"measurement_noise":  c.MeasurementNoise,
		"initial_covariance": c.InitialCovariance,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be non-negative, got %f", name, *v)
		}
	}
	if c.MeasurementNoise != nil && *c.MeasurementNoise == 0 {
		return fmt.Errorf("measurement_noise must be positive")
	}
	if c.HistorySize != nil && *c.HistorySize < 0 {
		return fmt.Errorf("history_size must be non-negative, got %d", *c.HistorySize)
	}
	if c.QueueSize != nil && *c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", *c.QueueSize)
	}
	if c.QueuePolicy != nil {
		switch *c.QueuePolicy {
		case QueueDropOldest, QueueBlock:
		default:
			return fmt.Errorf("queue_policy must be %q or %q, got %q", QueueDropOldest, QueueBlock, *c.QueuePolicy)
		}
	}
	if len(c.FixedAnchors) > 0 && len(c.FixedAnchors) < 4 {
		return fmt.Errorf("fixed_anchors needs at least 4 entries, got %d", len(c.FixedAnchors))
	}
	return nil
}

// GetMaxRange returns the max_range value or the default.
func (c *EngineConfig) GetMaxRange() float64 {
	if c.MaxRange == nil {
		return 100
	}
	return *c.MaxRange
}

// GetVarianceThreshold returns the variance_threshold value or the default.
func (c *EngineConfig) GetVarianceThreshold() float64 {
	if c.VarianceThreshold == nil {
		return 1.0
	}
	return *c.VarianceThreshold
}

// GetRecalibrationInterval returns the recalibration_interval value or the
// default. Zero disables recalibration.
func (c *EngineConfig) GetRecalibrationInterval() int {
	if c.RecalibrationInterval == nil {
		return 100
	}
	return *c.RecalibrationInterval
}

// GetRecalibrationSource returns the recalibration_source value or the default.
func (c *EngineConfig) GetRecalibrationSource() string {
	if c.RecalibrationSource == nil || *c.RecalibrationSource == "" {
		return RecalibrateFromFrame
	}
	return *c.RecalibrationSource
}

// GetSolverMethod returns the solver_method value or the default.
func (c *EngineConfig) GetSolverMethod() string {
	if c.SolverMethod == nil || *c.SolverMethod == "" {
		return "lbfgs"
	}
	return *c.SolverMethod
}

// GetSolverMaxIterations returns the solver_max_iterations value or the default.
func (c *EngineConfig) GetSolverMaxIterations() int {
	if c.SolverMaxIterations == nil {
		return 200
	}
	return *c.SolverMaxIterations
}

// GetSolverMaxEvaluations returns the solver_max_evaluations value or the default.
func (c *EngineConfig) GetSolverMaxEvaluations() int {
	if c.SolverMaxEvaluations == nil {
		return 2000
	}
	return *c.SolverMaxEvaluations
}

// GetSolverTimeout parses and returns the SolverTimeout as a time.Duration.
func (c *EngineConfig) GetSolverTimeout() time.Duration {
	if c.SolverTimeout == nil || *c.SolverTimeout == "" {
		return 50 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.SolverTimeout)
	if err != nil {
		return 50 * time.Millisecond
	}
	return d
}

// GetProcessNoise returns the process_noise value or the default.
func (c *EngineConfig) GetProcessNoise() float64 {
	if c.ProcessNoise == nil {
		return 0.01
	}
	return *c.ProcessNoise
}

// GetMeasurementNoise returns the measurement_noise value or the default.
func (c *EngineConfig) GetMeasurementNoise() float64 {
	if c.MeasurementNoise == nil {
		return 5
	}
	return *c.MeasurementNoise
}

// GetInitialCovariance returns the initial_covariance value or the default.
func (c *EngineConfig) GetInitialCovariance() float64 {
	if c.InitialCovariance == nil {
		return 1000
	}
	return *c.InitialCovariance
}

// GetHistorySize returns the history_size value or the default.
func (c *EngineConfig) GetHistorySize() int {
	if c.HistorySize == nil {
		return 100
	}
	return *c.HistorySize
}

// GetQueueSize returns the queue_size value or the default.
func (c *EngineConfig) GetQueueSize() int {
	if c.QueueSize == nil {
		return 256
	}
	return *c.QueueSize
}

// GetQueuePolicy returns the queue_policy value or the default.
func (c *EngineConfig) GetQueuePolicy() string {
	if c.QueuePolicy == nil || *c.QueuePolicy == "" {
		return QueueDropOldest
	}
	return *c.QueuePolicy
}

// GetUDPReadBuffer returns the udp_read_buffer value or the default.
func (c *EngineConfig) GetUDPReadBuffer() int {
	if c.UDPReadBuffer == nil {
		return 1 << 20
	}
	return *c.UDPReadBuffer
}
