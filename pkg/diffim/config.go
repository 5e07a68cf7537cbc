package diffim

import (
	"bytes"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

// LambdaType selects how the regularization strength is chosen.
type LambdaType string

const (
	LambdaAbsolute             LambdaType = "absolute"
	LambdaRelative             LambdaType = "relative"
	LambdaMinimizeBiasedRisk   LambdaType = "minimizeBiasedRisk"
	LambdaMinimizeUnbiasedRisk LambdaType = "minimizeUnbiasedRisk"
	LambdaMinimizeGcv          LambdaType = "minimizeGcv"
)

// LambdaStepType selects the spacing of the λ search grid.
type LambdaStepType string

const (
	LambdaStepLinear LambdaStepType = "linear"
	LambdaStepLog    LambdaStepType = "log"
)

// Kernel basis set names that influence the spatial model.
const (
	BasisAlardLupton   = "alard-lupton"
	BasisDeltaFunction = "delta-function"
)

// Config holds the fitting policy.
type Config struct {
	// FitForBackground adds a constant background term to each region and a
	// background polynomial to the spatial model.
	FitForBackground bool `yaml:"fitForBackground"`

	// MaxConditionNumber caps λmax/λi when the biased risk truncates M's spectrum.
	MaxConditionNumber float64 `yaml:"maxConditionNumber"`

	LambdaType     LambdaType     `yaml:"lambdaType"`
	LambdaValue    float64        `yaml:"lambdaValue"`
	LambdaStepType LambdaStepType `yaml:"lambdaStepType"`
	LambdaLinMin   float64        `yaml:"lambdaLinMin"`
	LambdaLinMax   float64        `yaml:"lambdaLinMax"`
	LambdaLinStep  float64        `yaml:"lambdaLinStep"`
	// Log grid bounds are base-10 exponents.
	LambdaLogMin  float64 `yaml:"lambdaLogMin"`
	LambdaLogMax  float64 `yaml:"lambdaLogMax"`
	LambdaLogStep float64 `yaml:"lambdaLogStep"`

	SpatialKernelOrder int `yaml:"spatialKernelOrder"`
	SpatialBgOrder     int `yaml:"spatialBgOrder"`

	// KernelBasisSet names the basis family; "alard-lupton" pins the first basis
	// kernel to a spatially constant weight.
	KernelBasisSet         string `yaml:"kernelBasisSet"`
	UsePcaForSpatialKernel bool   `yaml:"usePcaForSpatialKernel"`
}

// DefaultConfig returns the stock fitting policy.
func DefaultConfig() Config {
	return Config{
		FitForBackground:   true,
		MaxConditionNumber: 5.0e7,
		LambdaType:         LambdaAbsolute,
		LambdaValue:        0.2,
		LambdaStepType:     LambdaStepLog,
		LambdaLinMin:       0,
		LambdaLinMax:       2,
		LambdaLinStep:      0.1,
		LambdaLogMin:       -1,
		LambdaLogMax:       2,
		LambdaLogStep:      0.1,
		SpatialKernelOrder: 1,
		SpatialBgOrder:     1,
		KernelBasisSet:     BasisAlardLupton,
	}
}

// ParseConfig decodes a YAML policy on top of DefaultConfig and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks for unknown options and out-of-range values.
func (c *Config) Validate() error {
	switch c.LambdaType {
	case LambdaAbsolute, LambdaRelative, LambdaMinimizeBiasedRisk, LambdaMinimizeUnbiasedRisk, LambdaMinimizeGcv:
	default:
		return fmt.Errorf("%w: lambdaType %q", ErrUnknownPolicyOption, c.LambdaType)
	}
	switch c.LambdaStepType {
	case LambdaStepLinear, LambdaStepLog:
	default:
		return fmt.Errorf("%w: lambdaStepType %q", ErrUnknownPolicyOption, c.LambdaStepType)
	}
	switch c.KernelBasisSet {
	case BasisAlardLupton, BasisDeltaFunction:
	default:
		return fmt.Errorf("%w: kernelBasisSet %q", ErrUnknownPolicyOption, c.KernelBasisSet)
	}
	if c.SpatialKernelOrder < 0 {
		return fmt.Errorf("spatialKernelOrder must be >= 0, got %d", c.SpatialKernelOrder)
	}
	if c.SpatialBgOrder < 0 {
		return fmt.Errorf("spatialBgOrder must be >= 0, got %d", c.SpatialBgOrder)
	}
	if !(c.MaxConditionNumber > 0) {
		return fmt.Errorf("maxConditionNumber must be > 0, got %g", c.MaxConditionNumber)
	}
	if math.IsNaN(c.LambdaValue) || c.LambdaValue < 0 {
		return fmt.Errorf("lambdaValue must be >= 0, got %g", c.LambdaValue)
	}
	return nil
}

// constantFirstTerm reports whether the first basis kernel is spatially constant.
func (c *Config) constantFirstTerm() bool {
	return c.KernelBasisSet == BasisAlardLupton || c.UsePcaForSpatialKernel
}

// LambdaGrid returns the candidate λ values for the risk and GCV strategies.
// Points are generated by index so the grid is finite for any step > 0.
func (c *Config) LambdaGrid() ([]float64, error) {
	var lo, hi, step float64
	switch c.LambdaStepType {
	case LambdaStepLinear:
		lo, hi, step = c.LambdaLinMin, c.LambdaLinMax, c.LambdaLinStep
	case LambdaStepLog:
		lo, hi, step = c.LambdaLogMin, c.LambdaLogMax, c.LambdaLogStep
	default:
		return nil, fmt.Errorf("%w: lambdaStepType %q", ErrUnknownPolicyOption, c.LambdaStepType)
	}
	if !(step > 0) {
		return nil, fmt.Errorf("lambda step must be > 0, got %g", step)
	}
	if hi < lo {
		return nil, fmt.Errorf("empty lambda grid: max %g < min %g", hi, lo)
	}
	// Tolerate rounding so that max itself is included when it lies on the grid.
	n := int(math.Floor((hi-lo)/step+1e-9)) + 1
	grid := make([]float64, n)
	for i := range grid {
		v := lo + float64(i)*step
		if c.LambdaStepType == LambdaStepLog {
			v = math.Pow(10, v)
		}
		grid[i] = v
	}
	return grid, nil
}
