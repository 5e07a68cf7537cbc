package diffim

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Fitter carries the state shared by every fit of one image pair: the policy,
// the basis set, the solver and the identifier source. It is read-only after
// construction and may be used from several goroutines.
type Fitter struct {
	Config  Config
	Basis   BasisSet
	Log     logr.Logger
	IDs     *IDSource
	Metrics *Metrics
	Solver  *LinearSolver
}

// FitterOption customizes a Fitter.
type FitterOption func(*Fitter)

// WithLogger sets the logger used by fits and the solver.
func WithLogger(log logr.Logger) FitterOption {
	return func(f *Fitter) { f.Log = log }
}

// WithMetrics records solver outcomes into m.
func WithMetrics(m *Metrics) FitterOption {
	return func(f *Fitter) { f.Metrics = m }
}

// WithIDSource shares an identifier source between fitters.
func WithIDSource(ids *IDSource) FitterOption {
	return func(f *Fitter) { f.IDs = ids }
}

// NewFitter validates cfg and basis and prepares the shared solver.
func NewFitter(cfg Config, basis BasisSet, opts ...FitterOption) (*Fitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := basis.Validate(); err != nil {
		return nil, err
	}
	f := &Fitter{
		Config: cfg,
		Basis:  basis,
		Log:    logr.Discard(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.IDs == nil {
		f.IDs = &IDSource{}
	}
	f.Solver = NewLinearSolver(f.Log.WithName("solver"), f.Metrics)
	return f, nil
}

// NumParameters returns the length of a region solution vector.
func (f *Fitter) NumParameters() int {
	if f.Config.FitForBackground {
		return len(f.Basis) + 1
	}
	return len(f.Basis)
}
