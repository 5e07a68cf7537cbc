package diffim

import (
	"fmt"
	"math"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/mat"
)

// LambdaChooser picks the regularization strength for one region system.
type LambdaChooser interface {
	ChooseLambda(sys *NormalSystem, h *mat.SymDense) (float64, error)
}

// AbsoluteLambda uses a fixed λ.
type AbsoluteLambda struct {
	Value float64
}

func (c AbsoluteLambda) ChooseLambda(_ *NormalSystem, _ *mat.SymDense) (float64, error) {
	return c.Value, nil
}

// RelativeLambda scales λ by tr(M)/tr(H) so that the penalty is comparable to
// the data term.
type RelativeLambda struct {
	Scale float64
}

func (c RelativeLambda) ChooseLambda(sys *NormalSystem, h *mat.SymDense) (float64, error) {
	if err := checkPenaltySize(sys, h); err != nil {
		return 0, err
	}
	trH := mat.Trace(h)
	if trH == 0 {
		return 0, fmt.Errorf("regularization matrix has zero trace")
	}
	return mat.Trace(sys.M) / trH * c.Scale, nil
}

// RiskLambda evaluates the predictive risk of every λ on Grid and returns the
// first minimum. The biased estimator truncates M's spectrum at
// MaxConditionNumber before inverting it; the unbiased one inverts every
// nonzero eigenvalue.
type RiskLambda struct {
	Grid               []float64
	Biased             bool
	MaxConditionNumber float64
	Solver             *LinearSolver
	Log                logr.Logger
}

// NewLambdaChooser builds the strategy named by cfg.LambdaType.
func NewLambdaChooser(cfg Config, solver *LinearSolver, log logr.Logger) (LambdaChooser, error) {
	switch cfg.LambdaType {
	case LambdaAbsolute:
		return AbsoluteLambda{Value: cfg.LambdaValue}, nil
	case LambdaRelative:
		return RelativeLambda{Scale: cfg.LambdaValue}, nil
	case LambdaMinimizeGcv:
		grid, err := cfg.LambdaGrid()
		if err != nil {
			return nil, err
		}
		return &GcvLambda{Grid: grid, Solver: solver, Log: log}, nil
	case LambdaMinimizeBiasedRisk, LambdaMinimizeUnbiasedRisk:
		grid, err := cfg.LambdaGrid()
		if err != nil {
			return nil, err
		}
		return &RiskLambda{
			Grid:               grid,
			Biased:             cfg.LambdaType == LambdaMinimizeBiasedRisk,
			MaxConditionNumber: cfg.MaxConditionNumber,
			Solver:             solver,
			Log:                log,
		}, nil
	default:
		return nil, fmt.Errorf("%w: lambdaType %q", ErrUnknownPolicyOption, cfg.LambdaType)
	}
}

func (c *RiskLambda) ChooseLambda(sys *NormalSystem, h *mat.SymDense) (float64, error) {
	risks, err := c.Risks(sys, h)
	if err != nil {
		return 0, err
	}
	best := firstMinimum(risks)
	if best < 0 {
		return 0, fmt.Errorf("%w: risk undefined on every grid point", ErrUnsolvable)
	}
	c.Log.V(logSolve).Info("Selected lambda", "lambda", c.Grid[best], "risk", risks[best])
	return c.Grid[best], nil
}

// firstMinimum returns the index of the first smallest non-NaN value, or -1.
func firstMinimum(values []float64) int {
	best := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if best < 0 || v < values[best] {
			best = i
		}
	}
	return best
}

// Risks returns the estimated risk at every grid point:
// aᵀVVᵀa + 2(tr(VVᵀ(M+λH)⁻¹) − aᵀM⁻B), where V spans the row space of C and
// a solves (M+λH)a = B.
func (c *RiskLambda) Risks(sys *NormalSystem, h *mat.SymDense) ([]float64, error) {
	if err := checkPenaltySize(sys, h); err != nil {
		return nil, err
	}
	if sys.C == nil {
		return nil, fmt.Errorf("%w: design matrix released", ErrNotBuilt)
	}
	n := sys.M.SymmetricDim()
	if _, cols := sys.C.Dims(); cols != n {
		return nil, fmt.Errorf("%w: design matrix has %d columns, M is %dx%d", ErrMatrixSizeMismatch, cols, n, n)
	}

	var svd mat.SVD
	if ok := svd.Factorize(sys.C, mat.SVDThin); !ok {
		return nil, fmt.Errorf("%w: SVD of design matrix did not converge", ErrUnsolvable)
	}
	var v, vvt mat.Dense
	svd.VTo(&v)
	vvt.Mul(&v, v.T())

	filter := nonzeroEigenvalue
	if c.Biased {
		filter = truncatedEigenvalue(c.MaxConditionNumber)
	}
	mInv, err := pseudoInverse(sys.M, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: inverting M: %v", ErrUnsolvable, err)
	}
	var mInvB mat.VecDense
	mInvB.MulVec(mInv, sys.B)

	risks := make([]float64, len(c.Grid))
	mLambda := mat.NewSymDense(n, nil)
	for i, lambda := range c.Grid {
		mLambda.AddSym(sys.M, scaledSym(lambda, h))
		a, _, err := c.Solver.Solve(mLambda, sys.B)
		if err != nil {
			return nil, fmt.Errorf("solving at lambda %g: %w", lambda, err)
		}
		lInv, err := pseudoInverse(mLambda, nonzeroEigenvalue)
		if err != nil {
			return nil, fmt.Errorf("%w: inverting M+λH at lambda %g: %v", ErrUnsolvable, lambda, err)
		}

		var vvta mat.VecDense
		vvta.MulVec(&vvt, a)
		term1 := mat.Dot(a, &vvta)

		var term2a float64
		for p := 0; p < n; p++ {
			for q := 0; q < n; q++ {
				term2a += vvt.At(p, q) * lInv.At(q, p)
			}
		}
		term2b := mat.Dot(a, &mInvB)

		risks[i] = term1 + 2*(term2a-term2b)
		c.Log.V(logGrid).Info("Risk", "lambda", lambda, "risk", risks[i], "term1", term1, "term2a", term2a, "term2b", term2b)
	}
	return risks, nil
}

// GcvLambda picks the λ on Grid with the smallest generalized cross-validation
// score ‖y − Ca‖² / tr(I − (M+λH)⁻¹M)². The residual is unweighted.
type GcvLambda struct {
	Grid   []float64
	Solver *LinearSolver
	Log    logr.Logger
}

func (c *GcvLambda) ChooseLambda(sys *NormalSystem, h *mat.SymDense) (float64, error) {
	scores, err := c.Scores(sys, h)
	if err != nil {
		return 0, err
	}
	best := firstMinimum(scores)
	if best < 0 {
		return 0, fmt.Errorf("%w: GCV undefined on every grid point", ErrUnsolvable)
	}
	c.Log.V(logFallback).Info("Minimum GCV", "lambda", c.Grid[best], "gcv", scores[best])
	return c.Grid[best], nil
}

// Scores returns the GCV score at every grid point.
func (c *GcvLambda) Scores(sys *NormalSystem, h *mat.SymDense) ([]float64, error) {
	if err := checkPenaltySize(sys, h); err != nil {
		return nil, err
	}
	if sys.C == nil {
		return nil, fmt.Errorf("%w: design matrix released", ErrNotBuilt)
	}
	n := sys.M.SymmetricDim()
	rows, cols := sys.C.Dims()
	if cols != n || rows != len(sys.Target) {
		return nil, fmt.Errorf("%w: design matrix is %dx%d, M is %dx%d, %d target pixels",
			ErrMatrixSizeMismatch, rows, cols, n, n, len(sys.Target))
	}
	target := mat.NewVecDense(rows, sys.Target)

	scores := make([]float64, len(c.Grid))
	mLambda := mat.NewSymDense(n, nil)
	var d mat.VecDense
	for i, lambda := range c.Grid {
		mLambda.AddSym(sys.M, scaledSym(lambda, h))
		a, _, err := c.Solver.Solve(mLambda, sys.B)
		if err != nil {
			return nil, fmt.Errorf("solving at lambda %g: %w", lambda, err)
		}
		lInv, err := pseudoInverse(mLambda, nonzeroEigenvalue)
		if err != nil {
			return nil, fmt.Errorf("%w: inverting M+λH at lambda %g: %v", ErrUnsolvable, lambda, err)
		}

		// tr(I − (M+λH)⁻¹M)
		trace := float64(n)
		for p := 0; p < n; p++ {
			for q := 0; q < n; q++ {
				trace -= lInv.At(p, q) * sys.M.At(q, p)
			}
		}

		d.MulVec(sys.C, a)
		d.SubVec(target, &d)
		numerator := mat.Dot(&d, &d)

		scores[i] = numerator / (trace * trace)
		c.Log.V(logGrid).Info("GCV", "lambda", lambda, "gcv", scores[i])
	}
	return scores, nil
}

// truncatedEigenvalue drops eigenvalues that are non-positive or whose ratio to
// the largest exceeds maxCond.
func truncatedEigenvalue(maxCond float64) eigenFilter {
	return func(value, maxAbs float64, _ int) (float64, bool) {
		if !(value > 0) || maxAbs/value > maxCond {
			return 0, false
		}
		return 1 / value, true
	}
}

func checkPenaltySize(sys *NormalSystem, h *mat.SymDense) error {
	if h == nil || h.SymmetricDim() != sys.M.SymmetricDim() {
		dim := 0
		if h != nil {
			dim = h.SymmetricDim()
		}
		return fmt.Errorf("%w: regularization matrix is %dx%d, M is %dx%d",
			ErrMatrixSizeMismatch, dim, dim, sys.M.SymmetricDim(), sys.M.SymmetricDim())
	}
	return nil
}
