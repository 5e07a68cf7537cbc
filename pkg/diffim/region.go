package diffim

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RegionFit solves for the kernel and constant background that map a template
// region onto the matching science region. A fit is built once, solved once
// and then queried. Separate fits may run concurrently.
type RegionFit[T Pixel] struct {
	id     int64
	fitter *Fitter
	reg    *regularization

	system   *NormalSystem
	a        *mat.VecDense
	solvedBy SolvedBy
	lambda   float64

	kernel     *LinearCombinationKernel
	background float64
	kSum       float64
}

type regularization struct {
	h       *mat.SymDense
	chooser LambdaChooser
}

// NewRegionFit returns an unbuilt fit drawing its policy, basis and solver from f.
func NewRegionFit[T Pixel](f *Fitter) *RegionFit[T] {
	return &RegionFit[T]{id: f.IDs.Next(), fitter: f}
}

// NewRegularizedRegionFit returns a fit that adds λH to M before solving, with
// λ picked by the strategy named in f's config.
func NewRegularizedRegionFit[T Pixel](f *Fitter, h *mat.SymDense) (*RegionFit[T], error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil regularization matrix", ErrMatrixSizeMismatch)
	}
	if n := f.NumParameters(); h.SymmetricDim() != n {
		return nil, fmt.Errorf("%w: regularization matrix is %dx%d, fit has %d parameters",
			ErrMatrixSizeMismatch, h.SymmetricDim(), h.SymmetricDim(), n)
	}
	chooser, err := NewLambdaChooser(f.Config, f.Solver, f.Log.WithName("lambda"))
	if err != nil {
		return nil, err
	}
	r := NewRegionFit[T](f)
	r.reg = &regularization{h: h, chooser: chooser}
	return r, nil
}

// ID returns the fit's identifier.
func (r *RegionFit[T]) ID() int64 { return r.id }

// Build assembles the normal equations over every pixel where the convolved
// template is fully defined.
func (r *RegionFit[T]) Build(template, science, variance *Image[T]) error {
	return r.BuildWith(template, science, variance, AllPixels{})
}

// BuildMasked is Build restricted to pixels with none of the BAD, SAT or EDGE
// planes set in mask.
func (r *RegionFit[T]) BuildMasked(template, science, variance *Image[T], mask *Mask) error {
	return r.BuildWith(template, science, variance, MaskedPixels{Mask: mask, Bits: MaskExcludedBits})
}

// BuildExcluding is Build without the pixels of box (parent coordinates).
func (r *RegionFit[T]) BuildExcluding(template, science, variance *Image[T], box image.Rectangle) error {
	return r.BuildWith(template, science, variance, ExcludedBox{Box: box})
}

// BuildWith assembles the normal equations over the pixels chosen by sel.
func (r *RegionFit[T]) BuildWith(template, science, variance *Image[T], sel PixelSelector) error {
	sys, err := buildNormalSystem(r.fitter.Basis, r.fitter.Config.FitForBackground,
		template.Float64(), science.Float64(), variance.Float64(), sel)
	if err != nil {
		return fmt.Errorf("building kernel solution %d: %w", r.id, err)
	}
	r.system = sys
	r.a, r.kernel = nil, nil
	r.solvedBy = SolvedByNone
	return nil
}

// System returns the assembled normal equations, or nil before Build.
func (r *RegionFit[T]) System() *NormalSystem { return r.system }

// M returns a copy of the normal matrix. With includeH it adds the λH term used
// by a regularized solve; that requires a solved regularized fit.
func (r *RegionFit[T]) M(includeH bool) (*mat.SymDense, error) {
	if r.system == nil {
		return nil, ErrNotBuilt
	}
	m := mat.NewSymDense(r.system.M.SymmetricDim(), nil)
	m.CopySym(r.system.M)
	if !includeH || r.reg == nil {
		return m, nil
	}
	if r.a == nil {
		return nil, ErrNotSolved
	}
	withH := mat.NewSymDense(m.SymmetricDim(), nil)
	withH.AddSym(m, scaledSym(r.lambda, r.reg.h))
	return withH, nil
}

// ConditionNumber returns the condition number of the unregularized M.
func (r *RegionFit[T]) ConditionNumber(kind ConditionType) (float64, error) {
	if r.system == nil {
		return 0, ErrNotBuilt
	}
	return ConditionNumber(r.system.M, kind)
}

// Solve runs the solver cascade on the built system and realizes the kernel.
func (r *RegionFit[T]) Solve() error {
	if r.system == nil {
		return fmt.Errorf("kernel solution %d: %w", r.id, ErrNotBuilt)
	}
	log := r.fitter.Log.WithValues("id", r.id)
	log.V(logSolve).Info("Solving for kernel", "parameters", r.system.M.SymmetricDim(), "pixels", r.system.NumPixels())

	m := mat.Symmetric(r.system.M)
	if r.reg != nil {
		lambda, err := r.reg.chooser.ChooseLambda(r.system, r.reg.h)
		if err != nil {
			return fmt.Errorf("kernel solution %d: choosing lambda: %w", r.id, err)
		}
		r.lambda = lambda
		r.fitter.Metrics.observeLambda(lambda)
		log.V(logSolve).Info("Applying regularization", "lambda", lambda)
		mLambda := mat.NewSymDense(r.system.M.SymmetricDim(), nil)
		mLambda.AddSym(r.system.M, scaledSym(lambda, r.reg.h))
		m = mLambda
	}

	a, by, err := r.fitter.Solver.Solve(m, r.system.B)
	if err != nil {
		return fmt.Errorf("kernel solution %d: %w", r.id, err)
	}
	if err := r.setKernel(a); err != nil {
		return fmt.Errorf("kernel solution %d: %w", r.id, err)
	}
	r.a = a
	r.solvedBy = by
	r.system.releaseDesign()
	return nil
}

func (r *RegionFit[T]) setKernel(a *mat.VecDense) error {
	nKernel := len(r.fitter.Basis)
	if a.Len() != r.fitter.NumParameters() {
		return fmt.Errorf("%w: %d coefficients for %d parameters", ErrUnsolvable, a.Len(), r.fitter.NumParameters())
	}
	coeffs := make([]float64, nKernel)
	for i := range coeffs {
		coeffs[i] = a.AtVec(i)
		if math.IsNaN(coeffs[i]) {
			return fmt.Errorf("%w: kernel coefficient %d is NaN", ErrUnsolvable, i)
		}
	}
	background := 0.0
	if r.fitter.Config.FitForBackground {
		background = a.AtVec(nKernel)
		if math.IsNaN(background) {
			return fmt.Errorf("%w: background is NaN", ErrUnsolvable)
		}
	}
	r.kernel = &LinearCombinationKernel{Basis: r.fitter.Basis, Coeffs: coeffs}
	_, r.kSum = r.kernel.ComputeImage(0, 0)
	r.background = background
	return nil
}

// SolvedBy returns the decomposition used by the last Solve.
func (r *RegionFit[T]) SolvedBy() SolvedBy { return r.solvedBy }

// Lambda returns the regularization strength of the last Solve; zero when the
// fit is not regularized.
func (r *RegionFit[T]) Lambda() float64 { return r.lambda }

// Coefficients returns a copy of the solution vector.
func (r *RegionFit[T]) Coefficients() (*mat.VecDense, error) {
	if r.a == nil {
		return nil, ErrNotSolved
	}
	return mat.VecDenseCopyOf(r.a), nil
}

// Kernel returns the realized kernel.
func (r *RegionFit[T]) Kernel() (*LinearCombinationKernel, error) {
	if r.kernel == nil {
		return nil, ErrNotSolved
	}
	return r.kernel, nil
}

// Background returns the fitted constant background.
func (r *RegionFit[T]) Background() (float64, error) {
	if r.kernel == nil {
		return 0, ErrNotSolved
	}
	return r.background, nil
}

// KernelSum returns the sum of the realized kernel image.
func (r *RegionFit[T]) KernelSum() (float64, error) {
	if r.kernel == nil {
		return 0, ErrNotSolved
	}
	return r.kSum, nil
}

// KernelImage renders the realized kernel.
func (r *RegionFit[T]) KernelImage() (*Image[float64], error) {
	if r.kernel == nil {
		return nil, ErrNotSolved
	}
	img, _ := r.kernel.ComputeImage(0, 0)
	return img, nil
}

// SolutionPair returns the kernel together with the background.
func (r *RegionFit[T]) SolutionPair() (Kernel, float64, error) {
	if r.kernel == nil {
		return nil, 0, ErrNotSolved
	}
	return r.kernel, r.background, nil
}

// Uncertainties returns the 1σ error of every solution coefficient, taken from
// the pseudo-inverse of the matrix that was solved.
func (r *RegionFit[T]) Uncertainties() ([]float64, error) {
	if r.a == nil {
		return nil, ErrNotSolved
	}
	m, err := r.M(true)
	if err != nil {
		return nil, err
	}
	cov, err := pseudoInverse(m, nonzeroEigenvalue)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsolvable, err)
	}
	sigma := make([]float64, cov.SymmetricDim())
	for i := range sigma {
		v := cov.At(i, i)
		if v < 0 {
			return nil, fmt.Errorf("%w: coefficient %d has variance %g", ErrNegativeVariance, i, v)
		}
		sigma[i] = math.Sqrt(v)
	}
	return sigma, nil
}

func scaledSym(alpha float64, h mat.Symmetric) *mat.SymDense {
	n := h.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, alpha*h.At(i, j))
		}
	}
	return out
}
