package diffim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SpatialFit combines per-region normal equations into one system whose
// solution is a kernel whose basis weights vary as polynomials in position,
// plus a background polynomial.
//
// AddConstraint must not be called concurrently.
type SpatialFit struct {
	id     int64
	fitter *Fitter

	constantFirstTerm bool
	kernelPoly        *Polynomial2
	bgPoly            *Polynomial2

	nbases int // basis kernels
	nkt    int // terms per kernel polynomial
	nbt    int // background polynomial terms, zero without background
	nt     int // total unknowns

	m            []float64 // nt x nt, upper triangle only
	b            []float64
	nConstraints int

	a          *mat.VecDense
	solvedBy   SolvedBy
	kernel     Kernel
	background *Polynomial2
	kSum       float64
}

// NewSpatialFit sizes an empty spatial system from f's basis and policy.
func NewSpatialFit(f *Fitter) (*SpatialFit, error) {
	cfg := f.Config
	kernelPoly, err := NewPolynomial2(cfg.SpatialKernelOrder)
	if err != nil {
		return nil, fmt.Errorf("spatial kernel function: %w", err)
	}
	s := &SpatialFit{
		id:                f.IDs.Next(),
		fitter:            f,
		constantFirstTerm: cfg.constantFirstTerm(),
		kernelPoly:        kernelPoly,
		nbases:            len(f.Basis),
		nkt:               len(kernelPoly.Params),
	}
	if cfg.FitForBackground {
		s.bgPoly, err = NewPolynomial2(cfg.SpatialBgOrder)
		if err != nil {
			return nil, fmt.Errorf("spatial background function: %w", err)
		}
		s.nbt = len(s.bgPoly.Params)
	}
	if s.constantFirstTerm {
		s.nt = (s.nbases-1)*s.nkt + 1 + s.nbt
	} else {
		s.nt = s.nbases*s.nkt + s.nbt
	}
	s.m = make([]float64, s.nt*s.nt)
	s.b = make([]float64, s.nt)

	f.Log.V(logSolve).Info("Initialized spatial kernel solution", "id", s.id,
		"bases", s.nbases, "kernelTerms", s.nkt, "backgroundTerms", s.nbt, "unknowns", s.nt)
	return s, nil
}

// ID returns the fit's identifier.
func (s *SpatialFit) ID() int64 { return s.id }

// NumUnknowns returns the size of the aggregate system.
func (s *SpatialFit) NumUnknowns() int { return s.nt }

// NumConstraints returns how many regions have been added.
func (s *SpatialFit) NumConstraints() int { return s.nConstraints }

// AddConstraint adds a region's normal equations, measured at position (x, y),
// weighted by the outer products of the spatial polynomial terms.
func (s *SpatialFit) AddConstraint(x, y float64, qm mat.Symmetric, wb mat.Vector) error {
	want := s.nbases
	if s.nbt > 0 {
		want++
	}
	if qm.SymmetricDim() != want || wb.Len() != want {
		return fmt.Errorf("%w: region system is %dx%d with %d-vector, spatial fit expects %d",
			ErrMatrixSizeMismatch, qm.SymmetricDim(), qm.SymmetricDim(), wb.Len(), want)
	}

	pK := s.kernelPoly.Terms(x, y)
	var pB []float64
	if s.nbt > 0 {
		pB = s.bgPoly.Terms(x, y)
	}
	nt, nkt := s.nt, s.nkt
	mb := nt - s.nbt
	add := func(i, j int, v float64) { s.m[i*nt+j] += v }

	m0, dm := 0, 0
	if s.constantFirstTerm {
		m0, dm = 1, nkt-1
		add(0, 0, qm.At(0, 0))
		for m2 := 1; m2 < s.nbases; m2++ {
			c0 := m2*nkt - dm
			for k := 0; k < nkt; k++ {
				add(0, c0+k, qm.At(0, m2)*pK[k])
			}
		}
		for k := 0; k < s.nbt; k++ {
			add(0, mb+k, qm.At(0, s.nbases)*pB[k])
		}
		s.b[0] += wb.AtVec(0)
	}

	for m1 := m0; m1 < s.nbases; m1++ {
		r0 := m1*nkt - dm
		q := qm.At(m1, m1)
		for i := 0; i < nkt; i++ {
			for j := i; j < nkt; j++ {
				add(r0+i, r0+j, q*pK[i]*pK[j])
			}
		}
		for m2 := m1 + 1; m2 < s.nbases; m2++ {
			c0 := m2*nkt - dm
			q := qm.At(m1, m2)
			for i := 0; i < nkt; i++ {
				for j := 0; j < nkt; j++ {
					add(r0+i, c0+j, q*pK[i]*pK[j])
				}
			}
		}
		if s.nbt > 0 {
			q := qm.At(m1, s.nbases)
			for i := 0; i < nkt; i++ {
				for j := 0; j < s.nbt; j++ {
					add(r0+i, mb+j, q*pK[i]*pB[j])
				}
			}
		}
		for i := 0; i < nkt; i++ {
			s.b[r0+i] += wb.AtVec(m1) * pK[i]
		}
	}

	if s.nbt > 0 {
		q := qm.At(s.nbases, s.nbases)
		for i := 0; i < s.nbt; i++ {
			for j := i; j < s.nbt; j++ {
				add(mb+i, mb+j, q*pB[i]*pB[j])
			}
			s.b[mb+i] += wb.AtVec(s.nbases) * pB[i]
		}
	}
	s.nConstraints++
	return nil
}

// M returns the aggregate matrix with its upper triangle mirrored.
func (s *SpatialFit) M() *mat.SymDense {
	sym := mat.NewSymDense(s.nt, nil)
	for i := 0; i < s.nt; i++ {
		for j := i; j < s.nt; j++ {
			sym.SetSym(i, j, s.m[i*s.nt+j])
		}
	}
	return sym
}

// B returns a copy of the aggregate right-hand side.
func (s *SpatialFit) B() *mat.VecDense {
	return mat.NewVecDense(s.nt, append([]float64(nil), s.b...))
}

// Solve solves the aggregate system and decodes the spatial model.
func (s *SpatialFit) Solve() error {
	if s.nConstraints == 0 {
		return fmt.Errorf("spatial kernel solution %d: %w: no constraints added", s.id, ErrNotBuilt)
	}
	s.fitter.Log.V(logSolve).Info("Solving for spatial kernel", "id", s.id, "unknowns", s.nt, "constraints", s.nConstraints)
	a, by, err := s.fitter.Solver.Solve(s.M(), s.B())
	if err != nil {
		return fmt.Errorf("spatial kernel solution %d: %w", s.id, err)
	}
	if err := s.setKernel(a); err != nil {
		return fmt.Errorf("spatial kernel solution %d: %w", s.id, err)
	}
	s.a = a
	s.solvedBy = by
	return nil
}

func (s *SpatialFit) setKernel(a *mat.VecDense) error {
	if a.Len() != s.nt {
		return fmt.Errorf("%w: %d coefficients for %d unknowns", ErrUnsolvable, a.Len(), s.nt)
	}
	for i := 0; i < a.Len(); i++ {
		if math.IsNaN(a.AtVec(i)) {
			return fmt.Errorf("%w: coefficient %d is NaN", ErrUnsolvable, i)
		}
	}
	dm := 0
	if s.constantFirstTerm {
		dm = s.nkt - 1
	}

	if s.nkt == 1 {
		coeffs := make([]float64, s.nbases)
		for i := range coeffs {
			coeffs[i] = a.AtVec(i)
		}
		s.kernel = &LinearCombinationKernel{Basis: s.fitter.Basis, Coeffs: coeffs}
	} else {
		funcs := make([]*Polynomial2, s.nbases)
		for i := range funcs {
			p, _ := NewPolynomial2(s.kernelPoly.Order)
			if i == 0 && s.constantFirstTerm {
				p.Params[0] = a.AtVec(0)
			} else {
				off := i*s.nkt - dm
				for k := range p.Params {
					p.Params[k] = a.AtVec(off + k)
				}
			}
			funcs[i] = p
		}
		s.kernel = &SpatialKernel{Basis: s.fitter.Basis, Funcs: funcs}
	}

	bgOrder := s.fitter.Config.SpatialBgOrder
	if s.bgPoly != nil {
		bgOrder = s.bgPoly.Order
	}
	bg, err := NewPolynomial2(bgOrder)
	if err != nil {
		return err
	}
	mb := s.nt - s.nbt
	for k := 0; k < s.nbt; k++ {
		bg.Params[k] = a.AtVec(mb + k)
	}
	s.background = bg

	_, s.kSum = s.kernel.ComputeImage(0, 0)
	return nil
}

// SolvedBy returns the decomposition used by Solve.
func (s *SpatialFit) SolvedBy() SolvedBy { return s.solvedBy }

// Kernel returns the spatial kernel model. When the kernel polynomial has a
// single term it is a plain LinearCombinationKernel.
func (s *SpatialFit) Kernel() (Kernel, error) {
	if s.kernel == nil {
		return nil, ErrNotSolved
	}
	return s.kernel, nil
}

// Background returns the background polynomial; all zero when the background
// is not fit.
func (s *SpatialFit) Background() (*Polynomial2, error) {
	if s.background == nil {
		return nil, ErrNotSolved
	}
	return s.background, nil
}

// KernelSum returns the kernel sum at position (0, 0).
func (s *SpatialFit) KernelSum() (float64, error) {
	if s.kernel == nil {
		return 0, ErrNotSolved
	}
	return s.kSum, nil
}

// KernelImage renders the kernel at (x, y).
func (s *SpatialFit) KernelImage(x, y float64) (*Image[float64], error) {
	if s.kernel == nil {
		return nil, ErrNotSolved
	}
	img, _ := s.kernel.ComputeImage(x, y)
	return img, nil
}

// SolutionPair returns the kernel and background models.
func (s *SpatialFit) SolutionPair() (Kernel, *Polynomial2, error) {
	if s.kernel == nil {
		return nil, nil, ErrNotSolved
	}
	return s.kernel, s.background, nil
}

// Coefficients returns a copy of the aggregate solution vector.
func (s *SpatialFit) Coefficients() (*mat.VecDense, error) {
	if s.a == nil {
		return nil, ErrNotSolved
	}
	return mat.VecDenseCopyOf(s.a), nil
}
