package diffim

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Log verbosity levels.
const (
	logSolve    = 2
	logTiming   = 3
	logFallback = 5
	logGrid     = 6
)

// SolvedBy records which decomposition produced a solution.
type SolvedBy int

const (
	SolvedByNone SolvedBy = iota
	SolvedByCholeskyLDLT
	SolvedByCholeskyLLT
	SolvedByLU
	SolvedByEigenvector
)

func (s SolvedBy) String() string {
	switch s {
	case SolvedByNone:
		return "NONE"
	case SolvedByCholeskyLDLT:
		return "CHOLESKY_LDLT"
	case SolvedByCholeskyLLT:
		return "CHOLESKY_LLT"
	case SolvedByLU:
		return "LU"
	case SolvedByEigenvector:
		return "EIGENVECTOR"
	default:
		return "Unknown"
	}
}

// ConditionType selects the spectrum used by ConditionNumber.
type ConditionType int

const (
	ConditionEigenvalue ConditionType = iota
	ConditionSvd
)

func (c ConditionType) String() string {
	switch c {
	case ConditionEigenvalue:
		return "EIGENVALUE"
	case ConditionSvd:
		return "SVD"
	default:
		return "Unknown"
	}
}

var errDecomposition = errors.New("decomposition failed")

type solveMethod struct {
	by    SolvedBy
	solve func(m mat.Symmetric, b mat.Vector) (*mat.VecDense, error)
}

// LinearSolver solves symmetric systems M·a = B by trying decompositions in
// order of cost: LDLᵀ, LLᵀ, LU and finally an eigenvalue pseudo-inverse.
// It holds no per-solve state and may be shared between goroutines.
type LinearSolver struct {
	log     logr.Logger
	metrics *Metrics
	methods []solveMethod
}

// NewLinearSolver returns the standard decomposition cascade.
func NewLinearSolver(log logr.Logger, metrics *Metrics) *LinearSolver {
	return &LinearSolver{
		log:     log,
		metrics: metrics,
		methods: []solveMethod{
			{SolvedByCholeskyLDLT, solveLDLT},
			{SolvedByCholeskyLLT, solveLLT},
			{SolvedByLU, solveLU},
			{SolvedByEigenvector, solveEigen},
		},
	}
}

// Solve returns the solution of m·a = b and the decomposition that produced it.
// If every decomposition fails the error wraps ErrUnsolvable.
func (s *LinearSolver) Solve(m mat.Symmetric, b mat.Vector) (*mat.VecDense, SolvedBy, error) {
	n := m.SymmetricDim()
	if b.Len() != n {
		return nil, SolvedByNone, fmt.Errorf("%w: system is %dx%d, right-hand side has %d rows", ErrMatrixSizeMismatch, n, n, b.Len())
	}
	start := time.Now()
	for _, method := range s.methods {
		a, err := method.solve(m, b)
		if err == nil && !allFinite(a.RawVector().Data) {
			err = errors.New("non-finite solution")
		}
		if err != nil {
			s.log.V(logFallback).Info("Decomposition failed, trying next", "method", method.by, "reason", err.Error())
			continue
		}
		elapsed := time.Since(start)
		s.log.V(logTiming).Info("Solved kernel system", "method", method.by, "size", n, "elapsed", elapsed)
		s.metrics.observeSolve(method.by, elapsed)
		return a, method.by, nil
	}
	s.metrics.observeSolve(SolvedByNone, time.Since(start))
	return nil, SolvedByNone, fmt.Errorf("%w: all decompositions failed for %dx%d system", ErrUnsolvable, n, n)
}

// solveLDLT factorizes m = L·D·Lᵀ without pivoting. Pivots that are not
// clearly positive fail the decomposition.
func solveLDLT(m mat.Symmetric, b mat.Vector) (*mat.VecDense, error) {
	n := m.SymmetricDim()
	var maxDiag float64
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, math.Abs(m.At(i, i)))
	}
	tol := float64(n) * 2.220446049250313e-16 * maxDiag

	l := make([]float64, n*n)
	d := make([]float64, n)
	for j := 0; j < n; j++ {
		s := m.At(j, j)
		for k := 0; k < j; k++ {
			s -= l[j*n+k] * l[j*n+k] * d[k]
		}
		if !(s > tol) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: LDLT pivot %d is %g", errDecomposition, j, s)
		}
		d[j] = s
		l[j*n+j] = 1
		for i := j + 1; i < n; i++ {
			s := m.At(i, j)
			for k := 0; k < j; k++ {
				s -= l[i*n+k] * l[j*n+k] * d[k]
			}
			l[i*n+j] = s / d[j]
		}
	}

	x := make([]float64, n)
	for i := 0; i < n; i++ {
		s := b.AtVec(i)
		for k := 0; k < i; k++ {
			s -= l[i*n+k] * x[k]
		}
		x[i] = s
	}
	for i := range x {
		x[i] /= d[i]
	}
	for i := n - 1; i >= 0; i-- {
		s := x[i]
		for k := i + 1; k < n; k++ {
			s -= l[k*n+i] * x[k]
		}
		x[i] = s
	}
	return mat.NewVecDense(n, x), nil
}

func solveLLT(m mat.Symmetric, b mat.Vector) (*mat.VecDense, error) {
	var chol mat.Cholesky
	if ok := chol.Factorize(m); !ok {
		return nil, fmt.Errorf("%w: matrix not positive definite", errDecomposition)
	}
	var a mat.VecDense
	if err := chol.SolveVecTo(&a, b); err != nil {
		return nil, err
	}
	return &a, nil
}

func solveLU(m mat.Symmetric, b mat.Vector) (*mat.VecDense, error) {
	var lu mat.LU
	lu.Factorize(m)
	if lu.Det() == 0 {
		return nil, fmt.Errorf("%w: LU factor is singular", errDecomposition)
	}
	var a mat.VecDense
	if err := lu.SolveVecTo(&a, false, b); err != nil {
		return nil, err
	}
	return &a, nil
}

// solveEigen applies the pseudo-inverse R·diag(1/λ)·Rᵀ, skipping eigenvalues
// that are zero to working precision.
func solveEigen(m mat.Symmetric, b mat.Vector) (*mat.VecDense, error) {
	pinv, err := pseudoInverse(m, nonzeroEigenvalue)
	if err != nil {
		return nil, err
	}
	var a mat.VecDense
	a.MulVec(pinv, b)
	return &a, nil
}

// eigenFilter maps an eigenvalue and the largest eigenvalue magnitude to its
// inverse, or reports that the eigenvalue is dropped.
type eigenFilter func(value, maxAbs float64, n int) (float64, bool)

func nonzeroEigenvalue(value, maxAbs float64, n int) (float64, bool) {
	if math.Abs(value) <= float64(n)*2.220446049250313e-16*maxAbs {
		return 0, false
	}
	return 1 / value, true
}

// pseudoInverse builds R·diag(f(λ))·Rᵀ from the eigen decomposition of m.
// It fails if the decomposition fails or every eigenvalue is dropped.
func pseudoInverse(m mat.Symmetric, f eigenFilter) (*mat.SymDense, error) {
	n := m.SymmetricDim()
	var es mat.EigenSym
	if ok := es.Factorize(m, true); !ok {
		return nil, fmt.Errorf("%w: eigen decomposition did not converge", errDecomposition)
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	var maxAbs float64
	for _, v := range values {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	inv := make([]float64, n)
	kept := 0
	for i, v := range values {
		if iv, ok := f(v, maxAbs, n); ok {
			inv[i] = iv
			kept++
		}
	}
	if kept == 0 {
		return nil, fmt.Errorf("%w: no usable eigenvalues", errDecomposition)
	}

	pinv := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var s float64
			for k := 0; k < n; k++ {
				if inv[k] != 0 {
					s += vecs.At(i, k) * inv[k] * vecs.At(j, k)
				}
			}
			pinv.SetSym(i, j, s)
		}
	}
	return pinv, nil
}

// ConditionNumber returns the ratio of the largest to the smallest eigenvalue
// or singular value of m.
func ConditionNumber(m mat.Symmetric, kind ConditionType) (float64, error) {
	var values []float64
	switch kind {
	case ConditionEigenvalue:
		var es mat.EigenSym
		if ok := es.Factorize(m, false); !ok {
			return 0, fmt.Errorf("%w: eigen decomposition did not converge", ErrUnsolvable)
		}
		values = es.Values(nil)
		for i, v := range values {
			values[i] = math.Abs(v)
		}
	case ConditionSvd:
		var svd mat.SVD
		if ok := svd.Factorize(m, mat.SVDNone); !ok {
			return 0, fmt.Errorf("%w: SVD did not converge", ErrUnsolvable)
		}
		values = svd.Values(nil)
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidMethod, kind)
	}
	return floats.Max(values) / floats.Min(values), nil
}

func allFinite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
