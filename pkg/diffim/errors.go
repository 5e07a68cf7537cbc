package diffim

import "errors"

var (
	// ErrUnsolvable is returned when no decomposition yields a finite kernel solution,
	// or when the decoded solution is inconsistent with the basis set.
	ErrUnsolvable = errors.New("diffim: unable to determine kernel solution")

	// ErrNotBuilt is returned when a fit is solved before its system is built.
	ErrNotBuilt = errors.New("diffim: kernel system not built")

	// ErrNotSolved is returned by solution accessors before a successful Solve.
	ErrNotSolved = errors.New("diffim: kernel not solved")

	// ErrMatrixSizeMismatch indicates a matrix or vector with incompatible dimensions.
	ErrMatrixSizeMismatch = errors.New("diffim: matrix size mismatch")

	// ErrUnknownPolicyOption indicates an unrecognized configuration value.
	ErrUnknownPolicyOption = errors.New("diffim: unknown policy option")

	// ErrInvalidMethod indicates an unsupported condition-number kind.
	ErrInvalidMethod = errors.New("diffim: invalid condition number method")

	// ErrDimensionMismatch indicates images or kernels with incompatible shapes.
	ErrDimensionMismatch = errors.New("diffim: dimension mismatch")

	// ErrEmptyBasis indicates a basis set with no kernels.
	ErrEmptyBasis = errors.New("diffim: empty basis set")

	// ErrNegativeVariance indicates a non-positive variance, either in an input
	// variance plane or on the diagonal of a coefficient covariance.
	ErrNegativeVariance = errors.New("diffim: non-positive variance")
)
