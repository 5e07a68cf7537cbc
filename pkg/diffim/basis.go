package diffim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// DeltaFunctionBasis returns one kernel per pixel of a width x height stamp,
// each with a single unit pixel, in row-major order.
func DeltaFunctionBasis(width, height int) (BasisSet, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("kernel dimensions must be positive, got %dx%d", width, height)
	}
	basis := make(BasisSet, 0, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			pix := NewImage[float64](width, height)
			pix.Set(x, y, 1)
			basis = append(basis, NewFixedKernel(pix))
		}
	}
	return basis, nil
}

// gaussian1D returns a normalized sampled Gaussian of the given size.
func gaussian1D(size int, sigma float64) []float64 {
	g := make([]float64, size)
	half := size / 2
	var sum float64
	for i := range g {
		x := float64(i - half)
		g[i] = math.Exp(-x * x / (2 * sigma * sigma))
		sum += g[i]
	}
	for i := range g {
		g[i] /= sum
	}
	return g
}

// AlardLuptonBasis returns Gaussians of the given widths multiplied by the
// monomials xⁱyʲ, i+j <= degree, on a (2*halfWidth+1)² stamp. The first kernel
// has unit sum; every later kernel has zero sum, so the kernel sum is carried
// by the first coefficient alone.
func AlardLuptonBasis(halfWidth int, sigmas []float64, degrees []int) (BasisSet, error) {
	if halfWidth < 1 {
		return nil, fmt.Errorf("halfWidth must be >= 1, got %d", halfWidth)
	}
	if len(sigmas) == 0 || len(sigmas) != len(degrees) {
		return nil, fmt.Errorf("%w: %d sigmas for %d degrees", ErrDimensionMismatch, len(sigmas), len(degrees))
	}
	size := 2*halfWidth + 1
	var basis BasisSet
	for g, sigma := range sigmas {
		if !(sigma > 0) {
			return nil, fmt.Errorf("gaussian sigma must be > 0, got %g", sigma)
		}
		if degrees[g] < 0 {
			return nil, fmt.Errorf("polynomial degree must be >= 0, got %d", degrees[g])
		}
		gauss := gaussian1D(size, sigma)
		for d := 0; d <= degrees[g]; d++ {
			for j := 0; j <= d; j++ {
				i := d - j
				pix := NewImage[float64](size, size)
				for y := 0; y < size; y++ {
					v := float64(y - halfWidth)
					for x := 0; x < size; x++ {
						u := float64(x - halfWidth)
						pix.Set(x, y, gauss[x]*gauss[y]*math.Pow(u, float64(i))*math.Pow(v, float64(j)))
					}
				}
				basis = append(basis, NewFixedKernel(pix))
			}
		}
	}
	renormalizeBasis(basis)
	return basis, nil
}

// renormalizeBasis scales the first kernel to unit sum and removes the first
// kernel's share from every later kernel with a nonzero sum. Kernels are then
// scaled to unit L2 norm, the first excepted.
func renormalizeBasis(basis BasisSet) {
	first := basis[0].Pix
	s0 := first.Sum()
	for i := range first.Pix {
		first.Pix[i] /= s0
	}
	for _, k := range basis[1:] {
		if s := k.Pix.Sum(); math.Abs(s) > 1e-12 {
			for i := range k.Pix.Pix {
				k.Pix.Pix[i] = k.Pix.Pix[i]/s - first.Pix[i]
			}
		}
		var norm float64
		for _, v := range k.Pix.Pix {
			norm += v * v
		}
		if norm = math.Sqrt(norm); norm > 0 {
			for i := range k.Pix.Pix {
				k.Pix.Pix[i] /= norm
			}
		}
	}
}

// FiniteDifferenceRegularization returns H = DᵀD for a delta-function basis on a
// width x height stamp, where D stacks forward differences of the given order
// (0, 1 or 2) along x and y. Differences that would leave the stamp are
// omitted. With withBackground, a zero row and column are appended for the
// background term.
func FiniteDifferenceRegularization(width, height, order int, withBackground bool) (*mat.SymDense, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("kernel dimensions must be positive, got %dx%d", width, height)
	}
	var stencil []float64
	switch order {
	case 0:
		stencil = []float64{1}
	case 1:
		stencil = []float64{-1, 1}
	case 2:
		stencil = []float64{1, -2, 1}
	default:
		return nil, fmt.Errorf("%w: regularization order %d", ErrUnknownPolicyOption, order)
	}
	nPix := width * height
	n := nPix
	if withBackground {
		n++
	}

	var rows [][]float64
	addRow := func(idx []int) {
		row := make([]float64, n)
		for k, i := range idx {
			row[i] += stencil[k]
		}
		rows = append(rows, row)
	}
	span := len(stencil)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if order == 0 {
				addRow([]int{y*width + x})
				continue
			}
			if x+span <= width {
				idx := make([]int, span)
				for k := range idx {
					idx[k] = y*width + x + k
				}
				addRow(idx)
			}
			if y+span <= height {
				idx := make([]int, span)
				for k := range idx {
					idx[k] = (y+k)*width + x
				}
				addRow(idx)
			}
		}
	}

	h := mat.NewSymDense(n, nil)
	if len(rows) == 0 {
		return h, nil
	}
	d := mat.NewDense(len(rows), n, nil)
	for r, row := range rows {
		d.SetRow(r, row)
	}
	h.SymOuterK(1, d.T())
	return h, nil
}
