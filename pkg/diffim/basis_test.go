package diffim

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeltaFunctionBasis(t *testing.T) {
	basis, err := DeltaFunctionBasis(3, 5)
	require.NoError(t, err)
	require.Len(t, basis, 15)
	require.NoError(t, basis.Validate())

	for i, k := range basis {
		assert.Equal(t, image.Pt(3, 5), k.Dimensions())
		assert.Equal(t, image.Pt(1, 2), k.Center())
		assert.Equal(t, 1.0, k.Pix.Pix[i])
		assert.Equal(t, 1.0, k.Pix.Sum())
	}

	assert.Equal(t, image.Rect(1, 2, 9, 8), basis.ShrinkBox(image.Rect(0, 0, 10, 10)))
	assert.True(t, basis.ShrinkBox(image.Rect(0, 0, 2, 4)).Empty())

	_, err = DeltaFunctionBasis(0, 3)
	require.Error(t, err)
}

func TestBasisValidateRejectsMixedShapes(t *testing.T) {
	a := NewFixedKernel(NewImage[float64](3, 3))
	b := NewFixedKernel(NewImage[float64](5, 5))
	err := BasisSet{a, b}.Validate()
	require.ErrorIs(t, err, ErrDimensionMismatch)
	require.ErrorIs(t, BasisSet{}.Validate(), ErrEmptyBasis)
}

func TestShrinkBoxEvenWidthKernel(t *testing.T) {
	tmpl := NewImage[float64](8, 1)
	for x := 0; x < 8; x++ {
		tmpl.Set(x, 0, float64(10*(x+1)))
	}
	first := NewImage[float64](2, 1)
	first.Pix[0] = 1
	second := NewImage[float64](2, 1)
	second.Pix[1] = 1
	basis := BasisSet{NewFixedKernel(first), NewFixedKernel(second)}
	require.Equal(t, image.Pt(1, 0), basis[0].Center())

	good := basis.ShrinkBox(tmpl.LocalBounds())
	assert.Equal(t, image.Rect(0, 0, 7, 1), good)

	conv, err := convolvePlane(tmpl, first, basis[0].Center())
	require.NoError(t, err)
	for x := good.Min.X; x < good.Max.X; x++ {
		assert.Equal(t, tmpl.At(x+1, 0), conv.At(x, 0), "x=%d", x)
	}

	// Every design-matrix row holds unreflected template pixels.
	sys, err := buildNormalSystem(basis, false, tmpl, tmpl, constantImage(8, 1, 1.0), AllPixels{})
	require.NoError(t, err)
	require.Equal(t, 7, sys.NumPixels())
	for r := 0; r < sys.NumPixels(); r++ {
		assert.Equal(t, tmpl.At(r+1, 0), sys.C.At(r, 0), "row %d", r)
		assert.Equal(t, tmpl.At(r, 0), sys.C.At(r, 1), "row %d", r)
	}
}

func TestAlardLuptonBasis(t *testing.T) {
	basis, err := AlardLuptonBasis(3, []float64{0.7, 1.5, 3}, []int{4, 3, 2})
	require.NoError(t, err)
	require.Len(t, basis, 15+10+6)
	assert.Equal(t, image.Pt(7, 7), basis[0].Dimensions())

	assert.InDelta(t, 1, basis[0].Pix.Sum(), 1e-12)
	for i, k := range basis[1:] {
		assert.InDelta(t, 0, k.Pix.Sum(), 1e-10, "kernel %d", i+1)
		var norm float64
		for _, v := range k.Pix.Pix {
			norm += v * v
		}
		assert.InDelta(t, 1, norm, 1e-9, "kernel %d", i+1)
	}

	_, err = AlardLuptonBasis(3, []float64{1}, []int{1, 2})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	_, err = AlardLuptonBasis(0, []float64{1}, []int{1})
	require.Error(t, err)
	_, err = AlardLuptonBasis(2, []float64{-1}, []int{1})
	require.Error(t, err)
}

func TestFiniteDifferenceRegularization(t *testing.T) {
	h, err := FiniteDifferenceRegularization(2, 1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1, -1, 1}, []float64{h.At(0, 0), h.At(0, 1), h.At(1, 0), h.At(1, 1)})

	h, err = FiniteDifferenceRegularization(2, 1, 1, true)
	require.NoError(t, err)
	require.Equal(t, 3, h.SymmetricDim())
	for i := 0; i < 3; i++ {
		assert.Zero(t, h.At(2, i))
	}

	h, err = FiniteDifferenceRegularization(3, 3, 0, false)
	require.NoError(t, err)
	for i := 0; i < 9; i++ {
		assert.Equal(t, 1.0, h.At(i, i))
	}

	// A constant kernel has no second differences.
	h, err = FiniteDifferenceRegularization(4, 4, 2, false)
	require.NoError(t, err)
	for i := 0; i < 16; i++ {
		var row float64
		for j := 0; j < 16; j++ {
			row += h.At(i, j)
		}
		assert.InDelta(t, 0, row, 1e-12)
	}

	_, err = FiniteDifferenceRegularization(3, 3, 3, false)
	require.ErrorIs(t, err, ErrUnknownPolicyOption)
}

func TestPolynomial2(t *testing.T) {
	p, err := NewPolynomial2(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 6, 9}, p.Terms(2, 3))

	require.NoError(t, p.SetParams([]float64{1, 0, 0, 0, 1, 0}))
	assert.InDelta(t, 7, p.Eval(2, 3), 1e-12)
	require.ErrorIs(t, p.SetParams([]float64{1}), ErrMatrixSizeMismatch)

	assert.Equal(t, 1, NumPolynomialParams(0))
	assert.Equal(t, 10, NumPolynomialParams(3))
	_, err = NewPolynomial2(-1)
	require.Error(t, err)
}

func TestKernels(t *testing.T) {
	basis := deltaBasis(t, 3)
	lc := &LinearCombinationKernel{Basis: basis, Coeffs: []float64{0, 0, 0, 0, 2, 0, 0, 0, 1}}
	img, sum := lc.ComputeImage(5, 5)
	assert.Equal(t, 3.0, sum)
	assert.Equal(t, 2.0, img.At(1, 1))
	assert.False(t, lc.IsSpatiallyVarying())

	funcs := make([]*Polynomial2, len(basis))
	for i := range funcs {
		funcs[i], _ = NewPolynomial2(1)
	}
	funcs[4].Params = []float64{1, 0.5, 0}
	sk := &SpatialKernel{Basis: basis, Funcs: funcs}
	_, sum = sk.ComputeImage(2, 100)
	assert.InDelta(t, 2, sum, 1e-12)
	assert.Equal(t, 2.0, sk.CoefficientsAt(2, 0)[4])
	assert.True(t, sk.IsSpatiallyVarying())
	assert.Equal(t, image.Pt(1, 1), sk.Center())
}
