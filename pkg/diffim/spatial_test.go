package diffim

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func solvedRegion(t *testing.T, f *Fitter, tmpl, sci *Image[float64]) *RegionFit[float64] {
	t.Helper()
	fit := NewRegionFit[float64](f)
	require.NoError(t, fit.Build(tmpl, sci, constantImage(tmpl.Width, tmpl.Height, 1.0)))
	require.NoError(t, fit.Solve())
	return fit
}

func TestSpatialFitOrderZeroMatchesRegion(t *testing.T) {
	cfg := deltaConfig()
	cfg.SpatialKernelOrder = 0
	cfg.SpatialBgOrder = 0
	f := newTestFitter(t, cfg, deltaBasis(t, 3))

	tmpl := starField(18, 18, 11)
	sci := convolved(t, tmpl, gaussianKernel(3, 0.7), 3)
	region := solvedRegion(t, f, tmpl, sci)

	spatial, err := NewSpatialFit(f)
	require.NoError(t, err)
	assert.Equal(t, 10, spatial.NumUnknowns())
	m, err := region.M(false)
	require.NoError(t, err)
	require.NoError(t, spatial.AddConstraint(9, 9, m, region.System().B))
	require.NoError(t, spatial.Solve())

	want, err := region.Coefficients()
	require.NoError(t, err)
	got, err := spatial.Coefficients()
	require.NoError(t, err)
	for i := 0; i < want.Len(); i++ {
		assert.InDelta(t, want.AtVec(i), got.AtVec(i), 1e-8)
	}

	k, err := spatial.Kernel()
	require.NoError(t, err)
	_, ok := k.(*LinearCombinationKernel)
	assert.True(t, ok, "a single-term kernel polynomial decodes to a fixed combination")
}

func TestSpatialFitAddConstraintAccumulates(t *testing.T) {
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	tmpl := starField(14, 14, 12)
	region := NewRegionFit[float64](f)
	require.NoError(t, region.Build(tmpl, tmpl, constantImage(14, 14, 1.0)))
	sys := region.System()

	once, err := NewSpatialFit(f)
	require.NoError(t, err)
	require.NoError(t, once.AddConstraint(3, -2, sys.M, sys.B))

	twice, err := NewSpatialFit(f)
	require.NoError(t, err)
	require.NoError(t, twice.AddConstraint(3, -2, sys.M, sys.B))
	require.NoError(t, twice.AddConstraint(3, -2, sys.M, sys.B))
	assert.Equal(t, 2, twice.NumConstraints())

	m1, m2 := once.M(), twice.M()
	n := once.NumUnknowns()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			assert.InDelta(t, 2*m1.At(i, j), m2.At(i, j), 1e-9*(1+abs(m1.At(i, j))))
		}
	}
	b1, b2 := once.B(), twice.B()
	for i := 0; i < n; i++ {
		assert.InDelta(t, 2*b1.AtVec(i), b2.AtVec(i), 1e-9*(1+abs(b1.AtVec(i))))
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestSpatialFitRecoversConstantKernel(t *testing.T) {
	cfg := deltaConfig()
	cfg.SpatialKernelOrder = 1
	cfg.SpatialBgOrder = 1
	f := newTestFitter(t, cfg, deltaBasis(t, 3))
	truth := gaussianKernel(3, 0.8)

	spatial, err := NewSpatialFit(f)
	require.NoError(t, err)
	assert.Equal(t, 9*3+3, spatial.NumUnknowns())

	positions := []image.Point{{20, 20}, {80, 20}, {20, 80}, {80, 80}, {50, 50}}
	for i, p := range positions {
		tmpl := starField(15, 15, int64(20+i))
		tmpl.X0, tmpl.Y0 = p.X-7, p.Y-7
		sci := convolved(t, tmpl, truth, 4)
		sci.X0, sci.Y0 = tmpl.X0, tmpl.Y0
		region := solvedRegion(t, f, tmpl, sci)
		m, err := region.M(false)
		require.NoError(t, err)
		require.NoError(t, spatial.AddConstraint(float64(p.X), float64(p.Y), m, region.System().B))
	}
	require.NoError(t, spatial.Solve())

	k, err := spatial.Kernel()
	require.NoError(t, err)
	assert.True(t, k.IsSpatiallyVarying())
	for _, p := range []image.Point{{0, 0}, {35, 70}, {100, 100}} {
		img, err := spatial.KernelImage(float64(p.X), float64(p.Y))
		require.NoError(t, err)
		for i, v := range truth.Pix {
			assert.InDelta(t, v, img.Pix[i], 1e-5, "pixel %d at %v", i, p)
		}
	}

	bg, err := spatial.Background()
	require.NoError(t, err)
	assert.InDelta(t, 4, bg.Eval(10, 90), 1e-3)

	kSum, err := spatial.KernelSum()
	require.NoError(t, err)
	img0, err := spatial.KernelImage(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, img0.Sum(), kSum, 1e-12)

	kern, bgPoly, err := spatial.SolutionPair()
	require.NoError(t, err)
	assert.Same(t, bg, bgPoly)
	assert.Equal(t, image.Pt(3, 3), kern.Dimensions())
}

func TestSpatialFitUnknownCount(t *testing.T) {
	alard, err := AlardLuptonBasis(2, []float64{0.7, 1.5}, []int{2, 1})
	require.NoError(t, err)
	require.Len(t, alard, 6+3)

	tests := []struct {
		name      string
		basis     BasisSet
		basisName string
		bg        bool
		want      int
	}{
		{"delta with background", deltaBasis(t, 3), BasisDeltaFunction, true, 9*3 + 3},
		{"delta without background", deltaBasis(t, 3), BasisDeltaFunction, false, 9 * 3},
		{"constant first term", alard, BasisAlardLupton, true, 8*3 + 1 + 3},
		{"constant first term without background", alard, BasisAlardLupton, false, 8*3 + 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.KernelBasisSet = tc.basisName
			cfg.FitForBackground = tc.bg
			s, err := NewSpatialFit(newTestFitter(t, cfg, tc.basis))
			require.NoError(t, err)
			assert.Equal(t, tc.want, s.NumUnknowns())
		})
	}
}

func TestSpatialFitConstantFirstTerm(t *testing.T) {
	basis, err := AlardLuptonBasis(2, []float64{0.8, 1.6}, []int{1, 0})
	require.NoError(t, err)
	cfg := DefaultConfig()
	f := newTestFitter(t, cfg, basis)
	truth := gaussianKernel(5, 1.0)

	spatial, err := NewSpatialFit(f)
	require.NoError(t, err)
	for i, p := range []image.Point{{15, 15}, {60, 15}, {15, 60}, {60, 60}} {
		tmpl := starField(21, 21, int64(40+i))
		tmpl.X0, tmpl.Y0 = p.X-10, p.Y-10
		sci := convolved(t, tmpl, truth, 1)
		sci.X0, sci.Y0 = tmpl.X0, tmpl.Y0
		region := solvedRegion(t, f, tmpl, sci)
		require.NoError(t, spatial.AddConstraint(float64(p.X), float64(p.Y), region.System().M, region.System().B))
	}
	require.NoError(t, spatial.Solve())

	k, err := spatial.Kernel()
	require.NoError(t, err)
	sk, ok := k.(*SpatialKernel)
	require.True(t, ok)
	for _, p := range sk.Funcs[0].Params[1:] {
		assert.Zero(t, p, "first basis weight has no spatial terms")
	}
	// Only the first kernel has a nonzero sum, so the kernel sum is the same
	// everywhere.
	_, s1 := k.ComputeImage(0, 0)
	_, s2 := k.ComputeImage(200, -50)
	assert.InDelta(t, s1, s2, 1e-9)
}

func TestSpatialFitErrors(t *testing.T) {
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	spatial, err := NewSpatialFit(f)
	require.NoError(t, err)

	require.ErrorIs(t, spatial.Solve(), ErrNotBuilt)

	err = spatial.AddConstraint(0, 0, mat.NewSymDense(4, nil), mat.NewVecDense(4, nil))
	require.ErrorIs(t, err, ErrMatrixSizeMismatch)
	err = spatial.AddConstraint(0, 0, mat.NewSymDense(10, nil), mat.NewVecDense(9, nil))
	require.ErrorIs(t, err, ErrMatrixSizeMismatch)
	assert.Zero(t, spatial.NumConstraints())

	_, err = spatial.Kernel()
	require.ErrorIs(t, err, ErrNotSolved)
	_, err = spatial.Background()
	require.ErrorIs(t, err, ErrNotSolved)
	_, err = spatial.KernelSum()
	require.ErrorIs(t, err, ErrNotSolved)
	_, err = spatial.KernelImage(0, 0)
	require.ErrorIs(t, err, ErrNotSolved)
	_, _, err = spatial.SolutionPair()
	require.ErrorIs(t, err, ErrNotSolved)
	_, err = spatial.Coefficients()
	require.ErrorIs(t, err, ErrNotSolved)

	cfg := deltaConfig()
	cfg.SpatialKernelOrder = -1
	_, err = NewSpatialFit(&Fitter{Config: cfg, Basis: deltaBasis(t, 3), IDs: &IDSource{}})
	require.Error(t, err)
}

func TestSpatialFitBackgroundZeroWhenNotFit(t *testing.T) {
	cfg := deltaConfig()
	cfg.FitForBackground = false
	f := newTestFitter(t, cfg, deltaBasis(t, 3))
	tmpl := starField(14, 14, 13)
	region := solvedRegion(t, f, tmpl, tmpl)

	spatial, err := NewSpatialFit(f)
	require.NoError(t, err)
	for _, p := range [][2]float64{{0, 0}, {10, 0}, {0, 10}} {
		require.NoError(t, spatial.AddConstraint(p[0], p[1], region.System().M, region.System().B))
	}
	require.NoError(t, spatial.Solve())

	bg, err := spatial.Background()
	require.NoError(t, err)
	for _, p := range bg.Params {
		assert.Zero(t, p)
	}
	kSum, err := spatial.KernelSum()
	require.NoError(t, err)
	assert.InDelta(t, 1, kSum, 1e-6)
}
