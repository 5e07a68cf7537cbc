package diffim

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pipelineFixture struct {
	template, science, variance *Image[float64]
	mask                        *Mask
}

func newPipelineFixture(t *testing.T) pipelineFixture {
	t.Helper()
	tmpl := starField(90, 90, 31)
	return pipelineFixture{
		template: tmpl,
		science:  convolved(t, tmpl, gaussianKernel(3, 0.8), 3),
		variance: constantImage(90, 90, 1.0),
		mask:     NewMask(90, 90),
	}
}

func TestGridCandidates(t *testing.T) {
	cands := GridCandidates(image.Rect(0, 0, 90, 90), 3, 25)
	require.Len(t, cands, 9)
	assert.Equal(t, Point2d{X: 15, Y: 15}, cands[0].Center)
	assert.Equal(t, image.Rect(3, 3, 28, 28), cands[0].Box)
	for i, c := range cands {
		assert.Equal(t, i, c.ID)
	}

	// Stamps that would leave the image are dropped.
	assert.Len(t, GridCandidates(image.Rect(0, 0, 90, 90), 3, 40), 1)
	assert.Nil(t, GridCandidates(image.Rect(0, 0, 90, 90), 0, 25))
}

func TestSelectCandidates(t *testing.T) {
	fx := newPipelineFixture(t)
	cands := GridCandidates(fx.mask.Bounds(), 3, 25)
	fx.mask.SetBits(image.Rect(10, 10, 11, 11), MaskSat)

	kept := SelectCandidates(cands, fx.mask, MaskExcludedBits)
	require.Len(t, kept, 8)
	assert.NotEqual(t, 0, kept[0].ID)
	assert.NotZero(t, fx.mask.OrBits(kept[0].Box)&MaskStampCandidate)
	assert.Zero(t, fx.mask.At(5, 5)&MaskStampCandidate, "rejected stamp is not flagged")
}

func TestFitCandidatesAndSpatialModel(t *testing.T) {
	fx := newPipelineFixture(t)
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	cands := SelectCandidates(GridCandidates(fx.mask.Bounds(), 3, 25), fx.mask, MaskExcludedBits)

	fits, err := FitCandidates(context.Background(), f, fx.template, fx.science, fx.variance, fx.mask, nil, cands, 3)
	require.NoError(t, err)
	require.Len(t, fits, 9)
	summary := Summarize(fits)
	assert.Equal(t, 9, summary.Solved)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 9, summary.BySolver[SolvedByCholeskyLDLT])

	for _, cf := range fits {
		kSum, err := cf.Fit.KernelSum()
		require.NoError(t, err)
		assert.InDelta(t, 1, kSum, 1e-6, "candidate %d", cf.Candidate.ID)
	}

	spatial, err := BuildSpatialModel(f, fits, fx.mask)
	require.NoError(t, err)
	assert.Equal(t, 9, spatial.NumConstraints())
	assert.NotZero(t, fx.mask.OrBits(cands[4].Box)&MaskStampUsed)

	kernel, bg, err := spatial.SolutionPair()
	require.NoError(t, err)
	diff, err := Difference(fx.template, fx.science, kernel, bg)
	require.NoError(t, err)
	for y := 2; y < diff.Height-2; y++ {
		for x := 2; x < diff.Width-2; x++ {
			assert.InDelta(t, 0, diff.At(x, y), 1e-3, "residual at (%d, %d)", x, y)
		}
	}
}

func TestFitCandidatesRecordsFailures(t *testing.T) {
	fx := newPipelineFixture(t)
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	cands := GridCandidates(fx.variance.Bounds(), 3, 25)
	fx.variance.Set(45, 45, -1)

	fits, err := FitCandidates(context.Background(), f, fx.template, fx.science, fx.variance, nil, nil, cands, 0)
	require.NoError(t, err)
	summary := Summarize(fits)
	assert.Equal(t, 8, summary.Solved)
	assert.Equal(t, 1, summary.Failed)
	require.ErrorIs(t, fits[4].Err, ErrNegativeVariance)
	assert.Nil(t, fits[4].Fit)

	spatial, err := BuildSpatialModel(f, fits, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, spatial.NumConstraints())

	_, err = BuildSpatialModel(f, fits[4:5], nil)
	require.ErrorIs(t, err, ErrUnsolvable)
}

func TestFitCandidatesRegularized(t *testing.T) {
	fx := newPipelineFixture(t)
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	h, err := FiniteDifferenceRegularization(3, 3, 1, true)
	require.NoError(t, err)
	cands := GridCandidates(fx.template.Bounds(), 2, 31)

	fits, err := FitCandidates(context.Background(), f, fx.template, fx.science, fx.variance, nil, h, cands, 2)
	require.NoError(t, err)
	for _, cf := range fits {
		require.NoError(t, cf.Err)
		assert.Equal(t, 0.2, cf.Fit.Lambda())
	}
}

func TestFitCandidatesCancelled(t *testing.T) {
	fx := newPipelineFixture(t)
	f := newTestFitter(t, deltaConfig(), deltaBasis(t, 3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FitCandidates(ctx, f, fx.template, fx.science, fx.variance, nil, nil,
		GridCandidates(fx.template.Bounds(), 2, 25), 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDifferenceFixedKernel(t *testing.T) {
	fx := newPipelineFixture(t)
	basis := deltaBasis(t, 3)
	coeffs := make([]float64, 9)
	copy(coeffs, gaussianKernel(3, 0.8).Pix)
	kernel := &LinearCombinationKernel{Basis: basis, Coeffs: coeffs}
	bg, err := NewPolynomial2(0)
	require.NoError(t, err)
	bg.Params[0] = 3

	diff, err := Difference(fx.template, fx.science, kernel, bg)
	require.NoError(t, err)
	for i, v := range diff.Pix {
		assert.InDelta(t, 0, v, 1e-6, "pixel %d", i)
	}

	_, err = Difference(fx.template, starField(10, 10, 1), kernel, nil)
	require.ErrorIs(t, err, ErrDimensionMismatch)
}
