package diffim

import (
	"image"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// starField returns a w x h image with a sky level, seeded noise and a few
// Gaussian sources, so that convolutions with different kernels differ.
func starField(w, h int, seed int64) *Image[float64] {
	rng := rand.New(rand.NewSource(seed))
	img := NewImage[float64](w, h)
	for i := range img.Pix {
		img.Pix[i] = 100 + 10*rng.Float64()
	}
	for s := 0; s < 1+w*h/80; s++ {
		cx, cy := rng.Float64()*float64(w), rng.Float64()*float64(h)
		flux := 500 + 1000*rng.Float64()
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dx, dy := float64(x)-cx, float64(y)-cy
				img.Pix[y*w+x] += flux * math.Exp(-(dx*dx+dy*dy)/4)
			}
		}
	}
	return img
}

func constantImage[T Pixel](w, h int, v T) *Image[T] {
	img := NewImage[T](w, h)
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

// gaussianKernel returns a normalized size x size Gaussian.
func gaussianKernel(size int, sigma float64) *Image[float64] {
	g := gaussian1D(size, sigma)
	img := NewImage[float64](size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, g[x]*g[y])
		}
	}
	return img
}

// convolved returns src ⊗ k plus a constant background.
func convolved(t *testing.T, src, k *Image[float64], background float64) *Image[float64] {
	t.Helper()
	out, err := convolvePlane(src, k, image.Pt(k.Width/2, k.Height/2))
	require.NoError(t, err)
	for i := range out.Pix {
		out.Pix[i] += background
	}
	return out
}

func deltaConfig() Config {
	cfg := DefaultConfig()
	cfg.KernelBasisSet = BasisDeltaFunction
	return cfg
}

func newTestFitter(t *testing.T, cfg Config, basis BasisSet) *Fitter {
	t.Helper()
	f, err := NewFitter(cfg, basis)
	require.NoError(t, err)
	return f
}

func deltaBasis(t *testing.T, size int) BasisSet {
	t.Helper()
	basis, err := DeltaFunctionBasis(size, size)
	require.NoError(t, err)
	return basis
}
