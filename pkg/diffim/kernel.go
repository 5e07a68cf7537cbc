package diffim

import (
	"fmt"
	"image"
)

// Kernel is a convolution kernel that can be rendered at an image position.
type Kernel interface {
	// Dimensions returns the kernel width and height.
	Dimensions() image.Point
	// Center returns the kernel pixel aligned with the output pixel.
	Center() image.Point
	// ComputeImage renders the kernel at parent position (x, y) and returns
	// the image together with the sum of its pixels.
	ComputeImage(x, y float64) (*Image[float64], float64)
	// IsSpatiallyVarying reports whether ComputeImage depends on position.
	IsSpatiallyVarying() bool
}

// FixedKernel is a kernel given by explicit pixel weights.
type FixedKernel struct {
	Pix  *Image[float64]
	CtrX int
	CtrY int
}

// NewFixedKernel wraps pix as a kernel centred on its middle pixel.
func NewFixedKernel(pix *Image[float64]) *FixedKernel {
	return &FixedKernel{Pix: pix, CtrX: pix.Width / 2, CtrY: pix.Height / 2}
}

func (k *FixedKernel) Dimensions() image.Point { return image.Pt(k.Pix.Width, k.Pix.Height) }
func (k *FixedKernel) Center() image.Point     { return image.Pt(k.CtrX, k.CtrY) }
func (k *FixedKernel) IsSpatiallyVarying() bool { return false }

func (k *FixedKernel) ComputeImage(_, _ float64) (*Image[float64], float64) {
	out := &Image[float64]{Pix: append([]float64(nil), k.Pix.Pix...), Width: k.Pix.Width, Height: k.Pix.Height}
	return out, out.Sum()
}

// BasisSet is an ordered list of equally sized kernels. It is shared read-only
// between fits.
type BasisSet []*FixedKernel

// Validate checks that the set is non-empty and uniformly shaped.
func (b BasisSet) Validate() error {
	if len(b) == 0 {
		return ErrEmptyBasis
	}
	dims, ctr := b[0].Dimensions(), b[0].Center()
	for i, k := range b[1:] {
		if k.Dimensions() != dims || k.Center() != ctr {
			return fmt.Errorf("%w: basis kernel %d is %v centred at %v, want %v centred at %v",
				ErrDimensionMismatch, i+1, k.Dimensions(), k.Center(), dims, ctr)
		}
	}
	return nil
}

// ShrinkBox returns the part of r over which convolution with any basis kernel
// only touches pixels inside r. Output pixel x reads input pixels
// x+ctr-(w-1) through x+ctr, matching convolvePlane's flipped kernel.
func (b BasisSet) ShrinkBox(r image.Rectangle) image.Rectangle {
	dims, ctr := b[0].Dimensions(), b[0].Center()
	out := image.Rectangle{
		Min: image.Pt(r.Min.X+(dims.X-1-ctr.X), r.Min.Y+(dims.Y-1-ctr.Y)),
		Max: image.Pt(r.Max.X-ctr.X, r.Max.Y-ctr.Y),
	}
	if out.Empty() {
		return image.Rectangle{}
	}
	return out
}

// combine returns Σ coeffs[i] * basis[i].
func (b BasisSet) combine(coeffs []float64) *Image[float64] {
	dims := b[0].Dimensions()
	out := NewImage[float64](dims.X, dims.Y)
	for i, k := range b {
		c := coeffs[i]
		if c == 0 {
			continue
		}
		for j, v := range k.Pix.Pix {
			out.Pix[j] += c * v
		}
	}
	return out
}

// LinearCombinationKernel is a fixed weighted sum of basis kernels.
type LinearCombinationKernel struct {
	Basis  BasisSet
	Coeffs []float64
}

func (k *LinearCombinationKernel) Dimensions() image.Point  { return k.Basis[0].Dimensions() }
func (k *LinearCombinationKernel) Center() image.Point      { return k.Basis[0].Center() }
func (k *LinearCombinationKernel) IsSpatiallyVarying() bool { return false }

func (k *LinearCombinationKernel) ComputeImage(_, _ float64) (*Image[float64], float64) {
	img := k.Basis.combine(k.Coeffs)
	return img, img.Sum()
}

// SpatialKernel weights each basis kernel by its own polynomial in image position.
type SpatialKernel struct {
	Basis BasisSet
	// Funcs holds one spatial function per basis kernel.
	Funcs []*Polynomial2
}

func (k *SpatialKernel) Dimensions() image.Point  { return k.Basis[0].Dimensions() }
func (k *SpatialKernel) Center() image.Point      { return k.Basis[0].Center() }
func (k *SpatialKernel) IsSpatiallyVarying() bool { return true }

// CoefficientsAt evaluates every spatial function at (x, y).
func (k *SpatialKernel) CoefficientsAt(x, y float64) []float64 {
	coeffs := make([]float64, len(k.Funcs))
	for i, f := range k.Funcs {
		coeffs[i] = f.Eval(x, y)
	}
	return coeffs
}

func (k *SpatialKernel) ComputeImage(x, y float64) (*Image[float64], float64) {
	img := k.Basis.combine(k.CoefficientsAt(x, y))
	return img, img.Sum()
}
