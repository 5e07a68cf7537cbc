package diffim

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Span is a run of pixels [X0, X1) on row Y, in local image coordinates.
type Span struct {
	Y, X0, X1 int
}

// PixelSelector chooses which pixels of the convolution-safe box enter a fit.
// good is in local coordinates; origin is the parent position of local (0, 0).
type PixelSelector interface {
	Spans(good image.Rectangle, origin image.Point) ([]Span, error)
}

// AllPixels selects every pixel of the convolution-safe box.
type AllPixels struct{}

func (AllPixels) Spans(good image.Rectangle, _ image.Point) ([]Span, error) {
	spans := make([]Span, 0, good.Dy())
	for y := good.Min.Y; y < good.Max.Y; y++ {
		spans = append(spans, Span{Y: y, X0: good.Min.X, X1: good.Max.X})
	}
	return spans, nil
}

// MaskedPixels drops pixels with any of Bits set in Mask. The mask shares the
// local pixel grid of the images.
type MaskedPixels struct {
	Mask *Mask
	Bits MaskPixel
}

func (s MaskedPixels) Spans(good image.Rectangle, _ image.Point) ([]Span, error) {
	if s.Mask == nil {
		return nil, fmt.Errorf("%w: nil mask", ErrDimensionMismatch)
	}
	if good.Max.X > s.Mask.Width || good.Max.Y > s.Mask.Height {
		return nil, fmt.Errorf("%w: mask is %dx%d, fit box is %v", ErrDimensionMismatch, s.Mask.Width, s.Mask.Height, good)
	}
	var spans []Span
	for y := good.Min.Y; y < good.Max.Y; y++ {
		start := -1
		for x := good.Min.X; x < good.Max.X; x++ {
			usable := s.Mask.At(x, y)&s.Bits == 0
			switch {
			case usable && start < 0:
				start = x
			case !usable && start >= 0:
				spans = append(spans, Span{Y: y, X0: start, X1: x})
				start = -1
			}
		}
		if start >= 0 {
			spans = append(spans, Span{Y: y, X0: start, X1: good.Max.X})
		}
	}
	return spans, nil
}

// ExcludedBox drops one rectangle, given in parent coordinates. The remaining
// pixels are taken from the top, bottom, left and right rectangles around it.
type ExcludedBox struct {
	Box image.Rectangle
}

func (s ExcludedBox) Spans(good image.Rectangle, origin image.Point) ([]Span, error) {
	box := s.Box.Sub(origin).Intersect(good)
	if box.Empty() {
		return AllPixels{}.Spans(good, origin)
	}
	frame := []image.Rectangle{
		image.Rect(good.Min.X, good.Min.Y, good.Max.X, box.Min.Y),
		image.Rect(good.Min.X, box.Max.Y, good.Max.X, good.Max.Y),
		image.Rect(good.Min.X, box.Min.Y, box.Min.X, box.Max.Y),
		image.Rect(box.Max.X, box.Min.Y, good.Max.X, box.Max.Y),
	}
	var spans []Span
	for _, r := range frame {
		if r.Empty() {
			continue
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			spans = append(spans, Span{Y: y, X0: r.Min.X, X1: r.Max.X})
		}
	}
	return spans, nil
}

// NormalSystem holds the weighted least-squares problem for one region:
// the design matrix C, inverse variances W, target y, and the normal equations
// M = CᵀWC, B = CᵀWy.
type NormalSystem struct {
	C      *mat.Dense
	IVar   []float64
	Target []float64
	M      *mat.SymDense
	B      *mat.VecDense
}

// NumPixels returns the number of pixels that entered the system.
func (s *NormalSystem) NumPixels() int { return len(s.Target) }

// releaseDesign drops the per-pixel arrays once only M and B are needed.
func (s *NormalSystem) releaseDesign() {
	s.C = nil
	s.IVar = nil
	s.Target = nil
}

// buildNormalSystem convolves the template with every basis kernel and stacks
// the selected pixels into the design matrix. A constant column is appended
// when fitting for background.
func buildNormalSystem(basis BasisSet, fitBackground bool, template, science, variance *Image[float64], sel PixelSelector) (*NormalSystem, error) {
	if err := basis.Validate(); err != nil {
		return nil, err
	}
	if !sameShape(template, science) || !sameShape(template, variance) {
		return nil, fmt.Errorf("%w: template %dx%d, science %dx%d, variance %dx%d", ErrDimensionMismatch,
			template.Width, template.Height, science.Width, science.Height, variance.Width, variance.Height)
	}
	if ms, ok := sel.(MaskedPixels); ok && ms.Mask != nil {
		if ms.Mask.Bounds() != template.Bounds() {
			return nil, fmt.Errorf("%w: mask covers %v, images cover %v", ErrDimensionMismatch, ms.Mask.Bounds(), template.Bounds())
		}
	}
	good := basis.ShrinkBox(template.LocalBounds())
	if good.Empty() {
		return nil, fmt.Errorf("%w: %dx%d image smaller than kernel %v", ErrUnsolvable, template.Width, template.Height, basis[0].Dimensions())
	}
	spans, err := sel.Spans(good, template.Origin())
	if err != nil {
		return nil, err
	}
	nPix := 0
	for _, s := range spans {
		nPix += s.X1 - s.X0
	}
	if nPix == 0 {
		return nil, fmt.Errorf("%w: no usable pixels in %v", ErrUnsolvable, good.Add(template.Origin()))
	}

	nKernel := len(basis)
	nParams := nKernel
	if fitBackground {
		nParams++
	}

	sys := &NormalSystem{
		C:      mat.NewDense(nPix, nParams, nil),
		IVar:   make([]float64, nPix),
		Target: make([]float64, nPix),
	}
	row := 0
	for _, s := range spans {
		for x := s.X0; x < s.X1; x++ {
			v := variance.At(x, s.Y)
			if !(v > 0) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: %g at (%d, %d)", ErrNegativeVariance, v, x+template.X0, s.Y+template.Y0)
			}
			sys.IVar[row] = 1 / v
			sys.Target[row] = science.At(x, s.Y)
			row++
		}
	}

	for k, kern := range basis {
		conv, err := convolvePlane(template, kern.Pix, kern.Center())
		if err != nil {
			return nil, fmt.Errorf("convolving basis kernel %d: %w", k, err)
		}
		row = 0
		for _, s := range spans {
			for x := s.X0; x < s.X1; x++ {
				sys.C.Set(row, k, conv.At(x, s.Y))
				row++
			}
		}
	}
	if fitBackground {
		for r := 0; r < nPix; r++ {
			sys.C.Set(r, nKernel, 1)
		}
	}

	sys.M, sys.B = normalEquations(sys.C, sys.IVar, sys.Target)
	return sys, nil
}

// normalEquations returns CᵀWC and CᵀWy for diagonal weights w.
func normalEquations(c *mat.Dense, w, y []float64) (*mat.SymDense, *mat.VecDense) {
	rows, cols := c.Dims()
	scaled := mat.NewDense(rows, cols, nil)
	wy := make([]float64, rows)
	for r := 0; r < rows; r++ {
		sw := math.Sqrt(w[r])
		for k := 0; k < cols; k++ {
			scaled.Set(r, k, sw*c.At(r, k))
		}
		wy[r] = w[r] * y[r]
	}
	m := mat.NewSymDense(cols, nil)
	m.SymOuterK(1, scaled.T())
	b := mat.NewVecDense(cols, nil)
	b.MulVec(c.T(), mat.NewVecDense(rows, wy))
	return m, b
}
