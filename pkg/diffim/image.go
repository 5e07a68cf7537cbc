package diffim

import (
	"fmt"
	"image"
)

// Pixel is the set of sample types an Image can hold.
type Pixel interface {
	~float32 | ~float64
}

// Image is a single-plane grid of samples stored row-major.
// X0 and Y0 give the position of pixel (0, 0) in the parent frame.
type Image[T Pixel] struct {
	Pix    []T
	Width  int
	Height int
	X0, Y0 int
}

// NewImage allocates a zeroed width x height image with origin (0, 0).
func NewImage[T Pixel](width, height int) *Image[T] {
	return &Image[T]{
		Pix:    make([]T, width*height),
		Width:  width,
		Height: height,
	}
}

// NewImageFromUint16 converts raw integer samples to an image scaled into [0, 1) by the bit depth.
func NewImageFromUint16[T Pixel](pixels []uint16, bpp, width, height int) (*Image[T], error) {
	if len(pixels) < width*height {
		return nil, fmt.Errorf("%w: %d samples for %dx%d image", ErrDimensionMismatch, len(pixels), width, height)
	}
	img := NewImage[T](width, height)
	scale := float64(uint32(1) << uint(bpp))
	for i := range img.Pix {
		img.Pix[i] = T(float64(pixels[i]) / scale)
	}
	return img, nil
}

// At returns the sample at local coordinates (x, y).
func (im *Image[T]) At(x, y int) T { return im.Pix[y*im.Width+x] }

// Set stores v at local coordinates (x, y).
func (im *Image[T]) Set(x, y int, v T) { im.Pix[y*im.Width+x] = v }

// LocalBounds returns the image extent in local coordinates.
func (im *Image[T]) LocalBounds() image.Rectangle {
	return image.Rect(0, 0, im.Width, im.Height)
}

// Bounds returns the image extent in parent coordinates.
func (im *Image[T]) Bounds() image.Rectangle {
	return im.LocalBounds().Add(image.Pt(im.X0, im.Y0))
}

// Origin returns the parent position of local pixel (0, 0).
func (im *Image[T]) Origin() image.Point { return image.Pt(im.X0, im.Y0) }

// Sum adds every sample in float64.
func (im *Image[T]) Sum() float64 {
	var s float64
	for _, v := range im.Pix {
		s += float64(v)
	}
	return s
}

// Float64 returns a float64 copy of the image, keeping its origin.
func (im *Image[T]) Float64() *Image[float64] {
	out := &Image[float64]{Pix: make([]float64, len(im.Pix)), Width: im.Width, Height: im.Height, X0: im.X0, Y0: im.Y0}
	for i, v := range im.Pix {
		out.Pix[i] = float64(v)
	}
	return out
}

// SubImage copies the part of the image inside r (parent coordinates).
// The copy keeps parent coordinates through its origin.
func (im *Image[T]) SubImage(r image.Rectangle) (*Image[T], error) {
	r = r.Intersect(im.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: sub-image %v outside %v", ErrDimensionMismatch, r, im.Bounds())
	}
	out := &Image[T]{Pix: make([]T, r.Dx()*r.Dy()), Width: r.Dx(), Height: r.Dy(), X0: r.Min.X, Y0: r.Min.Y}
	for y := 0; y < r.Dy(); y++ {
		srcOff := (r.Min.Y-im.Y0+y)*im.Width + r.Min.X - im.X0
		copy(out.Pix[y*out.Width:(y+1)*out.Width], im.Pix[srcOff:srcOff+out.Width])
	}
	return out, nil
}

func sameShape[T, U Pixel](a *Image[T], b *Image[U]) bool {
	return a.Width == b.Width && a.Height == b.Height
}

// MaskPixel is a bit set of mask planes.
type MaskPixel uint32

// Mask planes.
const (
	MaskBad MaskPixel = 1 << iota
	MaskSat
	MaskInterpolated
	MaskCosmicRay
	MaskEdge
	MaskDetected
	MaskStampCandidate
	MaskStampUsed
)

// MaskExcludedBits are the planes whose pixels never enter a masked fit.
const MaskExcludedBits = MaskBad | MaskSat | MaskEdge

var maskPlaneNames = []struct {
	bit  MaskPixel
	name string
}{
	{MaskBad, "BAD"},
	{MaskSat, "SAT"},
	{MaskInterpolated, "INTRP"},
	{MaskCosmicRay, "CR"},
	{MaskEdge, "EDGE"},
	{MaskDetected, "DETECTED"},
	{MaskStampCandidate, "DIFFIM_STAMP_CANDIDATE"},
	{MaskStampUsed, "DIFFIM_STAMP_USED"},
}

// PlaneBit returns the bit for a named mask plane.
func PlaneBit(name string) (MaskPixel, error) {
	for _, p := range maskPlaneNames {
		if p.name == name {
			return p.bit, nil
		}
	}
	return 0, fmt.Errorf("%w: mask plane %q", ErrUnknownPolicyOption, name)
}

// Mask is a plane of mask bits sharing the Image layout conventions.
type Mask struct {
	Pix    []MaskPixel
	Width  int
	Height int
	X0, Y0 int
}

// NewMask allocates a clear width x height mask with origin (0, 0).
func NewMask(width, height int) *Mask {
	return &Mask{Pix: make([]MaskPixel, width*height), Width: width, Height: height}
}

// At returns the bits at local coordinates (x, y).
func (m *Mask) At(x, y int) MaskPixel { return m.Pix[y*m.Width+x] }

// Bounds returns the mask extent in parent coordinates.
func (m *Mask) Bounds() image.Rectangle {
	return image.Rect(m.X0, m.Y0, m.X0+m.Width, m.Y0+m.Height)
}

// SetBits ORs bits into every pixel of r (parent coordinates).
func (m *Mask) SetBits(r image.Rectangle, bits MaskPixel) {
	r = r.Intersect(m.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := (y - m.Y0) * m.Width
		for x := r.Min.X; x < r.Max.X; x++ {
			m.Pix[row+x-m.X0] |= bits
		}
	}
}

// OrBits returns the union of the bits set anywhere in r (parent coordinates).
func (m *Mask) OrBits(r image.Rectangle) MaskPixel {
	r = r.Intersect(m.Bounds())
	var bits MaskPixel
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := (y - m.Y0) * m.Width
		for x := r.Min.X; x < r.Max.X; x++ {
			bits |= m.Pix[row+x-m.X0]
		}
	}
	return bits
}

// SubMask copies the part of the mask inside r (parent coordinates).
func (m *Mask) SubMask(r image.Rectangle) (*Mask, error) {
	r = r.Intersect(m.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: sub-mask %v outside %v", ErrDimensionMismatch, r, m.Bounds())
	}
	out := &Mask{Pix: make([]MaskPixel, r.Dx()*r.Dy()), Width: r.Dx(), Height: r.Dy(), X0: r.Min.X, Y0: r.Min.Y}
	for y := 0; y < r.Dy(); y++ {
		srcOff := (r.Min.Y-m.Y0+y)*m.Width + r.Min.X - m.X0
		copy(out.Pix[y*out.Width:(y+1)*out.Width], m.Pix[srcOff:srcOff+out.Width])
	}
	return out, nil
}
