//go:build !purego && !js

package diffim

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// convolvePlane convolves src with kernel k centred on ctr. Pixels closer to the
// edge than the kernel support are filled by 101-reflection. filter2D computes a
// correlation, so the kernel is flipped on both axes and the anchor mirrored.
func convolvePlane(src, k *Image[float64], ctr image.Point) (*Image[float64], error) {
	srcMat, err := planeToMat(src)
	if err != nil {
		return nil, err
	}
	defer srcMat.Close()
	kMat, err := planeToMat(k)
	if err != nil {
		return nil, err
	}
	defer kMat.Close()

	flipped := gocv.NewMat()
	defer flipped.Close()
	gocv.Flip(kMat, &flipped, -1)

	dst := gocv.NewMat()
	defer dst.Close()
	anchor := image.Pt(k.Width-1-ctr.X, k.Height-1-ctr.Y)
	gocv.Filter2D(srcMat, &dst, gocv.MatTypeCV64F, flipped, anchor, 0, gocv.BorderReflect101)

	data, err := dst.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("reading convolved plane: %w", err)
	}
	out := &Image[float64]{Pix: make([]float64, src.Width*src.Height), Width: src.Width, Height: src.Height, X0: src.X0, Y0: src.Y0}
	copy(out.Pix, data)
	return out, nil
}

func planeToMat(p *Image[float64]) (gocv.Mat, error) {
	m := gocv.NewMatWithSize(p.Height, p.Width, gocv.MatTypeCV64F)
	data, err := m.DataPtrFloat64()
	if err != nil {
		m.Close()
		return gocv.Mat{}, fmt.Errorf("wrapping plane: %w", err)
	}
	copy(data, p.Pix)
	return m, nil
}
