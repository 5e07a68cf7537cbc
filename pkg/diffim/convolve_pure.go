//go:build purego || js

package diffim

import "image"

func reflectIndex(idx, size int) int {
	if size == 1 {
		return 0
	}
	if idx < 0 {
		idx = -idx
	}
	for idx >= size {
		idx = 2*size - 2 - idx
		if idx < 0 {
			idx = -idx
		}
	}
	return idx
}

// convolvePlane convolves src with kernel k centred on ctr. Pixels closer to the
// edge than the kernel support are filled by 101-reflection.
func convolvePlane(src, k *Image[float64], ctr image.Point) (*Image[float64], error) {
	w, h := src.Width, src.Height
	kw, kh := k.Width, k.Height
	out := &Image[float64]{Pix: make([]float64, w*h), Width: w, Height: h, X0: src.X0, Y0: src.Y0}

	// Interior: every tap lands inside the image.
	inner := image.Rect(kw-1-ctr.X, kh-1-ctr.Y, w-ctr.X, h-ctr.Y)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			if image.Pt(x, y).In(inner) {
				for v := 0; v < kh; v++ {
					row := (y-v+ctr.Y)*w + x + ctr.X
					krow := v * kw
					for u := 0; u < kw; u++ {
						sum += k.Pix[krow+u] * src.Pix[row-u]
					}
				}
			} else {
				for v := 0; v < kh; v++ {
					yy := reflectIndex(y-v+ctr.Y, h)
					for u := 0; u < kw; u++ {
						xx := reflectIndex(x-u+ctr.X, w)
						sum += k.Pix[v*kw+u] * src.Pix[yy*w+xx]
					}
				}
			}
			out.Pix[y*w+x] = sum
		}
	}
	return out, nil
}
