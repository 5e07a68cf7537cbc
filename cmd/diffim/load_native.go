//go:build !purego && !js

package main

import (
	"fmt"

	"gocv.io/x/gocv"

	"diffim/pkg/diffim"
)

func loadNonFitsImage(path string) (*diffim.Image[float32], error) {
	src := gocv.IMRead(path, gocv.IMReadUnchanged)
	if src.Empty() {
		return nil, fmt.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	// Reduce colour images to luminance.
	gray := src
	switch src.Channels() {
	case 3:
		gray = gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	case 4:
		gray = gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
	}

	// Widen to 16 bits so every depth shares one scaling path.
	wide := gocv.NewMat()
	defer wide.Close()
	if gray.Type() == gocv.MatTypeCV8UC1 {
		gray.ConvertToWithParams(&wide, gocv.MatTypeCV16UC1, 257, 0)
	} else {
		gray.ConvertTo(&wide, gocv.MatTypeCV16UC1)
	}

	w, h := wide.Cols(), wide.Rows()
	data, err := wide.DataPtrUint16()
	if err != nil {
		return nil, fmt.Errorf("reading pixels of %s: %w", path, err)
	}
	pixels := make([]uint16, w*h)
	copy(pixels, data)
	return diffim.NewImageFromUint16[float32](pixels, 16, w, h)
}
