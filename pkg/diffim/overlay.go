package diffim

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// MosaicOptions controls the kernel mosaic rendering.
type MosaicOptions struct {
	// Grid is the number of sample positions along each axis.
	Grid int
	// CellScale is the number of output pixels per kernel pixel.
	CellScale int
}

// DefaultMosaicOptions returns a 3x3 grid at 8x magnification.
func DefaultMosaicOptions() MosaicOptions {
	return MosaicOptions{Grid: 3, CellScale: 8}
}

// RenderKernelMosaic writes a PNG showing the kernel sampled on a grid of
// positions across bounds, each cell labelled with its kernel sum.
func RenderKernelMosaic(k Kernel, bounds image.Rectangle, opts MosaicOptions, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create mosaic file: %w", err)
	}
	defer f.Close()
	return EncodeKernelMosaic(f, k, bounds, opts)
}

// EncodeKernelMosaic renders the kernel mosaic as PNG into w.
func EncodeKernelMosaic(w io.Writer, k Kernel, bounds image.Rectangle, opts MosaicOptions) error {
	img, err := renderKernelMosaic(k, bounds, opts)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

type mosaicCell struct {
	pix  *Image[float64]
	sum  float64
	x, y float64
}

func renderKernelMosaic(k Kernel, bounds image.Rectangle, opts MosaicOptions) (*image.RGBA, error) {
	if k == nil {
		return nil, fmt.Errorf("no kernel to render")
	}
	if opts.Grid < 1 || opts.CellScale < 1 {
		return nil, fmt.Errorf("invalid mosaic options: grid=%d, scale=%d", opts.Grid, opts.CellScale)
	}
	n := opts.Grid
	if !k.IsSpatiallyVarying() {
		n = 1
	}

	cells := make([]mosaicCell, 0, n*n)
	lo, hi := math.Inf(1), math.Inf(-1)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			x := float64(bounds.Min.X) + (float64(i)+0.5)*float64(bounds.Dx())/float64(n)
			y := float64(bounds.Min.Y) + (float64(j)+0.5)*float64(bounds.Dy())/float64(n)
			pix, sum := k.ComputeImage(x, y)
			for _, v := range pix.Pix {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
			cells = append(cells, mosaicCell{pix: pix, sum: sum, x: x, y: y})
		}
	}
	if hi <= lo {
		hi = lo + 1
	}

	dims := k.Dimensions()
	const margin = 6
	const labelH = 30
	const summaryH = 24
	cellW := dims.X * opts.CellScale
	cellH := dims.Y * opts.CellScale
	if cellW < 120 {
		cellW = 120
	}
	stepX := cellW + margin
	stepY := cellH + labelH + margin
	imgW := n*stepX + margin
	imgH := n*stepY + margin + summaryH

	img := image.NewRGBA(image.Rect(0, 0, imgW, imgH))
	for y := 0; y < imgH; y++ {
		for x := 0; x < imgW; x++ {
			img.Set(x, y, color.RGBA{0, 0, 0, 255})
		}
	}

	face := basicfont.Face7x13
	textColor := color.RGBA{255, 255, 255, 255}
	for idx, c := range cells {
		// Rows are drawn bottom-up so that +y points up as on the sky.
		col, row := idx%n, n-1-idx/n
		x0 := margin + col*stepX
		y0 := margin + row*stepY
		for ky := 0; ky < dims.Y; ky++ {
			for kx := 0; kx < dims.X; kx++ {
				v := (c.pix.At(kx, dims.Y-1-ky) - lo) / (hi - lo)
				g := uint8(math.Round(255 * v))
				fillRect(img, x0+kx*opts.CellScale, y0+ky*opts.CellScale, opts.CellScale, opts.CellScale, color.RGBA{g, g, g, 255})
			}
		}
		drawRectOutline(img, x0-1, y0-1, dims.X*opts.CellScale+2, cellH+2, color.RGBA{80, 160, 255, 255})
		cx := x0 + cellW/2
		drawCenteredText(img, face, fmt.Sprintf("(%.0f,%.0f)", c.x, c.y), cx, y0+cellH+13, textColor)
		drawCenteredText(img, face, fmt.Sprintf("sum=%.4f", c.sum), cx, y0+cellH+26, textColor)
	}

	kind := "constant"
	if k.IsSpatiallyVarying() {
		kind = "spatially varying"
	}
	summary := fmt.Sprintf("%dx%d kernel, %s, range [%.3g, %.3g]", dims.X, dims.Y, kind, lo, hi)
	drawText(img, face, summary, margin, imgH-8, color.RGBA{220, 220, 220, 255})

	return img, nil
}

func fillRect(img *image.RGBA, x0, y0, w, h int, c color.RGBA) {
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			img.Set(x, y, c)
		}
	}
}

func drawRectOutline(img *image.RGBA, x0, y0, w, h int, c color.RGBA) {
	for x := x0; x < x0+w; x++ {
		img.Set(x, y0, c)
		img.Set(x, y0+h-1, c)
	}
	for y := y0; y < y0+h; y++ {
		img.Set(x0, y, c)
		img.Set(x0+w-1, y, c)
	}
}

// drawText draws a string at (x, y) using the given font face.
func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// drawCenteredText draws a string centered at (cx, cy).
func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	x := cx - advance.Round()/2
	drawText(img, face, s, x, cy, c)
}
