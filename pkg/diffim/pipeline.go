package diffim

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// GridCandidates places n x n stamps of the given size evenly over bounds.
func GridCandidates(bounds image.Rectangle, n, stampSize int) []Candidate {
	if n <= 0 || stampSize <= 0 {
		return nil
	}
	cands := make([]Candidate, 0, n*n)
	stepX := float64(bounds.Dx()) / float64(n)
	stepY := float64(bounds.Dy()) / float64(n)
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			x := float64(bounds.Min.X) + (float64(i)+0.5)*stepX
			y := float64(bounds.Min.Y) + (float64(j)+0.5)*stepY
			c := NewCandidate(len(cands), x, y, stampSize)
			if c.Box.In(bounds) {
				cands = append(cands, c)
			}
		}
	}
	return cands
}

// SelectCandidates keeps the candidates whose stamps have none of reject set in
// mask and flags their pixels as stamp candidates.
func SelectCandidates(cands []Candidate, mask *Mask, reject MaskPixel) []Candidate {
	var kept []Candidate
	for _, c := range cands {
		if mask.OrBits(c.Box)&reject != 0 {
			continue
		}
		mask.SetBits(c.Box, MaskStampCandidate)
		kept = append(kept, c)
	}
	return kept
}

// FitCandidates fits every candidate stamp on its own goroutine, at most
// workers at a time. A candidate that fails to fit records its error and does
// not stop the others. The returned error is only set when ctx ends first.
//
// mask may be nil; when set, masked pixels are left out. When h is non-nil the
// fits are regularized with it.
func FitCandidates[T Pixel](ctx context.Context, f *Fitter, template, science, variance *Image[T], mask *Mask,
	h *mat.SymDense, cands []Candidate, workers int) ([]CandidateFit[T], error) {
	results := make([]CandidateFit[T], len(cands))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, c := range cands {
		i, c := i, c
		results[i].Candidate = c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i].Fit, results[i].Err = fitCandidate(f, template, science, variance, mask, h, c)
			if results[i].Err != nil {
				f.Log.V(logFallback).Info("Candidate rejected", "candidate", c.ID, "reason", results[i].Err.Error())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("fitting candidates: %w", err)
	}
	return results, nil
}

func fitCandidate[T Pixel](f *Fitter, template, science, variance *Image[T], mask *Mask,
	h *mat.SymDense, c Candidate) (*RegionFit[T], error) {
	tmpl, err := template.SubImage(c.Box)
	if err != nil {
		return nil, err
	}
	sci, err := science.SubImage(c.Box)
	if err != nil {
		return nil, err
	}
	vari, err := variance.SubImage(c.Box)
	if err != nil {
		return nil, err
	}

	var fit *RegionFit[T]
	if h != nil {
		if fit, err = NewRegularizedRegionFit[T](f, h); err != nil {
			return nil, err
		}
	} else {
		fit = NewRegionFit[T](f)
	}
	if mask != nil {
		sub, err := mask.SubMask(c.Box)
		if err != nil {
			return nil, err
		}
		if err := fit.BuildMasked(tmpl, sci, vari, sub); err != nil {
			return nil, err
		}
	} else if err := fit.Build(tmpl, sci, vari); err != nil {
		return nil, err
	}
	if err := fit.Solve(); err != nil {
		return nil, err
	}
	return fit, nil
}

// BuildSpatialModel adds every solved candidate to a new SpatialFit at its
// centre and solves it. The unregularized M of each region is used. When mask
// is non-nil the stamps that contributed are flagged as used.
func BuildSpatialModel[T Pixel](f *Fitter, fits []CandidateFit[T], mask *Mask) (*SpatialFit, error) {
	spatial, err := NewSpatialFit(f)
	if err != nil {
		return nil, err
	}
	for _, cf := range fits {
		if cf.Err != nil || cf.Fit == nil {
			continue
		}
		sys := cf.Fit.System()
		if err := spatial.AddConstraint(cf.Candidate.Center.X, cf.Candidate.Center.Y, sys.M, sys.B); err != nil {
			return nil, fmt.Errorf("candidate %d: %w", cf.Candidate.ID, err)
		}
		if mask != nil {
			mask.SetBits(cf.Candidate.Box, MaskStampUsed)
		}
	}
	if spatial.NumConstraints() == 0 {
		return nil, fmt.Errorf("%w: no candidate produced a kernel", ErrUnsolvable)
	}
	if err := spatial.Solve(); err != nil {
		return nil, err
	}
	return spatial, nil
}

// Difference returns science − (template ⊗ kernel + background). Spatially
// varying kernels are applied by convolving with each basis kernel and
// weighting the results by their spatial functions at every pixel. background
// may be nil. Pixels closer to the edge than the kernel support use reflected
// template values.
func Difference[T Pixel](template, science *Image[T], kernel Kernel, background *Polynomial2) (*Image[T], error) {
	if !sameShape(template, science) {
		return nil, fmt.Errorf("%w: template %dx%d, science %dx%d", ErrDimensionMismatch,
			template.Width, template.Height, science.Width, science.Height)
	}
	tmpl := template.Float64()
	model := NewImage[float64](template.Width, template.Height)

	switch k := kernel.(type) {
	case *SpatialKernel:
		terms := make([]float64, len(k.Funcs[0].Params))
		for b, basis := range k.Basis {
			conv, err := convolvePlane(tmpl, basis.Pix, basis.Center())
			if err != nil {
				return nil, fmt.Errorf("convolving basis kernel %d: %w", b, err)
			}
			fn := k.Funcs[b]
			for y := 0; y < model.Height; y++ {
				for x := 0; x < model.Width; x++ {
					fn.termsInto(terms, float64(x+template.X0), float64(y+template.Y0))
					var w float64
					for t, v := range terms {
						w += fn.Params[t] * v
					}
					model.Pix[y*model.Width+x] += w * conv.Pix[y*model.Width+x]
				}
			}
		}
	default:
		img, _ := kernel.ComputeImage(0, 0)
		conv, err := convolvePlane(tmpl, img, kernel.Center())
		if err != nil {
			return nil, err
		}
		model = conv
	}

	out := &Image[T]{Pix: make([]T, len(science.Pix)), Width: science.Width, Height: science.Height, X0: science.X0, Y0: science.Y0}
	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			i := y*out.Width + x
			v := float64(science.Pix[i]) - model.Pix[i]
			if background != nil {
				v -= background.Eval(float64(x+science.X0), float64(y+science.Y0))
			}
			out.Pix[i] = T(v)
		}
	}
	return out, nil
}
