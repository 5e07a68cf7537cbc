//go:build js && wasm

package main

import (
	"bytes"
	"context"
	"image"
	"math"
	"sort"
	"syscall/js"

	"diffim/pkg/diffim"
)

var (
	lastKernel diffim.Kernel
	lastBounds image.Rectangle
)

func main() {
	js.Global().Set("subtractFITS", js.FuncOf(subtractFITS))
	js.Global().Set("renderKernel", js.FuncOf(renderKernel))
	select {} // block forever
}

func copyBytes(v js.Value) []byte {
	b := make([]byte, v.Get("length").Int())
	js.CopyBytesToGo(b, v)
	return b
}

func intOption(opts js.Value, key string, def int) int {
	if opts.Type() != js.TypeObject {
		return def
	}
	if v := opts.Get(key); v.Type() == js.TypeNumber {
		return v.Int()
	}
	return def
}

// subtractFITS(templateBytes, scienceBytes, {kernelSize, stampSize, grid})
// matches the template to the science image and returns residual statistics.
func subtractFITS(this js.Value, args []js.Value) interface{} {
	if len(args) < 2 {
		return errorResult("usage: subtractFITS(templateBytes, scienceBytes, options)")
	}
	var opts js.Value
	if len(args) >= 3 {
		opts = args[2]
	}
	kernelSize := intOption(opts, "kernelSize", 7)
	stampSize := intOption(opts, "stampSize", 31)
	grid := intOption(opts, "grid", 3)

	tmpl, err := diffim.ReadFitsFromBytes(copyBytes(args[0]))
	if err != nil {
		return errorResult("template FITS parse error: " + err.Error())
	}
	sci, err := diffim.ReadFitsFromBytes(copyBytes(args[1]))
	if err != nil {
		return errorResult("science FITS parse error: " + err.Error())
	}
	if tmpl.Image.Bounds() != sci.Image.Bounds() {
		return errorResult("template and science sizes differ")
	}

	cfg := diffim.DefaultConfig()
	cfg.KernelBasisSet = diffim.BasisDeltaFunction
	basis, err := diffim.DeltaFunctionBasis(kernelSize, kernelSize)
	if err != nil {
		return errorResult(err.Error())
	}
	fitter, err := diffim.NewFitter(cfg, basis)
	if err != nil {
		return errorResult(err.Error())
	}

	gain, _ := sci.Metadata.Gain()
	variance := diffim.EstimateVariance(sci.Image, gain)
	mask := diffim.NewMask(sci.Image.Width, sci.Image.Height)
	mask.X0, mask.Y0 = sci.Image.X0, sci.Image.Y0
	cands := diffim.GridCandidates(sci.Image.Bounds(), grid, stampSize)

	fits, err := diffim.FitCandidates(context.Background(), fitter, tmpl.Image, sci.Image, variance, mask, nil, cands, 0)
	if err != nil {
		return errorResult("fit error: " + err.Error())
	}
	spatial, err := diffim.BuildSpatialModel(fitter, fits, mask)
	if err != nil {
		return errorResult("spatial model error: " + err.Error())
	}
	kernel, bg, _ := spatial.SolutionPair()
	kSum, _ := spatial.KernelSum()
	diff, err := diffim.Difference(tmpl.Image, sci.Image, kernel, bg)
	if err != nil {
		return errorResult("difference error: " + err.Error())
	}
	lastKernel = kernel
	lastBounds = sci.Image.Bounds()

	noiseEst := diffim.KappaSigmaNoiseEstimate(diff, 4.0, 0.00001, 5)
	summary := diffim.Summarize(fits)

	jsStamps := make([]interface{}, len(fits))
	kSums := make([]float64, 0, len(fits))
	for i, cf := range fits {
		stamp := map[string]interface{}{
			"x": cf.Candidate.Center.X,
			"y": cf.Candidate.Center.Y,
		}
		if cf.Err != nil {
			stamp["error"] = cf.Err.Error()
		} else {
			s, _ := cf.Fit.KernelSum()
			b, _ := cf.Fit.Background()
			stamp["kernelSum"] = s
			stamp["background"] = b
			stamp["solvedBy"] = cf.Fit.SolvedBy().String()
			kSums = append(kSums, s)
		}
		jsStamps[i] = stamp
	}
	medianKSum, _, stddevKSum := computeStats(kSums)

	return js.ValueOf(map[string]interface{}{
		"width":          sci.Image.Width,
		"height":         sci.Image.Height,
		"kernelSum":      kSum,
		"medianStampSum": medianKSum,
		"stddevStampSum": stddevKSum,
		"stampsSolved":   summary.Solved,
		"stampsFailed":   summary.Failed,
		"spatialSolver":  spatial.SolvedBy().String(),
		"residualMean":   noiseEst.BackgroundMean,
		"residualStddev": noiseEst.Sigma,
		"stamps":         jsStamps,
	})
}

func renderKernel(this js.Value, args []js.Value) interface{} {
	if lastKernel == nil {
		return js.Null()
	}
	var buf bytes.Buffer
	if err := diffim.EncodeKernelMosaic(&buf, lastKernel, lastBounds, diffim.DefaultMosaicOptions()); err != nil {
		return js.Null()
	}

	// Create Uint8Array and copy bytes
	uint8Array := js.Global().Get("Uint8Array").New(buf.Len())
	js.CopyBytesToJS(uint8Array, buf.Bytes())
	return uint8Array
}

func errorResult(msg string) interface{} {
	return js.ValueOf(map[string]interface{}{
		"error": msg,
	})
}

func computeStats(values []float64) (median, mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2.0
	} else {
		median = sorted[n/2]
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)

	sse := 0.0
	for _, v := range values {
		d := v - mean
		sse += d * d
	}
	if n > 1 {
		stddev = math.Sqrt(sse / float64(n-1))
	}
	return
}
