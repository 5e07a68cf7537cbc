/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package diffim

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// KappaSigmaResult holds noise estimation results.
type KappaSigmaResult struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

// KappaSigmaNoiseEstimate performs iterative kappa-sigma noise estimation:
// pixels brighter than mean + clippingMultiplier*sigma are dropped until sigma
// changes by no more than allowedError. Non-finite pixels are ignored.
func KappaSigmaNoiseEstimate[T Pixel](img *Image[T], clippingMultiplier float64, allowedError float64, maxIterations int) KappaSigmaResult {
	values := make([]float64, len(img.Pix))
	finite := make([]bool, len(img.Pix))
	for i, p := range img.Pix {
		v := float64(p)
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			values[i], finite[i] = v, true
		}
	}
	weights := make([]float64, len(values))

	threshold := math.Inf(1)
	lastSigma := 1.0
	lastBackgroundMean := 1.0
	numIterations := 0

	for numIterations < maxIterations {
		meanVal, sigmaVal := meanStdDevBelow(values, finite, weights, threshold)

		numIterations++
		if numIterations > 1 {
			if math.Abs(sigmaVal-lastSigma) <= allowedError {
				lastSigma = sigmaVal
				break
			}
		}
		threshold = meanVal + clippingMultiplier*sigmaVal
		lastSigma = sigmaVal
		lastBackgroundMean = meanVal
	}

	return KappaSigmaResult{
		Sigma:          lastSigma,
		BackgroundMean: lastBackgroundMean,
		NumIterations:  numIterations,
	}
}

// meanStdDevBelow computes the mean and sample stddev of finite values below
// threshold. weights is scratch space of len(values).
func meanStdDevBelow(values []float64, finite []bool, weights []float64, threshold float64) (float64, float64) {
	count := 0
	for i, v := range values {
		weights[i] = 0
		if finite[i] && v < threshold {
			weights[i] = 1
			count++
		}
	}
	switch count {
	case 0:
		return 0, 0
	case 1:
		return stat.Mean(values, weights), 0
	}
	return stat.MeanStdDev(values, weights)
}

// EstimateVariance builds a variance plane for img from its background noise
// and, when gain > 0, the Poisson term of the background-subtracted signal.
func EstimateVariance[T Pixel](img *Image[T], gain float64) *Image[T] {
	noise := KappaSigmaNoiseEstimate(img, 3, 1e-6, 20)
	sky := noise.Sigma * noise.Sigma
	if !(sky > 0) {
		sky = 1
	}
	out := &Image[T]{Pix: make([]T, len(img.Pix)), Width: img.Width, Height: img.Height, X0: img.X0, Y0: img.Y0}
	for i, p := range img.Pix {
		v := sky
		if gain > 0 {
			if signal := float64(p) - noise.BackgroundMean; signal > 0 {
				v += signal / gain
			}
		}
		out.Pix[i] = T(v)
	}
	return out
}
