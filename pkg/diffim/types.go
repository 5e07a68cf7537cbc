/*
Extracted from HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package diffim

import (
	"fmt"
	"image"
)

// Point2d represents a 2D point with float64 coordinates.
type Point2d struct {
	X, Y float64
}

// Candidate is a stamp around a source whose pixels constrain the kernel.
type Candidate struct {
	ID     int
	Center Point2d
	// Box is the stamp in parent coordinates.
	Box image.Rectangle
}

func (c Candidate) String() string {
	return fmt.Sprintf("{ID=%d, Center=(%f,%f), Box=%v}", c.ID, c.Center.X, c.Center.Y, c.Box)
}

// NewCandidate returns a size x size stamp centred on (x, y).
func NewCandidate(id int, x, y float64, size int) Candidate {
	x0 := int(x) - size/2
	y0 := int(y) - size/2
	return Candidate{
		ID:     id,
		Center: Point2d{X: x, Y: y},
		Box:    image.Rect(x0, y0, x0+size, y0+size),
	}
}

// CandidateFit is the outcome of fitting one candidate.
type CandidateFit[T Pixel] struct {
	Candidate Candidate
	Fit       *RegionFit[T]
	Err       error
}

// FitSummary counts candidate outcomes.
type FitSummary struct {
	Candidates int
	Solved     int
	Failed     int
	BySolver   map[SolvedBy]int
}

func (s FitSummary) String() string {
	return fmt.Sprintf("{Candidates=%d, Solved=%d, Failed=%d, BySolver=%v}", s.Candidates, s.Solved, s.Failed, s.BySolver)
}

// Summarize tallies a batch of candidate fits.
func Summarize[T Pixel](fits []CandidateFit[T]) FitSummary {
	s := FitSummary{Candidates: len(fits), BySolver: make(map[SolvedBy]int)}
	for _, cf := range fits {
		if cf.Err != nil || cf.Fit == nil {
			s.Failed++
			continue
		}
		s.Solved++
		s.BySolver[cf.Fit.SolvedBy()]++
	}
	return s
}
