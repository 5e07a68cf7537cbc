package diffim

import "fmt"

// Polynomial2 is a 2-D polynomial of total degree Order. Parameters are ordered
// by degree, and within a degree by falling power of x:
// 1, x, y, x², xy, y², x³, x²y, xy², y³, ...
type Polynomial2 struct {
	Order  int
	Params []float64
}

// NumPolynomialParams returns the number of terms of a Polynomial2 of the given order.
func NumPolynomialParams(order int) int {
	return (order + 1) * (order + 2) / 2
}

// NewPolynomial2 returns a zero polynomial of the given order.
func NewPolynomial2(order int) (*Polynomial2, error) {
	if order < 0 {
		return nil, fmt.Errorf("polynomial order must be >= 0, got %d", order)
	}
	return &Polynomial2{Order: order, Params: make([]float64, NumPolynomialParams(order))}, nil
}

// SetParams replaces the coefficients.
func (p *Polynomial2) SetParams(params []float64) error {
	if len(params) != len(p.Params) {
		return fmt.Errorf("%w: %d parameters for order %d polynomial", ErrMatrixSizeMismatch, len(params), p.Order)
	}
	copy(p.Params, params)
	return nil
}

// Terms returns the value of every basis monomial at (x, y), in parameter order.
func (p *Polynomial2) Terms(x, y float64) []float64 {
	return p.termsInto(make([]float64, len(p.Params)), x, y)
}

func (p *Polynomial2) termsInto(dst []float64, x, y float64) []float64 {
	i := 0
	for d := 0; d <= p.Order; d++ {
		for j := 0; j <= d; j++ {
			dst[i] = ipow(x, d-j) * ipow(y, j)
			i++
		}
	}
	return dst
}

func ipow(v float64, n int) float64 {
	r := 1.0
	for ; n > 0; n-- {
		r *= v
	}
	return r
}

// Eval evaluates the polynomial at (x, y).
func (p *Polynomial2) Eval(x, y float64) float64 {
	var v float64
	for i, t := range p.Terms(x, y) {
		v += p.Params[i] * t
	}
	return v
}
