package nuisance

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidBound is returned when a truncation bound is outside [0, 1]
// or its lower limit exceeds its upper limit.
var ErrInvalidBound = errors.New("nuisance: invalid probability bound")

// Bound truncates predicted probabilities to [Lower, Upper].
type Bound struct {
	Lower float64
	Upper float64
}

// NoBound returns the bound [0, 1], which leaves probabilities unchanged.
func NoBound() Bound {
	return Bound{Lower: 0, Upper: 1}
}

// SymmetricBound returns the bound [b, 1-b].
func SymmetricBound(b float64) (Bound, error) {
	return AsymmetricBound(b, 1-b)
}

// AsymmetricBound returns the bound [lower, upper].
func AsymmetricBound(lower, upper float64) (Bound, error) {

	if math.IsNaN(lower) || math.IsNaN(upper) || lower < 0 || upper > 1 {
		return Bound{}, fmt.Errorf("%w: [%v, %v] is not within [0, 1]", ErrInvalidBound, lower, upper)
	}
	if lower > upper {
		return Bound{}, fmt.Errorf("%w: lower limit %v exceeds upper limit %v", ErrInvalidBound, lower, upper)
	}

	return Bound{Lower: lower, Upper: upper}, nil
}

// ParseBound converts zero values (no bound), one value (symmetric
// bound) or two values (asymmetric bound) into a Bound.
func ParseBound(v []float64) (Bound, error) {
	switch len(v) {
	case 0:
		return NoBound(), nil
	case 1:
		return SymmetricBound(v[0])
	case 2:
		return AsymmetricBound(v[0], v[1])
	default:
		return Bound{}, fmt.Errorf("%w: expected at most two values, got %d", ErrInvalidBound, len(v))
	}
}

// IsTrivial returns true if the bound does not alter any probability.
func (b Bound) IsTrivial() bool {
	return b.Lower <= 0 && b.Upper >= 1
}

// Apply returns a copy of p with every value truncated to the bound.
// Missing values are left missing.
func (b Bound) Apply(p []float64) []float64 {
	q := make([]float64, len(p))
	for i, v := range p {
		switch {
		case v < b.Lower:
			q[i] = b.Lower
		case v > b.Upper:
			q[i] = b.Upper
		default:
			q[i] = v
		}
	}
	return q
}

// String returns the bound in interval notation.
func (b Bound) String() string {
	return fmt.Sprintf("[%g, %g]", b.Lower, b.Upper)
}
