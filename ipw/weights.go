package ipw

import (
	"fmt"
	"math"
	"strings"

	"github.com/gitter-badger/zEpid/statmodel"
)

// Standardize is the population to which the weights standardize.
type Standardize int

// Population, etc. are the supported standardization targets.
// Standardizing to the exposed or unexposed gives SMR weights.
const (
	Population Standardize = iota
	Exposed
	Unexposed
)

// String returns the name of the standardization target.
func (s Standardize) String() string {
	switch s {
	case Population:
		return "population"
	case Exposed:
		return "exposed"
	case Unexposed:
		return "unexposed"
	default:
		return fmt.Sprintf("Standardize(%d)", int(s))
	}
}

func (s Standardize) valid() bool {
	return s == Population || s == Exposed || s == Unexposed
}

// ParseStandardize converts "population", "exposed" or "unexposed" into
// a Standardize value.
func ParseStandardize(s string) (Standardize, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "population":
		return Population, nil
	case "exposed":
		return Exposed, nil
	case "unexposed":
		return Unexposed, nil
	default:
		return 0, fmt.Errorf("%w: '%s'", ErrInvalidStandardize, s)
	}
}

// CalculateWeights returns the inverse probability of treatment weight
// for each row, given the exposure a, the probability of exposure
// conditional on the confounders (denom) and the stabilizing
// probability of exposure (numer).  The numerator is ignored for
// unstabilized weights and may be nil.  Rows with a missing exposure
// receive a missing weight.
//
// With d = denom and n = numer the weights for exposed (A=1) and
// unexposed (A=0) rows are:
//
//	standardize  stabilized                      unstabilized
//	             A=1              A=0            A=1        A=0
//	population   n/d              (1-n)/(1-d)    1/d        1/(1-d)
//	exposed      1                d(1-n)/((1-d)n) 1         d/(1-d)
//	unexposed    (1-d)n/(d(1-n))  1              (1-d)/d    1
func CalculateWeights(a, denom, numer []float64, stabilized bool, std Standardize) ([]float64, error) {

	if !std.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStandardize, std)
	}
	if len(denom) != len(a) {
		return nil, fmt.Errorf("%w: %d exposures but %d denominator probabilities",
			statmodel.ErrLengthMismatch, len(a), len(denom))
	}
	if stabilized && len(numer) != len(a) {
		return nil, fmt.Errorf("%w: %d exposures but %d numerator probabilities",
			statmodel.ErrLengthMismatch, len(a), len(numer))
	}

	w := make([]float64, len(a))
	for i, ai := range a {

		if math.IsNaN(ai) {
			w[i] = math.NaN()
			continue
		}

		d := denom[i]
		exposed := ai == 1

		if stabilized {
			n := numer[i]
			switch {
			case std == Population && exposed:
				w[i] = n / d
			case std == Population:
				w[i] = (1 - n) / (1 - d)
			case std == Exposed && exposed:
				w[i] = 1
			case std == Exposed:
				w[i] = (d / (1 - d)) * ((1 - n) / n)
			case exposed:
				w[i] = ((1 - d) / d) * (n / (1 - n))
			default:
				w[i] = 1
			}
			continue
		}

		switch {
		case std == Population && exposed:
			w[i] = 1 / d
		case std == Population:
			w[i] = 1 / (1 - d)
		case std == Exposed && exposed:
			w[i] = 1
		case std == Exposed:
			w[i] = d / (1 - d)
		case exposed:
			w[i] = (1 - d) / d
		default:
			w[i] = 1
		}
	}

	return w, nil
}
