package doublyrobust

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Measure is the scale on which the causal effect is reported.
type Measure int

// RiskDifference, etc. are the supported effect measures.
const (
	RiskDifference Measure = iota
	RiskRatio
	OddsRatio
)

// String returns the snake-case name of the measure.
func (m Measure) String() string {
	switch m {
	case RiskDifference:
		return "risk_difference"
	case RiskRatio:
		return "risk_ratio"
	case OddsRatio:
		return "odds_ratio"
	default:
		return fmt.Sprintf("Measure(%d)", int(m))
	}
}

func (m Measure) valid() bool {
	return m == RiskDifference || m == RiskRatio || m == OddsRatio
}

// ParseMeasure converts a measure name into a Measure.  Both the
// snake-case names and the abbreviations RD, RR and OR are accepted,
// ignoring case.
func ParseMeasure(s string) (Measure, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "risk_difference", "rd":
		return RiskDifference, nil
	case "risk_ratio", "rr":
		return RiskRatio, nil
	case "odds_ratio", "or":
		return OddsRatio, nil
	default:
		return 0, fmt.Errorf("%w: '%s'", ErrInvalidMeasure, s)
	}
}

// Estimate is a point estimate of a causal effect together with its
// Wald confidence interval.
type Estimate struct {
	Measure Measure

	Point float64

	// Standard error from the influence curve.  For ratio measures this
	// is the standard error of the log of the point estimate.
	StdErr float64

	// Confidence limits, on the natural scale of the measure
	Lower float64
	Upper float64

	// The interval has coverage 1 - Alpha
	Alpha float64
}

// String formats the estimate with its confidence interval.
func (e *Estimate) String() string {
	return fmt.Sprintf("%s: %.6f (%.0f%% CI: %.6f, %.6f)",
		e.Measure, e.Point, 100*(1-e.Alpha), e.Lower, e.Upper)
}

// arms holds the quantities entering the influence curve of the
// marginal risks.  For TMLE the outcome predictions are the targeted
// ones.
type arms struct {
	a, y   []float64
	g1, g0 []float64
	qa     []float64
	q1, q0 []float64
	r1, r0 float64
}

// influence returns the per-observation influence curves of the two
// marginal risks.
func (ar *arms) influence() (d1, d0 []float64) {

	n := len(ar.y)
	d1 = make([]float64, n)
	d0 = make([]float64, n)
	for i := 0; i < n; i++ {
		res := ar.y[i] - ar.qa[i]
		d1[i] = ar.a[i]/ar.g1[i]*res + ar.q1[i] - ar.r1
		d0[i] = (1-ar.a[i])/ar.g0[i]*res + ar.q0[i] - ar.r0
	}

	return d1, d0
}

// effect returns the point estimate and the influence curve of the
// effect on the given scale.  For ratio measures the influence curve is
// that of the log of the point estimate.
func (ar *arms) effect(m Measure) (float64, []float64) {

	d1, d0 := ar.influence()
	ic := make([]float64, len(d1))
	r1, r0 := ar.r1, ar.r0

	var psi float64
	switch m {
	case RiskDifference:
		psi = r1 - r0
		for i := range ic {
			ic[i] = d1[i] - d0[i]
		}
	case RiskRatio:
		psi = r1 / r0
		for i := range ic {
			ic[i] = d1[i]/r1 - d0[i]/r0
		}
	case OddsRatio:
		psi = (r1 / (1 - r1)) / (r0 / (1 - r0))
		for i := range ic {
			ic[i] = d1[i]/(r1*(1-r1)) - d0[i]/(r0*(1-r0))
		}
	}

	return psi, ic
}

// wald forms the confidence interval for psi given its influence curve.
// The variance is the sample variance of the influence curve divided
// by the sample size.
func wald(m Measure, psi float64, ic []float64, alpha float64) *Estimate {

	n := float64(len(ic))
	se := math.Sqrt(stat.Variance(ic, nil) / n)
	z := distuv.UnitNormal.Quantile(1 - alpha/2)

	e := &Estimate{
		Measure: m,
		Point:   psi,
		StdErr:  se,
		Alpha:   alpha,
	}

	if m == RiskDifference {
		e.Lower = psi - z*se
		e.Upper = psi + z*se
	} else {
		lp := math.Log(psi)
		e.Lower = math.Exp(lp - z*se)
		e.Upper = math.Exp(lp + z*se)
	}

	return e
}
