package ipw

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/formula"
	"github.com/gitter-badger/zEpid/statmodel"
)

// VarType classifies a term of the denominator model for computing its
// standardized mean difference.
type VarType int

// Binary, etc. are the term types.
const (
	Binary VarType = iota
	Continuous
	Categorical
)

// String returns the name of the variable type.
func (v VarType) String() string {
	switch v {
	case Binary:
		return "binary"
	case Continuous:
		return "continuous"
	case Categorical:
		return "categorical"
	default:
		return fmt.Sprintf("VarType(%d)", int(v))
	}
}

// SMD is the standardized mean difference of one term of the
// denominator model between the treated and untreated, with and without
// weighting.
type SMD struct {
	Label      string
	Type       VarType
	Weighted   float64
	Unweighted float64
}

// StandardizedMeanDifferences returns the standardized mean difference
// of every term of the denominator model.  A term coded by several
// columns is categorical, a single column taking only the values 0 and
// 1 is binary, and any other term is continuous.  Rows with a missing
// weight are excluded.
func (ip *IPTW) StandardizedMeanDifferences() ([]SMD, error) {

	if ip.weights == nil {
		return nil, ErrNotFit
	}

	design, err := formula.New(ip.denomSpec+" - 1", ip.data).Done()
	if err != nil {
		return nil, err
	}

	a, _ := ip.data.Column(ip.treatment)
	w := ip.weights.Weight

	var treated, untreated []int
	for _, i := range design.CompleteRows() {
		if math.IsNaN(w[i]) {
			continue
		}
		switch a[i] {
		case 1:
			treated = append(treated, i)
		case 0:
			untreated = append(untreated, i)
		}
	}

	var smd []SMD
	for _, ts := range design.Terms {

		cols := design.Columns(ts)
		r := SMD{Label: ts.Name}

		switch {
		case len(cols) > 1:
			r.Type = Categorical
			if ts.Categorical && !ts.FullRank {
				cols = withReference(cols)
			}
			r.Weighted, err = categoricalSMD(cols, w, treated, untreated)
			if err != nil {
				return nil, fmt.Errorf("ipw: term '%s': %w", ts.Name, err)
			}
			r.Unweighted, err = categoricalSMD(cols, nil, treated, untreated)
			if err != nil {
				return nil, fmt.Errorf("ipw: term '%s': %w", ts.Name, err)
			}
			if math.IsNaN(r.Weighted) || math.IsNaN(r.Unweighted) {
				ip.log.Warn("singular level covariance, standardized difference is undefined", "term", ts.Name)
			}
		case isBinary(cols[0], treated, untreated):
			r.Type = Binary
			r.Weighted = binarySMD(cols[0], w, treated, untreated)
			r.Unweighted = binarySMD(cols[0], nil, treated, untreated)
		default:
			r.Type = Continuous
			r.Weighted = continuousSMD(cols[0], w, treated, untreated)
			r.Unweighted = continuousSMD(cols[0], nil, treated, untreated)
		}

		smd = append(smd, r)
	}

	return smd, nil
}

// withReference prepends the indicator of the reference level to the
// treatment-coded columns of a categorical term.
func withReference(cols [][]float64) [][]float64 {
	ref := make([]float64, len(cols[0]))
	for i := range ref {
		ref[i] = 1
		for _, c := range cols {
			ref[i] -= c[i]
		}
	}
	return append([][]float64{ref}, cols...)
}

func isBinary(x []float64, groups ...[]int) bool {
	for _, g := range groups {
		for _, i := range g {
			if x[i] != 0 && x[i] != 1 {
				return false
			}
		}
	}
	return true
}

// gather returns x and the weights (nil if w is nil) at the given rows.
func gather(x, w []float64, rows []int) ([]float64, []float64) {
	xs := make([]float64, len(rows))
	var ws []float64
	if w != nil {
		ws = make([]float64, len(rows))
	}
	for k, i := range rows {
		xs[k] = x[i]
		if w != nil {
			ws[k] = w[i]
		}
	}
	return xs, ws
}

func binarySMD(x, w []float64, treated, untreated []int) float64 {
	xt, wt := gather(x, w, treated)
	xn, wn := gather(x, w, untreated)
	pt := statmodel.WeightedMean(xt, wt)
	pn := statmodel.WeightedMean(xn, wn)
	return (pt - pn) / math.Sqrt((pt*(1-pt)+pn*(1-pn))/2)
}

func continuousSMD(x, w []float64, treated, untreated []int) float64 {
	xt, wt := gather(x, w, treated)
	xn, wn := gather(x, w, untreated)
	mt, st := statmodel.WeightedMeanStd(xt, wt)
	mn, sn := statmodel.WeightedMeanStd(xn, wn)
	return (mt - mn) / math.Sqrt((st*st+sn*sn)/2)
}

// categoricalSMD returns the multivariate standardized difference of
// the level proportions.  The first column is the reference level and
// is excluded from the difference and its covariance.  The result is
// NaN if the covariance is singular.
func categoricalSMD(cols [][]float64, w []float64, treated, untreated []int) (float64, error) {

	k := len(cols)
	pt := make([]float64, k)
	pn := make([]float64, k)
	for j, x := range cols {
		xt, wt := gather(x, w, treated)
		xn, wn := gather(x, w, untreated)
		pt[j] = statmodel.WeightedMean(xt, wt)
		pn[j] = statmodel.WeightedMean(xn, wn)
	}

	m := k - 1
	diff := mat.NewVecDense(m, nil)
	cov := mat.NewDense(m, m, nil)
	for i := 1; i < k; i++ {
		diff.SetVec(i-1, pt[i]-pn[i])
		for j := 1; j < k; j++ {
			if i == j {
				cov.Set(i-1, j-1, (pt[i]*(1-pt[i])+pn[i]*(1-pn[i]))/2)
			} else {
				cov.Set(i-1, j-1, -(pt[i]*pt[j]+pn[i]*pn[j])/2)
			}
		}
	}

	var inv mat.Dense
	if err := inv.Inverse(cov); err != nil {
		// An ill-conditioned inverse is still usable; an exactly
		// singular covariance, as when a level is absent from both
		// groups, leaves the distance undefined.
		var ce mat.Condition
		if !errors.As(err, &ce) {
			return math.NaN(), err
		}
		if math.IsInf(float64(ce), 1) {
			return math.NaN(), nil
		}
	}

	var sx mat.VecDense
	sx.MulVec(&inv, diff)

	return math.Sqrt(mat.Dot(diff, &sx)), nil
}

// Positivity summarizes the distribution of the fitted weights.  A mean
// far from 1, or extreme minimum or maximum weights, may indicate a
// misspecified model or a violation of positivity.
type Positivity struct {
	Mean float64

	// Population standard deviation
	SD float64

	Min float64
	Max float64

	Stabilized bool
}

// Positivity returns summary statistics of the non-missing weights.
// The diagnostic is intended for stabilized weights; a warning is
// logged otherwise.
func (ip *IPTW) Positivity() (*Positivity, error) {

	if ip.weights == nil {
		return nil, ErrNotFit
	}
	if !ip.stabilized {
		ip.log.Warn("positivity should only be assessed with stabilized weights")
	}

	var w stats.Float64Data
	for _, v := range ip.weights.Weight {
		if !math.IsNaN(v) {
			w = append(w, v)
		}
	}

	p := &Positivity{Stabilized: ip.stabilized}
	var err error
	if p.Mean, err = stats.Mean(w); err != nil {
		return nil, err
	}
	if p.SD, err = stats.StandardDeviationPopulation(w); err != nil {
		return nil, err
	}
	if p.Min, err = stats.Min(w); err != nil {
		return nil, err
	}
	if p.Max, err = stats.Max(w); err != nil {
		return nil, err
	}

	return p, nil
}

// String formats the summary with three decimals.
func (p *Positivity) String() string {
	return p.Format(3)
}

// Format formats the summary, rounding to the given number of decimals.
func (p *Positivity) Format(decimals int) string {

	round := func(x float64) string {
		r, err := stats.Round(x, decimals)
		if err != nil {
			r = x
		}
		return fmt.Sprintf("%.*f", decimals, r)
	}

	line := strings.Repeat("-", 70) + "\n"

	var b strings.Builder
	b.WriteString(line)
	b.WriteString("IPW Diagnostic for positivity\n")
	b.WriteString("If the mean of the weights is far from either the min or max, this may\n")
	b.WriteString("indicate the model is incorrect or positivity is violated\n")
	b.WriteString("Standard deviation can help in IPTW model selection\n")
	if !p.Stabilized {
		b.WriteString("Warning: positivity should only be assessed with stabilized weights\n")
	}
	b.WriteString(line)
	fmt.Fprintf(&b, "Mean weight:        %s\n", round(p.Mean))
	fmt.Fprintf(&b, "Standard Deviation: %s\n", round(p.SD))
	fmt.Fprintf(&b, "Minimum weight:     %s\n", round(p.Min))
	fmt.Fprintf(&b, "Maximum weight:     %s\n", round(p.Max))
	b.WriteString(line)

	return b.String()
}

// SMDTable formats standardized mean differences as a text table.
func SMDTable(smd []SMD) string {

	var labels, types []string
	var wt, uw []float64
	for _, s := range smd {
		labels = append(labels, s.Label)
		types = append(types, s.Type.String())
		wt = append(wt, s.Weighted)
		uw = append(uw, s.Unweighted)
	}

	fs, fn := statmodel.StringFmter, statmodel.FloatFmter
	tab := &statmodel.SummaryTable{
		Title:    "Standardized mean differences",
		ColNames: []string{"Term       ", "Type", "Weighted", "Unweighted"},
		ColFmt:   []statmodel.Fmter{fs, fs, fn, fn},
		Cols:     []interface{}{labels, types, wt, uw},
		Msg:      []string{"Absolute differences below 0.1 are commonly taken to indicate balance."},
	}

	return tab.String()
}
