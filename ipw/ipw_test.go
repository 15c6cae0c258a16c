package ipw

import (
	"bytes"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gitter-badger/zEpid/nuisance"
	"github.com/gitter-badger/zEpid/statmodel"
)

// testData returns 60 rows in which P(A=1 | L) is 1/3 for L=0 and 2/3
// for L=1.  X = 1 + 2L is a continuous copy of L and G cycles through
// three levels.
func testData(t *testing.T) *statmodel.Dataset {

	var a, l []float64
	add := func(lv, av float64, n int) {
		for i := 0; i < n; i++ {
			l = append(l, lv)
			a = append(a, av)
		}
	}
	add(0, 1, 10)
	add(0, 0, 20)
	add(1, 1, 20)
	add(1, 0, 10)

	x := make([]float64, len(l))
	g := make([]float64, len(l))
	for i := range l {
		x[i] = 1 + 2*l[i]
		g[i] = float64(i % 3)
	}

	ds, err := statmodel.NewDataset([][]float64{a, l, x, g}, []string{"A", "L", "X", "G"})
	require.NoError(t, err)
	return ds
}

func scalarClose(x, y, eps float64) bool {
	return math.Abs(x-y) <= eps
}

func TestCalculateWeights(t *testing.T) {

	nan := math.NaN()
	a := []float64{1, 0, nan}
	d := []float64{0.25, 0.25, 0.25}
	n := []float64{0.5, 0.5, 0.5}

	for _, tc := range []struct {
		stabilized bool
		std        Standardize
		want       []float64
	}{
		{true, Population, []float64{2, 2.0 / 3}},
		{true, Exposed, []float64{1, 1.0 / 3}},
		{true, Unexposed, []float64{3, 1}},
		{false, Population, []float64{4, 4.0 / 3}},
		{false, Exposed, []float64{1, 1.0 / 3}},
		{false, Unexposed, []float64{3, 1}},
	} {
		numer := n
		if !tc.stabilized {
			numer = nil
		}
		w, err := CalculateWeights(a, d, numer, tc.stabilized, tc.std)
		require.NoError(t, err)
		require.True(t, floats.EqualApprox(w[:2], tc.want, 1e-12), "%v %v: %v", tc.stabilized, tc.std, w)
		require.True(t, math.IsNaN(w[2]))
	}

	_, err := CalculateWeights(a, d, n, true, Standardize(5))
	require.ErrorIs(t, err, ErrInvalidStandardize)

	_, err = CalculateWeights(a, d[:2], n, true, Population)
	require.ErrorIs(t, err, statmodel.ErrLengthMismatch)
}

func TestParseStandardize(t *testing.T) {

	for s, want := range map[string]Standardize{
		"population": Population,
		"Exposed":    Exposed,
		" unexposed": Unexposed,
	} {
		got, err := ParseStandardize(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, strings.ToLower(strings.TrimSpace(s)), got.String())
	}

	_, err := ParseStandardize("smr")
	require.ErrorIs(t, err, ErrInvalidStandardize)

	_, err = NewIPTW(testData(t), "A", StandardizeTo(Standardize(9)))
	require.ErrorIs(t, err, ErrInvalidStandardize)
}

func TestIPTWStabilized(t *testing.T) {

	ip, err := NewIPTW(testData(t), "A")
	require.NoError(t, err)

	_, err = ip.Fit()
	require.ErrorIs(t, err, ErrNotFit)
	_, err = ip.Positivity()
	require.ErrorIs(t, err, ErrNotFit)
	_, err = ip.StandardizedMeanDifferences()
	require.ErrorIs(t, err, ErrNotFit)

	require.NoError(t, ip.RegressionModels("L"))
	w, err := ip.Fit()
	require.NoError(t, err)
	require.Equal(t, w, ip.Weights())
	require.NotNil(t, ip.NumeratorModel())
	require.Equal(t, "A ~ L", ip.DenominatorModel().Formula())

	require.True(t, scalarClose(w.Denominator[0], 1.0/3, 1e-6))
	require.True(t, scalarClose(w.Numerator[0], 0.5, 1e-6))
	for i, want := range map[int]float64{0: 1.5, 10: 0.75, 30: 0.75, 50: 1.5} {
		require.True(t, scalarClose(w.Weight[i], want, 1e-5), "row %d: %v", i, w.Weight[i])
	}

	pos, err := ip.Positivity()
	require.NoError(t, err)
	// 20 rows weigh 1.5 and 40 rows weigh 0.75.
	require.True(t, scalarClose(pos.Mean, 1, 1e-5))
	require.True(t, scalarClose(pos.SD, math.Sqrt(0.125), 1e-5))
	require.True(t, scalarClose(pos.Min, 0.75, 1e-5))
	require.True(t, scalarClose(pos.Max, 1.5, 1e-5))

	s := pos.String()
	require.Contains(t, s, "IPW Diagnostic for positivity")
	require.Contains(t, s, "Mean weight:        1.000")
	require.Contains(t, s, "Standard Deviation: 0.354")
	require.Contains(t, s, "Minimum weight:     0.750")
	require.NotContains(t, s, "Warning")
	require.Contains(t, pos.Format(1), "Maximum weight:     1.5\n")
}

func TestIPTWUnstabilized(t *testing.T) {

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ds := testData(t)
	ip, err := NewIPTW(ds, "A", Stabilized(false), WithLogger(logger))
	require.NoError(t, err)

	require.ErrorIs(t, ip.RegressionModels("L", Numerator("X")), ErrNumeratorUnstabilized)
	require.ErrorIs(t, ip.RegressionModels("L", NumeratorLearner(nuisance.PenalizedLogit{})), ErrNumeratorUnstabilized)

	require.NoError(t, ip.RegressionModels("L", Numerator("1")))
	require.Nil(t, ip.NumeratorModel())
	w, err := ip.Fit()
	require.NoError(t, err)
	require.Equal(t, 1.0, w.Numerator[0])
	for i, want := range map[int]float64{0: 3, 10: 1.5, 30: 1.5, 50: 3} {
		require.True(t, scalarClose(w.Weight[i], want, 1e-5), "row %d: %v", i, w.Weight[i])
	}

	pos, err := ip.Positivity()
	require.NoError(t, err)
	require.Contains(t, buf.String(), "stabilized weights")
	require.Contains(t, pos.String(), "Warning")
}

func TestIPTWExposed(t *testing.T) {

	ds := testData(t)
	a, _ := ds.Column("A")

	for _, stab := range []bool{true, false} {
		ip, err := NewIPTW(ds, "A", Stabilized(stab), StandardizeTo(Exposed))
		require.NoError(t, err)
		require.NoError(t, ip.RegressionModels("L"))
		w, err := ip.Fit()
		require.NoError(t, err)
		for i := range a {
			if a[i] == 1 {
				require.Equal(t, 1.0, w.Weight[i])
			}
		}
	}
}

func TestIPTWMissing(t *testing.T) {

	ds := testData(t)
	a, _ := ds.Column("A")
	a2 := append([]float64(nil), a...)
	a2[0] = math.NaN()
	ds, err := ds.With("A", a2)
	require.NoError(t, err)

	l, _ := ds.Column("L")
	l2 := append([]float64(nil), l...)
	l2[10] = math.NaN()
	ds, err = ds.With("L", l2)
	require.NoError(t, err)

	ip, err := NewIPTW(ds, "A")
	require.NoError(t, err)
	require.Equal(t, 60, ip.Data().NumObs())
	require.NoError(t, ip.RegressionModels("L"))
	w, err := ip.Fit()
	require.NoError(t, err)

	// Missing exposure: denominator predicted, weight missing
	require.False(t, math.IsNaN(w.Denominator[0]))
	require.True(t, math.IsNaN(w.Weight[0]))

	// Missing covariate: both missing
	require.True(t, math.IsNaN(w.Denominator[10]))
	require.True(t, math.IsNaN(w.Weight[10]))

	pos, err := ip.Positivity()
	require.NoError(t, err)
	require.False(t, math.IsNaN(pos.Mean))

	smd, err := ip.StandardizedMeanDifferences()
	require.NoError(t, err)
	require.Len(t, smd, 1)
	require.False(t, math.IsNaN(smd[0].Weighted))
}

func TestIPTWBound(t *testing.T) {

	b, err := nuisance.SymmetricBound(0.4)
	require.NoError(t, err)

	ip, err := NewIPTW(testData(t), "A", Stabilized(false))
	require.NoError(t, err)
	require.NoError(t, ip.RegressionModels("L", BoundDenominator(b)))
	w, err := ip.Fit()
	require.NoError(t, err)
	require.True(t, scalarClose(w.Denominator[0], 0.4, 1e-12))
	require.True(t, scalarClose(w.Weight[0], 2.5, 1e-10))
	require.True(t, scalarClose(w.Weight[50], 2.5, 1e-10))
}

func TestStandardizedMeanDifferences(t *testing.T) {

	ip, err := NewIPTW(testData(t), "A")
	require.NoError(t, err)
	require.NoError(t, ip.RegressionModels("L + C(G)"))
	_, err = ip.Fit()
	require.NoError(t, err)

	smd, err := ip.StandardizedMeanDifferences()
	require.NoError(t, err)
	require.Len(t, smd, 2)

	require.Equal(t, "L", smd[0].Label)
	require.Equal(t, Binary, smd[0].Type)
	require.True(t, scalarClose(smd[0].Unweighted, 1/math.Sqrt(2), 1e-10))

	require.Equal(t, "C(G)", smd[1].Label)
	require.Equal(t, Categorical, smd[1].Type)
	require.False(t, math.IsNaN(smd[1].Weighted))
	require.True(t, smd[1].Unweighted >= 0)

	// X is a two-valued, non-binary copy of L.
	ip, err = NewIPTW(testData(t), "A")
	require.NoError(t, err)
	require.NoError(t, ip.RegressionModels("X"))
	_, err = ip.Fit()
	require.NoError(t, err)

	smdx, err := ip.StandardizedMeanDifferences()
	require.NoError(t, err)
	require.Len(t, smdx, 1)
	require.Equal(t, "X", smdx[0].Label)
	require.Equal(t, Continuous, smdx[0].Type)
	require.True(t, scalarClose(smdx[0].Unweighted, (1.0/3)/math.Sqrt(60.0/261), 1e-10))
	require.True(t, scalarClose(smdx[0].Weighted, 0, 1e-5))

	tab := SMDTable(append(smd, smdx...))
	require.Contains(t, tab, "Standardized mean differences")
	require.Contains(t, tab, "C(G)")
	require.Contains(t, tab, "continuous")
}

func TestBalanceAfterWeighting(t *testing.T) {

	// The denominator model is saturated in L, so weighting balances L
	// and X exactly.
	ip, err := NewIPTW(testData(t), "A")
	require.NoError(t, err)
	require.NoError(t, ip.RegressionModels("L"))
	_, err = ip.Fit()
	require.NoError(t, err)

	smd, err := ip.StandardizedMeanDifferences()
	require.NoError(t, err)
	require.True(t, scalarClose(smd[0].Weighted, 0, 1e-5))
}

func TestCategoricalSMD(t *testing.T) {

	indicators := func(levels []int, k int) [][]float64 {
		cols := make([][]float64, k)
		for j := range cols {
			cols[j] = make([]float64, len(levels))
		}
		for i, v := range levels {
			cols[v][i] = 1
		}
		return cols
	}

	// Treated: 10 rows with level proportions (.2, .3, .5); untreated: 5
	// rows with (.4, .4, .2).
	levels := []int{0, 0, 1, 1, 1, 2, 2, 2, 2, 2, 0, 0, 1, 1, 2}
	treated := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	untreated := []int{10, 11, 12, 13, 14}

	v, err := categoricalSMD(indicators(levels, 3), nil, treated, untreated)
	require.NoError(t, err)
	require.True(t, scalarClose(v, math.Sqrt(0.0154/0.0329), 1e-10))

	// With two levels the distance is the absolute binary difference.
	two := []int{0, 1, 1, 1, 0, 0, 1, 0, 1, 1, 0, 0, 1, 0, 0}
	cols := indicators(two, 2)
	v, err = categoricalSMD(cols, nil, treated, untreated)
	require.NoError(t, err)
	require.True(t, scalarClose(v, math.Abs(binarySMD(cols[1], nil, treated, untreated)), 1e-10))

	// The reference indicator is rebuilt from treatment-coded columns.
	full := withReference(cols[1:])
	require.Equal(t, cols[0], full[0])

	// A level seen in neither group makes the covariance singular.
	v, err = categoricalSMD(indicators([]int{0, 1, 0, 1, 2, 2}, 3), nil, []int{0, 1}, []int{2, 3})
	require.NoError(t, err)
	require.True(t, math.IsNaN(v))
}

// longData returns follow-up data in long format, not sorted by id.
// Person 1 is followed to the end, person 2 is censored after time 2,
// person 3 has the event at time 2 and person 4 is censored after time
// 1.
func longData(t *testing.T) *statmodel.Dataset {
	ds, err := statmodel.NewDataset([][]float64{
		{2, 1, 3, 1, 4, 2, 1, 3},
		{2, 1, 2, 3, 1, 1, 2, 1},
		{0, 0, 1, 0, 0, 0, 0, 0},
		{0, 0, 1, 0, 1, 0, 0, 1},
	}, []string{"id", "t", "dead", "male"})
	require.NoError(t, err)
	return ds
}

func TestIPCW(t *testing.T) {

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ipc, err := NewIPCW(longData(t), "id", "t", "dead", WithLogger(logger))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "censored=2")

	id, _ := ipc.Data().Column("id")
	tm, _ := ipc.Data().Column("t")
	unc, _ := ipc.Data().Column(UncensoredName)
	require.Equal(t, []float64{1, 1, 1, 2, 2, 3, 3, 4}, id)
	require.Equal(t, []float64{1, 2, 3, 1, 2, 1, 2, 1}, tm)
	require.Equal(t, []float64{1, 1, 1, 1, 0, 1, 1, 0}, unc)

	_, err = ipc.Fit()
	require.ErrorIs(t, err, ErrNotFit)

	// Identical models give unit weights.
	require.NoError(t, ipc.RegressionModels("t", "t"))
	w, err := ipc.Fit()
	require.NoError(t, err)
	require.True(t, floats.EqualApprox(w, []float64{1, 1, 1, 1, 1, 1, 1, 1}, 1e-10))

	// Weights are cumulative within a person.
	require.NoError(t, ipc.RegressionModels("t + male", "1"))
	w, err = ipc.Fit()
	require.NoError(t, err)
	require.True(t, scalarClose(w[0], w[3], 1e-10))
	require.False(t, scalarClose(w[1], w[0], 1e-6))
}

// flatData holds the same follow-up as longData with one row per
// person.
func flatData(t *testing.T) *statmodel.Dataset {
	ds, err := statmodel.NewDataset([][]float64{
		{3, 1, 4, 2},
		{2, 3, 1, 2},
		{1, 0, 0, 0},
		{1, 0, 1, 0},
	}, []string{"id", "t", "dead", "male"})
	require.NoError(t, err)
	return ds
}

func TestIPCWFlat(t *testing.T) {

	long, err := NewIPCW(longData(t), "id", "t", "dead")
	require.NoError(t, err)
	flat, err := NewIPCW(flatData(t), "id", "t", "dead", FlatData(""))
	require.NoError(t, err)

	require.Equal(t, []string{"id", "dead", "male", TEnterName, TOutName, UncensoredName}, flat.Data().Names())
	for _, pair := range [][2]string{{"id", "id"}, {"t", TOutName}, {"dead", "dead"}, {"male", "male"}, {UncensoredName, UncensoredName}} {
		x, _ := long.Data().Column(pair[0])
		y, _ := flat.Data().Column(pair[1])
		require.Equal(t, x, y, pair[1])
	}
	te, _ := flat.Data().Column(TEnterName)
	require.Equal(t, []float64{0, 1, 2, 0, 1, 0, 1, 0}, te)

	require.NoError(t, long.RegressionModels("t + male", "1"))
	require.NoError(t, flat.RegressionModels("t_out + male", "1"))
	wl, err := long.Fit()
	require.NoError(t, err)
	wf, err := flat.Fit()
	require.NoError(t, err)
	require.True(t, floats.EqualApprox(wl, wf, 1e-8))
}

func TestLongFormat(t *testing.T) {

	// Person 2 leaves at 2.5, person 1 enters at 1 and person 3 has
	// the event at time 1.
	ds, err := statmodel.NewDataset([][]float64{
		{2, 1, 3},
		{2.5, 3, 1},
		{0, 0, 1},
		{0, 1, 0},
		{1, 0, 0},
	}, []string{"id", "t", "dead", "enter", "male"})
	require.NoError(t, err)

	lf, err := LongFormat(ds, "id", "t", "dead", "enter")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "dead", "male", TEnterName, TOutName}, lf.Names())

	for na, want := range map[string][]float64{
		"id":       {1, 1, 2, 2, 2, 3},
		"dead":     {0, 0, 0, 0, 0, 1},
		"male":     {0, 0, 1, 1, 1, 0},
		TEnterName: {1, 2, 0, 1, 2, 0},
		TOutName:   {2, 3, 1, 2, 2.5, 1},
	} {
		x, err := lf.Column(na)
		require.NoError(t, err)
		require.Equal(t, want, x, na)
	}

	// Without entry times everyone starts at 0.
	lf, err = LongFormat(ds, "id", "t", "dead", "")
	require.NoError(t, err)
	require.Equal(t, 7, lf.NumObs())
	require.True(t, lf.Has("enter"))

	// Only person 2 is censored before the end of follow-up.
	ipc, err := NewIPCW(ds, "id", "t", "dead", FlatData("enter"))
	require.NoError(t, err)
	unc, _ := ipc.Data().Column(UncensoredName)
	require.Equal(t, []float64{1, 1, 1, 1, 0, 1}, unc)

	ids, _ := ds.Column("id")
	dup := append([]float64(nil), ids...)
	dup[2] = 2
	dsd, err := ds.With("id", dup)
	require.NoError(t, err)
	_, err = LongFormat(dsd, "id", "t", "dead", "")
	require.ErrorIs(t, err, ErrDuplicateID)

	_, err = LongFormat(ds, "id", "t", "dead", "start")
	require.ErrorIs(t, err, statmodel.ErrUnknownVariable)
}

func TestIPCWErrors(t *testing.T) {

	ds := longData(t)

	tm, _ := ds.Column("t")
	tm2 := append([]float64(nil), tm...)
	tm2[3] = math.NaN()
	dsm, err := ds.With("t", tm2)
	require.NoError(t, err)
	_, err = NewIPCW(dsm, "id", "t", "dead")
	require.ErrorIs(t, err, ErrMissingTime)

	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	ds1, err := ds.With("t", ones)
	require.NoError(t, err)
	_, err = NewIPCW(ds1, "id", "t", "dead")
	require.ErrorIs(t, err, ErrShortFollowup)

	_, err = NewIPCW(ds, "id", "time", "dead")
	require.ErrorIs(t, err, statmodel.ErrUnknownVariable)
}

func TestCumprod(t *testing.T) {
	ids := []float64{1, 1, 1, 2, 2}
	x := []float64{0.5, 0.5, 0.5, 0.9, math.NaN()}
	c := cumprod(x, ids)
	require.Equal(t, []float64{0.5, 0.25, 0.125, 0.9}, c[:4])
	require.True(t, math.IsNaN(c[4]))
}
