package nuisance

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/statmodel"
)

// saturated returns data in which the exposure A depends only on L and
// the outcome Y depends on A and L.  Within each (L, A) cell the counts
// are: L=0,A=1: 10 rows, 4 events; L=0,A=0: 20 rows, 6 events; L=1,A=1:
// 20 rows, 12 events; L=1,A=0: 10 rows, 3 events.
func saturated(t *testing.T) *statmodel.Dataset {

	var a, l, y []float64
	add := func(lv, av float64, n, events int) {
		for i := 0; i < n; i++ {
			l = append(l, lv)
			a = append(a, av)
			if i < events {
				y = append(y, 1)
			} else {
				y = append(y, 0)
			}
		}
	}
	add(0, 1, 10, 4)
	add(0, 0, 20, 6)
	add(1, 1, 20, 12)
	add(1, 0, 10, 3)

	ds, err := statmodel.NewDataset([][]float64{a, l, y}, []string{"A", "L", "Y"})
	require.NoError(t, err)
	return ds
}

func constant(n int, v float64) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = v
	}
	return x
}

func TestFitLogistic(t *testing.T) {

	ds := saturated(t)

	m, err := Fit(ds, "A", "L")
	require.NoError(t, err)
	require.Equal(t, "A ~ L", m.Formula())
	require.Equal(t, "A", m.Label())
	require.Equal(t, 60, m.NumObs())
	require.NotNil(t, m.Results())
	require.Nil(t, m.Fitted())

	p, err := m.Predict(ds)
	require.NoError(t, err)
	require.InDelta(t, 1.0/3, p[0], 1e-6)
	require.InDelta(t, 2.0/3, p[59], 1e-6)
}

func TestPredictCounterfactual(t *testing.T) {

	ds := saturated(t)

	m, err := Fit(ds, "Y", "A + L + A:L")
	require.NoError(t, err)

	p, err := m.Predict(ds)
	require.NoError(t, err)
	require.InDelta(t, 0.4, p[0], 1e-6)
	require.InDelta(t, 0.3, p[10], 1e-6)
	require.InDelta(t, 0.6, p[30], 1e-6)
	require.InDelta(t, 0.3, p[50], 1e-6)

	// Everyone exposed
	ds1, err := ds.With("A", constant(ds.NumObs(), 1))
	require.NoError(t, err)
	p1, err := m.Predict(ds1)
	require.NoError(t, err)
	require.InDelta(t, 0.4, p1[10], 1e-6)
	require.InDelta(t, 0.6, p1[50], 1e-6)

	// Everyone unexposed
	ds0, err := ds.With("A", constant(ds.NumObs(), 0))
	require.NoError(t, err)
	p0, err := m.Predict(ds0)
	require.NoError(t, err)
	require.InDelta(t, 0.3, p0[0], 1e-6)
	require.InDelta(t, 0.3, p0[30], 1e-6)
}

func TestMissingCovariates(t *testing.T) {

	ds := saturated(t)
	l, _ := ds.Column("L")
	l2 := append([]float64(nil), l...)
	l2[0] = math.NaN()
	ds, err := ds.With("L", l2)
	require.NoError(t, err)

	m, err := Fit(ds, "A", "L")
	require.NoError(t, err)
	require.Equal(t, 59, m.NumObs())

	p, err := m.Predict(ds)
	require.NoError(t, err)
	require.True(t, math.IsNaN(p[0]))
	require.InDelta(t, 9.0/29, p[1], 1e-6)
	require.InDelta(t, 2.0/3, p[59], 1e-6)

	_, err = Fit(ds, "A", "Z")
	require.ErrorIs(t, err, statmodel.ErrUnknownVariable)
}

func TestPenalizedLogit(t *testing.T) {

	ds := saturated(t)

	// Without a penalty the learner reproduces the logistic regression.
	m, err := Fit(ds, "Y", "A + L + A:L", WithLearner(PenalizedLogit{}))
	require.NoError(t, err)
	require.Nil(t, m.Results())
	require.NotNil(t, m.Fitted())
	p, err := m.Predict(ds)
	require.NoError(t, err)
	require.InDelta(t, 0.4, p[0], 1e-5)
	require.InDelta(t, 0.6, p[30], 1e-5)

	// A large lasso penalty removes the slope.
	m, err = Fit(ds, "A", "L", WithLearner(PenalizedLogit{L1: 1}))
	require.NoError(t, err)
	p, err = m.Predict(ds)
	require.NoError(t, err)
	require.InDelta(t, 0.5, p[0], 1e-4)
	require.InDelta(t, 0.5, p[59], 1e-4)

	// A ridge penalty shrinks toward the marginal mean.
	m, err = Fit(ds, "A", "L", WithLearner(PenalizedLogit{L2: 0.1}))
	require.NoError(t, err)
	p, err = m.Predict(ds)
	require.NoError(t, err)
	require.True(t, p[0] > 1.0/3 && p[0] < 0.5)
	require.True(t, p[59] < 2.0/3 && p[59] > 0.5)
}

type meanLearner struct{}

type meanFit struct {
	mean float64
}

func (meanLearner) Fit(X *mat.Dense, y []float64) (any, error) {
	s := 0.0
	for _, v := range y {
		s += v
	}
	return &meanFit{mean: s / float64(len(y))}, nil
}

func (f *meanFit) Predict(X *mat.Dense) ([]float64, error) {
	n, _ := X.Dims()
	return constant(n, f.mean), nil
}

type failingLearner struct {
	err error
}

func (f failingLearner) Fit(X *mat.Dense, y []float64) (any, error) {
	return nil, f.err
}

type opaqueLearner struct{}

func (opaqueLearner) Fit(X *mat.Dense, y []float64) (any, error) {
	return struct{}{}, nil
}

func TestCustomLearner(t *testing.T) {

	ds := saturated(t)

	m, err := Fit(ds, "Y", "A + L", WithLearner(meanLearner{}))
	require.NoError(t, err)
	p, err := m.Predict(ds)
	require.NoError(t, err)
	require.InDelta(t, 25.0/60, p[0], 1e-12)
	require.Contains(t, m.Summary(), "Custom model *nuisance.meanFit")

	_, err = Fit(ds, "Y", "A + L", WithLearner(failingLearner{err: ErrUnsupportedFit}))
	require.ErrorIs(t, err, ErrIncompatibleModel)

	other := errors.New("boom")
	_, err = Fit(ds, "Y", "A + L", WithLearner(failingLearner{err: other}))
	require.ErrorIs(t, err, other)
	require.NotErrorIs(t, err, ErrIncompatibleModel)

	_, err = Fit(ds, "Y", "A + L", WithLearner(opaqueLearner{}))
	require.ErrorIs(t, err, ErrNoPredictor)
}

func TestReport(t *testing.T) {

	ds := saturated(t)

	var buf bytes.Buffer
	_, err := Fit(ds, "A", "L", WithReport(&buf))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Model: A ~ L")
	require.Contains(t, buf.String(), "Generalized linear model analysis")

	buf.Reset()
	_, err = Fit(ds, "A", "L", WithLearner(PenalizedLogit{L1: 1}), WithReport(&buf))
	require.NoError(t, err)
	require.Contains(t, buf.String(), "Model: A ~ L")
	require.Contains(t, buf.String(), "x1")
}

func TestBound(t *testing.T) {

	b := NoBound()
	require.True(t, b.IsTrivial())
	require.Equal(t, []float64{0.01, 0.5, 0.99}, b.Apply([]float64{0.01, 0.5, 0.99}))

	b, err := SymmetricBound(0.1)
	require.NoError(t, err)
	require.False(t, b.IsTrivial())
	q := b.Apply([]float64{0.01, 0.5, 0.99, math.NaN()})
	require.Equal(t, []float64{0.1, 0.5}, q[:2])
	require.InDelta(t, 0.9, q[2], 1e-15)
	require.True(t, math.IsNaN(q[3]))

	b, err = AsymmetricBound(0.2, 0.7)
	require.NoError(t, err)
	require.Equal(t, []float64{0.2, 0.5, 0.7}, b.Apply([]float64{0.01, 0.5, 0.99}))
	require.Equal(t, "[0.2, 0.7]", b.String())

	for _, v := range [][]float64{{0.6}, {-0.1}, {0.5, 0.4}, {0.1, 1.1}, {0.1, 0.2, 0.3}, {math.NaN()}} {
		_, err := ParseBound(v)
		require.ErrorIs(t, err, ErrInvalidBound, v)
	}

	b, err = ParseBound([]float64{0.4})
	require.NoError(t, err)
	b2, err := ParseBound([]float64{0.4, 0.6})
	require.NoError(t, err)
	require.Equal(t, b.Lower, b2.Lower)
	require.InDelta(t, b.Upper, b2.Upper, 1e-15)

	b, err = ParseBound(nil)
	require.NoError(t, err)
	require.True(t, b.IsTrivial())
}
