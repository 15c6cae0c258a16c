package glm

import (
	"bytes"
	"fmt"
	"log"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gitter-badger/zEpid/statmodel"
)

func scalarClose(x, y, eps float64) bool {
	return math.Abs(x-y) <= eps
}

func dataset(data [][]float64, names []string) *statmodel.Dataset {
	ds, err := statmodel.NewDataset(data, names)
	if err != nil {
		panic(err)
	}
	return ds
}

func data2() *statmodel.Dataset {

	y := []float64{0, 0, 1, 0, 1, 0, 0}
	x1 := []float64{1, 1, 1, 1, 1, 1, 1}
	x2 := []float64{4, 1, -1, 3, 5, -5, 3}
	x3 := []float64{1, -1, 1, 1, 2, 5, -1}

	return dataset([][]float64{y, x1, x2, x3}, []string{"y", "x1", "x2", "x3"})
}

func data3() *statmodel.Dataset {

	y := []float64{1, 1, 1, 0, 0, 0, 0}
	x1 := []float64{1, 1, 1, 1, 1, 1, 1}
	x2 := []float64{0, 1, 0, 0, -1, 0, 1}

	return dataset([][]float64{y, x1, x2}, []string{"y", "x1", "x2"})
}

func data4() *statmodel.Dataset {

	y := []float64{0, 0, 1, 0, 1, 0, 1}
	x1 := []float64{1, 1, 1, 1, 1, 1, 1}
	x2 := []float64{4, 1, -1, 3, 5, -5, 3}
	off := []float64{0, 0, 1, 1, 0, 0, -0.5}

	return dataset([][]float64{y, x1, x2, off}, []string{"y", "x1", "x2", "off"})
}

var (
	x12  = []string{"x1", "x2"}
	x123 = []string{"x1", "x2", "x3"}
)

// A test problem
type testprob struct {
	data   *statmodel.Dataset
	xnames []string
	params []float64
	stderr []float64
	vcov   []float64
	ll     float64
	l2wgt  []float64
	l1wgt  []float64
}

var glmTests = []testprob{
	{
		data:   data2(),
		xnames: x123,
		params: []float64{-1.650145, 0.190136, 0.344331},
		stderr: []float64{1.505798, 0.323601, 0.593428},
		vcov: []float64{2.267429, -0.337163, -0.684836,
			-0.337163, 0.104718, 0.116028,
			-0.684836, 0.116028, 0.352157},
		ll: -3.9607532681097091,
	},
	{
		data:   data3(),
		xnames: x12,
		params: []float64{-0.434175, 0.868350},
		stderr: []float64{0.830041, 1.306904},
		vcov:   []float64{0.688967, -0.330063, -0.330063, 1.707998},
		ll:     -4.53963553741,
	},
	{
		data:   data2(),
		xnames: x123,
		params: []float64{-0.465363, 0, 0},
		l1wgt:  []float64{0.1, 0.1, 0.1},
	},
	{
		data:   data2(),
		xnames: x123,
		params: []float64{-0.737198, 0.024176, 0.017089},
		l1wgt:  []float64{0.05, 0.05, 0.05},
	},
	{
		data:   data2(),
		xnames: x123,
		params: []float64{-0.988257, 0.078329, 0.121922},
		l1wgt:  []float64{0.02, 0.02, 0.02},
		l2wgt:  []float64{0.02, 0.02, 0.02},
	},
}

func TestFit(t *testing.T) {

	for jd, ds := range glmTests {

		glm := NewGLM(ds.data, "y", ds.xnames)

		if ds.l2wgt != nil {
			glm = glm.L2Weight(ds.l2wgt)
		}

		if len(ds.l1wgt) > 0 {
			glm = glm.L1Weight(ds.l1wgt)
		}

		glm = glm.Done()
		result, err := glm.Fit()
		require.NoError(t, err, "%d", jd)

		if !floats.EqualApprox(result.Params(), ds.params, 1e-5) {
			t.Errorf("params failed %d: %v", jd, result.Params())
		}

		// Smoke test
		require.NotEmpty(t, result.Summary().String())

		// No stderr or vcov with regularization
		if ds.l2wgt != nil || ds.l1wgt != nil {
			require.Nil(t, result.VCov())
			continue
		}

		if !scalarClose(result.LogLike(), ds.ll, 1e-5) {
			t.Errorf("loglike failed: %d", jd)
		}

		if !floats.EqualApprox(result.StdErr(), ds.stderr, 1e-5) {
			t.Errorf("stderr failed: %d", jd)
		}

		if !floats.EqualApprox(result.VCov(), ds.vcov, 1e-5) {
			t.Errorf("vcov failed: %d", jd)
		}

		// IRLS and gradient optimization agree.
		par, err := glm.fitGradient(make([]float64, len(ds.xnames)))
		require.NoError(t, err)
		require.True(t, floats.EqualApprox(par, ds.params, 1e-4), "%d: %v", jd, par)
	}
}

// The concurrent cross products used for large samples match the
// sequential ones.
func TestConcurrentIRLS(t *testing.T) {

	model := NewGLM(data2(), "y", x123).Done()
	r1, err := model.Fit()
	require.NoError(t, err)

	model = NewGLM(data2(), "y", x123).Done()
	model.concurrentIRLS = 1
	r2, err := model.Fit()
	require.NoError(t, err)

	require.True(t, floats.EqualApprox(r1.Params(), r2.Params(), 1e-10))
	require.Equal(t, r1.Iterations(), r2.Iterations())
}

// A ridge penalty is fit by gradient optimization; the penalized score
// vanishes at the estimate and the slopes shrink towards zero.
func TestRidge(t *testing.T) {

	l2 := []float64{0, 0.2, 0.2}
	model := NewGLM(data2(), "y", x123).L2Weight(l2).Done()
	rslt, err := model.Fit()
	require.NoError(t, err)
	require.Zero(t, rslt.Iterations())

	score := make([]float64, 3)
	model.Score(&GLMParams{rslt.Params()}, score)
	require.True(t, floats.EqualApprox(score, []float64{0, 0, 0}, 1e-4), "%v", score)

	mle := glmTests[0].params
	par := rslt.Params()
	require.Less(t, par[1]*par[1]+par[2]*par[2], mle[1]*mle[1]+mle[2]*mle[2])
}

func TestDoneMisuse(t *testing.T) {

	require.Panics(t, func() {
		NewGLM(data3(), "y", []string{"x1", "zz"}).Done()
	})

	require.Panics(t, func() {
		NewGLM(data3(), "y", x12).L1Weight([]float64{1}).Done()
	})

	require.Panics(t, func() {
		NewGLM(data3(), "y", x12).L2Weight([]float64{1, 1, 1}).Done()
	})
}

func TestMissingData(t *testing.T) {

	y := []float64{0, 1, math.NaN(), 1}
	x := []float64{1, 1, 1, 1}
	ds := dataset([][]float64{y, x}, []string{"y", "x"})

	_, err := NewGLM(ds, "y", []string{"x"}).Done().Fit()
	require.ErrorIs(t, err, ErrMissingData)
}

func TestPredict(t *testing.T) {

	model := NewGLM(data3(), "y", x12).Done()
	rslt, err := model.Fit()
	require.NoError(t, err)
	require.True(t, rslt.Converged())

	nd := dataset([][]float64{{1, 1, 1}, {0, 1, -1}}, x12)
	pr, err := rslt.Predict(nd)
	require.NoError(t, err)

	par := rslt.Params()
	for i, x := range []float64{0, 1, -1} {
		require.InDelta(t, Expit(par[0]+par[1]*x), pr[i], 1e-10)
	}

	// The response is not needed for prediction, but the covariates are.
	_, err = rslt.Predict(dataset([][]float64{{1}}, []string{"x1"}))
	require.ErrorIs(t, err, statmodel.ErrUnknownVariable)
}

func TestPredictOffset(t *testing.T) {

	ds := data4()
	model := NewGLM(ds, "y", x12).Offset("off").Done()
	rslt, err := model.Fit()
	require.NoError(t, err)

	pr, err := rslt.Predict(nil)
	require.NoError(t, err)

	x2, _ := ds.Column("x2")
	off, _ := ds.Column("off")
	par := rslt.Params()
	for i := range pr {
		require.InDelta(t, Expit(par[0]+par[1]*x2[i]+off[i]), pr[i], 1e-10)
	}

	// The offset is required for prediction.
	_, err = rslt.Predict(dataset([][]float64{{1}, {2}}, x12))
	require.ErrorIs(t, err, statmodel.ErrUnknownVariable)
}

// A binomial model with an offset and no intercept, as used for
// a logistic fluctuation.
func TestNoInterceptOffset(t *testing.T) {

	y := []float64{1, 0, 1, 1, 0, 0, 1, 0}
	h := []float64{2, -1.5, 2, 1.2, -3, 1.2, -1.5, 2}
	off := []float64{0.5, -0.2, 0.1, 0.3, -0.4, 0.2, 0.0, -0.1}
	ds := dataset([][]float64{y, h, off}, []string{"y", "h", "off"})

	var buf bytes.Buffer
	model := NewGLM(ds, "y", []string{"h"}).Offset("off").Log(log.New(&buf, "", 0)).Done()
	rslt, err := model.Fit()
	require.NoError(t, err)
	require.Contains(t, buf.String(), "IRLS converged")

	// The score is zero at the MLE.
	score := make([]float64, 1)
	model.Score(&GLMParams{rslt.Params()}, score)
	require.InDelta(t, 0, score[0], 1e-6)

	// IRLS and gradient agree.
	par, err := model.fitGradient([]float64{0})
	require.NoError(t, err)
	require.InDelta(t, rslt.Params()[0], par[0], 1e-5)
}

func TestSummaryText(t *testing.T) {

	rslt, err := NewGLM(data3(), "y", x12).Done().Fit()
	require.NoError(t, err)

	s := rslt.Summary().String()
	for _, w := range []string{"Binomial", "Logit", "x1", "x2", "P-value"} {
		require.Contains(t, s, w)
	}

	s = rslt.Summary().SetScale(math.Exp, "Parameters are odds ratios").String()
	require.Contains(t, s, "odds ratios")
	require.NotContains(t, s, "Z-score")
	require.Contains(t, s, fmt.Sprintf("%10.4f", math.Exp(rslt.Params()[1])))
}
