package doublyrobust

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/gitter-badger/zEpid/glm"
	"github.com/gitter-badger/zEpid/statmodel"
)

// TMLE is a targeted maximum likelihood estimator.
type TMLE struct {
	*estimator

	epsilon  []float64
	targeted *Predictions
}

// NewTMLE creates a TMLE of the effect of the binary exposure on the
// binary outcome.  The data are copied and rows with a missing value in
// any column are dropped.
func NewTMLE(ds *statmodel.Dataset, exposure, outcome string, opts ...Option) (*TMLE, error) {

	est, err := newEstimator(ds, exposure, outcome, opts)
	if err != nil {
		return nil, err
	}

	return &TMLE{estimator: est}, nil
}

// ExposureModel fits the exposure model, see the package documentation.
func (tm *TMLE) ExposureModel(spec string, opts ...ModelOption) error {
	tm.epsilon, tm.targeted = nil, nil
	return tm.estimator.ExposureModel(spec, opts...)
}

// OutcomeModel fits the outcome model, see the package documentation.
func (tm *TMLE) OutcomeModel(spec string, opts ...ModelOption) error {
	tm.epsilon, tm.targeted = nil, nil
	return tm.estimator.OutcomeModel(spec, opts...)
}

// Fit targets the outcome predictions and estimates the effect.  Both
// the exposure and outcome models must have been registered.
func (tm *TMLE) Fit() error {

	pred, err := tm.predict()
	if err != nil {
		return err
	}
	tm.pred = pred

	a, y := tm.columns()

	eps, star, err := target(a, y, pred)
	if err != nil {
		return err
	}
	tm.epsilon = eps
	tm.targeted = star
	tm.state = Targeted
	if math.IsNaN(eps[0]) {
		tm.log.Warn("propensity scores of 0 or 1 make the targeting step undefined; consider bounding the exposure model")
	}
	tm.log.Debug("targeting step", "epsilon1", eps[0], "epsilon0", eps[1])

	tm.finish(&arms{
		a:  a,
		y:  y,
		g1: pred.G1,
		g0: pred.G0,
		qa: star.QA,
		q1: star.Q1,
		q0: star.Q0,
		r1: stat.Mean(star.Q1, nil),
		r0: stat.Mean(star.Q0, nil),
	})

	return nil
}

// target fluctuates the initial outcome predictions.  The observed
// outcome is regressed on the clever covariates H1 = A/g1 and
// H0 = -(1-A)/g0 without an intercept, using the logit of the
// initial prediction as an offset.
func target(a, y []float64, pred *Predictions) ([]float64, *Predictions, error) {

	n := len(y)
	h1 := make([]float64, n)
	h0 := make([]float64, n)
	off := make([]float64, n)
	for i := 0; i < n; i++ {
		h1[i] = a[i] / pred.G1[i]
		h0[i] = -(1 - a[i]) / pred.G0[i]
		off[i] = glm.Logit(clip(pred.QA[i]))
	}

	// Propensity scores of exactly 0 or 1 leave the clever covariates
	// infinite; the fluctuation is then undefined and NaN is carried
	// into the estimate.
	if !finite(h1) || !finite(h0) {
		nan := make([]float64, n)
		for i := range nan {
			nan[i] = math.NaN()
		}
		return []float64{math.NaN(), math.NaN()}, &Predictions{G1: pred.G1, G0: pred.G0, QA: nan, Q1: nan, Q0: nan}, nil
	}

	da, err := statmodel.NewDataset([][]float64{y, h1, h0, off}, []string{"y", "H1", "H0", "offset"})
	if err != nil {
		return nil, nil, err
	}

	rslt, err := glm.NewGLM(da, "y", []string{"H1", "H0"}).
		Offset("offset").
		Done().
		Fit()
	if err != nil {
		return nil, nil, fmt.Errorf("doublyrobust: targeting step: %w", err)
	}
	eps := rslt.Params()

	qa, err := rslt.Predict(nil)
	if err != nil {
		return nil, nil, err
	}

	star := &Predictions{
		G1: pred.G1,
		G0: pred.G0,
		QA: qa,
		Q1: make([]float64, n),
		Q0: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		star.Q1[i] = glm.Expit(glm.Logit(clip(pred.Q1[i])) + eps[0]/pred.G1[i])
		star.Q0[i] = glm.Expit(glm.Logit(clip(pred.Q0[i])) - eps[1]/pred.G0[i])
	}

	return append([]float64(nil), eps...), star, nil
}

// Epsilon returns the fluctuation coefficients of the clever covariates
// for the exposed and unexposed arms, or nil before Fit.
func (tm *TMLE) Epsilon() []float64 {
	return tm.epsilon
}

// Targeted returns the outcome predictions after the targeting step, or
// nil before Fit.
func (tm *TMLE) Targeted() *Predictions {
	return tm.targeted
}

// Summary returns a text table describing the fitted estimator.
func (tm *TMLE) Summary() (string, error) {

	if tm.results == nil {
		return "", ErrNoResults
	}

	top := []string{
		fmt.Sprintf("Epsilon:  %.6f, %.6f", tm.epsilon[0], tm.epsilon[1]),
	}

	return tm.summarize("Targeted maximum likelihood estimation", tm.targeted, top), nil
}

// summarize draws the results table shared by TMLE and AIPTW.
func (est *estimator) summarize(title string, pred *Predictions, extra []string) string {

	rs := est.results
	e := rs.Estimate

	a, y := est.columns()
	d1, d0 := (&arms{
		a: a, y: y, g1: pred.G1, g0: pred.G0, qa: pred.QA, q1: pred.Q1, q0: pred.Q0,
		r1: rs.Risk1, r0: rs.Risk0,
	}).influence()
	e1 := wald(RiskDifference, rs.Risk1, d1, est.alpha)
	e0 := wald(RiskDifference, rs.Risk0, d0, est.alpha)

	bound := "none"
	if !est.bound.IsTrivial() {
		bound = est.bound.String()
	}

	sum := &statmodel.SummaryTable{
		Title: title,
	}

	sum.Top = []string{
		fmt.Sprintf("Exposure: %s", est.exposure),
		fmt.Sprintf("Outcome:  %s", est.outcome),
		fmt.Sprintf("Num obs:  %d", rs.NumObs),
		fmt.Sprintf("Bound:    %s", bound),
	}
	sum.Top = append(sum.Top, extra...)

	sum.Msg = []string{
		fmt.Sprintf("Exposure model: %s", est.expModel.Formula()),
		fmt.Sprintf("Outcome model:  %s", est.outModel.Formula()),
		fmt.Sprintf("Confidence intervals have %.0f%% coverage.", 100*(1-est.alpha)),
	}
	if e.Measure != RiskDifference {
		sum.Msg = append(sum.Msg, "The SE of a ratio measure is on the log scale.")
	}

	fs, fn := statmodel.StringFmter, statmodel.FloatFmter
	sum.ColNames = []string{"Quantity       ", "Estimate", "SE", "LCB", "UCB"}
	sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn}
	sum.Cols = []interface{}{
		[]string{"Risk(A=1)", "Risk(A=0)", strings.ReplaceAll(e.Measure.String(), "_", " ")},
		[]float64{e1.Point, e0.Point, e.Point},
		[]float64{e1.StdErr, e0.StdErr, e.StdErr},
		[]float64{e1.Lower, e0.Lower, e.Lower},
		[]float64{e1.Upper, e0.Upper, e.Upper},
	}

	return sum.String()
}

// finite reports whether every value is a finite number.
func finite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
