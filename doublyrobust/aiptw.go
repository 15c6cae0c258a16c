package doublyrobust

import (
	"gonum.org/v1/gonum/stat"

	"github.com/gitter-badger/zEpid/statmodel"
)

// AIPTW is an augmented inverse probability of treatment weighted
// estimator.
type AIPTW struct {
	*estimator

	// Augmented potential outcomes
	y1, y0 []float64
}

// NewAIPTW creates an AIPTW estimator of the effect of the binary
// exposure on the binary outcome.  The data are copied and rows with a
// missing value in any column are dropped.
func NewAIPTW(ds *statmodel.Dataset, exposure, outcome string, opts ...Option) (*AIPTW, error) {

	est, err := newEstimator(ds, exposure, outcome, opts)
	if err != nil {
		return nil, err
	}

	return &AIPTW{estimator: est}, nil
}

// ExposureModel fits the exposure model, see the package documentation.
func (ai *AIPTW) ExposureModel(spec string, opts ...ModelOption) error {
	ai.y1, ai.y0 = nil, nil
	return ai.estimator.ExposureModel(spec, opts...)
}

// OutcomeModel fits the outcome model, see the package documentation.
func (ai *AIPTW) OutcomeModel(spec string, opts ...ModelOption) error {
	ai.y1, ai.y0 = nil, nil
	return ai.estimator.OutcomeModel(spec, opts...)
}

// Fit estimates the effect.  Both the exposure and outcome models must
// have been registered.  The risk difference and risk ratio are always
// estimated, in addition to the configured measure.
func (ai *AIPTW) Fit() error {

	pred, err := ai.predict()
	if err != nil {
		return err
	}
	ai.pred = pred

	a, y := ai.columns()
	n := len(y)

	ai.y1 = make([]float64, n)
	ai.y0 = make([]float64, n)
	for i := 0; i < n; i++ {
		res := y[i] - pred.QA[i]
		ai.y1[i] = pred.Q1[i] + a[i]/pred.G1[i]*res
		ai.y0[i] = pred.Q0[i] + (1-a[i])/pred.G0[i]*res
	}

	ai.finish(&arms{
		a:  a,
		y:  y,
		g1: pred.G1,
		g0: pred.G0,
		qa: pred.QA,
		q1: pred.Q1,
		q0: pred.Q0,
		r1: stat.Mean(ai.y1, nil),
		r0: stat.Mean(ai.y0, nil),
	}, RiskDifference, RiskRatio)

	return nil
}

// PotentialOutcomes returns the augmented predictions of the outcome
// under exposure and under no exposure for each row, or nil before Fit.
func (ai *AIPTW) PotentialOutcomes() (y1, y0 []float64) {
	return ai.y1, ai.y0
}

// Summary returns a text table describing the fitted estimator.
func (ai *AIPTW) Summary() (string, error) {

	if ai.results == nil {
		return "", ErrNoResults
	}

	return ai.summarize("Augmented inverse probability of treatment weighting", ai.pred, nil), nil
}
