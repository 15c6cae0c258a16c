package nuisance

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/formula"
	"github.com/gitter-badger/zEpid/glm"
	"github.com/gitter-badger/zEpid/statmodel"
)

// ErrUnsupportedFit should be returned by a Learner whose Fit cannot
// accept the design matrix and labels it was given.
var ErrUnsupportedFit = errors.New("nuisance: learner cannot fit the given covariates and labels")

// Learner is a caller-supplied predictive model.  Fit receives the
// covariate design matrix (one row per observation, no intercept
// column) and the binary labels, and returns the fitted model.  The
// fitted value must implement ProbaPredictor or LabelPredictor.
type Learner interface {
	Fit(X *mat.Dense, y []float64) (any, error)
}

// ProbaPredictor is a fitted model that returns class probabilities.
// Column 1 of the result holds P(label = 1).
type ProbaPredictor interface {
	PredictProba(X *mat.Dense) (*mat.Dense, error)
}

// LabelPredictor is a fitted model that returns one prediction per row.
type LabelPredictor interface {
	Predict(X *mat.Dense) ([]float64, error)
}

// Summarizer is implemented by fitted models that can describe
// themselves.
type Summarizer interface {
	Summary() string
}

// PenalizedLogit is a logistic regression learner with optional lasso
// (L1) and ridge (L2) penalties on the slopes.  An unpenalized
// intercept is always included.
type PenalizedLogit struct {
	L1 float64
	L2 float64
}

type penalizedLogitFit struct {
	rslt  *glm.GLMResults
	coeff []float64
}

// Fit implements Learner.
func (pl PenalizedLogit) Fit(X *mat.Dense, y []float64) (any, error) {

	if X == nil || X.IsEmpty() {
		return nil, fmt.Errorf("%w: empty design matrix", ErrUnsupportedFit)
	}
	n, p := X.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("%w: %d rows but %d labels", ErrUnsupportedFit, n, len(y))
	}

	names := []string{formula.InterceptName}
	icept := make([]float64, n)
	for i := range icept {
		icept[i] = 1
	}
	data := [][]float64{icept}
	for j := 0; j < p; j++ {
		names = append(names, fmt.Sprintf("x%d", j+1))
		data = append(data, mat.Col(nil, j, X))
	}
	data = append(data, y)

	ds, err := statmodel.NewDataset(data, append(names, "y"))
	if err != nil {
		return nil, err
	}

	model := glm.NewGLM(ds, "y", names)

	pen := func(v float64) []float64 {
		w := make([]float64, p+1)
		for j := 1; j <= p; j++ {
			w[j] = v
		}
		return w
	}
	if pl.L1 > 0 {
		model = model.L1Weight(pen(pl.L1))
	}
	if pl.L2 > 0 {
		model = model.L2Weight(pen(pl.L2))
	}

	rslt, err := model.Done().Fit()
	if err != nil {
		return nil, err
	}

	return &penalizedLogitFit{rslt: rslt, coeff: rslt.Params()}, nil
}

// PredictProba implements ProbaPredictor.
func (f *penalizedLogitFit) PredictProba(X *mat.Dense) (*mat.Dense, error) {

	n, p := X.Dims()
	if p+1 != len(f.coeff) {
		return nil, fmt.Errorf("nuisance: design has %d columns, model has %d", p, len(f.coeff)-1)
	}

	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		lp := f.coeff[0]
		for j := 0; j < p; j++ {
			lp += f.coeff[j+1] * X.At(i, j)
		}
		pr := glm.Expit(lp)
		out.Set(i, 0, 1-pr)
		out.Set(i, 1, pr)
	}

	return out, nil
}

// Summary implements Summarizer.
func (f *penalizedLogitFit) Summary() string {
	return f.rslt.Summary().String()
}
