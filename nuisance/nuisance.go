// Package nuisance fits the exposure and outcome models used by the
// causal estimators.  A model is specified by a label column and a
// right-hand-side formula.  By default a logistic regression is fit;
// alternatively a caller-supplied Learner can be used.
package nuisance

import (
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/formula"
	"github.com/gitter-badger/zEpid/glm"
	"github.com/gitter-badger/zEpid/statmodel"
)

var (
	// ErrIncompatibleModel is returned when a custom learner cannot fit
	// the covariates and labels it is given.
	ErrIncompatibleModel = errors.New("nuisance: learner is incompatible with the covariates and labels")

	// ErrNoPredictor is returned when a fitted custom model provides
	// neither class probabilities nor predictions.
	ErrNoPredictor = errors.New("nuisance: fitted model has neither PredictProba nor Predict")

	// ErrNoCompleteRows is returned when no row has a complete label and
	// covariates.
	ErrNoCompleteRows = errors.New("nuisance: no complete rows")
)

// labelName is the name given to the label column in the fitting data,
// so that it cannot collide with a design column.
const labelName = "__label"

type config struct {
	learner Learner
	report  io.Writer
}

// Option configures Fit.
type Option func(*config)

// WithLearner fits the model using the given learner in place of the
// default logistic regression.  The learner receives a design matrix
// without an intercept column.
func WithLearner(l Learner) Option {
	return func(c *config) {
		c.learner = l
	}
}

// WithReport writes a description of the fitted model to w.
func WithReport(w io.Writer) Option {
	return func(c *config) {
		c.report = w
	}
}

// Model is a fitted nuisance model.
type Model struct {
	label string
	spec  string

	info *formula.DesignInfo

	// Exactly one of rslt (default logistic regression) and fitted
	// (custom learner) is set.
	rslt   *glm.GLMResults
	fitted any

	proba  ProbaPredictor
	labels LabelPredictor

	nobs int
}

// Fit fits a model for the named label column using the covariates
// described by spec, the right-hand side of a model formula such as
// "age + C(race) + age:male".  Rows with a missing label or covariate
// are not used.
func Fit(ds *statmodel.Dataset, label, spec string, opts ...Option) (*Model, error) {

	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	y, err := ds.Column(label)
	if err != nil {
		return nil, err
	}

	fml := label + " ~ " + spec
	if cfg.learner != nil {
		fml += " - 1"
	}

	design, err := formula.New(fml, ds).Done()
	if err != nil {
		return nil, err
	}

	rows := completeRows(design, y)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: '%s'", ErrNoCompleteRows, fml)
	}

	m := &Model{
		label: label,
		spec:  spec,
		info:  design.Info,
		nobs:  len(rows),
	}

	if cfg.learner != nil {
		err = m.fitLearner(cfg.learner, design, y, rows)
	} else {
		err = m.fitLogistic(design, y, rows)
	}
	if err != nil {
		return nil, err
	}

	if cfg.report != nil {
		if _, err := io.WriteString(cfg.report, m.Summary()); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func completeRows(design *formula.Design, y []float64) []int {
	var rows []int
	for _, i := range design.CompleteRows() {
		if !math.IsNaN(y[i]) {
			rows = append(rows, i)
		}
	}
	return rows
}

func (m *Model) fitLogistic(design *formula.Design, y []float64, rows []int) error {

	da, err := design.Dataset(map[string][]float64{labelName: y})
	if err != nil {
		return err
	}
	if len(rows) < da.NumObs() {
		da = da.Subset(rows)
	}

	rslt, err := glm.NewGLM(da, labelName, design.Names).
		Done().
		Fit()
	if err != nil {
		return fmt.Errorf("nuisance: fitting '%s ~ %s': %w", m.label, m.spec, err)
	}

	m.rslt = rslt
	return nil
}

func (m *Model) fitLearner(l Learner, design *formula.Design, y []float64, rows []int) error {

	X := denseRows(design, rows)
	yy := make([]float64, len(rows))
	for k, i := range rows {
		yy[k] = y[i]
	}

	fitted, err := l.Fit(X, yy)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFit) {
			return fmt.Errorf("%w: %v", ErrIncompatibleModel, err)
		}
		return err
	}

	switch f := fitted.(type) {
	case ProbaPredictor:
		m.proba = f
	case LabelPredictor:
		m.labels = f
	default:
		return fmt.Errorf("%w: %T", ErrNoPredictor, fitted)
	}

	m.fitted = fitted
	return nil
}

// denseRows returns the given rows of the design as a matrix.
func denseRows(design *formula.Design, rows []int) *mat.Dense {
	p := len(design.Data)
	X := mat.NewDense(len(rows), p, nil)
	for j, x := range design.Data {
		for k, i := range rows {
			X.Set(k, j, x[i])
		}
	}
	return X
}

// Predict returns the predicted probability that the label equals 1
// for each row of ds.  The model covariates are rebuilt from ds, so ds
// may differ from the fitting data, for example by setting the exposure
// to a fixed value.  Rows with a missing covariate are predicted as NaN.
func (m *Model) Predict(ds *statmodel.Dataset) ([]float64, error) {

	design, err := m.info.Evaluate(ds)
	if err != nil {
		return nil, err
	}

	if m.rslt != nil {
		da, err := design.Dataset(nil)
		if err != nil {
			return nil, err
		}
		return m.rslt.Predict(da)
	}

	pred := make([]float64, ds.NumObs())
	for i := range pred {
		pred[i] = math.NaN()
	}
	rows := design.CompleteRows()
	if len(rows) == 0 {
		return pred, nil
	}
	X := denseRows(design, rows)

	var p []float64
	if m.proba != nil {
		pm, err := m.proba.PredictProba(X)
		if err != nil {
			return nil, err
		}
		if r, c := pm.Dims(); r != len(rows) || c < 2 {
			return nil, fmt.Errorf("nuisance: PredictProba returned a %dx%d matrix for %d rows", r, c, len(rows))
		}
		p = mat.Col(nil, 1, pm)
	} else {
		p, err = m.labels.Predict(X)
		if err != nil {
			return nil, err
		}
		if len(p) != len(rows) {
			return nil, fmt.Errorf("nuisance: Predict returned %d values for %d rows", len(p), len(rows))
		}
	}

	for k, i := range rows {
		pred[i] = p[k]
	}

	return pred, nil
}

// Label returns the name of the modeled label column.
func (m *Model) Label() string {
	return m.label
}

// Formula returns the model formula, "label ~ spec".
func (m *Model) Formula() string {
	return m.label + " ~ " + m.spec
}

// NumObs returns the number of rows used to fit the model.
func (m *Model) NumObs() int {
	return m.nobs
}

// Results returns the fitted logistic regression, or nil if the model
// was fit with a custom learner.
func (m *Model) Results() *glm.GLMResults {
	return m.rslt
}

// Fitted returns the value returned by the custom learner, or nil if
// the default logistic regression was used.
func (m *Model) Fitted() any {
	return m.fitted
}

// Summary describes the fitted model.
func (m *Model) Summary() string {
	head := fmt.Sprintf("Model: %s\n", m.Formula())
	if m.rslt != nil {
		return head + m.rslt.Summary().String()
	}
	if s, ok := m.fitted.(Summarizer); ok {
		return head + s.Summary() + "\n"
	}
	return head + fmt.Sprintf("Custom model %T fit to %d observations\n", m.fitted, m.nobs)
}
