// Package doublyrobust estimates the causal effect of a binary exposure
// on a binary outcome using targeted maximum likelihood estimation
// (TMLE) and augmented inverse probability of treatment weighting
// (AIPTW).
//
// Both estimators combine an exposure (propensity) model and an outcome
// model.  The exposure model predicts P(A=1 | W) and the outcome model
// predicts P(Y=1 | A, W) for the exposure as observed and with the
// exposure set to 1 and to 0 for every row.  The effect is reported as
// a risk difference, risk ratio or odds ratio with a Wald confidence
// interval derived from the influence curve.
//
// A typical TMLE analysis is:
//
//	tm, err := doublyrobust.NewTMLE(ds, "art", "dead", doublyrobust.WithMeasure(doublyrobust.RiskRatio))
//	err = tm.ExposureModel("male + age0 + cd40", doublyrobust.Bounded(b))
//	err = tm.OutcomeModel("art + male + age0 + cd40")
//	err = tm.Fit()
//	rr := tm.RiskRatio()
//
// Estimators are not safe for concurrent use.
package doublyrobust

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/gitter-badger/zEpid/nuisance"
	"github.com/gitter-badger/zEpid/statmodel"
)

var (
	// ErrModelsNotFit is returned by Fit when the exposure model or the
	// outcome model has not been registered.
	ErrModelsNotFit = errors.New("doublyrobust: no model has been fit for the exposure and outcome; both are required")

	// ErrInvalidMeasure is returned for an unknown effect measure.
	ErrInvalidMeasure = errors.New("doublyrobust: invalid effect measure")

	// ErrInvalidAlpha is returned when alpha is not in (0, 1).
	ErrInvalidAlpha = errors.New("doublyrobust: alpha must be between 0 and 1")

	// ErrNotBinary is returned when the exposure or outcome takes values
	// other than 0 and 1.
	ErrNotBinary = errors.New("doublyrobust: variable is not binary")

	// ErrNoResults is returned when results are requested before Fit.
	ErrNoResults = errors.New("doublyrobust: the estimator has not been fit")

	// ErrOutcomeBound is returned when a bound is requested for the
	// outcome model.
	ErrOutcomeBound = errors.New("doublyrobust: bounds apply only to the exposure model")
)

// State is the stage an estimator has reached.
type State int

// Unfit, etc. are the estimator states, in order.
const (
	Unfit State = iota
	ModelsRegistered
	Targeted
	Fitted
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Unfit:
		return "unfit"
	case ModelsRegistered:
		return "models registered"
	case Targeted:
		return "targeted"
	case Fitted:
		return "fitted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Option configures an estimator.
type Option func(*config)

type config struct {
	measure Measure
	alpha   float64
	logger  *slog.Logger
}

// WithMeasure sets the effect measure.  The default is RiskDifference.
func WithMeasure(m Measure) Option {
	return func(c *config) {
		c.measure = m
	}
}

// WithAlpha sets the confidence intervals to have coverage 1 - alpha.
// The default is 0.05.
func WithAlpha(alpha float64) Option {
	return func(c *config) {
		c.alpha = alpha
	}
}

// WithLogger sets the logger that receives progress messages.  By
// default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// ModelOption configures the registration of a nuisance model.
type ModelOption func(*modelConfig)

type modelConfig struct {
	bound   *nuisance.Bound
	learner nuisance.Learner
	report  io.Writer
}

// Bounded truncates the predicted propensity scores to b.  It may only
// be used with the exposure model.
func Bounded(b nuisance.Bound) ModelOption {
	return func(c *modelConfig) {
		c.bound = &b
	}
}

// Learner fits the model with a custom learner in place of logistic
// regression.
func Learner(l nuisance.Learner) ModelOption {
	return func(c *modelConfig) {
		c.learner = l
	}
}

// ReportTo writes a summary of the fitted model to w.
func ReportTo(w io.Writer) ModelOption {
	return func(c *modelConfig) {
		c.report = w
	}
}

func (mc *modelConfig) fitOptions() []nuisance.Option {
	var opts []nuisance.Option
	if mc.learner != nil {
		opts = append(opts, nuisance.WithLearner(mc.learner))
	}
	if mc.report != nil {
		opts = append(opts, nuisance.WithReport(mc.report))
	}
	return opts
}

// Predictions holds the nuisance model predictions for each row of the
// working data.
type Predictions struct {

	// Bounded propensity score P(A=1 | W)
	G1 []float64

	// Bounded complement P(A=0 | W).  The bound is applied to 1 - g1
	// separately, so with an asymmetric bound G0 may differ from 1 - G1.
	G0 []float64

	// Outcome predictions with the exposure as observed, set to 1 and
	// set to 0
	QA []float64
	Q1 []float64
	Q0 []float64
}

// Results summarizes a fitted estimator.
type Results struct {

	// Marginal risks under exposure and no exposure
	Risk1 float64
	Risk0 float64

	// Number of observations in the working data
	NumObs int

	// The effect on the configured scale
	Estimate *Estimate
}

// estimator holds what TMLE and AIPTW have in common: the working data,
// the nuisance models and the predictor.
type estimator struct {
	data     *statmodel.Dataset
	exposure string
	outcome  string

	measure Measure
	alpha   float64
	log     *slog.Logger

	expModel *nuisance.Model
	outModel *nuisance.Model
	bound    nuisance.Bound

	state     State
	pred      *Predictions
	results   *Results
	estimates map[Measure]*Estimate
}

func newEstimator(ds *statmodel.Dataset, exposure, outcome string, opts []Option) (*estimator, error) {

	cfg := config{
		measure: RiskDifference,
		alpha:   0.05,
	}
	for _, o := range opts {
		o(&cfg)
	}

	if !cfg.measure.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMeasure, cfg.measure)
	}
	if !(cfg.alpha > 0 && cfg.alpha < 1) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAlpha, cfg.alpha)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	for _, na := range []string{exposure, outcome} {
		if !ds.Has(na) {
			return nil, fmt.Errorf("%w: '%s'", statmodel.ErrUnknownVariable, na)
		}
	}

	// Complete-case analysis over every column, done once.
	data, ndrop, err := ds.Copy().DropNA()
	if err != nil {
		return nil, err
	}
	if ndrop > 0 {
		cfg.logger.Debug("dropped rows with missing values", "dropped", ndrop, "remaining", data.NumObs())
	}

	for _, na := range []string{exposure, outcome} {
		if err := checkBinary(data, na); err != nil {
			return nil, err
		}
	}

	return &estimator{
		data:     data,
		exposure: exposure,
		outcome:  outcome,
		measure:  cfg.measure,
		alpha:    cfg.alpha,
		log:      cfg.logger,
		bound:    nuisance.NoBound(),
	}, nil
}

func checkBinary(ds *statmodel.Dataset, name string) error {
	x, err := ds.Column(name)
	if err != nil {
		return err
	}
	for i, v := range x {
		if v != 0 && v != 1 {
			return fmt.Errorf("%w: '%s' has value %v in row %d", ErrNotBinary, name, v, i)
		}
	}
	return nil
}

// ExposureModel fits the model for the exposure given the covariates
// in spec, the right-hand side of a model formula.  Registering a
// model discards any previous results.
func (est *estimator) ExposureModel(spec string, opts ...ModelOption) error {

	var mc modelConfig
	for _, o := range opts {
		o(&mc)
	}

	m, err := nuisance.Fit(est.data, est.exposure, spec, mc.fitOptions()...)
	if err != nil {
		return err
	}

	est.expModel = m
	est.bound = nuisance.NoBound()
	if mc.bound != nil {
		est.bound = *mc.bound
	}
	est.log.Debug("fit exposure model", "model", m.Formula(), "bound", est.bound.String())
	est.reset()

	return nil
}

// OutcomeModel fits the model for the outcome given the exposure and
// covariates in spec, which should include the exposure.
// Registering a model discards any previous results.
func (est *estimator) OutcomeModel(spec string, opts ...ModelOption) error {

	var mc modelConfig
	for _, o := range opts {
		o(&mc)
	}
	if mc.bound != nil {
		return ErrOutcomeBound
	}

	m, err := nuisance.Fit(est.data, est.outcome, spec, mc.fitOptions()...)
	if err != nil {
		return err
	}

	est.outModel = m
	est.log.Debug("fit outcome model", "model", m.Formula())
	est.reset()

	return nil
}

func (est *estimator) reset() {
	est.pred = nil
	est.results = nil
	est.estimates = nil
	est.state = Unfit
	if est.expModel != nil && est.outModel != nil {
		est.state = ModelsRegistered
	}
}

// predict produces the bounded propensity scores and the outcome
// predictions under the observed exposure and under exposure set to 1
// and to 0.
func (est *estimator) predict() (*Predictions, error) {

	if est.expModel == nil || est.outModel == nil {
		return nil, ErrModelsNotFit
	}

	g1, err := est.expModel.Predict(est.data)
	if err != nil {
		return nil, err
	}

	qa, err := est.outModel.Predict(est.data)
	if err != nil {
		return nil, err
	}

	n := est.data.NumObs()
	set := func(v float64) ([]float64, error) {
		x := make([]float64, n)
		for i := range x {
			x[i] = v
		}
		ds, err := est.data.With(est.exposure, x)
		if err != nil {
			return nil, err
		}
		return est.outModel.Predict(ds)
	}

	q1, err := set(1)
	if err != nil {
		return nil, err
	}
	q0, err := set(0)
	if err != nil {
		return nil, err
	}

	g0 := make([]float64, n)
	for i, g := range g1 {
		g0[i] = 1 - g
	}

	return &Predictions{
		G1: est.bound.Apply(g1),
		G0: est.bound.Apply(g0),
		QA: qa,
		Q1: q1,
		Q0: q0,
	}, nil
}

func (est *estimator) columns() (a, y []float64) {
	// The columns were verified at construction.
	a, _ = est.data.Column(est.exposure)
	y, _ = est.data.Column(est.outcome)
	return a, y
}

// finish estimates the configured measure and any additional measures,
// which are then available from the accessors.
func (est *estimator) finish(ar *arms, also ...Measure) {

	est.estimates = make(map[Measure]*Estimate)
	for _, m := range append([]Measure{est.measure}, also...) {
		if _, ok := est.estimates[m]; ok {
			continue
		}
		psi, ic := ar.effect(m)
		est.estimates[m] = wald(m, psi, ic, est.alpha)
	}
	e := est.estimates[est.measure]

	est.results = &Results{
		Risk1:    ar.r1,
		Risk0:    ar.r0,
		NumObs:   len(ar.y),
		Estimate: e,
	}
	est.state = Fitted

	if est.log.Enabled(context.Background(), slog.LevelDebug) {
		est.log.Debug("estimated effect", "measure", e.Measure.String(), "estimate", e.Point,
			"se", e.StdErr, "lower", e.Lower, "upper", e.Upper)
	}
}

// State returns the stage the estimator has reached.
func (est *estimator) State() State {
	return est.state
}

// NumObs returns the number of rows in the working data, after rows
// with missing values were dropped.
func (est *estimator) NumObs() int {
	return est.data.NumObs()
}

// Data returns the working data.  It must not be modified.
func (est *estimator) Data() *statmodel.Dataset {
	return est.data
}

// Measure returns the configured effect measure.
func (est *estimator) Measure() Measure {
	return est.measure
}

// Predictions returns the nuisance model predictions used by the last
// call to Fit, or nil.
func (est *estimator) Predictions() *Predictions {
	return est.pred
}

// Results returns the results of the last call to Fit, or nil.
func (est *estimator) Results() *Results {
	return est.results
}

func (est *estimator) estimate(m Measure) *Estimate {
	if est.results == nil {
		return nil
	}
	return est.estimates[m]
}

// RiskDifference returns the risk difference, or nil if the estimator
// has not been fit or did not estimate it.  TMLE estimates only the
// configured measure; AIPTW always estimates the risk difference and
// the risk ratio.
func (est *estimator) RiskDifference() *Estimate {
	return est.estimate(RiskDifference)
}

// RiskRatio returns the risk ratio, or nil if the estimator has not
// been fit or did not estimate it.
func (est *estimator) RiskRatio() *Estimate {
	return est.estimate(RiskRatio)
}

// OddsRatio returns the odds ratio, or nil if the estimator has not
// been fit or did not estimate it.
func (est *estimator) OddsRatio() *Estimate {
	return est.estimate(OddsRatio)
}

// clip keeps outcome predictions away from 0 and 1 so that their logits
// are finite.
func clip(p float64) float64 {
	const eps = 1e-10
	return math.Min(math.Max(p, eps), 1-eps)
}
