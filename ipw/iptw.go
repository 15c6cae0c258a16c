// Package ipw computes inverse probability weights: treatment weights
// (IPTW) for a binary exposure with covariate balance and positivity
// diagnostics, and censoring weights (IPCW) for long-format follow-up
// data.
package ipw

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gitter-badger/zEpid/nuisance"
	"github.com/gitter-badger/zEpid/statmodel"
)

var (
	// ErrInvalidStandardize is returned for an unknown standardization
	// target.
	ErrInvalidStandardize = errors.New("ipw: invalid standardization target, must be population, exposed or unexposed")

	// ErrNumeratorUnstabilized is returned when a numerator model is
	// given for unstabilized weights.
	ErrNumeratorUnstabilized = errors.New("ipw: a numerator model is only used for stabilized weights")

	// ErrNotFit is returned when weights are requested before the
	// regression models have been fit.
	ErrNotFit = errors.New("ipw: no model has been fit to generate predicted probabilities")
)

type config struct {
	stabilized  bool
	standardize Standardize
	logger      *slog.Logger

	// IPCW input with one row per person
	flat  bool
	enter string
}

// Option configures IPTW and IPCW.
type Option func(*config)

// Stabilized sets whether IPTW weights are stabilized.  The default is
// true.  It has no effect on IPCW.
func Stabilized(s bool) Option {
	return func(c *config) {
		c.stabilized = s
	}
}

// StandardizeTo sets the population to which IPTW weights standardize.
// The default is Population.  It has no effect on IPCW.
func StandardizeTo(s Standardize) Option {
	return func(c *config) {
		c.standardize = s
	}
}

// WithLogger sets the logger that receives progress messages and
// warnings.  By default nothing is logged.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// FlatData declares that the IPCW data have one row per person, with
// the time column holding the end of follow-up.  The data are expanded
// with LongFormat before the uncensored indicator is derived.  enter
// names the column of entry times, or is empty if everyone enters at
// time 0.  It has no effect on IPTW.
func FlatData(enter string) Option {
	return func(c *config) {
		c.flat = true
		c.enter = enter
	}
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		stabilized:  true,
		standardize: Population,
	}
	for _, o := range opts {
		o(cfg)
	}
	if !cfg.standardize.valid() {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStandardize, cfg.standardize)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg, nil
}

// ModelOption configures IPTW.RegressionModels.
type ModelOption func(*modelConfig)

type modelConfig struct {
	numerator    string
	numerSet     bool
	denomLearner nuisance.Learner
	numerLearner nuisance.Learner
	bound        nuisance.Bound
	report       io.Writer
}

// Numerator sets the covariates of the model for the stabilizing
// numerator.  The default "1" is the marginal probability of exposure.
func Numerator(spec string) ModelOption {
	return func(c *modelConfig) {
		c.numerator = spec
		c.numerSet = true
	}
}

// DenominatorLearner fits the denominator model with a custom learner.
func DenominatorLearner(l nuisance.Learner) ModelOption {
	return func(c *modelConfig) {
		c.denomLearner = l
	}
}

// NumeratorLearner fits the numerator model with a custom learner.
func NumeratorLearner(l nuisance.Learner) ModelOption {
	return func(c *modelConfig) {
		c.numerLearner = l
	}
}

// BoundDenominator truncates the denominator probabilities to b.
func BoundDenominator(b nuisance.Bound) ModelOption {
	return func(c *modelConfig) {
		c.bound = b
	}
}

// ReportTo writes summaries of the fitted models to w.
func ReportTo(w io.Writer) ModelOption {
	return func(c *modelConfig) {
		c.report = w
	}
}

func fitOptions(l nuisance.Learner, w io.Writer) []nuisance.Option {
	var opts []nuisance.Option
	if l != nil {
		opts = append(opts, nuisance.WithLearner(l))
	}
	if w != nil {
		opts = append(opts, nuisance.WithReport(w))
	}
	return opts
}

// Weights holds the fitted probabilities and the resulting weights,
// one per row of the data.
type Weights struct {

	// P(A=1 | confounders), after any bound
	Denominator []float64

	// Stabilizing P(A=1), all ones for unstabilized weights
	Numerator []float64

	Weight []float64
}

// IPTW computes inverse probability of treatment weights.
type IPTW struct {
	data      *statmodel.Dataset
	treatment string

	stabilized  bool
	standardize Standardize
	log         *slog.Logger

	denomSpec string
	denomMod  *nuisance.Model
	numerMod  *nuisance.Model
	denom     []float64
	numer     []float64

	weights *Weights
}

// NewIPTW creates an IPTW for the binary treatment column.  The data
// are copied.  Rows with missing values are kept and receive missing
// weights.
func NewIPTW(ds *statmodel.Dataset, treatment string, opts ...Option) (*IPTW, error) {

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	if !ds.Has(treatment) {
		return nil, fmt.Errorf("%w: '%s'", statmodel.ErrUnknownVariable, treatment)
	}

	return &IPTW{
		data:        ds.Copy(),
		treatment:   treatment,
		stabilized:  cfg.stabilized,
		standardize: cfg.standardize,
		log:         cfg.logger,
	}, nil
}

// RegressionModels fits the logistic regression (or custom learner) for
// the probability of treatment given the covariates in denominator, and
// for stabilized weights the numerator model.
func (ip *IPTW) RegressionModels(denominator string, opts ...ModelOption) error {

	mc := modelConfig{
		numerator: "1",
		bound:     nuisance.NoBound(),
	}
	for _, o := range opts {
		o(&mc)
	}

	if !ip.stabilized && ((mc.numerSet && mc.numerator != "1") || mc.numerLearner != nil) {
		return ErrNumeratorUnstabilized
	}

	dm, err := nuisance.Fit(ip.data, ip.treatment, denominator, fitOptions(mc.denomLearner, mc.report)...)
	if err != nil {
		return err
	}
	d, err := dm.Predict(ip.data)
	if err != nil {
		return err
	}
	d = mc.bound.Apply(d)

	n := make([]float64, ip.data.NumObs())
	var nm *nuisance.Model
	if ip.stabilized {
		nm, err = nuisance.Fit(ip.data, ip.treatment, mc.numerator, fitOptions(mc.numerLearner, mc.report)...)
		if err != nil {
			return err
		}
		n, err = nm.Predict(ip.data)
		if err != nil {
			return err
		}
	} else {
		for i := range n {
			n[i] = 1
		}
	}

	ip.denomSpec = denominator
	ip.denomMod = dm
	ip.numerMod = nm
	ip.denom = d
	ip.numer = n
	ip.weights = nil

	ip.log.Debug("fit IPTW models", "denominator", dm.Formula(), "stabilized", ip.stabilized,
		"bound", mc.bound.String())

	return nil
}

// Fit computes the weights from the fitted regression models.
func (ip *IPTW) Fit() (*Weights, error) {

	if ip.denomMod == nil {
		return nil, ErrNotFit
	}

	a, _ := ip.data.Column(ip.treatment)
	w, err := CalculateWeights(a, ip.denom, ip.numer, ip.stabilized, ip.standardize)
	if err != nil {
		return nil, err
	}

	ip.weights = &Weights{
		Denominator: ip.denom,
		Numerator:   ip.numer,
		Weight:      w,
	}

	ip.log.Debug("computed weights", "standardize", ip.standardize.String(), "n", len(w))

	return ip.weights, nil
}

// Weights returns the weights from the last call to Fit, or nil.
func (ip *IPTW) Weights() *Weights {
	return ip.weights
}

// DenominatorModel returns the fitted denominator model, or nil.
func (ip *IPTW) DenominatorModel() *nuisance.Model {
	return ip.denomMod
}

// NumeratorModel returns the fitted numerator model.  It is nil for
// unstabilized weights.
func (ip *IPTW) NumeratorModel() *nuisance.Model {
	return ip.numerMod
}

// Data returns the copy of the data held by the IPTW.  It must not be
// modified.
func (ip *IPTW) Data() *statmodel.Dataset {
	return ip.data
}
