package glm

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"

	"github.com/gitter-badger/zEpid/statmodel"
)

// ErrMissingData is returned by Fit when a variable used by the model
// contains missing (NaN) values.
var ErrMissingData = errors.New("glm: missing values in model data")

// GLM represents a logistic regression model.
type GLM struct {
	data *statmodel.Dataset

	// Names of the covariates
	xnames []string

	// Name of the outcome variable
	yname string

	// Name of the offset variable, if present.
	offsetname string

	// Columns extracted from the dataset by Done
	xdat [][]statmodel.Dtype
	ydat []statmodel.Dtype
	off  []statmodel.Dtype

	// L1 (lasso) penalty weights, optional.  If present the model is
	// fit by coordinate descent.
	l1wgt []float64

	// L2 (ridge) penalty weights, optional.  If present without L1
	// weights the model is fit by gradient optimization.
	l2wgt []float64

	// If not nil, write log messages here
	log *log.Logger

	// Maximum number of IRLS iterations
	maxIter int

	// Convergence tolerance for the IRLS deviance
	dtol float64

	// Use concurrent calculations in IRLS if the sample size is at least
	// as large as this value.
	concurrentIRLS int
}

// GLMParams represents the model parameters for a GLM.  The binomial
// scale is fixed at 1.
type GLMParams struct {
	coeff []float64
}

// GetCoeff returns the coefficients (slopes for individual
// covariates) from the parameter.
func (p *GLMParams) GetCoeff() []float64 {
	return p.coeff
}

// SetCoeff sets the coefficients (slopes for individual covariates)
// for the parameter.
func (p *GLMParams) SetCoeff(coeff []float64) {
	p.coeff = coeff
}

// Clone produces a deep copy of the parameter value.
func (p *GLMParams) Clone() statmodel.Parameter {
	coeff := make([]float64, len(p.coeff))
	copy(coeff, p.coeff)
	return &GLMParams{coeff: coeff}
}

// Log takes a Logger value that will be used to log the progress of the fit.
func (glm *GLM) Log(log *log.Logger) *GLM {
	glm.log = log
	return glm
}

// NumParams returns the number of covariates in the model.
func (glm *GLM) NumParams() int {
	return len(glm.xnames)
}

// NumObs returns the number of observations used to fit the model.
func (glm *GLM) NumObs() int {
	return len(glm.ydat)
}

// Xnames returns the names of the covariates, in coefficient order.
func (glm *GLM) Xnames() []string {
	return glm.xnames
}

// Dataset returns the data that is used to fit the model.
func (glm *GLM) Dataset() *statmodel.Dataset {
	return glm.data
}

// GLMResults describes the results of a fitted generalized linear model.
type GLMResults struct {
	statmodel.BaseResults

	// Number of IRLS iterations, zero for other fitting methods
	iterations int

	converged bool
}

// Converged reports whether the fitting algorithm met its
// convergence criterion.
func (rslt *GLMResults) Converged() bool {
	return rslt.converged
}

// Iterations returns the number of IRLS iterations that were run.
func (rslt *GLMResults) Iterations() int {
	return rslt.iterations
}

// NewGLM creates a logistic regression of the binary outcome on the
// covariates.  An intercept is included only if it is one of the
// covariates.
func NewGLM(data *statmodel.Dataset, yname string, xnames []string) *GLM {

	return &GLM{
		data:           data,
		yname:          yname,
		xnames:         xnames,
		maxIter:        50,
		dtol:           1e-8,
		concurrentIRLS: 10000,
	}
}

// Offset sets the name of the offset variable
func (glm *GLM) Offset(name string) *GLM {
	glm.offsetname = name
	return glm
}

// L2Weight set the L2 weights used for ridge-regularization.
func (glm *GLM) L2Weight(l2wgt []float64) *GLM {
	glm.l2wgt = l2wgt
	return glm
}

// L1Weight set the L1 weights used for lasso-regularization.
func (glm *GLM) L1Weight(l1wgt []float64) *GLM {
	glm.l1wgt = l1wgt
	return glm
}

func (glm *GLM) column(name, role string) []statmodel.Dtype {
	x, err := glm.data.Column(name)
	if err != nil {
		msg := fmt.Sprintf("%s variable '%s' not found.", role, name)
		panic(msg)
	}
	return x
}

func (glm *GLM) findvars() {

	glm.ydat = glm.column(glm.yname, "Outcome")

	glm.xdat = make([][]statmodel.Dtype, len(glm.xnames))
	for j, na := range glm.xnames {
		glm.xdat[j] = glm.column(na, "Covariate")
	}

	glm.off = nil
	if glm.offsetname != "" {
		glm.off = glm.column(glm.offsetname, "Offset")
	}
}

func (glm *GLM) check() {

	if glm.l1wgt != nil && len(glm.l1wgt) != len(glm.xnames) {
		msg := fmt.Sprintf("GLM: The L1 weight vector has length %d, but the model has %d covariates.\n",
			len(glm.l1wgt), len(glm.xnames))
		panic(msg)
	}

	if glm.l2wgt != nil && len(glm.l2wgt) != len(glm.xnames) {
		msg := fmt.Sprintf("GLM: The L2 weight vector has length %d, but the model has %d covariates.\n",
			len(glm.l2wgt), len(glm.xnames))
		panic(msg)
	}
}

// Done completes definition of a GLM.  After calling Done the GLM can
// be fit by calling the Fit method.
func (glm *GLM) Done() *GLM {

	glm.findvars()
	glm.check()

	return glm
}

// checkMissing returns an error if any value used by the model is NaN.
func (glm *GLM) checkMissing() error {

	cols := map[string][]statmodel.Dtype{glm.yname: glm.ydat}
	for j, na := range glm.xnames {
		cols[na] = glm.xdat[j]
	}
	if glm.off != nil {
		cols[glm.offsetname] = glm.off
	}

	for na, x := range cols {
		for _, v := range x {
			if math.IsNaN(v) {
				return fmt.Errorf("%w: '%s'", ErrMissingData, na)
			}
		}
	}

	return nil
}

// linearPredictor fills linpred with X*coeff + offset.
func (glm *GLM) linearPredictor(coeff, linpred []float64) {
	zero(linpred)
	for j, x := range glm.xdat {
		floats.AddScaled(linpred, coeff[j], x)
	}
	if glm.off != nil {
		floats.Add(linpred, glm.off)
	}
}

// LogLike returns the log-likelihood value for the model at the given
// parameter values.  The Bernoulli log-likelihood has no terms free of
// the mean, so exact has no effect.  When L2 weights are present the
// value is penalized.
func (glm *GLM) LogLike(params statmodel.Parameter, exact bool) float64 {

	coeff := params.(*GLMParams).coeff

	n := glm.NumObs()
	linpred := make([]float64, n)
	mn := make([]float64, n)

	glm.linearPredictor(coeff, linpred)
	expit(linpred, mn)
	loglike := binomialLogLike(glm.ydat, mn)

	// Account for the L2 penalty
	if glm.l2wgt != nil {
		nobs := float64(n)
		for j, v := range glm.l2wgt {
			loglike -= nobs * v * coeff[j] * coeff[j] / 2
		}
	}

	return loglike
}

// Score returns the score vector for the model at the given parameter
// values.  With the canonical link each observation contributes its
// residual times its covariates.
func (glm *GLM) Score(params statmodel.Parameter, score []float64) {

	coeff := params.(*GLMParams).coeff

	n := glm.NumObs()
	linpred := make([]float64, n)
	fac := make([]float64, n)

	zero(score)

	glm.linearPredictor(coeff, linpred)
	expit(linpred, fac)
	for i, y := range glm.ydat {
		fac[i] = y - fac[i]
	}

	for j, x := range glm.xdat {
		score[j] = floats.Dot(fac, x)
	}

	// Account for the L2 penalty
	if glm.l2wgt != nil {
		nobs := float64(n)
		for j, v := range glm.l2wgt {
			score[j] -= nobs * v * coeff[j]
		}
	}
}

// Hessian returns the Hessian matrix for the model.  The Hessian is
// returned as a one-dimensional array, which is the vectorized form
// of the Hessian matrix.  The logit link is canonical for the binomial
// family, so the observed and expected Hessians coincide and ht has no
// effect.
func (glm *GLM) Hessian(param statmodel.Parameter, ht statmodel.HessType, hess []float64) {

	coeff := param.(*GLMParams).coeff

	nvar := glm.NumParams()
	n := glm.NumObs()
	linpred := make([]float64, n)
	fac := make([]float64, n)

	zero(hess)

	glm.linearPredictor(coeff, linpred)

	// The binomial variance of the mean response
	expit(linpred, fac)
	for i, p := range fac {
		fac[i] = p * (1 - p)
	}

	// Update the Hessian matrix
	glm.hessXprod(fac, hess)

	// Fill in the upper triangle
	for j1 := 0; j1 < nvar; j1++ {
		for j2 := 0; j2 < j1; j2++ {
			hess[j2*nvar+j1] = hess[j1*nvar+j2]
		}
	}

	// Account for the L2 penalty
	if glm.l2wgt != nil {
		nobs := float64(n)
		for j, v := range glm.l2wgt {
			hess[j*nvar+j] -= nobs * v
		}
	}
}

func (glm *GLM) hessXprod(fac, hess []float64) {

	nvar := len(glm.xdat)

	var wg sync.WaitGroup

	for j1 := 0; j1 < nvar; j1++ {
		for j2 := 0; j2 <= j1; j2++ {

			wg.Add(1)
			go func(j1, j2 int) {
				defer wg.Done()
				x1 := glm.xdat[j1]
				x2 := glm.xdat[j2]
				var u float64
				for i := range x1 {
					u += fac[i] * x1[i] * x2[i]
				}
				hess[j1*nvar+j2] -= u
			}(j1, j2)
		}
	}

	wg.Wait()
}

// Focus returns a model with a single covariate, the j^th covariate of
// the receiver.  The effects of the remaining covariates, evaluated at
// coeff, are absorbed into the offset.  Focused models are used for
// coordinate descent fitting.
func (glm *GLM) Focus(j int, coeff []float64) statmodel.RegFitter {

	n := glm.NumObs()
	off := make([]float64, n)
	if glm.off != nil {
		copy(off, glm.off)
	}
	for k, x := range glm.xdat {
		if k != j {
			floats.AddScaled(off, coeff[k], x)
		}
	}

	data := [][]statmodel.Dtype{glm.ydat, glm.xdat[j], off}
	names := []string{"__y", "__x", "__off"}

	// Column lengths already agree, so NewDataset cannot fail.
	fdat, _ := statmodel.NewDataset(data, names)

	fglm := NewGLM(fdat, "__y", []string{"__x"}).Offset("__off")
	if glm.l2wgt != nil {
		fglm = fglm.L2Weight([]float64{glm.l2wgt[j]})
	}

	return fglm.Done()
}

// fitRegularized estimates the parameters of the GLM using L1
// regularization (with optional L2 regularization).  This invokes
// coordinate descent optimization.
func (glm *GLM) fitRegularized() *GLMResults {

	if glm.log != nil {
		glm.log.Print("Regularized fitting\n")
	}

	start := &GLMParams{
		coeff: make([]float64, glm.NumParams()),
	}

	par := statmodel.FitL1Reg(glm, start, glm.l1wgt, true)

	return &GLMResults{
		BaseResults: statmodel.NewBaseResults(glm, 0, par.GetCoeff(), glm.xnames, nil),
		converged:   true,
	}
}

// Fit estimates the parameters of the GLM and returns a results
// object.  If L1 weights are present, coordinate descent is used.  If
// only L2 weights are present, gradient optimization is used.
// Otherwise the model is fit by IRLS.  Regularized fits do not produce
// standard errors.
func (glm *GLM) Fit() (*GLMResults, error) {

	if err := glm.checkMissing(); err != nil {
		return nil, err
	}

	if glm.l1wgt != nil {
		return glm.fitRegularized(), nil
	}

	var params []float64
	var iter int
	converged := true
	var err error

	if glm.l2wgt != nil {
		if glm.log != nil {
			glm.log.Print("Fitting using gradient optimization\n")
		}
		params, err = glm.fitGradient(make([]float64, glm.NumParams()))
	} else {
		if glm.log != nil {
			glm.log.Print("Fitting using IRLS\n")
		}
		params, iter, converged, err = glm.fitIRLS()
	}
	if err != nil {
		return nil, err
	}

	var vcov []float64
	if glm.l2wgt == nil {
		// A singular Hessian leaves the standard errors undefined
		// but does not invalidate the point estimates.
		vcov, _ = statmodel.GetVcov(glm, &GLMParams{params})
	}

	ll := glm.LogLike(&GLMParams{params}, true)

	results := &GLMResults{
		BaseResults: statmodel.NewBaseResults(glm, ll, params, glm.xnames, vcov),
		iterations:  iter,
		converged:   converged,
	}

	return results, nil
}

// fitGradient uses gradient-based optimization to obtain the fitted
// GLM parameters.
func (glm *GLM) fitGradient(start []float64) ([]float64, error) {

	p := optimize.Problem{
		Func: func(x []float64) float64 {
			return -glm.LogLike(&GLMParams{x}, false)
		},
		Grad: func(grad, x []float64) {
			glm.Score(&GLMParams{x}, grad)
			floats.Scale(-1, grad)
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: 1e-6,
	}

	optrslt, err := optimize.Minimize(p, start, settings, &optimize.BFGS{})
	if err != nil {
		glm.failMessage(optrslt)
		return nil, fmt.Errorf("glm: gradient optimization failed: %w", err)
	}
	if err = optrslt.Status.Err(); err != nil {
		return nil, fmt.Errorf("glm: gradient optimization failed: %w", err)
	}

	params := make([]float64, len(optrslt.X))
	copy(params, optrslt.X)

	return params, nil
}

// failMessage logs information that can help diagnose optimization failures.
func (glm *GLM) failMessage(optrslt *optimize.Result) {

	if glm.log == nil || optrslt == nil {
		return
	}

	glm.log.Print("Current point and gradient:\n")
	for j, x := range optrslt.X {
		var g float64
		if j < len(optrslt.Gradient) {
			g = optrslt.Gradient[j]
		}
		glm.log.Printf("%16.8f %16.8f %s\n", x, g, glm.xnames[j])
	}

	glm.log.Print("Covariate means and standard deviations:\n")
	for j, x := range glm.xdat {
		m, s := statmodel.WeightedMeanStd(x, nil)
		glm.log.Printf("%16.8f %16.8f %s\n", m, s, glm.xnames[j])
	}
}

// Predict returns the fitted mean response for the rows of da, which
// must contain every covariate of the model and, if the model has an
// offset, the offset variable.  If da is nil the fitting data are used.
func (rslt *GLMResults) Predict(da *statmodel.Dataset) ([]float64, error) {

	glm := rslt.Model().(*GLM)
	if da == nil {
		da = glm.data
	}

	linpred, err := rslt.FittedValues(da)
	if err != nil {
		return nil, err
	}

	if glm.offsetname != "" {
		off, err := da.Column(glm.offsetname)
		if err != nil {
			return nil, err
		}
		floats.Add(linpred, off)
	}

	mn := make([]float64, len(linpred))
	expit(linpred, mn)

	return mn, nil
}

// zero sets all elements of the slice to 0
func zero(x []float64) {
	for i := range x {
		x[i] = 0
	}
}

// GLMSummary summarizes a fitted generalized linear model.
type GLMSummary struct {

	// The GLM
	glm *GLM

	// The results structure
	results *GLMResults

	// Transform the parameters with this function.  If nil,
	// no transformation is applied.  If paramXform is provided,
	// the standard error and Z-score are not shown.
	paramXform func(float64) float64

	// Messages that are appended to the table
	messages []string
}

// SetScale sets the scale on which the parameter results are
// displayed in the summary.  'xf' is a function that maps
// parameters and confidence limits from the linear scale to
// the desired scale.  'msg' is a message that is appended
// to the summary table.
func (gs *GLMSummary) SetScale(xf func(float64) float64, msg string) *GLMSummary {
	gs.paramXform = xf
	gs.messages = append(gs.messages, msg)
	return gs
}

// String returns a string representation of a summary table for the model.
func (gs *GLMSummary) String() string {

	xf := func(x float64) float64 {
		return x
	}

	if gs.paramXform != nil {
		xf = gs.paramXform
	}

	sum := &statmodel.SummaryTable{
		Msg: gs.messages,
	}

	sum.Title = "Generalized linear model analysis"

	sum.Top = []string{
		"Family:   Binomial",
		"Link:     Logit",
		fmt.Sprintf("Num obs:  %d", gs.glm.NumObs()),
	}
	if gs.glm.offsetname != "" {
		sum.Top = append(sum.Top, fmt.Sprintf("Offset:   %s", gs.glm.offsetname))
	}
	if gs.results.iterations > 0 {
		sum.Top = append(sum.Top, fmt.Sprintf("Iter:     %d", gs.results.iterations))
	}
	if !gs.results.converged {
		sum.Msg = append(sum.Msg, "Warning: the fitting algorithm did not converge.")
	}

	fs, fn := statmodel.StringFmter, statmodel.FloatFmter

	// No standard errors for regularized fits or singular Hessians
	nose := gs.results.VCov() == nil

	switch {
	case nose:
		sum.ColNames = []string{"Variable   ", "Parameter"}
		sum.ColFmt = []statmodel.Fmter{fs, fn}
	case gs.paramXform == nil:
		sum.ColNames = []string{"Variable   ", "Parameter", "SE", "LCB", "UCB", "Z-score", "P-value"}
		sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn, fn, fn}
	default:
		sum.ColNames = []string{"Variable   ", "Parameter", "LCB", "UCB", "P-value"}
		sum.ColFmt = []statmodel.Fmter{fs, fn, fn, fn, fn}
	}

	if nose {
		par := make([]float64, len(gs.results.Params()))
		for j, v := range gs.results.Params() {
			par[j] = xf(v)
		}
		sum.Cols = []interface{}{gs.results.Names(), par}
		return sum.String()
	}

	// Create estimate and CI for the parameters
	var par, lcb, ucb []float64
	pax := gs.results.Params()
	se := gs.results.StdErr()
	for j := range pax {
		par = append(par, xf(pax[j]))
		lcb = append(lcb, xf(pax[j]-2*se[j]))
		ucb = append(ucb, xf(pax[j]+2*se[j]))
	}

	if gs.paramXform == nil {
		sum.Cols = []interface{}{
			gs.results.Names(),
			par,
			se,
			lcb,
			ucb,
			gs.results.ZScores(),
			gs.results.PValues(),
		}
	} else {
		sum.Cols = []interface{}{
			gs.results.Names(),
			par,
			lcb,
			ucb,
			gs.results.PValues(),
		}
	}

	return sum.String()
}

// Summary displays a summary table of the model results.
func (rslt *GLMResults) Summary() *GLMSummary {

	glm := rslt.Model().(*GLM)

	return &GLMSummary{
		glm:     glm,
		results: rslt,
	}
}
