/*
Package glm fits logistic regression models, binomial generalized
linear models with the logit link, to the columns of a
statmodel.Dataset.

Offsets are supported, so that a model can be fit without an intercept
around fixed predictions.  Models are fit by iteratively reweighted
least squares, by BFGS when ridge (L2) penalties are present, or by
coordinate descent when lasso (L1) penalties are present.

	model := glm.NewGLM(ds, "y", []string{"icept", "x"}).Offset("off").Done()
	rslt, err := model.Fit()
*/
package glm
