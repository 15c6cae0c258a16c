package glm

import (
	"math"
)

// Logit returns log(p / (1 - p)).
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

// Expit returns 1 / (1 + exp(-x)), the inverse of Logit.
func Expit(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// expit maps the linear predictor to the mean response.
func expit(linpred, mn []float64) {
	for i, v := range linpred {
		mn[i] = Expit(v)
	}
}

// binomialLogLike returns the Bernoulli log-likelihood of y at the
// means mn.
func binomialLogLike(y, mn []float64) float64 {
	var ll float64
	for i := range y {
		r := mn[i]/(1-mn[i]) + 1e-200
		ll += y[i]*math.Log(r) + math.Log(1-mn[i])
	}
	return ll
}

// binomialDeviance returns the deviance of y at the means mn.  Terms
// with a zero coefficient are skipped so that saturated means stay
// finite.
func binomialDeviance(y, mn []float64) float64 {
	var dev float64
	for i := range y {
		if y[i] > 0 {
			dev -= 2 * y[i] * math.Log(mn[i])
		}
		if y[i] < 1 {
			dev -= 2 * (1 - y[i]) * math.Log(1-mn[i])
		}
	}
	return dev
}
