package statmodel

import (
	"gonum.org/v1/gonum/stat"
)

// WeightedMeanStd returns the weighted mean and weighted standard
// deviation of x.  The weights are treated as frequency weights, so
// the variance divisor is sum(w) - 1.  If w is nil, all weights are 1.
func WeightedMeanStd(x, w []float64) (mean, std float64) {
	return stat.MeanStdDev(x, w)
}

// WeightedMean returns the weighted mean of x.  If w is nil, all
// weights are 1.
func WeightedMean(x, w []float64) float64 {
	return stat.Mean(x, w)
}
