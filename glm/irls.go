package glm

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/gitter-badger/zEpid/statmodel"
)

// ErrSingular is returned when the weighted normal equations of an
// IRLS step cannot be solved.
var ErrSingular = errors.New("glm: singular weighted normal equations")

// fitIRLS fits the model using iteratively reweighted least squares.
// It returns the parameter estimates, the number of iterations, and
// whether the deviance converged.
func (glm *GLM) fitIRLS() ([]float64, int, bool, error) {

	n := glm.NumObs()
	linpred := make([]float64, n)
	mn := make([]float64, n)
	irlsw := make([]float64, n)
	adjy := make([]float64, n)

	var nparam mat.VecDense

	nvar := glm.NumParams()

	xty := make([]float64, nvar)
	xtx := make([]float64, nvar*nvar)

	params := make([]float64, nvar)

	var dev []float64
	yda := glm.ydat
	off := glm.off

	converged := false
	iter := 0

	// IRLS iterations
	for ; iter < glm.maxIter; iter++ {

		zero(xtx)
		zero(xty)

		if iter == 0 {
			startingMu(yda, mn)
			for i, p := range mn {
				linpred[i] = Logit(p)
			}
		} else {
			glm.linearPredictor(params, linpred)
			expit(linpred, mn)
		}

		devi := binomialDeviance(yda, mn)

		// Check convergence
		dev = append(dev, devi)
		if len(dev) > 3 && math.Abs(dev[len(dev)-1]-dev[len(dev)-2]) < glm.dtol {
			converged = true
			break
		}

		// The WLS weights are the binomial variances, and the
		// adjusted response is the working response less the offset.
		for i, y := range yda {
			irlsw[i] = mn[i] * (1 - mn[i])
			adjy[i] = linpred[i] + (y-mn[i])/irlsw[i]
			if off != nil {
				adjy[i] -= off[i]
			}
		}

		// Update the weighted moment matrices.  For large data sets, this is by far the
		// most expensive step.
		glm.irlsXprod(adjy, irlsw, xty, xtx)

		// Fill in the unfilled triangle of xtx
		for j1 := 0; j1 < nvar; j1++ {
			for j2 := j1 + 1; j2 < nvar; j2++ {
				xtx[j1*nvar+j2] = xtx[j2*nvar+j1]
			}
		}

		// Update the parameters
		xtxm := mat.NewDense(nvar, nvar, xtx)
		xtyv := mat.NewVecDense(nvar, xty)
		if err := nparam.SolveVec(xtxm, xtyv); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, iter, false, fmt.Errorf("%w: %v", ErrSingular, err)
			}
			if glm.log != nil {
				glm.log.Printf("Iteration %d: %v\n", iter+1, err)
			}
		}
		params = append(params[:0], nparam.RawVector().Data...)

		if glm.log != nil {
			glm.log.Printf("Iteration %d: deviance=%.10f\n", iter+1, devi)
		}
	}

	if glm.log != nil {
		if converged {
			glm.log.Print("IRLS converged\n")
		} else {
			glm.log.Printf("IRLS did not converge in %d iterations\n", glm.maxIter)
		}
	}

	return params, iter, converged, nil
}

func (glm *GLM) irlsXprod(adjy, irlsw, xty, xtx []float64) {

	if len(adjy) >= glm.concurrentIRLS {
		glm.irlsXprodConcurrent(adjy, irlsw, xty, xtx)
		return
	}

	nvar := len(glm.xdat)

	for j1, xda := range glm.xdat {

		// Update x' w^-1 yadj
		var u float64
		for i := range adjy {
			u += adjy[i] * xda[i] * irlsw[i]
		}
		xty[j1] += u

		// Update x' w^-1 x
		for j2 := 0; j2 <= j1; j2++ {
			xdb := glm.xdat[j2]
			var u float64
			for i := range xda {
				u += xda[i] * xdb[i] * irlsw[i]
			}
			xtx[j1*nvar+j2] += u
		}
	}
}

// irlsXprodConcurrent is a concurrent version of irlsXprod
func (glm *GLM) irlsXprodConcurrent(adjy, irlsw, xty, xtx []float64) {

	nvar := len(glm.xdat)

	var wg sync.WaitGroup

	for j1, xda := range glm.xdat {

		// Update x' w^-1 yadj
		wg.Add(1)
		go func(j1 int, xda []float64) {
			defer wg.Done()
			var u float64
			for i := range adjy {
				u += adjy[i] * xda[i] * irlsw[i]
			}
			xty[j1] += u
		}(j1, xda)

		// Update x' w^-1 x
		for j2 := 0; j2 <= j1; j2++ {
			xdb := glm.xdat[j2]
			wg.Add(1)
			go func(j1, j2 int, xda, xdb []float64) {
				defer wg.Done()
				var u float64
				for i := range xda {
					u += xda[i] * xdb[i] * irlsw[i]
				}
				xtx[j1*nvar+j2] += u
			}(j1, j2, xda, xdb)
		}
	}

	wg.Wait()
}

// startingMu shrinks the outcome halfway towards 1/2, giving means
// of 1/4 and 3/4 for binary outcomes.
func startingMu(y []statmodel.Dtype, mn []float64) {
	for i := range mn {
		mn[i] = (y[i] + 0.5) / 2
	}
}
