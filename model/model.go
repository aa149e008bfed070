// Package model implements the E-step of the Gibbs-EM deconvolution
// algorithm: a Dirichlet-Multinomial Gibbs sampler for bulk mixtures
// and a Polya-Gamma augmented Gibbs sampler for single-cell dropout.
//
// Both samplers share one lifecycle: construct with current parameter
// estimates, (re)initialize the latent chain state, run burn-in plus
// thinned sampling, then read back the accumulated sufficient
// statistics to drive the caller's M-step. Updated parameters are
// pushed back in with UpdateParameters between outer EM iterations.
package model

import "math"

// Prior is a (mean, variance) pair for a univariate Gaussian prior.
type Prior struct {
	Mean float64
	Var  float64
}

// expit is the logistic function 1 / (1 + exp(-x)).
func expit(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
