package model

import "gonum.org/v1/gonum/mat"

// BulkSuffStats are the posterior summaries the bulk sampler hands to
// the M-step. Every field is a running mean over exactly the retained
// sample count declared to the accumulation call.
type BulkSuffStats struct {
	// E[sum_j Z_jik], N x K
	ExpZik *mat.Dense
	// E[sum_i Z_jik], M x K
	ExpZjk *mat.Dense
	// E[log W_kj], K x M
	ExpLogW *mat.Dense
	// E[W_kj], K x M
	ExpW *mat.Dense
}

func newBulkSuffStats(m, n, k int) *BulkSuffStats {
	return &BulkSuffStats{
		ExpZik:  mat.NewDense(n, k, nil),
		ExpZjk:  mat.NewDense(m, k, nil),
		ExpLogW: mat.NewDense(k, m, nil),
		ExpW:    mat.NewDense(k, m, nil),
	}
}

// SCSuffStats are the posterior summaries the single-cell sampler hands
// to the M-step. CoeffA and CoeffASq are the per-(gene, type) linear and
// quadratic coefficients of the profile matrix in the expected joint
// log likelihood; ExpElboConst collects the terms involving neither.
type SCSuffStats struct {
	// E[S_li], L x N
	ExpS *mat.Dense
	// per-cell first and second posterior moments, length L
	ExpKappa   []float64
	ExpTau     []float64
	ExpKappaSq []float64
	ExpTauSq   []float64
	// E[tau_l*(S_li-0.5) - kappa_l*tau_l*w_li] summed over cells of
	// each type, N x K
	CoeffA *mat.Dense
	// E[-tau_l^2*w_li]/2 summed over cells of each type, N x K
	CoeffASq *mat.Dense
	// expected ELBO terms that do not involve A
	ExpElboConst float64
}

func newSCSuffStats(l, n, k int) *SCSuffStats {
	return &SCSuffStats{
		ExpS:       mat.NewDense(l, n, nil),
		ExpKappa:   make([]float64, l),
		ExpTau:     make([]float64, l),
		ExpKappaSq: make([]float64, l),
		ExpTauSq:   make([]float64, l),
		CoeffA:     mat.NewDense(n, k, nil),
		CoeffASq:   mat.NewDense(n, k, nil),
	}
}
