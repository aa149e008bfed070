package model

import (
	"fmt"
	"math"

	log "github.com/golang/glog"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mkarikom/URSM/polyagamma"
)

// SingleCellSampler infers, per cell l of type G[l], a logistic
// dropout regression
//
//	(kappa_l, tau_l) ~ Normal(pkappa) x Normal(ptau)
//	S_li ~ Bernoulli(expit(kappa_l + tau_l * A[i, G[l]]))
//
// where S_li indicates that gene i escaped dropout in cell l; observed
// expression pins S_li to one. Polya-Gamma auxiliary weights w_li make
// the (kappa, tau) conditional posterior a closed-form bivariate
// Gaussian, so the whole chain runs on conjugate updates.
type SingleCellSampler struct {
	// data: never changed
	scExpr  *mat.Dense // L x N observed counts
	g       []int      // cell type per cell
	itype   [][]int    // cell ids in each type
	scRd    []float64  // per-cell read depths
	izero   [][2]int   // coordinates with zero observed counts
	l, n, k int

	// parameters: replaced only via UpdateParameters
	a      *mat.Dense // N x K profile matrix
	pkappa Prior
	ptau   Prior

	// latent chain state
	kappa []float64
	tau   []float64
	s     *mat.Dense // L x N dropout indicators, 0/1
	w     *mat.Dense // L x N Polya-Gamma weights
	psi   *mat.Dense // L x N logistic link arguments
	sumAS []float64  // per-cell cache of sum_i A[i, G[l]]*S[l, i]

	stats *SCSuffStats
	pool  *polyagamma.Pool
	src   rand.Source
}

// NewSingleCellSampler copies the parameters, precomputes the zero-count
// coordinate list and read depths, and sizes the Polya-Gamma generator
// pool; workers <= 0 uses the platform parallelism hint. itype must be
// the per-type membership index of g (see expr.TypeIndex).
func NewSingleCellSampler(a *mat.Dense, pkappa, ptau Prior, scExpr *mat.Dense, g []int, itype [][]int, workers int, seed uint64) (*SingleCellSampler, error) {
	l, _ := scExpr.Dims()
	n, k := a.Dims()

	pool, err := polyagamma.NewPool(workers, seed+1)
	if err != nil {
		return nil, err
	}
	log.V(2).Infof("polya-gamma pool sized to %d workers", pool.Workers())

	sc := &SingleCellSampler{
		scExpr: scExpr,
		g:      g,
		itype:  itype,
		scRd:   make([]float64, l),
		l:      l,
		n:      n,
		k:      k,
		a:      mat.DenseCopyOf(a),
		pkappa: pkappa,
		ptau:   ptau,
		pool:   pool,
		src:    rand.NewSource(seed),
	}
	for li := 0; li < l; li += 1 {
		sc.scRd[li] = floats.Sum(scExpr.RawRowView(li))
		for i := 0; i < n; i += 1 {
			if scExpr.At(li, i) == 0 {
				sc.izero = append(sc.izero, [2]int{li, i})
			}
		}
	}
	return sc, nil
}

// InitGibbs resets the latent chain state: kappa and tau start at their
// prior means, S at fair coin flips pinned to one wherever expression
// was observed, w at all ones.
func (this *SingleCellSampler) InitGibbs() {
	this.kappa = make([]float64, this.l)
	this.tau = make([]float64, this.l)
	for l := 0; l < this.l; l += 1 {
		this.kappa[l] = this.pkappa.Mean
		this.tau[l] = this.ptau.Mean
	}

	coin := distuv.Bernoulli{P: 0.5, Src: this.src}
	this.s = mat.NewDense(this.l, this.n, nil)
	for l := 0; l < this.l; l += 1 {
		for i := 0; i < this.n; i += 1 {
			this.s.Set(l, i, coin.Rand())
		}
	}

	this.psi = mat.NewDense(this.l, this.n, nil)
	this.updatePsi()

	this.w = mat.NewDense(this.l, this.n, nil)
	for l := 0; l < this.l; l += 1 {
		for i := 0; i < this.n; i += 1 {
			this.w.Set(l, i, 1)
		}
	}

	// observed expression is proof of non-dropout
	for l := 0; l < this.l; l += 1 {
		for i := 0; i < this.n; i += 1 {
			if this.scExpr.At(l, i) > 0 {
				this.s.Set(l, i, 1)
			}
		}
	}
	this.resetSumAS()
}

// InitSuffStats zeroes the accumulators.
func (this *SingleCellSampler) InitSuffStats() {
	this.stats = newSCSuffStats(this.l, this.n, this.k)
}

// SuffStats returns the accumulators as of the last Gibbs call.
func (this *SingleCellSampler) SuffStats() *SCSuffStats {
	return this.stats
}

// UpdateParameters replaces A and the priors by deep copies and
// refreshes the parameter-dependent caches psi and sum_AS. The latent
// draws S, kappa, tau and w are preserved.
func (this *SingleCellSampler) UpdateParameters(a *mat.Dense, pkappa, ptau Prior) {
	this.a = mat.DenseCopyOf(a)
	this.pkappa = pkappa
	this.ptau = ptau
	this.updatePsi()
	this.resetSumAS()
}

// Gibbs restarts the chain (latent state and accumulators), burns in
// burnin sweeps and retains every thin-th of the following sample*thin
// sweeps into the accumulators.
func (this *SingleCellSampler) Gibbs(burnin, sample, thin int) error {
	log.V(2).Info("E-step for single cells started")

	this.InitSuffStats()
	this.InitGibbs()

	for giter := 0; giter < burnin; giter += 1 {
		if err := this.gibbsCycle(); err != nil {
			return err
		}
	}
	for giter := 0; giter < sample*thin; giter += 1 {
		if err := this.gibbsCycle(); err != nil {
			return err
		}
		if giter%thin == 0 {
			this.updateSuffStats(sample)
		}
	}
	return nil
}

// gibbsCycle performs one sweep through w, S and (kappa, tau), then
// refreshes the link cache.
func (this *SingleCellSampler) gibbsCycle() error {
	this.drawW()
	this.drawS()
	if err := this.drawKappaTau(); err != nil {
		return err
	}
	this.updatePsi()
	return nil
}

// drawW samples w_li ~ PG(1, psi_li), partitioned over the pool.
func (this *SingleCellSampler) drawW() {
	this.pool.RandMatrix(this.psi, this.w)
}

// drawS resamples the dropout indicators, but only where the observed
// count is zero; everywhere else S is pinned to one and never
// revisited. The Bernoulli success probability discounts psi by the
// multinomial read competition between gene i and the rest of the
// cell's surviving profile mass; with no competing mass the plain
// logistic probability applies.
func (this *SingleCellSampler) drawS() {
	for _, li := range this.izero {
		l, i := li[0], li[1]
		aCurr := this.a.At(i, this.g[l])

		sumOther := this.sumAS[l] - aCurr*this.s.At(l, i)
		var b float64
		if sumOther == 0 {
			b = expit(this.psi.At(l, i))
		} else {
			b = expit(this.psi.At(l, i) - this.scRd[l]*math.Log(1+aCurr/sumOther))
		}
		draw := distuv.Bernoulli{P: b, Src: this.src}.Rand()
		this.s.Set(l, i, draw)
		this.sumAS[l] = sumOther + aCurr*draw
	}
}

// drawKappaTau samples (kappa_l, tau_l) jointly from their bivariate
// Gaussian conditional posterior, whose precision matrix is assembled
// from the Polya-Gamma weights and inverted in closed form.
func (this *SingleCellSampler) drawKappaTau() error {
	mu := make([]float64, 2)
	for l := 0; l < this.l; l += 1 {
		var sumW, offdiag, sumWA2, sumS float64
		for i := 0; i < this.n; i += 1 {
			wi := this.w.At(l, i)
			ai := this.a.At(i, this.g[l])
			sumW += wi
			offdiag += wi * ai
			sumWA2 += wi * ai * ai
			sumS += this.s.At(l, i)
		}
		d0 := sumW + 1/this.pkappa.Var
		d1 := sumWA2 + 1/this.ptau.Var
		det := d0*d1 - offdiag*offdiag
		if det <= 0 {
			return fmt.Errorf("single cell gibbs: degenerate precision determinant %g for cell %d", det, l)
		}
		s00 := d1 / det
		s01 := -offdiag / det
		s11 := d0 / det

		b0 := sumS - float64(this.n)/2 + this.pkappa.Mean/this.pkappa.Var
		b1 := this.sumAS[l] - 0.5 + this.ptau.Mean/this.ptau.Var
		mu[0] = s00*b0 + s01*b1
		mu[1] = s01*b0 + s11*b1

		sigma := mat.NewSymDense(2, []float64{s00, s01, s01, s11})
		nd, ok := distmv.NewNormal(mu, sigma, this.src)
		if !ok {
			return fmt.Errorf("single cell gibbs: conditional covariance not positive definite for cell %d", l)
		}
		draw := nd.Rand(nil)
		this.kappa[l] = draw[0]
		this.tau[l] = draw[1]
	}
	return nil
}

// updatePsi recomputes psi_li = kappa_l + tau_l * A[i, G[l]].
func (this *SingleCellSampler) updatePsi() {
	for l := 0; l < this.l; l += 1 {
		for i := 0; i < this.n; i += 1 {
			this.psi.Set(l, i, this.kappa[l]+this.tau[l]*this.a.At(i, this.g[l]))
		}
	}
}

// resetSumAS recomputes the per-cell cache sum_i A[i, G[l]]*S[l, i].
func (this *SingleCellSampler) resetSumAS() {
	this.sumAS = make([]float64, this.l)
	for l := 0; l < this.l; l += 1 {
		for i := 0; i < this.n; i += 1 {
			this.sumAS[l] += this.a.At(i, this.g[l]) * this.s.At(l, i)
		}
	}
}

// updateSuffStats folds the current latent state into the running
// means. The per-cell regression coefficients for A are summed over the
// cells of each type before accumulation, which is how per-cell
// contributions become the per-(gene, type) tables the M-step consumes.
func (this *SingleCellSampler) updateSuffStats(sample int) {
	inv := 1 / float64(sample)

	for l := 0; l < this.l; l += 1 {
		this.stats.ExpKappa[l] += this.kappa[l] * inv
		this.stats.ExpTau[l] += this.tau[l] * inv
		this.stats.ExpKappaSq[l] += this.kappa[l] * this.kappa[l] * inv
		this.stats.ExpTauSq[l] += this.tau[l] * this.tau[l] * inv
		for i := 0; i < this.n; i += 1 {
			sli := this.s.At(l, i)
			wli := this.w.At(l, i)
			this.stats.ExpS.Set(l, i, this.stats.ExpS.At(l, i)+sli*inv)
			// sum_li E[-kappa_l^2*w_li/2 + (S_li-0.5)*kappa_l]
			this.stats.ExpElboConst += -wli * this.kappa[l] * this.kappa[l] * inv / 2
			this.stats.ExpElboConst += (sli - 0.5) * this.kappa[l] * inv
		}
	}

	for k := 0; k < this.k; k += 1 {
		for _, l := range this.itype[k] {
			for i := 0; i < this.n; i += 1 {
				sli := this.s.At(l, i)
				wli := this.w.At(l, i)
				// E[tau_l*(S_li-0.5) - kappa_l*tau_l*w_li]
				ca := (sli-0.5)*this.tau[l] - wli*this.tau[l]*this.kappa[l]
				// E[-tau_l^2*w_li]/2
				casq := -wli * this.tau[l] * this.tau[l] / 2
				this.stats.CoeffA.Set(i, k, this.stats.CoeffA.At(i, k)+ca*inv)
				this.stats.CoeffASq.Set(i, k, this.stats.CoeffASq.At(i, k)+casq*inv)
			}
		}
	}
}
