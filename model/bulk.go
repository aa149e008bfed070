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

	"github.com/mkarikom/URSM/expr"
)

// BulkSampler infers per-sample mixture proportions W from bulk
// expression counts. The model for bulk sample j is
//
//	W_j ~ Dirichlet(alpha)
//	X_j ~ Multinomial(R_j, A W_j)
//
// with the latent allocation of reads to cell types summarized by the
// count slab Z. Besides the exact Gibbs chain it offers a deterministic
// mean-field fast path equivalent to one NMF multiplicative update.
type BulkSampler struct {
	// data: unchanged throughout sampling
	bkExpr  *mat.Dense // M x N observed counts
	bkRd    []float64  // per-sample read depths
	markers []expr.Marker
	m, n, k int

	// parameters: replaced only via UpdateParameters
	a     *mat.Dense // N x K profile matrix, columns sum to one
	alpha []float64  // Dirichlet concentration, length K

	// latent chain state
	w  *mat.Dense   // K x M mixture proportions
	z  []*mat.Dense // one N x K read allocation table per bulk sample
	aw *mat.Dense   // N x M cached product A*W

	stats *BulkSuffStats
	src   rand.Source
}

// NewBulkSampler copies the parameters and keeps references to the
// observed counts and marker hints. markers may be nil.
func NewBulkSampler(a *mat.Dense, alpha []float64, bkExpr *mat.Dense, markers []expr.Marker, seed uint64) *BulkSampler {
	m, _ := bkExpr.Dims()
	n, k := a.Dims()

	bkRd := make([]float64, m)
	for j := 0; j < m; j += 1 {
		bkRd[j] = floats.Sum(bkExpr.RawRowView(j))
	}

	return &BulkSampler{
		bkExpr:  bkExpr,
		bkRd:    bkRd,
		markers: markers,
		m:       m,
		n:       n,
		k:       k,
		a:       mat.DenseCopyOf(a),
		alpha:   append([]float64(nil), alpha...),
		aw:      &mat.Dense{},
		src:     rand.NewSource(seed),
	}
}

// InitGibbs resets the latent chain state. With marker hints, Z is
// seeded at the marked coordinates only (observed counts plus Dirichlet
// pseudo-counts) and W derived by column-normalizing the gene marginals
// of Z; the remaining coordinates stay zero so the first W draw there
// depends only on alpha. Without hints W starts uniform.
func (this *BulkSampler) InitGibbs() {
	this.z = make([]*mat.Dense, this.m)
	for j := 0; j < this.m; j += 1 {
		this.z[j] = mat.NewDense(this.n, this.k, nil)
	}
	this.w = mat.NewDense(this.k, this.m, nil)

	if len(this.markers) == 0 {
		for k := 0; k < this.k; k += 1 {
			for j := 0; j < this.m; j += 1 {
				this.w.Set(k, j, 1/float64(this.k))
			}
		}
		return
	}

	log.V(2).Info("Z is initialized with marker info")
	for _, mk := range this.markers {
		for j := 0; j < this.m; j += 1 {
			this.z[j].Set(mk.Gene, mk.Type, this.bkExpr.At(j, mk.Gene)+this.alpha[mk.Type])
		}
	}
	for j := 0; j < this.m; j += 1 {
		tot := 0.0
		for k := 0; k < this.k; k += 1 {
			s := 0.0
			for i := 0; i < this.n; i += 1 {
				s += this.z[j].At(i, k)
			}
			this.w.Set(k, j, s)
			tot += s
		}
		for k := 0; k < this.k; k += 1 {
			this.w.Set(k, j, this.w.At(k, j)/tot)
		}
	}
}

// InitSuffStats zeroes the accumulators.
func (this *BulkSampler) InitSuffStats() {
	this.stats = newBulkSuffStats(this.m, this.n, this.k)
}

// SuffStats returns the accumulators as of the last Gibbs call.
func (this *BulkSampler) SuffStats() *BulkSuffStats {
	return this.stats
}

// UpdateParameters replaces A and alpha by deep copies. Latent state
// and accumulators are untouched; reinitialize explicitly if a fresh
// chain is wanted.
func (this *BulkSampler) UpdateParameters(a *mat.Dense, alpha []float64) {
	this.a = mat.DenseCopyOf(a)
	this.alpha = append([]float64(nil), alpha...)
}

// Gibbs runs the E-step for the bulk samples. With meanApprox it
// performs exactly one deterministic NMF-style update of W followed by
// the exact conditional expectation of Z, warm-starting W from the
// sampler's last state. Otherwise it restarts nothing, burns in burnin
// full sweeps and retains every thin-th of the following sample*thin
// sweeps into the accumulators.
func (this *BulkSampler) Gibbs(burnin, sample, thin int, meanApprox bool) error {
	this.InitSuffStats()

	if meanApprox {
		log.V(2).Info("E-step (one-step mean-update) for bulk samples started")
		// do not re-initialize W; carry it over from the last call
		if err := this.getNMFW(); err != nil {
			return err
		}
		if err := this.drawZMean(); err != nil {
			return err
		}
		this.updateSuffStats(1)
		return nil
	}

	log.V(2).Info("E-step for bulk samples started")
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

// gibbsCycle performs one full sweep. W is drawn first so that a
// marker-seeded Z informs it; Z is then refreshed from the new W.
func (this *BulkSampler) gibbsCycle() error {
	this.drawW()
	return this.drawZ()
}

// drawW samples W[:, j] ~ Dirichlet(alpha + gene marginals of Z_j) for
// every bulk sample, then refreshes the cached product AW.
func (this *BulkSampler) drawW() {
	post := make([]float64, this.k)
	for j := 0; j < this.m; j += 1 {
		for k := 0; k < this.k; k += 1 {
			s := this.alpha[k]
			for i := 0; i < this.n; i += 1 {
				s += this.z[j].At(i, k)
			}
			post[k] = s
		}
		wj := distmv.NewDirichlet(post, this.src).Rand(nil)
		for k := 0; k < this.k; k += 1 {
			this.w.Set(k, j, wj[k])
		}
	}
	this.aw.Mul(this.a, this.w)
}

// drawZ samples Z[j, i, :] ~ Multinomial(X_ji, W_j .* A_i / AW_ij).
func (this *BulkSampler) drawZ() error {
	pval := make([]float64, this.k)
	for j := 0; j < this.m; j += 1 {
		for i := 0; i < this.n; i += 1 {
			cnt := this.bkExpr.At(j, i)
			if cnt == 0 {
				for k := 0; k < this.k; k += 1 {
					this.z[j].Set(i, k, 0)
				}
				continue
			}
			den := this.aw.At(i, j)
			if den <= 0 {
				return fmt.Errorf("bulk gibbs: degenerate multinomial normalizer %g at gene %d, sample %d", den, i, j)
			}
			for k := 0; k < this.k; k += 1 {
				pval[k] = this.w.At(k, j) * this.a.At(i, k) / den
				if pval[k] < 0 || pval[k] > 1 {
					return fmt.Errorf("bulk gibbs: allocation probability %g outside [0,1] at gene %d, sample %d", pval[k], i, j)
				}
			}
			if err := this.drawMultinomial(cnt, pval, this.z[j].RawRowView(i)); err != nil {
				return err
			}
		}
	}
	return nil
}

// drawMultinomial fills out with a Multinomial(n, p) draw using the
// conditional-binomial decomposition: each component is binomial in the
// remaining trials given the renormalized tail probability.
func (this *BulkSampler) drawMultinomial(n float64, p, out []float64) error {
	tail := make([]float64, len(p)+1)
	for k := len(p) - 1; k >= 0; k -= 1 {
		tail[k] = tail[k+1] + p[k]
	}
	remaining := n
	for k := 0; k < len(p); k += 1 {
		if remaining == 0 {
			out[k] = 0
			continue
		}
		if k == len(p)-1 || tail[k+1] == 0 {
			out[k] = remaining
			remaining = 0
			continue
		}
		b := distuv.Binomial{N: remaining, P: p[k] / tail[k], Src: this.src}
		out[k] = b.Rand()
		remaining -= out[k]
	}
	return nil
}

// getNMFW applies one multiplicative fixed-point update to W,
// equivalent to an NMF step with a Dirichlet-prior regularizer, then
// renormalizes every column onto the simplex.
func (this *BulkSampler) getNMFW() error {
	this.aw.Mul(this.a, this.w)
	for k := 0; k < this.k; k += 1 {
		for j := 0; j < this.m; j += 1 {
			mult := 0.0
			for i := 0; i < this.n; i += 1 {
				den := this.aw.At(i, j)
				if den <= 0 {
					return fmt.Errorf("bulk nmf: degenerate mixture density %g at gene %d, sample %d", den, i, j)
				}
				mult += this.bkExpr.At(j, i) * this.a.At(i, k) / den
			}
			this.w.Set(k, j, this.w.At(k, j)*mult+this.alpha[k]-1)
		}
	}
	for j := 0; j < this.m; j += 1 {
		tot := 0.0
		for k := 0; k < this.k; k += 1 {
			tot += this.w.At(k, j)
		}
		if tot <= 0 {
			return fmt.Errorf("bulk nmf: degenerate proportion total %g for sample %d", tot, j)
		}
		for k := 0; k < this.k; k += 1 {
			this.w.Set(k, j, this.w.At(k, j)/tot)
		}
	}
	return nil
}

// drawZMean replaces the stochastic Z draw by its exact conditional
// expectation.
func (this *BulkSampler) drawZMean() error {
	this.aw.Mul(this.a, this.w)
	for j := 0; j < this.m; j += 1 {
		for i := 0; i < this.n; i += 1 {
			cnt := this.bkExpr.At(j, i)
			if cnt == 0 {
				for k := 0; k < this.k; k += 1 {
					this.z[j].Set(i, k, 0)
				}
				continue
			}
			den := this.aw.At(i, j)
			if den <= 0 {
				return fmt.Errorf("bulk gibbs: degenerate multinomial normalizer %g at gene %d, sample %d", den, i, j)
			}
			for k := 0; k < this.k; k += 1 {
				this.z[j].Set(i, k, this.w.At(k, j)*this.a.At(i, k)*cnt/den)
			}
		}
	}
	return nil
}

// updateSuffStats folds the current latent state into the running
// means, weighting by the declared retained-sample count.
func (this *BulkSampler) updateSuffStats(sample int) {
	inv := 1 / float64(sample)
	for i := 0; i < this.n; i += 1 {
		for k := 0; k < this.k; k += 1 {
			s := 0.0
			for j := 0; j < this.m; j += 1 {
				s += this.z[j].At(i, k)
			}
			this.stats.ExpZik.Set(i, k, this.stats.ExpZik.At(i, k)+s*inv)
		}
	}
	for j := 0; j < this.m; j += 1 {
		for k := 0; k < this.k; k += 1 {
			s := 0.0
			for i := 0; i < this.n; i += 1 {
				s += this.z[j].At(i, k)
			}
			this.stats.ExpZjk.Set(j, k, this.stats.ExpZjk.At(j, k)+s*inv)
		}
	}
	for k := 0; k < this.k; k += 1 {
		for j := 0; j < this.m; j += 1 {
			w := this.w.At(k, j)
			this.stats.ExpLogW.Set(k, j, this.stats.ExpLogW.At(k, j)+math.Log(w)*inv)
			this.stats.ExpW.Set(k, j, this.stats.ExpW.At(k, j)+w*inv)
		}
	}
}
