// Package gem runs the outer Gibbs-EM loop: it alternates the two
// Gibbs samplers' E-steps with closed-form-ish M-step updates of the
// shared profile matrix A and the mixture-prior concentration alpha.
package gem

import (
	"fmt"
	"math"

	log "github.com/golang/glog"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/mkarikom/URSM/expr"
	"github.com/mkarikom/URSM/model"
)

// Config carries the knobs of the EM loop; zero values take the
// defaults of the reference implementation.
type Config struct {
	K             int     // number of cell types, required
	MinA          float64 // floor for profile matrix entries (default 1e-6)
	EstimateAlpha bool    // refit the Dirichlet concentration each M-step

	Burnin int // gibbs burn-in sweeps (default 100)
	Sample int // retained gibbs samples (default 100)
	Thin   int // gibbs thinning (default 1)

	BKMeanApprox bool // bulk mean-field fast path instead of exact gibbs

	MLEConv    float64 // M-step solver tolerance (default 1e-6)
	MLEMaxIter int     // M-step solver iteration cap (default 500)
	EMConv     float64 // relative ELBO change declaring convergence (default 1e-6)
	EMMaxIter  int     // EM iteration cap (default 50)

	Workers int    // polya-gamma pool size, <= 0 for the platform hint
	Seed    uint64 // RNG seed for both chains
}

func (c Config) withDefaults() Config {
	if c.MinA == 0 {
		c.MinA = 1e-6
	}
	if c.Burnin == 0 {
		c.Burnin = 100
	}
	if c.Sample == 0 {
		c.Sample = 100
	}
	if c.Thin == 0 {
		c.Thin = 1
	}
	if c.MLEConv == 0 {
		c.MLEConv = 1e-6
	}
	if c.MLEMaxIter == 0 {
		c.MLEMaxIter = 500
	}
	if c.EMConv == 0 {
		c.EMConv = 1e-6
	}
	if c.EMMaxIter == 0 {
		c.EMMaxIter = 50
	}
	return c
}

// GEM owns the samplers and the current parameter estimates.
type GEM struct {
	cfg Config

	bulk *model.BulkSampler
	sc   *model.SingleCellSampler

	bkExpr *mat.Dense
	n      int // genes

	a      *mat.Dense
	alpha  []float64
	pkappa model.Prior
	ptau   model.Prior
}

// New validates the data, fills in missing initial parameters and
// constructs whichever samplers the supplied data admit. initA,
// initAlpha, pkappa and ptau may be nil for defaults.
func New(cfg Config, bkExpr, scExpr *mat.Dense, g []int, markers []expr.Marker,
	initA *mat.Dense, initAlpha []float64, pkappa, ptau *model.Prior) (*GEM, error) {

	cfg = cfg.withDefaults()
	if cfg.K <= 0 {
		return nil, fmt.Errorf("gem: number of cell types must be positive, got %d", cfg.K)
	}
	if err := expr.Validate(bkExpr, scExpr, g, cfg.K, markers); err != nil {
		return nil, err
	}

	var n int
	if bkExpr != nil {
		_, n = bkExpr.Dims()
	} else {
		_, n = scExpr.Dims()
	}

	gem := &GEM{
		cfg:    cfg,
		bkExpr: bkExpr,
		n:      n,
		pkappa: model.Prior{Mean: 0, Var: 1},
		ptau:   model.Prior{Mean: 1, Var: 1},
	}
	if pkappa != nil {
		gem.pkappa = *pkappa
	}
	if ptau != nil {
		gem.ptau = *ptau
	}

	if initA != nil {
		ar, ac := initA.Dims()
		if ar != n || ac != cfg.K {
			return nil, fmt.Errorf("gem: initial A is %dx%d, want %dx%d", ar, ac, n, cfg.K)
		}
		gem.a = mat.DenseCopyOf(initA)
		gem.clampA()
	} else {
		gem.a = randomProfile(n, cfg.K, cfg.MinA, cfg.Seed)
	}

	gem.alpha = make([]float64, cfg.K)
	for k := range gem.alpha {
		gem.alpha[k] = 1
	}
	if initAlpha != nil {
		if len(initAlpha) != cfg.K {
			return nil, fmt.Errorf("gem: initial alpha has length %d, want %d", len(initAlpha), cfg.K)
		}
		copy(gem.alpha, initAlpha)
	}

	if bkExpr != nil {
		gem.bulk = model.NewBulkSampler(gem.a, gem.alpha, bkExpr, markers, cfg.Seed)
		gem.bulk.InitGibbs()
	}
	if scExpr != nil {
		sc, err := model.NewSingleCellSampler(gem.a, gem.pkappa, gem.ptau, scExpr,
			g, expr.TypeIndex(g, cfg.K), cfg.Workers, cfg.Seed)
		if err != nil {
			return nil, err
		}
		gem.sc = sc
	}
	return gem, nil
}

// randomProfile draws each column from a flat Dirichlet so that the
// first E-step does not start from a saddle of identical columns.
func randomProfile(n, k int, minA float64, seed uint64) *mat.Dense {
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	dir := distmv.NewDirichlet(ones, rand.NewSource(seed))
	a := mat.NewDense(n, k, nil)
	col := make([]float64, n)
	for c := 0; c < k; c++ {
		dir.Rand(col)
		tot := 0.0
		for i := 0; i < n; i++ {
			if col[i] < minA {
				col[i] = minA
			}
			tot += col[i]
		}
		for i := 0; i < n; i++ {
			a.Set(i, c, col[i]/tot)
		}
	}
	return a
}

// clampA floors A at MinA and renormalizes every column onto the
// simplex.
func (g *GEM) clampA() {
	for k := 0; k < g.cfg.K; k++ {
		tot := 0.0
		for i := 0; i < g.n; i++ {
			v := g.a.At(i, k)
			if v < g.cfg.MinA {
				v = g.cfg.MinA
			}
			g.a.Set(i, k, v)
			tot += v
		}
		for i := 0; i < g.n; i++ {
			g.a.Set(i, k, g.a.At(i, k)/tot)
		}
	}
}

// A returns the current profile matrix estimate.
func (g *GEM) A() *mat.Dense { return g.a }

// Alpha returns the current Dirichlet concentration estimate.
func (g *GEM) Alpha() []float64 { return g.alpha }

// BulkStats returns the bulk sampler's accumulators, or nil without
// bulk data.
func (g *GEM) BulkStats() *model.BulkSuffStats {
	if g.bulk == nil {
		return nil
	}
	return g.bulk.SuffStats()
}

// SCStats returns the single-cell sampler's accumulators, or nil
// without single-cell data.
func (g *GEM) SCStats() *model.SCSuffStats {
	if g.sc == nil {
		return nil
	}
	return g.sc.SuffStats()
}

// Run alternates E- and M-steps until the relative ELBO change drops
// below EMConv or EMMaxIter is reached. It returns the number of
// iterations performed, the ELBO path and whether it converged.
func (g *GEM) Run() (int, []float64, bool, error) {
	var path []float64
	for iter := 0; iter < g.cfg.EMMaxIter; iter++ {
		// E-step
		if g.bulk != nil {
			if err := g.bulk.Gibbs(g.cfg.Burnin, g.cfg.Sample, g.cfg.Thin, g.cfg.BKMeanApprox); err != nil {
				return iter, path, false, err
			}
		}
		if g.sc != nil {
			if err := g.sc.Gibbs(g.cfg.Burnin, g.cfg.Sample, g.cfg.Thin); err != nil {
				return iter, path, false, err
			}
		}

		// M-step
		g.updateA()
		if g.cfg.EstimateAlpha && g.bulk != nil {
			g.updateAlpha()
		}

		// push updated parameters back into the chains
		if g.bulk != nil {
			g.bulk.UpdateParameters(g.a, g.alpha)
		}
		if g.sc != nil {
			g.sc.UpdateParameters(g.a, g.pkappa, g.ptau)
		}

		elbo := g.elboEstimate()
		path = append(path, elbo)
		log.Infof("EM iter %3d, elbo %f", iter, elbo)

		if iter > 0 {
			prev := path[iter-1]
			if math.Abs(elbo-prev)/(math.Abs(prev)+1) < g.cfg.EMConv {
				return iter + 1, path, true, nil
			}
		}
	}
	return g.cfg.EMMaxIter, path, false, nil
}

// elboEstimate assembles the expected-lower-bound terms the sufficient
// statistics support: the single-cell constant plus its A-dependent
// quadratic, and the bulk allocation and Dirichlet-prior terms.
func (g *GEM) elboEstimate() float64 {
	e := 0.0
	if g.sc != nil {
		st := g.sc.SuffStats()
		for i := 0; i < g.n; i++ {
			for k := 0; k < g.cfg.K; k++ {
				a := g.a.At(i, k)
				e += st.CoeffA.At(i, k)*a + st.CoeffASq.At(i, k)*a*a
			}
		}
		e += st.ExpElboConst
	}
	if g.bulk != nil {
		st := g.bulk.SuffStats()
		for i := 0; i < g.n; i++ {
			for k := 0; k < g.cfg.K; k++ {
				if z := st.ExpZik.At(i, k); z > 0 {
					e += z * math.Log(g.a.At(i, k))
				}
			}
		}
		m, _ := g.bkExpr.Dims()
		for k := 0; k < g.cfg.K; k++ {
			for j := 0; j < m; j++ {
				e += (g.alpha[k] - 1) * st.ExpLogW.At(k, j)
			}
		}
		e -= float64(m) * lnBeta(g.alpha)
	}
	return e
}

// lnBeta is the log multivariate beta function of the concentration
// vector.
func lnBeta(alpha []float64) float64 {
	sum := 0.0
	out := 0.0
	for _, a := range alpha {
		la, _ := math.Lgamma(a)
		out += la
		sum += a
	}
	ls, _ := math.Lgamma(sum)
	return out - ls
}
