package main

import (
	"flag"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/golang/glog"
	"gonum.org/v1/gonum/mat"

	"github.com/mkarikom/URSM/expr"
	"github.com/mkarikom/URSM/gem"
	"github.com/mkarikom/URSM/model"
	"github.com/mkarikom/URSM/sstable"
)

// flag defaults fall back to the environment, so batch jobs can be
// configured without long command lines
func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if x, err := strconv.Atoi(v); err == nil {
			return x
		}
	}
	return def
}

var (
	scFile     = flag.String("sc", envStr("single_cell_expr_file", ""), "single cell expression file (cells x genes)")
	bkFile     = flag.String("bk", envStr("bulk_expr_file", ""), "bulk expression file (samples x genes)")
	ctypeFile  = flag.String("ctype", envStr("single_cell_type_file", ""), "single cell type file")
	numTypes   = flag.Int("K", envInt("number_of_cell_types", 0), "number of cell types")
	markerFile = flag.String("iMarkers", "", "marker gene file (gene,type pairs)")
	initAFile  = flag.String("init_A", "", "initial profile matrix file")
	minA       = flag.Float64("min_A", 1e-6, "floor for profile matrix entries")
	initAlphaF = flag.String("init_alpha", "", "initial mixture concentration file")
	noEstAlpha = flag.Bool("no_est_alpha", false, "do not re-estimate alpha in the M-step")
	pkappaMean = flag.Float64("pkappa_mean", 0, "prior mean for kappa")
	pkappaVar  = flag.Float64("pkappa_var", 1, "prior variance for kappa")
	ptauMean   = flag.Float64("ptau_mean", 1, "prior mean for tau")
	ptauVar    = flag.Float64("ptau_var", 1, "prior variance for tau")
	burnin     = flag.Int("burnin", envInt("burn_in_length", 100), "gibbs burn-in length")
	sample     = flag.Int("sample", envInt("gibbs_sample_number", 100), "number of retained gibbs samples")
	thin       = flag.Int("thin", 1, "gibbs thinning interval")
	noMeanAppr = flag.Bool("no_mean_approx", false, "exact gibbs for bulk samples instead of the mean-field fast path")
	mleConv    = flag.Float64("MLE_CONV", 1e-6, "M-step convergence tolerance")
	mleMaxIter = flag.Int("MLE_maxiter", 500, "M-step iteration cap")
	emConv     = flag.Float64("EM_CONV", 1e-6, "EM convergence tolerance")
	emMaxIter  = flag.Int("EM_maxiter", envInt("EM_maxiter", 50), "EM iteration cap")
	workers    = flag.Int("workers", 0, "polya-gamma worker count, 0 for the platform hint")
	seed       = flag.Uint64("seed", 1, "RNG seed")
	outDir     = flag.String("outdir", envStr("output_directory", "."), "output directory")
	outPrefix  = flag.String("outname", envStr("output_prefix", "gemout_"), "output file prefix")
)

func main() {
	flag.Parse()
	defer log.Flush()

	var (
		bkExpr, scExpr, initA *mat.Dense
		g                     []int
		markers               []expr.Marker
		initAlpha             []float64
		err                   error
	)

	log.Info("loading data ...")
	if *bkFile != "" {
		if bkExpr, err = expr.LoadMatrix(*bkFile); err != nil {
			log.Exitf("loading bulk data: %v", err)
		}
	}
	if *scFile != "" {
		if scExpr, err = expr.LoadMatrix(*scFile); err != nil {
			log.Exitf("loading single cell data: %v", err)
		}
	}
	if *ctypeFile != "" {
		if g, err = expr.LoadIntVector(*ctypeFile); err != nil {
			log.Exitf("loading cell types: %v", err)
		}
	}
	if *markerFile != "" {
		if markers, err = expr.LoadMarkers(*markerFile); err != nil {
			log.Exitf("loading markers: %v", err)
		}
	}
	if *initAFile != "" {
		if initA, err = sstable.ReadMatrix(*initAFile); err != nil {
			log.Exitf("loading initial A: %v", err)
		}
	}
	if *initAlphaF != "" {
		av, err := sstable.ReadMatrix(*initAlphaF)
		if err != nil {
			log.Exitf("loading initial alpha: %v", err)
		}
		r, c := av.Dims()
		for i := 0; i < r*c; i++ {
			initAlpha = append(initAlpha, av.RawMatrix().Data[i])
		}
	}

	cfg := gem.Config{
		K:             *numTypes,
		MinA:          *minA,
		EstimateAlpha: !*noEstAlpha,
		Burnin:        *burnin,
		Sample:        *sample,
		Thin:          *thin,
		BKMeanApprox:  !*noMeanAppr,
		MLEConv:       *mleConv,
		MLEMaxIter:    *mleMaxIter,
		EMConv:        *emConv,
		EMMaxIter:     *emMaxIter,
		Workers:       *workers,
		Seed:          *seed,
	}
	pkappa := model.Prior{Mean: *pkappaMean, Var: *pkappaVar}
	ptau := model.Prior{Mean: *ptauMean, Var: *ptauVar}

	runner, err := gem.New(cfg, bkExpr, scExpr, g, markers, initA, initAlpha, &pkappa, &ptau)
	if err != nil {
		log.Exitf("gibbs-em setup: %v", err)
	}

	log.Infof("gibbs-em started for %d cell types", *numTypes)
	niter, elbo, converged, err := runner.Run()
	if err != nil {
		log.Exitf("gibbs-em: %v", err)
	}
	log.Infof("gibbs-em finished after %d iterations, converged=%v", niter, converged)

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Exitf("creating output directory: %v", err)
	}
	dump := func(name string, m mat.Matrix) {
		fn := filepath.Join(*outDir, *outPrefix+name)
		if err := sstable.WriteMatrix(fn, m); err != nil {
			log.Exitf("writing %s: %v", fn, err)
		}
	}
	dump("A.csv", runner.A())
	if err := sstable.WriteVector(filepath.Join(*outDir, *outPrefix+"alpha.csv"), runner.Alpha()); err != nil {
		log.Exitf("writing alpha: %v", err)
	}
	if err := sstable.WriteVector(filepath.Join(*outDir, *outPrefix+"elbo.csv"), elbo); err != nil {
		log.Exitf("writing elbo: %v", err)
	}
	if st := runner.BulkStats(); st != nil {
		dump("bulk_W.csv", st.ExpW)
	}
	if st := runner.SCStats(); st != nil {
		dump("sc_S.csv", st.ExpS)
		if err := sstable.WriteVector(filepath.Join(*outDir, *outPrefix+"kappa.csv"), st.ExpKappa); err != nil {
			log.Exitf("writing kappa: %v", err)
		}
		if err := sstable.WriteVector(filepath.Join(*outDir, *outPrefix+"tau.csv"), st.ExpTau); err != nil {
			log.Exitf("writing tau: %v", err)
		}
	}
	log.Infof("results are under directory %s", *outDir)
}
