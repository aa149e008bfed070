package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"

	"github.com/mkarikom/URSM/expr"
)

// three genes, two cell types: gene 0 is exclusive to type 0, gene 1 to
// type 1, gene 2 is shared
func scenarioBulk() (*mat.Dense, []float64, *mat.Dense) {
	a := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		0.5, 0.5,
	})
	alpha := []float64{1, 1}
	bk := mat.NewDense(1, 3, []float64{10, 0, 0})
	return a, alpha, bk
}

func TestBulkInitGibbsUniform(t *testing.T) {
	a, alpha, bk := scenarioBulk()
	s := NewBulkSampler(a, alpha, bk, nil, 1)
	s.InitGibbs()

	for k := 0; k < 2; k += 1 {
		assert.Equal(t, 0.5, s.w.At(k, 0))
	}
	for i := 0; i < 3; i += 1 {
		for k := 0; k < 2; k += 1 {
			assert.Equal(t, 0.0, s.z[0].At(i, k))
		}
	}
}

func TestBulkInitGibbsMarkers(t *testing.T) {
	a, alpha, bk := scenarioBulk()
	markers := []expr.Marker{{Gene: 0, Type: 0}, {Gene: 1, Type: 1}}
	s := NewBulkSampler(a, alpha, bk, markers, 1)
	s.InitGibbs()

	// counts plus prior pseudo-counts at the marked coordinates only
	assert.Equal(t, 11.0, s.z[0].At(0, 0))
	assert.Equal(t, 1.0, s.z[0].At(1, 1))
	assert.Equal(t, 0.0, s.z[0].At(2, 0))
	assert.Equal(t, 0.0, s.z[0].At(2, 1))

	// W derived by column-normalizing the gene marginals of Z
	assert.InDelta(t, 11.0/12.0, s.w.At(0, 0), 1e-12)
	assert.InDelta(t, 1.0/12.0, s.w.At(1, 0), 1e-12)
}

func TestBulkExactGibbsInvariants(t *testing.T) {
	a := mat.NewDense(4, 2, []float64{
		0.4, 0.1,
		0.3, 0.2,
		0.2, 0.3,
		0.1, 0.4,
	})
	alpha := []float64{2, 3}
	// includes a gene with all-zero counts
	bk := mat.NewDense(3, 4, []float64{
		5, 0, 2, 1,
		0, 0, 7, 3,
		1, 0, 0, 9,
	})
	s := NewBulkSampler(a, alpha, bk, nil, 7)
	s.InitGibbs()
	assert.NoError(t, s.Gibbs(5, 10, 2, false))

	// multinomial invariant: Z[j, i, :] sums to the observed count
	for j := 0; j < 3; j += 1 {
		for i := 0; i < 4; i += 1 {
			tot := s.z[j].At(i, 0) + s.z[j].At(i, 1)
			assert.InDelta(t, bk.At(j, i), tot, 1e-9)
			assert.GreaterOrEqual(t, s.z[j].At(i, 0), 0.0)
			assert.GreaterOrEqual(t, s.z[j].At(i, 1), 0.0)
		}
	}
	// dirichlet invariant: W columns on the simplex
	for j := 0; j < 3; j += 1 {
		assert.InDelta(t, 1.0, s.w.At(0, j)+s.w.At(1, j), 1e-9)
	}
	// accumulators are means of simplex draws
	st := s.SuffStats()
	for j := 0; j < 3; j += 1 {
		assert.InDelta(t, 1.0, st.ExpW.At(0, j)+st.ExpW.At(1, j), 1e-9)
	}
	// ExpZjk row sums are mean read depths
	for j := 0; j < 3; j += 1 {
		assert.InDelta(t, s.bkRd[j], st.ExpZjk.At(j, 0)+st.ExpZjk.At(j, 1), 1e-9)
	}
}

func TestBulkKOneClosedForm(t *testing.T) {
	// with a single cell type the posterior is degenerate: W is one and
	// Z reduces to the observed counts with zero variance
	a := mat.NewDense(2, 1, []float64{0.3, 0.7})
	bk := mat.NewDense(2, 2, []float64{
		4, 6,
		0, 5,
	})
	s := NewBulkSampler(a, []float64{2}, bk, nil, 3)
	s.InitGibbs()
	assert.NoError(t, s.Gibbs(10, 20, 1, false))

	st := s.SuffStats()
	for j := 0; j < 2; j += 1 {
		assert.InDelta(t, 1.0, st.ExpW.At(0, j), 1e-12)
		assert.InDelta(t, 0.0, st.ExpLogW.At(0, j), 1e-12)
	}
	for i := 0; i < 2; i += 1 {
		want := bk.At(0, i) + bk.At(1, i)
		assert.InDelta(t, want, st.ExpZik.At(i, 0), 1e-9)
	}
}

func TestBulkMeanApproxFastPath(t *testing.T) {
	a, alpha, bk := scenarioBulk()
	s := NewBulkSampler(a, alpha, bk, nil, 1)
	s.InitGibbs()
	assert.NoError(t, s.Gibbs(0, 1, 1, true))

	// the single multiplicative update already concentrates on type 0:
	// only gene 0 carries reads and type 1 cannot explain it
	assert.InDelta(t, 1.0, s.w.At(0, 0), 1e-12)
	assert.InDelta(t, 0.0, s.w.At(1, 0), 1e-12)
	assert.InDelta(t, 1.0, s.SuffStats().ExpW.At(0, 0), 1e-12)

	// deterministic: an identically configured sampler lands exactly there
	s2 := NewBulkSampler(a, alpha, bk, nil, 99)
	s2.InitGibbs()
	assert.NoError(t, s2.Gibbs(0, 1, 1, true))
	assert.True(t, mat.Equal(s.w, s2.w))
	assert.True(t, mat.Equal(s.SuffStats().ExpZik, s2.SuffStats().ExpZik))
}

func TestBulkMeanApproxFixedPoint(t *testing.T) {
	// strictly positive profile so repeated warm-started calls stay
	// away from zero denominators
	a := mat.NewDense(3, 2, []float64{
		0.998, 0.001,
		0.001, 0.998,
		0.001, 0.001,
	})
	alpha := []float64{1, 1}
	bk := mat.NewDense(1, 3, []float64{10, 0, 0})
	s := NewBulkSampler(a, alpha, bk, nil, 1)
	s.InitGibbs()

	var prev float64
	for call := 0; call < 30; call += 1 {
		assert.NoError(t, s.Gibbs(0, 1, 1, true))
		prev = s.w.At(0, 0)
	}
	assert.Greater(t, prev, 0.999)

	// at the fixed point one more update moves W below tolerance
	assert.NoError(t, s.Gibbs(0, 1, 1, true))
	assert.InDelta(t, prev, s.w.At(0, 0), 1e-9)
}

func TestBulkExactGibbsConcentrates(t *testing.T) {
	a, alpha, bk := scenarioBulk()
	s := NewBulkSampler(a, alpha, bk, nil, 42)
	s.InitGibbs()
	assert.NoError(t, s.Gibbs(50, 2000, 1, false))

	// all ten reads of gene 0 are explained by type 0 only, so the
	// posterior of W is Dirichlet(11, 1) with mean 11/12
	got := s.SuffStats().ExpW.At(0, 0)
	assert.Greater(t, got, 0.85)
	assert.Less(t, got, 0.98)
}

func TestBulkUpdateParametersIdempotent(t *testing.T) {
	a, alpha, bk := scenarioBulk()

	s1 := NewBulkSampler(a, alpha, bk, nil, 5)
	s1.InitGibbs()
	assert.NoError(t, s1.Gibbs(10, 20, 1, false))

	s2 := NewBulkSampler(a, alpha, bk, nil, 5)
	s2.InitGibbs()
	// pushing the sampler's own current parameters is a no-op
	s2.UpdateParameters(a, alpha)
	assert.NoError(t, s2.Gibbs(10, 20, 1, false))

	assert.True(t, mat.Equal(s1.SuffStats().ExpW, s2.SuffStats().ExpW))
	assert.True(t, mat.Equal(s1.SuffStats().ExpZik, s2.SuffStats().ExpZik))
	assert.True(t, mat.Equal(s1.SuffStats().ExpLogW, s2.SuffStats().ExpLogW))
}

func TestBulkDegenerateNormalizer(t *testing.T) {
	// a gene with positive counts but zero profile mass cannot be
	// allocated: the sampling call must fail, not produce NaN
	a := mat.NewDense(2, 1, []float64{0, 1})
	bk := mat.NewDense(1, 2, []float64{3, 4})

	s := NewBulkSampler(a, []float64{1}, bk, nil, 1)
	s.InitGibbs()
	assert.Error(t, s.Gibbs(1, 1, 1, false))

	s2 := NewBulkSampler(a, []float64{1}, bk, nil, 1)
	s2.InitGibbs()
	assert.Error(t, s2.Gibbs(0, 1, 1, true))
}

func TestBulkDrawMultinomial(t *testing.T) {
	a, alpha, bk := scenarioBulk()
	s := NewBulkSampler(a, alpha, bk, nil, 11)

	p := []float64{0.2, 0.3, 0.5}
	out := make([]float64, 3)
	for trial := 0; trial < 100; trial += 1 {
		assert.NoError(t, s.drawMultinomial(20, p, out))
		tot := 0.0
		for _, v := range out {
			assert.GreaterOrEqual(t, v, 0.0)
			tot += v
		}
		assert.Equal(t, 20.0, tot)
	}
}
