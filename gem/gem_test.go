package gem

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/mkarikom/URSM/model"
)

func TestSolveColumnBulkOnly(t *testing.T) {
	// pure log terms reduce to the normalized counts
	c1 := []float64{3, 7, 0}
	c2 := []float64{0, 0, 0}
	c3 := []float64{0, 0, 0}
	a := solveColumn(c1, c2, c3, 1e-6, 1e-9, 500)

	assert.InDelta(t, 0.3, a[0], 1e-4)
	assert.InDelta(t, 0.7, a[1], 1e-4)
	assert.InDelta(t, 1.0, a[0]+a[1]+a[2], 1e-12)
	assert.True(t, a[2] > 0)
}

func TestSolveColumnQuadratic(t *testing.T) {
	// c2 + 2*c3*a = lambda with the simplex constraint has the
	// closed-form solution lambda = -1/2, a = (0.75, 0.25)
	c1 := []float64{0, 0}
	c2 := []float64{1, 0}
	c3 := []float64{-1, -1}
	a := solveColumn(c1, c2, c3, 1e-6, 1e-9, 500)

	assert.InDelta(t, 0.75, a[0], 1e-5)
	assert.InDelta(t, 0.25, a[1], 1e-5)
}

func TestSolveColumnNoData(t *testing.T) {
	a := solveColumn(make([]float64, 4), make([]float64, 4), make([]float64, 4), 1e-6, 1e-9, 500)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0.25, a[i])
	}
}

func TestInvDigamma(t *testing.T) {
	for _, x := range []float64{0.1, 0.5, 1, 2, 5, 20} {
		assert.InEpsilon(t, x, invDigamma(mathext.Digamma(x)), 1e-6)
	}
}

func TestGEMNewValidates(t *testing.T) {
	bk := mat.NewDense(1, 3, []float64{10, 5, 0})

	_, err := New(Config{K: 0}, bk, nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{K: 2}, nil, nil, nil, nil, nil, nil, nil, nil)
	assert.Error(t, err)

	badA := mat.NewDense(2, 2, nil)
	_, err = New(Config{K: 2}, bk, nil, nil, nil, badA, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{K: 2}, bk, nil, nil, nil, nil, []float64{1, 1, 1}, nil, nil)
	assert.Error(t, err)
}

func TestGEMNewClampsInitA(t *testing.T) {
	bk := mat.NewDense(1, 3, []float64{10, 5, 0})
	initA := mat.NewDense(3, 2, []float64{
		1, 0,
		0, 1,
		0, 0,
	})
	g, err := New(Config{K: 2, Seed: 1}, bk, nil, nil, nil, initA, nil, nil, nil)
	assert.NoError(t, err)

	a := g.A()
	for k := 0; k < 2; k++ {
		tot := 0.0
		for i := 0; i < 3; i++ {
			assert.True(t, a.At(i, k) > 0)
			tot += a.At(i, k)
		}
		assert.InDelta(t, 1.0, tot, 1e-12)
	}
}

func TestGEMBulkOnlyRun(t *testing.T) {
	bk := mat.NewDense(2, 3, []float64{
		20, 5, 1,
		2, 4, 30,
	})
	cfg := Config{
		K: 2, Seed: 7,
		Burnin: 5, Sample: 10,
		BKMeanApprox: true,
		EMMaxIter:    5, EMConv: 1e-12,
	}
	g, err := New(cfg, bk, nil, nil, nil, nil, nil, nil, nil)
	assert.NoError(t, err)

	iters, path, _, err := g.Run()
	assert.NoError(t, err)
	assert.True(t, iters >= 1)
	assert.Len(t, path, iters)
	for _, e := range path {
		assert.False(t, math.IsNaN(e) || math.IsInf(e, 0))
	}

	a := g.A()
	for k := 0; k < 2; k++ {
		tot := 0.0
		for i := 0; i < 3; i++ {
			assert.True(t, a.At(i, k) > 0)
			tot += a.At(i, k)
		}
		assert.InDelta(t, 1.0, tot, 1e-12)
	}
	assert.NotNil(t, g.BulkStats())
	assert.Nil(t, g.SCStats())
}

func TestGEMJointRun(t *testing.T) {
	bk := mat.NewDense(1, 3, []float64{15, 5, 10})
	sc := mat.NewDense(4, 3, []float64{
		8, 0, 2,
		6, 1, 0,
		0, 3, 9,
		1, 0, 7,
	})
	g := []int{0, 0, 1, 1}

	cfg := Config{
		K: 2, Seed: 3, Workers: 1,
		Burnin: 5, Sample: 10,
		EMMaxIter: 3, EMConv: 1e-12,
		EstimateAlpha: true,
	}
	pkappa := &model.Prior{Mean: 0, Var: 1}
	ptau := &model.Prior{Mean: 1, Var: 1}
	em, err := New(cfg, bk, sc, g, nil, nil, nil, pkappa, ptau)
	assert.NoError(t, err)

	iters, path, _, err := em.Run()
	assert.NoError(t, err)
	assert.Len(t, path, iters)
	for _, e := range path {
		assert.False(t, math.IsNaN(e) || math.IsInf(e, 0))
	}

	for _, a := range em.Alpha() {
		assert.True(t, a > 0)
	}
	assert.NotNil(t, em.BulkStats())
	assert.NotNil(t, em.SCStats())

	// observed single-cell positives stay on
	st := em.SCStats()
	for l := 0; l < 4; l++ {
		for i := 0; i < 3; i++ {
			if sc.At(l, i) > 0 {
				assert.InDelta(t, 1.0, st.ExpS.At(l, i), 1e-9)
			}
		}
	}
}

func TestGEMUpdateAAgreesWithBulkCounts(t *testing.T) {
	// exact chain on a single sample; the refit column follows the
	// expected allocations up to the simplex floor
	bk := mat.NewDense(1, 2, []float64{30, 10})
	cfg := Config{K: 1, Seed: 11, Burnin: 10, Sample: 50}
	g, err := New(cfg, bk, nil, nil, nil, nil, nil, nil, nil)
	assert.NoError(t, err)

	_, _, _, err = g.Run()
	assert.NoError(t, err)

	// with K=1 every read lands in the single type, so A is the
	// empirical gene distribution
	assert.InDelta(t, 0.75, g.A().At(0, 0), 1e-6)
	assert.InDelta(t, 0.25, g.A().At(1, 0), 1e-6)
}

func TestGEMBulkOnlyConverges(t *testing.T) {
	bk := mat.NewDense(1, 2, []float64{12, 4})
	cfg := Config{
		K: 1, Seed: 5, Burnin: 5, Sample: 10,
		BKMeanApprox: true, EMMaxIter: 20, EMConv: 1e-4,
	}
	g, err := New(cfg, bk, nil, nil, nil, nil, nil, nil, nil)
	assert.NoError(t, err)

	iters, _, converged, err := g.Run()
	assert.NoError(t, err)
	assert.True(t, converged)
	assert.True(t, iters < 20)
}
