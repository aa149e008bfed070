package polyagamma

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Pool holds one independently seeded PG1 sampler per worker so that
// matrix-sized batches of variates can be drawn in parallel without
// shared mutable state.
type Pool struct {
	gens []*PG1
}

// NewPool builds a pool of workers samplers seeded from seed. A
// non-positive workers falls back to the platform parallelism hint.
func NewPool(workers int, seed uint64) (*Pool, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers <= 0 {
		return nil, fmt.Errorf("polyagamma: cannot resolve a positive worker count")
	}
	gens := make([]*PG1, workers)
	for i := range gens {
		gens[i] = NewPG1(rand.NewSource(seed + uint64(i)))
	}
	return &Pool{gens: gens}, nil
}

// Workers reports the pool size.
func (p *Pool) Workers() int {
	return len(p.gens)
}

// RandMatrix overwrites w[l, i] with a PG(1, psi[l, i]) draw. Rows are
// partitioned into contiguous blocks, one worker per block; every draw
// is independent given psi, so the partitioning has no observable
// effect beyond the RNG streams used.
func (p *Pool) RandMatrix(psi, w *mat.Dense) {
	rows, cols := psi.Dims()
	chunk := (rows + len(p.gens) - 1) / len(p.gens)

	var wg sync.WaitGroup
	for g := 0; g < len(p.gens); g++ {
		lo := g * chunk
		hi := lo + chunk
		if hi > rows {
			hi = rows
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(pg *PG1, lo, hi int) {
			defer wg.Done()
			for l := lo; l < hi; l++ {
				for i := 0; i < cols; i++ {
					w.Set(l, i, pg.Rand(psi.At(l, i)))
				}
			}
		}(p.gens[g], lo, hi)
	}
	wg.Wait()
}
