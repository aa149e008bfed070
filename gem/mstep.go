package gem

import (
	"math"

	"gonum.org/v1/gonum/mathext"
)

// updateA refits every column of the profile matrix by maximizing
//
//	sum_i c1_i*log(a_i) + c2_i*a_i + c3_i*a_i^2
//
// over the probability simplex, where c1 comes from the bulk read
// allocations and (c2, c3) from the single-cell regression
// coefficients. Columns are independent given the Lagrange multiplier
// of their normalization constraint, which is found by bisection.
func (g *GEM) updateA() {
	c1 := make([]float64, g.n)
	c2 := make([]float64, g.n)
	c3 := make([]float64, g.n)
	for k := 0; k < g.cfg.K; k++ {
		for i := 0; i < g.n; i++ {
			c1[i], c2[i], c3[i] = 0, 0, 0
			if g.bulk != nil {
				c1[i] = g.bulk.SuffStats().ExpZik.At(i, k)
			}
			if g.sc != nil {
				c2[i] = g.sc.SuffStats().CoeffA.At(i, k)
				c3[i] = g.sc.SuffStats().CoeffASq.At(i, k)
			}
		}
		col := solveColumn(c1, c2, c3, g.cfg.MinA, g.cfg.MLEConv, g.cfg.MLEMaxIter)
		for i := 0; i < g.n; i++ {
			g.a.Set(i, k, col[i])
		}
	}
	g.clampA()
}

// solveColumn maximizes sum_i c1_i*log(a_i) + c2_i*a_i + c3_i*a_i^2
// subject to sum_i a_i = 1, a_i >= minA. Stationarity gives each a_i as
// an explicit root in the multiplier lambda, monotonically decreasing
// in lambda, so the constraint is solved by bracketing and bisection.
// c1 >= 0 and c3 <= 0 are assumed (they are by construction).
func solveColumn(c1, c2, c3 []float64, minA, tol float64, maxIter int) []float64 {
	n := len(c1)
	out := make([]float64, n)

	hasData := false
	for i := 0; i < n; i++ {
		if c1[i] != 0 || c2[i] != 0 || c3[i] != 0 {
			hasData = true
			break
		}
	}
	if !hasData {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}

	// lambda must stay above c2_i for the purely logarithmic entries
	lamMin := math.Inf(-1)
	for i := 0; i < n; i++ {
		if c3[i] == 0 && c1[i] > 0 && c2[i] > lamMin {
			lamMin = c2[i]
		}
	}

	fill := func(lambda float64) float64 {
		tot := 0.0
		for i := 0; i < n; i++ {
			out[i] = aRoot(c1[i], c2[i], c3[i], lambda, minA)
			tot += out[i]
		}
		return tot
	}

	// bracket the multiplier: total mass decreases in lambda
	var lo float64
	if math.IsInf(lamMin, -1) {
		lo = -1
		for step := 1.0; fill(lo) < 1; step *= 2 {
			lo -= step
		}
	} else {
		lo = lamMin + 1e-9
		for fill(lo) < 1 {
			lo = lamMin + (lo-lamMin)/2
		}
	}
	hi := lo + 1
	for step := 1.0; fill(hi) > 1; step *= 2 {
		hi += step
	}

	for iter := 0; iter < maxIter; iter++ {
		mid := (lo + hi) / 2
		tot := fill(mid)
		if math.Abs(tot-1) < tol {
			break
		}
		if tot > 1 {
			lo = mid
		} else {
			hi = mid
		}
	}

	// exact renormalization after flooring
	tot := 0.0
	for i := 0; i < n; i++ {
		if out[i] < minA {
			out[i] = minA
		}
		tot += out[i]
	}
	for i := 0; i < n; i++ {
		out[i] /= tot
	}
	return out
}

// aRoot solves c1/a + c2 + 2*c3*a = lambda for the stationary a > 0.
func aRoot(c1, c2, c3, lambda, minA float64) float64 {
	if c3 == 0 {
		if c1 == 0 {
			// no data for this gene; the floor takes over
			return minA
		}
		return c1 / (lambda - c2)
	}
	if c1 == 0 {
		a := (lambda - c2) / (2 * c3)
		if a < minA {
			a = minA
		}
		return a
	}
	b := c2 - lambda
	disc := b*b - 8*c3*c1
	return (-b - math.Sqrt(disc)) / (4 * c3)
}

// updateAlpha refits the Dirichlet concentration by Minka's fixed-point
// iteration on the expected log proportions.
func (g *GEM) updateAlpha() {
	st := g.bulk.SuffStats()
	k := g.cfg.K
	m, _ := g.bkExpr.Dims()

	meanLogW := make([]float64, k)
	for kk := 0; kk < k; kk++ {
		for j := 0; j < m; j++ {
			meanLogW[kk] += st.ExpLogW.At(kk, j)
		}
		meanLogW[kk] /= float64(m)
	}

	for iter := 0; iter < g.cfg.MLEMaxIter; iter++ {
		asum := 0.0
		for _, a := range g.alpha {
			asum += a
		}
		psiSum := mathext.Digamma(asum)
		maxDiff := 0.0
		for kk := 0; kk < k; kk++ {
			next := invDigamma(psiSum + meanLogW[kk])
			if d := math.Abs(next - g.alpha[kk]); d > maxDiff {
				maxDiff = d
			}
			g.alpha[kk] = next
		}
		if maxDiff < g.cfg.MLEConv {
			break
		}
	}
}

// invDigamma inverts the digamma function by Newton iteration from
// Minka's starting point.
func invDigamma(y float64) float64 {
	var x float64
	if y >= -2.22 {
		x = math.Exp(y) + 0.5
	} else {
		x = -1 / (y - mathext.Digamma(1))
	}
	for i := 0; i < 8; i++ {
		// trigamma by central difference
		const h = 1e-6
		d1 := mathext.Digamma(x)
		d2 := (mathext.Digamma(x+h) - mathext.Digamma(x-h)) / (2 * h)
		x -= (d1 - y) / d2
		if x <= 0 {
			x = 1e-8
		}
	}
	return x
}
