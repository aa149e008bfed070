// Package polyagamma draws Polya-Gamma PG(1, z) variates with the exact
// rejection sampler of Devroye (2009), as popularized for Bayesian
// logistic regression by Polson, Scott and Windle (2013).
package polyagamma

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// region boundary between the truncated inverse-Gaussian and the
// tilted-exponential proposal
const trunc = 0.64

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// PG1 samples from PG(1, z). It is not safe for concurrent use; give
// every goroutine its own PG1 (see Pool).
type PG1 struct {
	uni distuv.Uniform
	exp distuv.Exponential
	nrm distuv.Normal
}

// NewPG1 returns a sampler backed by src.
func NewPG1(src rand.Source) *PG1 {
	return &PG1{
		uni: distuv.Uniform{Min: 0, Max: 1, Src: src},
		exp: distuv.Exponential{Rate: 1, Src: src},
		nrm: distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
}

// Rand draws from PG(1, z). The draw is always strictly positive.
func (pg *PG1) Rand(z float64) float64 {
	// PG(1, z) = J*(1, z/2) / 4 where J* is drawn below
	z = math.Abs(z) * 0.5
	fz := math.Pi*math.Pi/8 + z*z/2

	for {
		var x float64
		if pg.uni.Rand() < rightMass(z, fz) {
			x = trunc + pg.exp.Rand()/fz
		} else {
			x = pg.truncInvGauss(z)
		}
		// squeeze with the alternating series of coefficients a_n(x)
		s := coef(0, x)
		y := pg.uni.Rand() * s
		for n := 1; ; n++ {
			if n%2 == 1 {
				s -= coef(n, x)
				if y <= s {
					return 0.25 * x
				}
			} else {
				s += coef(n, x)
				if y > s {
					break
				}
			}
		}
	}
}

// coef is the n-th coefficient of the alternating-series representation
// of the J*(1, 0) density, in its left (x <= trunc) or right form.
func coef(n int, x float64) float64 {
	np := float64(n) + 0.5
	if x > trunc {
		return math.Pi * np * math.Exp(-np*np*math.Pi*math.Pi*x/2)
	}
	return math.Pow(2/(math.Pi*x), 1.5) * math.Pi * np * math.Exp(-2*np*np/x)
}

// rightMass is the probability that a J*(1, z) proposal falls in the
// tilted-exponential region (trunc, inf).
func rightMass(z, fz float64) float64 {
	b := math.Sqrt(1/trunc) * (trunc*z - 1)
	a := -math.Sqrt(1/trunc) * (trunc*z + 1)
	x0 := math.Log(fz) + fz*trunc
	xb := x0 - z + math.Log(stdNormal.CDF(b))
	xa := x0 + z + math.Log(stdNormal.CDF(a))
	qdivp := 4 / math.Pi * (math.Exp(xb) + math.Exp(xa))
	return 1 / (1 + qdivp)
}

// truncInvGauss draws from an inverse-Gaussian(1/z, 1) restricted to
// (0, trunc).
func (pg *PG1) truncInvGauss(z float64) float64 {
	x := trunc + 1.0
	if trunc*z < 1 {
		// mu > trunc: rejection from the scaled chi-square tail
		alpha := 0.0
		for pg.uni.Rand() > alpha {
			e1 := pg.exp.Rand()
			e2 := pg.exp.Rand()
			for e1*e1 > 2*e2/trunc {
				e1 = pg.exp.Rand()
				e2 = pg.exp.Rand()
			}
			x = trunc / ((1 + trunc*e1) * (1 + trunc*e1))
			alpha = math.Exp(-0.5 * z * z * x)
		}
	} else {
		mu := 1.0 / z
		for x > trunc {
			y := pg.nrm.Rand()
			y *= y
			muY := mu * y
			x = mu + 0.5*mu*muY - 0.5*mu*math.Sqrt(4*muY+muY*muY)
			if pg.uni.Rand() > mu/(mu+x) {
				x = mu * mu / x
			}
		}
	}
	return x
}
