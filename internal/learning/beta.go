package learning

import "math"

// Numerical routines for the Beta distribution. Credible intervals need
// the quantile function (inverse regularized incomplete beta), which no
// dependency in this module provides, so it is implemented here with
// the standard continued-fraction formulation.

const (
	betaMaxIter = 200
	betaEps     = 3e-16
	betaFPMin   = 1e-300
)

// regIncompleteBeta returns I_x(a, b), the regularized incomplete beta
// function, for a, b > 0 and x in [0, 1].
func regIncompleteBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	lgab, _ := math.Lgamma(a + b)
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	front := math.Exp(lgab - lga - lgb + a*math.Log(x) + b*math.Log(1-x))

	// Use the continued fraction directly where it converges fastest,
	// and the symmetry relation I_x(a,b) = 1 - I_{1-x}(b,a) elsewhere.
	if x < (a+1)/(a+b+2) {
		return front * betaContinuedFraction(a, b, x) / a
	}
	return 1 - front*betaContinuedFraction(b, a, 1-x)/b
}

// betaContinuedFraction evaluates the incomplete beta continued
// fraction using the modified Lentz method.
func betaContinuedFraction(a, b, x float64) float64 {
	qab := a + b
	qap := a + 1
	qam := a - 1

	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < betaFPMin {
		d = betaFPMin
	}
	d = 1 / d
	h := d

	for m := 1; m <= betaMaxIter; m++ {
		m2 := float64(2 * m)
		fm := float64(m)

		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < betaFPMin {
			d = betaFPMin
		}
		c = 1 + aa/c
		if math.Abs(c) < betaFPMin {
			c = betaFPMin
		}
		d = 1 / d
		h *= d * c

		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < betaFPMin {
			d = betaFPMin
		}
		c = 1 + aa/c
		if math.Abs(c) < betaFPMin {
			c = betaFPMin
		}
		d = 1 / d
		del := d * c
		h *= del

		if math.Abs(del-1) < betaEps {
			break
		}
	}
	return h
}

// betaQuantile returns the p-quantile of Beta(a, b) by bisection on the
// CDF. The CDF is strictly increasing on (0, 1), so bisection is robust
// for any positive shape parameters; 100 halvings resolve well past
// float64 precision.
func betaQuantile(p, a, b float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}

	lo, hi := 0.0, 1.0
	for i := 0; i < 100; i++ {
		mid := (lo + hi) / 2
		if regIncompleteBeta(a, b, mid) < p {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
