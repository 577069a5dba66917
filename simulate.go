package momentfit

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// SimulateLinearIV generates a linear instrumental-variable sample
// with one endogenous regressor:
//
//	y = theta[0] + theta[1]*x1 + u
//	x1 = 0.8*z1 + 0.5*z2 + v,  corr(u, v) = rho
//
// Instruments are [1, z1, z2] (over-identified, three moments for two
// parameters), covariates [1, x1]. Endogeneity rho > 0 makes plain OLS
// on x1 biased, which is the scenario the IV moments exist for. Seed 0
// draws a time-based seed.
func SimulateLinearIV(n int, theta []float64, rho float64, seed int64) *Sample {
	rng := rand.New(rand.NewSource(resolveSeed(seed)))

	Z := mat.NewDense(n, 3, nil)
	X := mat.NewDense(n, 2, nil)
	Y := make([]float64, n)

	sq := math.Sqrt(1 - rho*rho)
	for i := 0; i < n; i++ {
		z1 := rng.NormFloat64()
		z2 := rng.NormFloat64()
		e1 := rng.NormFloat64()
		e2 := rng.NormFloat64()

		u := e1
		v := rho*e1 + sq*e2

		x1 := 0.8*z1 + 0.5*z2 + v

		Z.SetRow(i, []float64{1, z1, z2})
		X.SetRow(i, []float64{1, x1})
		Y[i] = theta[0] + theta[1]*x1 + u
	}
	return &Sample{Z: Z, X: X, Y: Y, Names: []string{"const", "x1"}}
}

// SimulateLogistic generates a logistic-regression sample with an
// intercept and len(theta)-1 standard normal covariates. Instruments
// equal the covariates, so the moment system is exactly identified.
// Seed 0 draws a time-based seed.
func SimulateLogistic(n int, theta []float64, seed int64) *Sample {
	rng := rand.New(rand.NewSource(resolveSeed(seed)))

	p := len(theta)
	X := mat.NewDense(n, p, nil)
	Y := make([]float64, n)

	row := make([]float64, p)
	names := make([]string, p)
	names[0] = "const"
	for j := 1; j < p; j++ {
		names[j] = fmt.Sprintf("x%d", j)
	}

	for i := 0; i < n; i++ {
		row[0] = 1
		eta := theta[0]
		for j := 1; j < p; j++ {
			row[j] = rng.NormFloat64()
			eta += theta[j] * row[j]
		}
		X.SetRow(i, row)
		if rng.Float64() < sigmoid(eta) {
			Y[i] = 1
		}
	}
	Z := mat.DenseCopyOf(X)
	return &Sample{Z: Z, X: X, Y: Y, Names: names}
}
