package momentfit_test

import (
	"fmt"
	"log"
	"os"

	"github.com/momentfit/momentfit"
)

// Example walks through the full pipeline: simulate an endogenous
// linear IV dataset, run two-step efficient GMM, print the inference
// table, and compare the analytic standard errors against both
// bootstrap flavors.
func Example() {
	sample := momentfit.SimulateLinearIV(5000, []float64{-0.5, 1.2}, 0.7, 42)

	est := momentfit.NewEstimator(momentfit.LinearIVMoments{}, 2, nil)
	res, err := est.Fit(sample)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("theta = %v, converged = %v\n", res.Theta, res.Converged)

	table, err := est.Summary()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(table)

	// Fast: one-step linearization around the fitted estimate.
	score, err := est.BootstrapScores(2000, 7)
	if err != nil {
		log.Fatal(err)
	}

	// Slow but exact: full two-step refit per replication.
	full, err := est.BootstrapFull(200, 7)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("analytic se = %v\n", res.StdErrors)
	fmt.Printf("score se    = %v\n", score.StdErrors)
	fmt.Printf("full se     = %v (discarded %d)\n", full.StdErrors, full.Discarded)
}

// ExampleMomentFunc estimates with a caller-supplied moment condition
// instead of a built-in one.
func ExampleMomentFunc() {
	sample := momentfit.SimulateLinearIV(2000, []float64{-0.5, 1.2}, 0.7, 1)

	// z * (y - x.theta), written out by hand.
	moment := momentfit.MomentFunc(func(out []float64, z []float64, y float64, x []float64, theta []float64) {
		r := y
		for j := range x {
			r -= x[j] * theta[j]
		}
		for i := range z {
			out[i] = z[i] * r
		}
	})

	opts := momentfit.DefaultOptions()
	opts.Log = log.New(os.Stderr, "gmm: ", 0)

	est := momentfit.NewEstimator(moment, 2, opts)
	res, err := est.Fit(sample)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(res.Theta)
}
