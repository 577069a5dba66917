// Package momentfit implements generalized method of moments (GMM)
// estimation: a user-supplied moment condition is averaged over a
// sample, the weighted quadratic form of the mean moment is minimized
// with a quasi-Newton optimizer, and inference comes from the analytic
// sandwich covariance or from bootstrap resampling.
package momentfit

import (
	"log"

	"gonum.org/v1/gonum/mat"
)

// Sample holds one estimation dataset. Rows are observations.
// It is not mutated by any fit or bootstrap call; replications work
// on their own copies.
type Sample struct {
	// Instruments, n x q. One moment condition per instrument column
	// for the usual z*(y - f(x, theta)) setups.
	Z *mat.Dense
	// Covariates, n x k
	X *mat.Dense
	// Outcomes, length n
	Y []float64
	// Optional parameter labels used by Summary. If the length does
	// not match the parameter count, generic labels are used.
	Names []string
}

// NumObs returns the number of observations in the sample.
func (s *Sample) NumObs() int {
	if s == nil || s.Z == nil {
		return 0
	}
	n, _ := s.Z.Dims()
	return n
}

// MomentFunction is a per-observation moment condition g(z, y, x, theta).
// Its population expectation is zero at the true parameter. The function
// must be pure: no hidden state, no randomness.
type MomentFunction interface {
	// NumMoments reports the moment dimension for the given data shapes,
	// before any data is touched.
	NumMoments(numInstruments, numCovariates int) int

	// Evaluate writes the moment vector for a single observation into out
	// (length NumMoments).
	Evaluate(out []float64, z []float64, y float64, x []float64, theta []float64)
}

// JacobianMomentFunction is implemented by moment conditions that can
// supply an analytic per-observation Jacobian. When absent, the
// evaluator falls back to centered finite differences.
type JacobianMomentFunction interface {
	MomentFunction

	// Jacobian writes d g / d theta for one observation into out,
	// row-major with shape (NumMoments x len(theta)).
	Jacobian(out []float64, z []float64, y float64, x []float64, theta []float64)
}

// MomentFunc adapts a plain function to MomentFunction. The moment
// dimension is taken to be the number of instrument columns.
type MomentFunc func(out []float64, z []float64, y float64, x []float64, theta []float64)

// NumMoments returns the instrument count.
func (f MomentFunc) NumMoments(numInstruments, numCovariates int) int {
	return numInstruments
}

// Evaluate calls f.
func (f MomentFunc) Evaluate(out []float64, z []float64, y float64, x []float64, theta []float64) {
	f(out, z, y, x, theta)
}

// WeightingMode selects the GMM weighting matrix strategy.
type WeightingMode int

const (
	// WeightIdentity keeps W = I for a single estimation step.
	WeightIdentity WeightingMode = iota
	// WeightOptimal runs two-step efficient GMM: identity first step,
	// then W = pseudo-inverse of the sample moment covariance.
	WeightOptimal
	// WeightFixed uses a caller-supplied matrix for a single step.
	WeightFixed
)

func (w WeightingMode) String() string {
	switch w {
	case WeightIdentity:
		return "identity"
	case WeightOptimal:
		return "optimal"
	case WeightFixed:
		return "fixed"
	}
	return "unknown"
}

// Options collects estimation settings. The zero value is not usable;
// start from DefaultOptions.
type Options struct {
	// Weighting matrix strategy
	Weighting WeightingMode

	// W is the caller-fixed weighting matrix, required when
	// Weighting == WeightFixed and ignored otherwise.
	W *mat.SymDense

	// Start holds starting values for theta; zeros when nil.
	Start []float64

	// MaxIterations caps the optimizer's major iterations per step.
	MaxIterations int

	// GradientTolerance is the optimizer's convergence threshold on
	// the criterion gradient norm.
	GradientTolerance float64

	// PinvTolerance is the relative singular-value cutoff used when
	// pseudo-inverting the moment covariance or G'WG.
	PinvTolerance float64

	// FDStep is the relative step for finite-difference Jacobians.
	FDStep float64

	// ConfidenceLevel for interval endpoints in fit results (e.g. 0.95).
	ConfidenceLevel float64

	// If not nil, progress messages are written here.
	Log *log.Logger
}

// DefaultOptions returns the default estimation settings: two-step
// efficient GMM with the tolerances used throughout the test suite.
func DefaultOptions() *Options {
	return &Options{
		Weighting:         WeightOptimal,
		MaxIterations:     200,
		GradientTolerance: 1e-8,
		PinvTolerance:     1e-12,
		FDStep:            1e-6,
		ConfidenceLevel:   0.95,
	}
}

// clone copies the options for an independent bootstrap replication.
// The logger is dropped so replications stay quiet.
func (o *Options) clone() *Options {
	c := *o
	c.Log = nil
	if o.Start != nil {
		c.Start = append([]float64(nil), o.Start...)
	}
	if o.W != nil {
		w := mat.NewSymDense(o.W.SymmetricDim(), nil)
		w.CopySym(o.W)
		c.W = w
	}
	return &c
}

// fitState tracks the estimator through the two-step sequence.
type fitState int

const (
	stateUninitialized fitState = iota
	stateFirstStep
	stateWeightingUpdated
	stateSecondStep
	stateFitted
)

// Allowed transitions. Identity and fixed weighting skip straight from
// the first step to Fitted; optimal weighting passes through the
// weighting update and second step.
var fitTransitions = map[fitState][]fitState{
	stateUninitialized:    {stateFirstStep},
	stateFirstStep:        {stateWeightingUpdated, stateFitted},
	stateWeightingUpdated: {stateSecondStep},
	stateSecondStep:       {stateFitted},
	stateFitted:           {stateUninitialized},
}

// FitResult aggregates everything produced by one Fit call. It is
// created whole at the end of Fit and never partially mutated; a
// subsequent Fit replaces it entirely.
type FitResult struct {
	// Point estimate, length p
	Theta []float64

	// Sandwich covariance of theta, p x p. Nil when the system was
	// not identified at the estimate.
	Cov *mat.SymDense

	// Asymptotic standard errors, sqrt(diag(Cov)/n)
	StdErrors []float64
	// t-statistics theta_j / se_j
	TStats []float64
	// Two-sided p-values from the standard normal
	PValues []float64
	// Confidence interval endpoints at Options.ConfidenceLevel
	CILower []float64
	CIUpper []float64

	// Final weighting matrix, q x q
	W *mat.SymDense
	// Moment Jacobian at the estimate, q x p
	Jacobian *mat.Dense

	// Criterion value at the estimate
	Criterion float64

	// Convergence status of the final optimization step. A false value
	// means the iteration cap was hit; the estimate is the best iterate.
	Converged bool
	// Convergence status of the identity-weighted first step.
	FirstStepConverged bool
	// Major iterations spent in the final step
	Iterations int

	// Weighting mode the fit ran under
	Weighting WeightingMode
	// Number of observations
	N int
}

// BootstrapMethod names one of the two resampling strategies.
type BootstrapMethod int

const (
	// BootstrapScore is the fast influence-function bootstrap: a
	// first-order linearization around the fitted estimate, no
	// re-optimization.
	BootstrapScore BootstrapMethod = iota
	// BootstrapFullRefit re-runs the entire estimator on every
	// resampled dataset.
	BootstrapFullRefit
)

func (m BootstrapMethod) String() string {
	switch m {
	case BootstrapScore:
		return "score"
	case BootstrapFullRefit:
		return "full-refit"
	}
	return "unknown"
}

// BootstrapResult holds the per-parameter empirical standard errors
// from one bootstrap run. It is never merged into the FitResult; the
// caller decides how to report the two side by side.
type BootstrapResult struct {
	Method BootstrapMethod

	// Empirical standard deviation of the replicated estimates,
	// length p
	StdErrors []float64

	// Percentile confidence bands from the bootstrap distribution at
	// the estimator's confidence level, length p each
	CILower []float64
	CIUpper []float64

	// Replications that contributed to StdErrors
	Replications int
	// Replications dropped after a failed refit and retry
	// (always 0 for the score bootstrap)
	Discarded int

	// Seed the resampling actually ran under
	Seed int64
}
