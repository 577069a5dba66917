package momentfit

import "errors"

// Sentinel errors for the estimation engine. Callers match them with
// errors.Is; contextual detail is added at the return site with
// fmt.Errorf("...: %w", ErrX). Optimizer convergence shortfall is not
// an error: it is surfaced as FitResult.Converged.
var (
	// ErrInvalidInput marks malformed estimation input: nil or empty
	// sample, mismatched row counts, or fewer moment conditions than
	// parameters. Raised before any optimization is attempted.
	ErrInvalidInput = errors.New("momentfit: invalid input")

	// ErrNotIdentified is returned when G'WG is singular at the
	// estimate, so the sandwich covariance does not exist. The point
	// estimate itself may still be usable.
	ErrNotIdentified = errors.New("momentfit: moment system not identified")

	// ErrNotFitted is returned by accessors and bootstrap calls that
	// require a completed Fit.
	ErrNotFitted = errors.New("momentfit: estimator not fitted")

	// ErrSingularWeighting is returned when the optimal weighting
	// update produces a numerically zero moment covariance, leaving
	// no usable weighting matrix.
	ErrSingularWeighting = errors.New("momentfit: moment covariance numerically zero")
)
