package momentfit

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Estimator runs one- or two-step GMM estimation for a moment
// condition. A single estimator owns at most one in-progress fit:
// Fit is not reentrant on the same instance, but each fit is
// self-contained and re-invoking Fit starts from scratch.
type Estimator struct {
	moment    MomentFunction
	numParams int
	opts      *Options

	state  fitState
	sample *Sample
	ev     *momentEvaluator
	result *FitResult
}

// NewEstimator builds an estimator for the moment condition with
// numParams unknowns. A nil opts selects DefaultOptions.
func NewEstimator(m MomentFunction, numParams int, opts *Options) *Estimator {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &Estimator{
		moment:    m,
		numParams: numParams,
		opts:      opts,
		state:     stateUninitialized,
	}
}

// advance moves the fit state machine. An invalid transition is a
// programmer error in this package, not a user condition.
func (e *Estimator) advance(to fitState) {
	for _, s := range fitTransitions[e.state] {
		if s == to {
			e.state = to
			return
		}
	}
	panic(fmt.Sprintf("momentfit: invalid state transition %d -> %d", e.state, to))
}

func (e *Estimator) logf(format string, args ...any) {
	if e.opts.Log != nil {
		e.opts.Log.Printf(format, args...)
	}
}

// Fit estimates theta on the sample. Under optimal weighting it runs
// an identity-weighted first step, updates W to the pseudo-inverse of
// the sample moment covariance at the first-step estimate, and
// re-minimizes from a warm start. Identity or fixed weighting stops
// after the first step.
//
// When the system is not identified at the estimate, Fit returns the
// FitResult holding the point estimate together with a wrapped
// ErrNotIdentified; standard errors are then unavailable.
func (e *Estimator) Fit(s *Sample) (*FitResult, error) {
	if e.state == stateFitted {
		e.advance(stateUninitialized)
	} else {
		e.state = stateUninitialized
	}
	e.result = nil

	if e.moment == nil {
		return nil, fmt.Errorf("nil moment function: %w", ErrInvalidInput)
	}
	if e.numParams <= 0 {
		return nil, fmt.Errorf("parameter count %d: %w", e.numParams, ErrInvalidInput)
	}

	ev, err := newMomentEvaluator(s, e.moment, e.numParams, e.opts.FDStep)
	if err != nil {
		return nil, err
	}
	e.sample = s
	e.ev = ev

	W, err := e.initialWeighting(ev.q)
	if err != nil {
		return nil, err
	}

	start := make([]float64, e.numParams)
	if e.opts.Start != nil {
		if len(e.opts.Start) != e.numParams {
			return nil, fmt.Errorf("start has length %d, want %d: %w",
				len(e.opts.Start), e.numParams, ErrInvalidInput)
		}
		copy(start, e.opts.Start)
	}

	// First step: minimize Q(theta) = gbar' W gbar with the initial W.
	r1, err := minimize(e.criterion(W), start, e.opts.MaxIterations, e.opts.GradientTolerance)
	if err != nil {
		return nil, fmt.Errorf("first step: %w", err)
	}
	e.advance(stateFirstStep)
	e.logf("first step: criterion=%.6g converged=%v iters=%d",
		r1.value, r1.converged, r1.iterations)

	final := r1
	if e.opts.Weighting == WeightOptimal {
		// W = pseudo-inverse of the moment covariance at the
		// first-step estimate.
		omega := ev.omega(r1.theta)
		Wopt, rank, err := pinvSym(omega, e.opts.PinvTolerance)
		if err != nil {
			return nil, fmt.Errorf("weighting update: %w", err)
		}
		if rank == 0 {
			return nil, fmt.Errorf("weighting update: %w", ErrSingularWeighting)
		}
		W = Wopt
		e.advance(stateWeightingUpdated)
		e.logf("weighting update: omega rank %d of %d", rank, ev.q)

		// Second step, warm-started from the first-step estimate.
		r2, err := minimize(e.criterion(W), r1.theta, e.opts.MaxIterations, e.opts.GradientTolerance)
		if err != nil {
			return nil, fmt.Errorf("second step: %w", err)
		}
		e.advance(stateSecondStep)
		e.logf("second step: criterion=%.6g converged=%v iters=%d",
			r2.value, r2.converged, r2.iterations)
		final = r2
	}

	if !final.converged {
		e.logf("optimizer hit the iteration cap; keeping best iterate")
	}

	res := &FitResult{
		Theta:              final.theta,
		W:                  W,
		Criterion:          final.value,
		Converged:          final.converged,
		FirstStepConverged: r1.converged,
		Iterations:         final.iterations,
		Weighting:          e.opts.Weighting,
		N:                  ev.n,
	}

	covErr := e.fillInference(res)
	e.result = res
	e.advance(stateFitted)
	if covErr != nil {
		return res, covErr
	}
	return res, nil
}

// initialWeighting returns the first-step weighting matrix: identity
// unless the caller fixed one.
func (e *Estimator) initialWeighting(q int) (*mat.SymDense, error) {
	if e.opts.Weighting == WeightFixed {
		if e.opts.W == nil || e.opts.W.SymmetricDim() != q {
			return nil, fmt.Errorf("fixed weighting matrix must be %dx%d: %w", q, q, ErrInvalidInput)
		}
		W := mat.NewSymDense(q, nil)
		W.CopySym(e.opts.W)
		return W, nil
	}
	W := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		W.SetSym(i, i, 1)
	}
	return W, nil
}

// criterion builds the scalar GMM objective for a weighting matrix:
// Q(theta) = gbar(theta)' W gbar(theta), with gradient 2 G' W gbar.
// The criterion always works on the mean moment, so its scale does not
// grow with the sample size.
func (e *Estimator) criterion(W *mat.SymDense) Objective {
	ev := e.ev
	gbar := make([]float64, ev.q)
	wg := make([]float64, ev.q)

	return func(theta, grad []float64) float64 {
		ev.meanMoment(theta, gbar)
		for a := 0; a < ev.q; a++ {
			sum := 0.0
			for b := 0; b < ev.q; b++ {
				sum += W.At(a, b) * gbar[b]
			}
			wg[a] = sum
		}
		val := floats.Dot(gbar, wg)

		if grad != nil {
			G := ev.jacobian(theta)
			for j := 0; j < ev.p; j++ {
				sum := 0.0
				for a := 0; a < ev.q; a++ {
					sum += G.At(a, j) * wg[a]
				}
				grad[j] = 2 * sum
			}
		}
		return val
	}
}

// Fitted reports whether a Fit call has completed on this estimator.
func (e *Estimator) Fitted() bool {
	return e.state == stateFitted && e.result != nil
}

// Result returns the current fit result, nil before the first Fit.
func (e *Estimator) Result() *FitResult {
	return e.result
}

// Theta returns a copy of the point estimate, or nil before Fit.
func (e *Estimator) Theta() []float64 {
	if !e.Fitted() {
		return nil
	}
	return append([]float64(nil), e.result.Theta...)
}

// StdErrors returns a copy of the analytic standard errors, or nil
// before Fit or when the system was not identified.
func (e *Estimator) StdErrors() []float64 {
	if !e.Fitted() || e.result.StdErrors == nil {
		return nil
	}
	return append([]float64(nil), e.result.StdErrors...)
}
