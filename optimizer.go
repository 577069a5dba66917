package momentfit

import (
	"fmt"

	"gonum.org/v1/gonum/optimize"
)

// Objective is a smooth scalar loss. It returns the loss at theta and,
// when grad is non-nil, writes the gradient into it. The adapter knows
// nothing about moments or GMM structure.
type Objective func(theta, grad []float64) float64

// minimizeResult reports one quasi-Newton run. A non-converged run
// still carries the best iterate found; the caller decides whether to
// trust it.
type minimizeResult struct {
	theta      []float64
	value      float64
	converged  bool
	iterations int
}

// minimize runs BFGS on the objective from start. It returns an error
// only when the optimizer produces no iterate at all; hitting the
// iteration cap is reported through the converged flag.
func minimize(obj Objective, start []float64, maxIter int, gradTol float64) (*minimizeResult, error) {
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			return obj(x, nil)
		},
		Grad: func(grad, x []float64) {
			obj(x, grad)
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: gradTol,
		MajorIterations:   maxIter,
	}

	result, err := optimize.Minimize(problem, start, settings, &optimize.BFGS{})
	if result == nil || result.X == nil {
		return nil, fmt.Errorf("optimizer produced no iterate: %v", err)
	}

	converged := false
	switch result.Status {
	case optimize.Success,
		optimize.FunctionThreshold,
		optimize.FunctionConvergence,
		optimize.GradientThreshold,
		optimize.StepConvergence,
		optimize.MethodConverge:
		converged = true
	}

	return &minimizeResult{
		theta:      append([]float64(nil), result.X...),
		value:      result.F,
		converged:  converged,
		iterations: result.Stats.MajorIterations,
	}, nil
}
