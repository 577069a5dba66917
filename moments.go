package momentfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// momentEvaluator reduces a per-observation moment condition over one
// sample: mean moment vector, per-observation moment matrix, moment
// covariance and Jacobian, all at a trial parameter. It owns scratch
// buffers and is therefore not safe for concurrent use; every
// bootstrap replication builds its own.
type momentEvaluator struct {
	sample *Sample
	fn     MomentFunction

	n, q, k, p int
	fdStep     float64

	// scratch reused across observations
	zrow, xrow, gbuf []float64
}

func newMomentEvaluator(s *Sample, fn MomentFunction, p int, fdStep float64) (*momentEvaluator, error) {
	if s == nil || s.Z == nil || s.X == nil {
		return nil, fmt.Errorf("nil sample: %w", ErrInvalidInput)
	}
	n, q := s.Z.Dims()
	nx, k := s.X.Dims()
	if n == 0 {
		return nil, fmt.Errorf("empty sample: %w", ErrInvalidInput)
	}
	if nx != n || len(s.Y) != n {
		return nil, fmt.Errorf("row counts differ: Z %d, X %d, Y %d: %w",
			n, nx, len(s.Y), ErrInvalidInput)
	}
	dim := fn.NumMoments(q, k)
	if dim <= 0 {
		return nil, fmt.Errorf("moment dimension %d: %w", dim, ErrInvalidInput)
	}
	if dim < p {
		return nil, fmt.Errorf("%d moment conditions for %d parameters: %w",
			dim, p, ErrInvalidInput)
	}
	return &momentEvaluator{
		sample: s,
		fn:     fn,
		n:      n,
		q:      dim,
		k:      k,
		p:      p,
		fdStep: fdStep,
		zrow:   make([]float64, q),
		xrow:   make([]float64, k),
		gbuf:   make([]float64, dim),
	}, nil
}

// meanMoment writes the sample mean of the per-observation moment
// vectors at theta into out (length q).
func (ev *momentEvaluator) meanMoment(theta, out []float64) {
	for j := range out {
		out[j] = 0
	}
	for i := 0; i < ev.n; i++ {
		mat.Row(ev.zrow, i, ev.sample.Z)
		mat.Row(ev.xrow, i, ev.sample.X)
		ev.fn.Evaluate(ev.gbuf, ev.zrow, ev.sample.Y[i], ev.xrow, theta)
		floats.Add(out, ev.gbuf)
	}
	floats.Scale(1/float64(ev.n), out)
}

// momentMatrix returns the n x q matrix of per-observation moment
// vectors at theta.
func (ev *momentEvaluator) momentMatrix(theta []float64) *mat.Dense {
	M := mat.NewDense(ev.n, ev.q, nil)
	for i := 0; i < ev.n; i++ {
		mat.Row(ev.zrow, i, ev.sample.Z)
		mat.Row(ev.xrow, i, ev.sample.X)
		ev.fn.Evaluate(ev.gbuf, ev.zrow, ev.sample.Y[i], ev.xrow, theta)
		M.SetRow(i, ev.gbuf)
	}
	return M
}

// omega computes the sample covariance of the moment vector at theta,
// mean-centered and normalized by n (not n-1).
func (ev *momentEvaluator) omega(theta []float64) *mat.SymDense {
	M := ev.momentMatrix(theta)

	gbar := make([]float64, ev.q)
	for i := 0; i < ev.n; i++ {
		for j := 0; j < ev.q; j++ {
			gbar[j] += M.At(i, j)
		}
	}
	floats.Scale(1/float64(ev.n), gbar)

	data := make([]float64, ev.q*ev.q)
	for i := 0; i < ev.n; i++ {
		for a := 0; a < ev.q; a++ {
			da := M.At(i, a) - gbar[a]
			for b := a; b < ev.q; b++ {
				data[a*ev.q+b] += da * (M.At(i, b) - gbar[b])
			}
		}
	}
	inv := 1 / float64(ev.n)
	for a := 0; a < ev.q; a++ {
		for b := a; b < ev.q; b++ {
			v := data[a*ev.q+b] * inv
			data[a*ev.q+b] = v
			data[b*ev.q+a] = v
		}
	}
	return mat.NewSymDense(ev.q, data)
}

// jacobian computes the q x p derivative of the mean moment vector at
// theta. When the moment condition supplies an analytic per-observation
// Jacobian it is averaged directly; otherwise centered finite
// differences on the mean moment are used with a relative step.
func (ev *momentEvaluator) jacobian(theta []float64) *mat.Dense {
	J := mat.NewDense(ev.q, ev.p, nil)

	if jf, ok := ev.fn.(JacobianMomentFunction); ok {
		acc := make([]float64, ev.q*ev.p)
		buf := make([]float64, ev.q*ev.p)
		for i := 0; i < ev.n; i++ {
			mat.Row(ev.zrow, i, ev.sample.Z)
			mat.Row(ev.xrow, i, ev.sample.X)
			jf.Jacobian(buf, ev.zrow, ev.sample.Y[i], ev.xrow, theta)
			floats.Add(acc, buf)
		}
		floats.Scale(1/float64(ev.n), acc)
		for a := 0; a < ev.q; a++ {
			for j := 0; j < ev.p; j++ {
				J.Set(a, j, acc[a*ev.p+j])
			}
		}
		return J
	}

	th := append([]float64(nil), theta...)
	mPlus := make([]float64, ev.q)
	mMinus := make([]float64, ev.q)
	for j := 0; j < ev.p; j++ {
		h := ev.fdStep * math.Max(1, math.Abs(theta[j]))
		th[j] = theta[j] + h
		ev.meanMoment(th, mPlus)
		th[j] = theta[j] - h
		ev.meanMoment(th, mMinus)
		th[j] = theta[j]
		for a := 0; a < ev.q; a++ {
			J.Set(a, j, (mPlus[a]-mMinus[a])/(2*h))
		}
	}
	return J
}

// --- Built-in moment conditions ---

// LinearIVMoments is the linear instrumental-variable moment condition
// z * (y - x.theta). With Z == X it reproduces the OLS normal
// equations; with more instruments than covariates it is the standard
// over-identified linear IV setup.
type LinearIVMoments struct{}

// NumMoments returns one moment per instrument.
func (LinearIVMoments) NumMoments(numInstruments, numCovariates int) int {
	return numInstruments
}

// Evaluate writes z * (y - x.theta) into out.
func (LinearIVMoments) Evaluate(out []float64, z []float64, y float64, x []float64, theta []float64) {
	r := y - floats.Dot(x, theta)
	for i := range z {
		out[i] = z[i] * r
	}
}

// Jacobian writes the analytic derivative -z x' into out, row-major
// q x p.
func (LinearIVMoments) Jacobian(out []float64, z []float64, y float64, x []float64, theta []float64) {
	p := len(theta)
	for a := range z {
		for j := 0; j < p; j++ {
			out[a*p+j] = -z[a] * x[j]
		}
	}
}

// LogisticMoments is the logistic-regression moment condition
// z * (y - sigmoid(x.theta)).
type LogisticMoments struct{}

// NumMoments returns one moment per instrument.
func (LogisticMoments) NumMoments(numInstruments, numCovariates int) int {
	return numInstruments
}

// Evaluate writes z * (y - sigmoid(x.theta)) into out.
func (LogisticMoments) Evaluate(out []float64, z []float64, y float64, x []float64, theta []float64) {
	mu := sigmoid(floats.Dot(x, theta))
	for i := range z {
		out[i] = z[i] * (y - mu)
	}
}

// Jacobian writes -mu(1-mu) z x' into out, row-major q x p.
func (LogisticMoments) Jacobian(out []float64, z []float64, y float64, x []float64, theta []float64) {
	mu := sigmoid(floats.Dot(x, theta))
	w := mu * (1 - mu)
	p := len(theta)
	for a := range z {
		for j := 0; j < p; j++ {
			out[a*p+j] = -w * z[a] * x[j]
		}
	}
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
