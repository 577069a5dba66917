package momentfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// fillInference computes the sandwich covariance and the derived
// inference columns at the fitted estimate. The Jacobian and moment
// covariance are recomputed fresh at theta-hat rather than reused from
// the optimization trajectory, so the result does not depend on how
// the optimizer approximated its gradients.
func (e *Estimator) fillInference(res *FitResult) error {
	G := e.ev.jacobian(res.Theta)
	res.Jacobian = G

	omega := e.ev.omega(res.Theta)
	cov, err := sandwichCov(G, res.W, omega, e.opts.PinvTolerance)
	if err != nil {
		return fmt.Errorf("covariance: %w", err)
	}
	res.Cov = cov

	p := e.numParams
	n := float64(res.N)
	res.StdErrors = make([]float64, p)
	res.TStats = make([]float64, p)
	res.PValues = make([]float64, p)
	res.CILower = make([]float64, p)
	res.CIUpper = make([]float64, p)

	level := e.opts.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	z := distuv.UnitNormal.Quantile(1 - (1-level)/2)

	for j := 0; j < p; j++ {
		se := math.Sqrt(cov.At(j, j) / n)
		t := res.Theta[j] / se
		res.StdErrors[j] = se
		res.TStats[j] = t
		// Asymptotic normality: two-sided p from the standard normal,
		// not a Student distribution.
		res.PValues[j] = 2 * distuv.UnitNormal.CDF(-math.Abs(t))
		res.CILower[j] = res.Theta[j] - z*se
		res.CIUpper[j] = res.Theta[j] + z*se
	}
	return nil
}

// sandwichCov returns (G'WG)^-1 G'W Omega W G (G'WG)^-1. When W is
// exactly the inverse of Omega this collapses to (G' Omega^-1 G)^-1.
// A rank-deficient G'WG means the moment system cannot pin down all
// parameters, reported as ErrNotIdentified.
func sandwichCov(G *mat.Dense, W *mat.SymDense, omega *mat.SymDense, tol float64) (*mat.SymDense, error) {
	_, p := G.Dims()

	var WG mat.Dense
	WG.Mul(W, G) // q x p

	var bread mat.Dense
	bread.Mul(G.T(), &WG) // p x p

	bInv, rank, err := pinvSym(symmetrize(&bread), tol)
	if err != nil {
		return nil, err
	}
	if rank < p {
		return nil, fmt.Errorf("G'WG has rank %d, need %d: %w", rank, p, ErrNotIdentified)
	}

	var omWG mat.Dense
	omWG.Mul(omega, &WG) // q x p

	var meat mat.Dense
	meat.Mul(WG.T(), &omWG) // p x p

	var t1, t2 mat.Dense
	t1.Mul(bInv, &meat)
	t2.Mul(&t1, bInv)

	return symmetrize(&t2), nil
}

// pinvSym computes the Moore-Penrose pseudo-inverse of a symmetric
// matrix via SVD, truncating singular values with the relative cutoff
// tol. Returns the effective rank; rank 0 yields the zero matrix.
func pinvSym(s *mat.SymDense, tol float64) (*mat.SymDense, int, error) {
	d := s.SymmetricDim()

	var svd mat.SVD
	if ok := svd.Factorize(s, mat.SVDThin); !ok {
		return nil, 0, fmt.Errorf("svd factorization failed on %dx%d matrix", d, d)
	}

	rank := svd.Rank(tol)
	out := mat.NewSymDense(d, nil)
	if rank == 0 {
		return out, 0, nil
	}

	vals := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// pinv = V_r diag(1/s_r) U_r'
	scaled := mat.NewDense(d, rank, nil)
	for j := 0; j < rank; j++ {
		inv := 1 / vals[j]
		for i := 0; i < d; i++ {
			scaled.Set(i, j, v.At(i, j)*inv)
		}
	}

	var pinv mat.Dense
	pinv.Mul(scaled, u.Slice(0, d, 0, rank).T())

	// Average away floating-point asymmetry.
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, (pinv.At(i, j)+pinv.At(j, i))/2)
		}
	}
	return out, rank, nil
}

// symmetrize folds a nominally symmetric dense matrix into a SymDense.
func symmetrize(m *mat.Dense) *mat.SymDense {
	d, _ := m.Dims()
	out := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			out.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
		}
	}
	return out
}
