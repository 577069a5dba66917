package momentfit

import (
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const defaultReplications = 500

// resolveSeed maps the documented "0 means time-based" convention to a
// concrete seed, so the returned BootstrapResult always records the
// seed the run actually used.
func resolveSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}

// BootstrapScores runs the influence-function (score) bootstrap: for
// each replication the observation indices are resampled with
// replacement and the re-estimated parameter is approximated by a
// first-order linearization around the fitted estimate,
//
//	theta* = theta-hat - (G'WG)^-1 G'W (gbar* - gbar),
//
// so no re-optimization happens. The cost is near-linear in B*n but
// the approximation is only first-order accurate. A fixed seed makes
// the resampling exactly reproducible; seed 0 draws a time-based seed.
func (e *Estimator) BootstrapScores(nBoot int, seed int64) (*BootstrapResult, error) {
	if !e.Fitted() {
		return nil, ErrNotFitted
	}
	if nBoot <= 0 {
		nBoot = defaultReplications
	}
	seed = resolveSeed(seed)

	res := e.result
	ev := e.ev
	n, p := ev.n, e.numParams

	// A = (G'WG)^+ G'W maps a mean-moment perturbation to a parameter
	// perturbation. Uses the Jacobian stored at the fitted estimate.
	var WG mat.Dense
	WG.Mul(res.W, res.Jacobian)
	var bread mat.Dense
	bread.Mul(res.Jacobian.T(), &WG)
	bInv, rank, err := pinvSym(symmetrize(&bread), e.opts.PinvTolerance)
	if err != nil {
		return nil, err
	}
	if rank < p {
		return nil, fmt.Errorf("score bootstrap: G'WG has rank %d, need %d: %w",
			rank, p, ErrNotIdentified)
	}
	var A mat.Dense
	A.Mul(bInv, WG.T()) // p x q

	// Per-observation influence rows: infl_i = A g_i(theta-hat).
	M := ev.momentMatrix(res.Theta)
	var infl mat.Dense
	infl.Mul(M, A.T()) // n x p

	// base = A gbar, the column means of infl.
	base := make([]float64, p)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			base[j] += infl.At(i, j)
		}
	}
	for j := range base {
		base[j] /= float64(n)
	}

	rng := rand.New(rand.NewSource(seed))
	draws := make([][]float64, p)
	for j := range draws {
		draws[j] = make([]float64, nBoot)
	}

	acc := make([]float64, p)
	for b := 0; b < nBoot; b++ {
		for j := range acc {
			acc[j] = 0
		}
		for i := 0; i < n; i++ {
			idx := rng.Intn(n)
			for j := 0; j < p; j++ {
				acc[j] += infl.At(idx, j)
			}
		}
		for j := 0; j < p; j++ {
			draws[j][b] = res.Theta[j] - (acc[j]/float64(n) - base[j])
		}
	}

	se := make([]float64, p)
	lower := make([]float64, p)
	upper := make([]float64, p)
	loQ, hiQ := e.ciQuantiles()
	for j := 0; j < p; j++ {
		se[j] = stat.StdDev(draws[j], nil)
		lower[j] = bootstrapQuantile(draws[j], loQ)
		upper[j] = bootstrapQuantile(draws[j], hiQ)
	}

	e.logf("score bootstrap: %d replications, seed %d", nBoot, seed)
	return &BootstrapResult{
		Method:       BootstrapScore,
		StdErrors:    se,
		CILower:      lower,
		CIUpper:      upper,
		Replications: nBoot,
		Seed:         seed,
	}, nil
}

// ciQuantiles returns the lower and upper tail quantiles implied by
// the configured confidence level.
func (e *Estimator) ciQuantiles() (float64, float64) {
	level := e.opts.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	return (1 - level) / 2, 1 - (1-level)/2
}

// BootstrapFull runs the full re-fit bootstrap: each replication draws
// a resampled dataset of size n with replacement and re-runs the
// entire estimation from scratch on it. Exact but B optimizations
// slower than the score bootstrap.
//
// Replications run share-nothing in parallel; each owns its resample
// and its own estimator, seeded from a master generator so the result
// is reproducible for a fixed seed regardless of scheduling. A
// replication that fails to converge is retried once from a perturbed
// start, then excluded and counted in Discarded.
func (e *Estimator) BootstrapFull(nBoot int, seed int64) (*BootstrapResult, error) {
	if !e.Fitted() {
		return nil, ErrNotFitted
	}
	if nBoot <= 0 {
		nBoot = defaultReplications
	}
	seed = resolveSeed(seed)

	master := rand.New(rand.NewSource(seed))
	seeds := make([]int64, nBoot)
	for i := range seeds {
		seeds[i] = master.Int63()
	}

	p := e.numParams
	thetas := make([][]float64, nBoot) // nil marks a discarded replication

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for b := 0; b < nBoot; b++ {
		b := b
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seeds[b]))
			resample := resampleSample(e.sample, rng)

			opts := e.opts.clone()
			opts.Start = append([]float64(nil), e.result.Theta...)
			fit, _ := NewEstimator(e.moment, p, opts).Fit(resample)
			if fit == nil || !fit.Converged {
				// Retry once from a perturbed start.
				for j := range opts.Start {
					opts.Start[j] = e.result.Theta[j]*(1+0.1*(2*rng.Float64()-1)) +
						0.1*(2*rng.Float64()-1)
				}
				fit, _ = NewEstimator(e.moment, p, opts).Fit(resample)
			}
			if fit != nil && fit.Converged {
				thetas[b] = fit.Theta
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := 0
	for _, th := range thetas {
		if th != nil {
			kept++
		}
	}
	if kept == 0 {
		return nil, fmt.Errorf("full bootstrap: all %d replications failed to converge", nBoot)
	}

	// Aggregate in replication order so the result is bit-stable.
	se := make([]float64, p)
	lower := make([]float64, p)
	upper := make([]float64, p)
	loQ, hiQ := e.ciQuantiles()
	samples := make([]float64, 0, kept)
	for j := 0; j < p; j++ {
		samples = samples[:0]
		for _, th := range thetas {
			if th != nil {
				samples = append(samples, th[j])
			}
		}
		se[j] = stat.StdDev(samples, nil)
		lower[j] = bootstrapQuantile(samples, loQ)
		upper[j] = bootstrapQuantile(samples, hiQ)
	}

	discarded := nBoot - kept
	if discarded > 0 {
		e.logf("full bootstrap: discarded %d of %d replications", discarded, nBoot)
	}
	e.logf("full bootstrap: %d replications, seed %d", nBoot, seed)
	return &BootstrapResult{
		Method:       BootstrapFullRefit,
		StdErrors:    se,
		CILower:      lower,
		CIUpper:      upper,
		Replications: kept,
		Discarded:    discarded,
		Seed:         seed,
	}, nil
}

// bootstrapQuantile returns the empirical q-quantile of samples using
// linear interpolation between order statistics.
func bootstrapQuantile(samples []float64, q float64) float64 {
	n := len(samples)
	if n == 0 {
		return math.NaN()
	}

	tmp := make([]float64, n)
	copy(tmp, samples)
	sort.Float64s(tmp)

	if q <= 0 {
		return tmp[0]
	}
	if q >= 1 {
		return tmp[n-1]
	}

	pos := q * float64(n-1)
	idxBelow := int(math.Floor(pos))
	idxAbove := int(math.Ceil(pos))

	if idxAbove == idxBelow {
		return tmp[idxBelow]
	}

	weight := pos - float64(idxBelow)
	return tmp[idxBelow]*(1.0-weight) + tmp[idxAbove]*weight
}

// resampleSample draws n rows with replacement into a fresh Sample.
// The original sample is never touched.
func resampleSample(s *Sample, rng *rand.Rand) *Sample {
	n, q := s.Z.Dims()
	_, k := s.X.Dims()

	Z := mat.NewDense(n, q, nil)
	X := mat.NewDense(n, k, nil)
	Y := make([]float64, n)

	for i := 0; i < n; i++ {
		idx := rng.Intn(n)
		Z.SetRow(i, mat.Row(nil, idx, s.Z))
		X.SetRow(i, mat.Row(nil, idx, s.X))
		Y[i] = s.Y[idx]
	}
	return &Sample{Z: Z, X: X, Y: Y, Names: s.Names}
}
