package momentfit

import (
	"errors"
	"math"
	"testing"
)

func fittedEstimator(t *testing.T, n int, seed int64) *Estimator {
	t.Helper()
	s := SimulateLinearIV(n, []float64{-0.5, 1.2}, 0.7, seed)
	est := NewEstimator(LinearIVMoments{}, 2, nil)
	if _, err := est.Fit(s); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	return est
}

func TestBootstrapRequiresFit(t *testing.T) {
	est := NewEstimator(LinearIVMoments{}, 2, nil)
	if _, err := est.BootstrapScores(50, 1); !errors.Is(err, ErrNotFitted) {
		t.Errorf("BootstrapScores before fit: got %v, want ErrNotFitted", err)
	}
	if _, err := est.BootstrapFull(50, 1); !errors.Is(err, ErrNotFitted) {
		t.Errorf("BootstrapFull before fit: got %v, want ErrNotFitted", err)
	}
}

func TestScoreBootstrapReproducible(t *testing.T) {
	est := fittedEstimator(t, 500, 31)

	a, err := est.BootstrapScores(200, 42)
	if err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}
	b, err := est.BootstrapScores(200, 42)
	if err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}

	for j := range a.StdErrors {
		if a.StdErrors[j] != b.StdErrors[j] {
			t.Errorf("seeded score bootstrap not reproducible: %v vs %v",
				a.StdErrors[j], b.StdErrors[j])
		}
	}
	if a.Seed != 42 {
		t.Errorf("result seed = %d, want 42", a.Seed)
	}
}

func TestFullBootstrapReproducible(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-refit bootstrap in short mode")
	}
	est := fittedEstimator(t, 300, 31)

	a, err := est.BootstrapFull(100, 42)
	if err != nil {
		t.Fatalf("BootstrapFull: %v", err)
	}
	b, err := est.BootstrapFull(100, 42)
	if err != nil {
		t.Fatalf("BootstrapFull: %v", err)
	}

	// Replication seeds are fixed and aggregation runs in replication
	// order, so the parallel run is bit-for-bit reproducible.
	for j := range a.StdErrors {
		if a.StdErrors[j] != b.StdErrors[j] {
			t.Errorf("seeded full bootstrap not reproducible: %v vs %v",
				a.StdErrors[j], b.StdErrors[j])
		}
	}
	if a.Replications+a.Discarded != 100 {
		t.Errorf("replications %d + discarded %d != 100", a.Replications, a.Discarded)
	}
}

func TestScoreBootstrapStabilizes(t *testing.T) {
	est := fittedEstimator(t, 1000, 13)
	res := est.Result()

	big1, err := est.BootstrapScores(2000, 1)
	if err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}
	big2, err := est.BootstrapScores(2000, 2)
	if err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}

	for j := range big1.StdErrors {
		// Two independent large-B runs agree closely...
		rel := math.Abs(big1.StdErrors[j]-big2.StdErrors[j]) / big1.StdErrors[j]
		if rel > 0.10 {
			t.Errorf("se[%d]: large-B runs differ by %.1f%%", j, 100*rel)
		}
		// ...and sit near the analytic standard error for a correctly
		// specified model.
		rel = math.Abs(big1.StdErrors[j]-res.StdErrors[j]) / res.StdErrors[j]
		if rel > 0.20 {
			t.Errorf("se[%d]: score bootstrap %v vs analytic %v (%.1f%% off)",
				j, big1.StdErrors[j], res.StdErrors[j], 100*rel)
		}
	}
}

func TestFullBootstrapNearAnalytic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-refit bootstrap in short mode")
	}
	est := fittedEstimator(t, 400, 19)
	res := est.Result()

	full, err := est.BootstrapFull(200, 99)
	if err != nil {
		t.Fatalf("BootstrapFull: %v", err)
	}

	for j := range full.StdErrors {
		rel := math.Abs(full.StdErrors[j]-res.StdErrors[j]) / res.StdErrors[j]
		if rel > 0.25 {
			t.Errorf("se[%d]: full bootstrap %v vs analytic %v (%.1f%% off)",
				j, full.StdErrors[j], res.StdErrors[j], 100*rel)
		}
	}
	if full.Replications == 0 {
		t.Error("no replications contributed")
	}
	if full.CILower == nil || full.CIUpper == nil {
		t.Error("percentile bands missing")
	}
	for j := range full.CILower {
		if full.CILower[j] >= full.CIUpper[j] {
			t.Errorf("band[%d]: lower %v >= upper %v", j, full.CILower[j], full.CIUpper[j])
		}
	}
}

func TestBootstrapDoesNotMutateSample(t *testing.T) {
	s := SimulateLinearIV(300, []float64{-0.5, 1.2}, 0.7, 77)
	before := make([]float64, len(s.Y))
	copy(before, s.Y)
	z00 := s.Z.At(0, 0)
	x57 := s.X.At(57, 1)

	est := NewEstimator(LinearIVMoments{}, 2, nil)
	if _, err := est.Fit(s); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if _, err := est.BootstrapScores(100, 3); err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}
	if _, err := est.BootstrapFull(50, 3); err != nil {
		t.Fatalf("BootstrapFull: %v", err)
	}

	for i := range before {
		if s.Y[i] != before[i] {
			t.Fatalf("Y[%d] mutated", i)
		}
	}
	if s.Z.At(0, 0) != z00 || s.X.At(57, 1) != x57 {
		t.Fatal("sample matrices mutated by bootstrap")
	}
}

func TestBootstrapQuantile(t *testing.T) {
	samples := []float64{3, 1, 2, 5, 4}
	cases := []struct {
		q    float64
		want float64
	}{
		{0, 1},
		{1, 5},
		{0.5, 3},
		{0.25, 2},
		{0.125, 1.5},
	}
	for _, c := range cases {
		if got := bootstrapQuantile(samples, c.q); !almostEqual(got, c.want, 1e-12) {
			t.Errorf("bootstrapQuantile(%v) = %v, want %v", c.q, got, c.want)
		}
	}
	if v := bootstrapQuantile(nil, 0.5); !math.IsNaN(v) {
		t.Errorf("quantile of empty sample = %v, want NaN", v)
	}
}

func TestResampleSampleShape(t *testing.T) {
	est := fittedEstimator(t, 120, 55)
	a, err := est.BootstrapScores(10, 8)
	if err != nil {
		t.Fatalf("BootstrapScores: %v", err)
	}
	if a.Method != BootstrapScore {
		t.Errorf("method = %v, want %v", a.Method, BootstrapScore)
	}
	if len(a.StdErrors) != 2 {
		t.Errorf("got %d standard errors, want 2", len(a.StdErrors))
	}
	if a.Discarded != 0 {
		t.Errorf("score bootstrap discarded %d replications", a.Discarded)
	}
}
