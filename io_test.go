package momentfit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formatRow(vals ...float64) string {
	out := ""
	for i, v := range vals {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%.12g", v)
	}
	return out + "\n"
}

func writeTempCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSampleCSV(t *testing.T) {
	path := writeTempCSV(t, "const,z1,z2,x1,y\n"+
		"1,0.5,-0.2,0.9,1.4\n"+
		"1,-1.1,0.3,-0.6,0.1\n"+
		"1,0.2,0.8,0.4,2.2\n")

	s, err := LoadSampleCSV(path, []int{0, 1, 2}, []int{0, 3}, 4)
	require.NoError(t, err)

	assert.Equal(t, 3, s.NumObs())
	_, q := s.Z.Dims()
	_, k := s.X.Dims()
	assert.Equal(t, 3, q)
	assert.Equal(t, 2, k)
	assert.Equal(t, []string{"const", "x1"}, s.Names)
	assert.InDelta(t, -1.1, s.Z.At(1, 1), 1e-15)
	assert.InDelta(t, 0.4, s.X.At(2, 1), 1e-15)
	assert.InDelta(t, 0.1, s.Y[1], 1e-15)
}

func TestLoadSampleCSVErrors(t *testing.T) {
	path := writeTempCSV(t, "a,b,y\n1,2,3\n")

	_, err := LoadSampleCSV(path, []int{0, 5}, []int{1}, 2)
	assert.ErrorIs(t, err, ErrInvalidInput, "out-of-range column")

	_, err = LoadSampleCSV(path, nil, []int{1}, 2)
	assert.ErrorIs(t, err, ErrInvalidInput, "no instrument columns")

	empty := writeTempCSV(t, "a,b,y\n")
	_, err = LoadSampleCSV(empty, []int{0}, []int{1}, 2)
	assert.ErrorIs(t, err, ErrInvalidInput, "no data rows")

	bad := writeTempCSV(t, "a,b,y\n1,two,3\n")
	_, err = LoadSampleCSV(bad, []int{0}, []int{1}, 2)
	assert.Error(t, err, "non-numeric cell")

	_, err = LoadSampleCSV(filepath.Join(t.TempDir(), "missing.csv"), []int{0}, []int{1}, 2)
	assert.Error(t, err)
}

func TestLoadedSampleFitsEndToEnd(t *testing.T) {
	// Round-trip: simulate, write to CSV, load, and fit the loaded copy.
	src := SimulateLinearIV(200, []float64{-0.5, 1.2}, 0.7, 41)

	content := "const,z1,z2,x1,y\n"
	for i := 0; i < 200; i++ {
		content += formatRow(src.Z.At(i, 0), src.Z.At(i, 1), src.Z.At(i, 2), src.X.At(i, 1), src.Y[i])
	}
	path := writeTempCSV(t, content)

	s, err := LoadSampleCSV(path, []int{0, 1, 2}, []int{0, 3}, 4)
	require.NoError(t, err)

	est := NewEstimator(LinearIVMoments{}, 2, nil)
	res, err := est.Fit(s)
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.InDelta(t, 1.2, res.Theta[1], 0.5)
}

func TestSummaryTable(t *testing.T) {
	est := NewEstimator(LinearIVMoments{}, 2, nil)

	_, err := est.Summary()
	assert.ErrorIs(t, err, ErrNotFitted)

	s := SimulateLinearIV(800, []float64{-0.5, 1.2}, 0.7, 29)
	_, err = est.Fit(s)
	require.NoError(t, err)

	table, err := est.Summary()
	require.NoError(t, err)
	assert.Contains(t, table, "GMM estimation results")
	assert.Contains(t, table, "weighting = optimal")
	assert.Contains(t, table, "const")
	assert.Contains(t, table, "x1")
	assert.Contains(t, table, "std err")
	assert.NotContains(t, table, "ratio")

	boot, err := est.BootstrapScores(200, 4)
	require.NoError(t, err)
	withBoot, err := est.SummaryWithBootstrap(boot)
	require.NoError(t, err)
	assert.Contains(t, withBoot, "score se")
	assert.Contains(t, withBoot, "ratio")
}

func TestSentinelErrorChains(t *testing.T) {
	est := NewEstimator(LinearIVMoments{}, 2, nil)
	_, err := est.Fit(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))

	// Wrapped sentinels keep matching through context added at the
	// return site.
	assert.False(t, errors.Is(err, ErrNotFitted))
	assert.False(t, errors.Is(err, ErrNotIdentified))
}

func TestModeStrings(t *testing.T) {
	assert.Equal(t, "identity", WeightIdentity.String())
	assert.Equal(t, "optimal", WeightOptimal.String())
	assert.Equal(t, "fixed", WeightFixed.String())
	assert.Equal(t, "score", BootstrapScore.String())
	assert.Equal(t, "full-refit", BootstrapFullRefit.String())
}
