package momentfit

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LoadSampleCSV reads a CSV file with a header row and assembles a
// Sample from the given zero-based column indices: zCols become the
// instrument columns, xCols the covariates, yCol the outcome. The
// covariate header names are kept as parameter labels for Summary.
func LoadSampleCSV(path string, zCols, xCols []int, yCol int) (*Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	ncol := len(header)
	for _, c := range append(append(append([]int(nil), zCols...), xCols...), yCol) {
		if c < 0 || c >= ncol {
			return nil, fmt.Errorf("column %d out of range (file has %d columns): %w",
				c, ncol, ErrInvalidInput)
		}
	}
	if len(zCols) == 0 || len(xCols) == 0 {
		return nil, fmt.Errorf("need at least one instrument and one covariate column: %w",
			ErrInvalidInput)
	}

	var rows [][]float64
	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+2, err) // +2 for header + 1-based
		}
		if len(record) == 1 && record[0] == "" {
			continue
		}
		if len(record) != ncol {
			return nil, fmt.Errorf("row %d: expected %d columns, got %d",
				row+2, ncol, len(record))
		}
		vals := make([]float64, ncol)
		for j, s := range record {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("parse float at row %d col %d (%q): %w",
					row+2, j+1, s, err)
			}
			vals[j] = v
		}
		rows = append(rows, vals)
		row++
	}
	if row == 0 {
		return nil, fmt.Errorf("no data rows in %s: %w", path, ErrInvalidInput)
	}

	names := make([]string, len(xCols))
	for j, c := range xCols {
		names[j] = header[c]
	}

	s := &Sample{Names: names, Y: make([]float64, row)}
	zdata := make([]float64, row*len(zCols))
	xdata := make([]float64, row*len(xCols))
	for i, vals := range rows {
		for j, c := range zCols {
			zdata[i*len(zCols)+j] = vals[c]
		}
		for j, c := range xCols {
			xdata[i*len(xCols)+j] = vals[c]
		}
		s.Y[i] = vals[yCol]
	}
	s.Z = mat.NewDense(row, len(zCols), zdata)
	s.X = mat.NewDense(row, len(xCols), xdata)
	return s, nil
}

// Summary renders the analytic inference table for the current fit:
// label, coefficient, standard error, t-statistic, p-value and
// confidence interval bounds.
func (e *Estimator) Summary() (string, error) {
	return e.summary(nil)
}

// SummaryWithBootstrap renders the same table with two extra columns:
// the bootstrap standard error and its ratio to the analytic one.
func (e *Estimator) SummaryWithBootstrap(b *BootstrapResult) (string, error) {
	if b == nil {
		return e.summary(nil)
	}
	return e.summary(b)
}

func (e *Estimator) summary(boot *BootstrapResult) (string, error) {
	if !e.Fitted() {
		return "", ErrNotFitted
	}
	res := e.result
	if res.StdErrors == nil {
		return "", fmt.Errorf("summary: %w", ErrNotIdentified)
	}

	var sb strings.Builder
	sb.WriteString("GMM estimation results\n")
	fmt.Fprintf(&sb, "n = %d, moments = %d, parameters = %d, weighting = %s\n",
		res.N, e.ev.q, e.numParams, res.Weighting)
	fmt.Fprintf(&sb, "criterion = %.6g, converged = %v\n\n", res.Criterion, res.Converged)

	level := e.opts.ConfidenceLevel
	if level <= 0 || level >= 1 {
		level = 0.95
	}
	lo := (1 - level) / 2
	hi := 1 - lo

	fmt.Fprintf(&sb, "%-12s %10s %10s %10s %8s %10s %10s",
		"parameter", "coef", "std err", "t", "P>|t|",
		fmt.Sprintf("[%.3f", lo), fmt.Sprintf("%.3f]", hi))
	if boot != nil {
		fmt.Fprintf(&sb, " %10s %7s", boot.Method.String()+" se", "ratio")
	}
	sb.WriteString("\n")

	width := 76
	if boot != nil {
		width += 19
	}
	sb.WriteString(strings.Repeat("-", width))
	sb.WriteString("\n")

	for j := 0; j < e.numParams; j++ {
		fmt.Fprintf(&sb, "%-12s %10.4f %10.4f %10.3f %8.4f %10.4f %10.4f",
			e.paramLabel(j), res.Theta[j], res.StdErrors[j], res.TStats[j],
			res.PValues[j], res.CILower[j], res.CIUpper[j])
		if boot != nil {
			ratio := boot.StdErrors[j] / res.StdErrors[j]
			fmt.Fprintf(&sb, " %10.4f %7.3f", boot.StdErrors[j], ratio)
		}
		sb.WriteString("\n")
	}

	if boot != nil && boot.Discarded > 0 {
		fmt.Fprintf(&sb, "\nbootstrap: %d replications kept, %d discarded\n",
			boot.Replications, boot.Discarded)
	}
	return sb.String(), nil
}

func (e *Estimator) paramLabel(j int) string {
	if e.sample != nil && len(e.sample.Names) == e.numParams {
		return e.sample.Names[j]
	}
	return fmt.Sprintf("theta[%d]", j)
}
