package distsum

import (
	"fmt"
	"io"
	"time"
)

// A Report summarizes a finished job on root.
type Report struct {
	Total int
	Size  int
	Sum   int64

	// Parallel is the time between the barriers around
	// distribution and aggregation.
	Parallel time.Duration

	// SlowestCompute is the longest local sum of any rank.
	SlowestCompute time.Duration

	// Verified is set when the sum was checked against a
	// sequential sum, which is then stored in Expected.
	Verified   bool
	Expected   int64
	Sequential time.Duration
}

// A Reporter receives root's Report.
type Reporter interface {
	Report(r *Report) error
}

// ReporterFunc adapts a function to a Reporter.
type ReporterFunc func(r *Report) error

// Report calls f.
func (f ReporterFunc) Report(r *Report) error {
	return f(r)
}

// WriterReporter prints reports as text.
type WriterReporter struct {
	W io.Writer
}

// Report prints the report, one fact per line.
func (w WriterReporter) Report(r *Report) error {
	lines := []string{
		fmt.Sprintf("Distributed sum of %d numbers.", r.Total),
		fmt.Sprintf("Workers: %d", r.Size),
		fmt.Sprintf("Global sum: %d", r.Sum),
		fmt.Sprintf("Parallel time (distribute + aggregate): %.6f seconds", r.Parallel.Seconds()),
		fmt.Sprintf("Slowest local sum: %.6f seconds", r.SlowestCompute.Seconds()),
	}
	if r.Verified {
		lines = append(lines,
			fmt.Sprintf("Sequential sum: %d (%.6f seconds)", r.Expected, r.Sequential.Seconds()))
		if r.Expected == r.Sum {
			lines = append(lines, "Verification OK")
		} else {
			lines = append(lines, "Verification FAILED")
		}
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w.W, line); err != nil {
			return err
		}
	}
	return nil
}
