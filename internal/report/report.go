package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signalnine/fiberbench/internal/result"
)

const DefaultPrecision = 3

type Options struct {
	Precision int
	// Metric selects the value shown by the grid format. Empty means the
	// first configured label.
	Metric  string
	Verbose bool
}

func (o Options) normalize(rec *result.RunRecord) Options {
	if o.Precision <= 0 {
		o.Precision = DefaultPrecision
	}
	if o.Metric == "" && len(rec.Labels) > 0 {
		o.Metric = rec.Labels[0].Metric
	}
	return o
}

// Generate reads the sweep stored in runDir and renders it.
func Generate(runDir, format string, w io.Writer, opts ...Options) error {
	rec, err := result.ReadRunRecord(filepath.Join(runDir, result.RecordFile))
	if err != nil {
		return err
	}
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	return Render(rec, format, o, w)
}

func Render(rec *result.RunRecord, format string, opts Options, w io.Writer) error {
	if rec.Matrix == nil {
		return fmt.Errorf("run %s has no results", rec.ID)
	}
	opts = opts.normalize(rec)

	switch format {
	case "grid":
		return writeGrid(rec, opts, w)
	case "markdown":
		return writeMarkdown(rec, opts, w)
	case "json":
		return writeJSON(rec, w)
	case "", "table":
		if rec.IsSingle() {
			return writeSingle(rec, opts, w)
		}
		return writeTable(rec, opts, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func metricNames(rec *result.RunRecord) []string {
	names := make([]string, len(rec.Labels))
	for i, l := range rec.Labels {
		names[i] = l.Metric
	}
	return names
}

func formatValue(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

func formatMean(a result.AggregateResult, name string, prec int) string {
	v, ok := a.Mean(name)
	if !ok {
		return "-"
	}
	return formatValue(v, prec)
}

// writeRuns prints the timings each worker reported, then the metrics that
// some workers failed to report.
func writeRuns(w io.Writer, cell *result.Cell, names []string, prec int) {
	for _, r := range cell.Batch.Runs {
		for _, name := range names {
			if v, ok := r.Metrics.Get(name); ok {
				fmt.Fprintf(w, "Process#%d %s: %s\n", r.Index, name, formatValue(v, prec))
			}
		}
		if r.Status != result.StatusCompleted {
			fmt.Fprintf(w, "Process#%d %s (exit code %d)\n", r.Index, r.Status, r.ExitCode)
		}
	}
	for _, m := range cell.Batch.Missing {
		fmt.Fprintln(w, m.String())
	}
}

func writeSingle(rec *result.RunRecord, opts Options, w io.Writer) error {
	cell := rec.Matrix.At(0, 0)
	names := metricNames(rec)
	fmt.Fprintf(w, "Bench %s\n", cell.Batch.Config)
	writeRuns(w, cell, names, opts.Precision)
	for _, name := range names {
		fmt.Fprintf(w, "Average %s: %s (%d/%d runs)\n", name,
			formatMean(cell.Aggregate, name, opts.Precision),
			cell.Aggregate.Counts[name], len(cell.Batch.Runs))
	}
	return nil
}

func writeTable(rec *result.RunRecord, opts Options, w io.Writer) error {
	names := metricNames(rec)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := []string{"PROCESSES", "WORKLOAD", "FAILED", "MISSING"}
	for _, name := range names {
		header = append(header, "MEAN "+strings.ToUpper(name))
	}
	header = append(header, "ELAPSED")
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	fmt.Fprintln(tw, strings.Repeat("-", 80))

	rows, cols := rec.Matrix.Shape()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			c := rec.Matrix.At(i, j)
			row := []string{
				strconv.Itoa(c.Batch.Config.ProcessCount),
				strconv.Itoa(c.Batch.Config.WorkloadSize),
				strconv.Itoa(c.Batch.Failed()),
				strconv.Itoa(len(c.Batch.Missing)),
			}
			for _, name := range names {
				row = append(row, formatMean(c.Aggregate, name, opts.Precision))
			}
			row = append(row, c.Batch.Elapsed.Round(time.Millisecond).String())
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if opts.Verbose {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				c := rec.Matrix.At(i, j)
				fmt.Fprintf(w, "\nBench %s\n", c.Batch.Config)
				writeRuns(w, c, names, opts.Precision)
			}
		}
	}
	return nil
}

// writeGrid prints one line per process count with the mean of the selected
// metric for each workload size.
func writeGrid(rec *result.RunRecord, opts Options, w io.Writer) error {
	rows, cols := rec.Matrix.Shape()
	for i := 0; i < rows; i++ {
		vals := make([]string, cols)
		for j := 0; j < cols; j++ {
			v, ok := rec.Matrix.At(i, j).Aggregate.Mean(opts.Metric)
			if !ok {
				vals[j] = "-"
				continue
			}
			vals[j] = fmt.Sprintf("%3.*f", opts.Precision, v)
		}
		if _, err := fmt.Fprintln(w, strings.Join(vals, " ")); err != nil {
			return err
		}
	}
	return nil
}

func writeMarkdown(rec *result.RunRecord, opts Options, w io.Writer) error {
	names := metricNames(rec)
	header := "| Processes | Workload | Failed | Missing |"
	sep := "|---|---|---|---|"
	for _, name := range names {
		header += " Mean " + name + " |"
		sep += "---|"
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, sep)

	rows, cols := rec.Matrix.Shape()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			c := rec.Matrix.At(i, j)
			line := fmt.Sprintf("| %d | %d | %d | %d |",
				c.Batch.Config.ProcessCount, c.Batch.Config.WorkloadSize,
				c.Batch.Failed(), len(c.Batch.Missing))
			for _, name := range names {
				line += " " + formatMean(c.Aggregate, name, opts.Precision) + " |"
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func writeJSON(rec *result.RunRecord, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
