package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/fiberbench/internal/report"
)

var (
	flagReportFormat  string
	flagReportMetric  string
	flagReportVerbose bool
)

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Render a stored sweep",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			runDir := filepath.Join(cfg.Results.Dir, "latest")
			if len(args) > 0 {
				runDir = args[0]
			}
			resolved, err := filepath.EvalSymlinks(runDir)
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			format := cfg.Report.Format
			if flagReportFormat != "" {
				format = flagReportFormat
			}
			opts := report.Options{Precision: cfg.Report.Precision, Verbose: flagReportVerbose}
			// The configured metric may not exist in an older run.
			if flagReportMetric != "" {
				opts.Metric = flagReportMetric
			}
			return report.Generate(resolved, format, os.Stdout, opts)
		},
	}
	cmd.Flags().StringVar(&flagReportFormat, "format", "", "output format (table, grid, markdown, json)")
	cmd.Flags().StringVar(&flagReportMetric, "metric", "", "metric shown by the grid format")
	cmd.Flags().BoolVarP(&flagReportVerbose, "verbose", "v", false, "include per-run output")
	return cmd
}
