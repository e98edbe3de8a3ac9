package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/signalnine/fiberbench/internal/config"
	"github.com/signalnine/fiberbench/internal/metric"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [worker-output]",
		Short: "Check the configuration and the worker's output format",
		Long: "Load the config file and check that the worker can be started. Given a file\n" +
			"holding captured worker output, also show which metrics would be extracted from it.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := checkWorker(&cfg.Worker); err != nil {
				return err
			}
			fmt.Printf("Config OK (launcher: %s)\n", cfg.Worker.Launcher)

			if len(args) == 0 {
				return nil
			}
			out, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading worker output: %w", err)
			}
			ex, err := metric.Extract(string(out), cfg.Labels)
			if err != nil {
				return err
			}
			for _, l := range cfg.Labels {
				if v, ok := ex.Metrics.Get(l.Metric); ok {
					fmt.Printf("  %s: %g\n", l.Metric, v)
					continue
				}
				fmt.Printf("  %s: %s\n", l.Metric, ex.Failures[l.Metric])
			}
			if len(ex.Failures) > 0 {
				return fmt.Errorf("%d of %d metrics not found", len(ex.Failures), len(cfg.Labels))
			}
			return nil
		},
	}
}

// checkWorker verifies that an exec worker resolves to an executable file.
// Docker images are checked when the first container starts.
func checkWorker(w *config.Worker) error {
	if w.Launcher != config.LauncherExec {
		return nil
	}
	if _, err := exec.LookPath(w.Path); err != nil {
		return fmt.Errorf("worker %s: %w", w.Path, err)
	}
	if w.EnvFile != "" {
		if _, err := os.Stat(w.EnvFile); err != nil {
			return fmt.Errorf("worker env file: %w", err)
		}
	}
	return nil
}
