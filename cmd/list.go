package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured worker and metric labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			w := cfg.Worker
			fmt.Printf("Worker (%s):\n", w.Launcher)
			if w.Image != "" {
				fmt.Printf("  image: %s\n", w.Image)
			}
			cmdline := append([]string{w.Path}, w.Args...)
			fmt.Printf("  command: %s <fibers>\n", strings.TrimSpace(strings.Join(cmdline, " ")))
			if t := cfg.WorkerTimeout(); t > 0 {
				fmt.Printf("  timeout: %s\n", t)
			}
			fmt.Println("\nMetrics:")
			for _, l := range cfg.Labels {
				marker := ""
				if l.Metric == cfg.Report.Metric {
					marker = " (reported)"
				}
				fmt.Printf("  - %s%s: %q\n", l.Metric, marker, l.Text)
			}
			return nil
		},
	}
}
