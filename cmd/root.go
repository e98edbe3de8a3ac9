package cmd

import (
	"github.com/spf13/cobra"

	"github.com/signalnine/fiberbench/internal/config"
)

const defaultConfigFile = "fiberbench.yaml"

var cfgFile string

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fiberbench",
		Short: "Concurrent benchmark harness for fiber workloads",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file path")
	root.AddCommand(newRunCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newValidateCmd())
	return root
}

// loadConfig reads the --config file. Only the default path may be absent,
// in which case built-in defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.LoadOrDefault(cfgFile, !cmd.Flags().Changed("config"))
}
