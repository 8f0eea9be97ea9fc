package cmd

import (
	"github.com/spf13/cobra"
	"posgate/internal/logger"
)

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "posgate",
	Short: "posgate - device-gated event broker for point-of-sale terminals",
	Long: `posgate accepts events from point-of-sale devices over websockets, checks each
message against a revocable device registry, validates its envelope and fans it
out to the internal consumers subscribed to its type.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel(logger.LOG_DEBUG)
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "posgate.yml", "configuration file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(storeCmd)
	rootCmd.AddCommand(tokenCmd)
}
