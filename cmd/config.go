package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"posgate/internal/gateway"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the posgate configuration file",
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [file]",
	Short: "Write a configuration file with default values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		if err := gateway.SaveConfig(gateway.NewDefaultConfig(), path); err != nil {
			return err
		}

		cmd.Printf("✓ Configuration file created: %s\n", path)
		cmd.Println("Set security.jwt.secret_key before exposing the admin API")
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		config, err := gateway.LoadConfig(path)
		if err != nil {
			return err
		}

		cmd.Printf("✓ %s is valid\n", path)
		cmd.Printf("Gateway: %s%s\n", config.Server.Gateway.Address, config.Server.Gateway.Path)
		cmd.Printf("API: %s\n", config.Server.API.Address)
		cmd.Printf("Storage: %s (%s)\n", config.Storage.Driver, config.StorageLocation())
		cmd.Printf("Device list: %s\n", config.Registry.Document)
		return nil
	},
}

func init() {
	configGenerateCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)
}

// loadConfiguration loads --config, falling back to defaults when the file does not exist
func loadConfiguration() (*gateway.Config, string, error) {
	if _, statErr := os.Stat(configPath); statErr == nil {
		config, err := gateway.LoadConfig(configPath)
		if err != nil {
			return nil, configPath, fmt.Errorf("failed to load config file: %w", err)
		}
		return config, configPath, nil
	} else if !os.IsNotExist(statErr) {
		return nil, configPath, fmt.Errorf("failed to check config file: %w", statErr)
	}

	return gateway.NewDefaultConfig(), configPath + " (not found, using defaults)", nil
}
