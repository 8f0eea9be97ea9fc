package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"posgate/internal/registry"
	"posgate/internal/storage"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect device-list documents",
}

var devicesValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a device-list document",
	Long: `Check that a device-list document would be accepted by the registry.
The document is either a JSON array of records or an object with a "devices" array.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read device list: %w", err)
		}

		reg := registry.New()
		if err := reg.LoadDocument(data); err != nil {
			var loadErr *registry.LoadError
			if errors.As(err, &loadErr) && loadErr.Index >= 0 {
				cmd.Printf("✗ record %d rejected: %s\n", loadErr.Index, loadErr.Reason)
			}
			return err
		}

		active := 0
		for _, rec := range reg.All() {
			if rec.Active {
				active++
			}
		}
		cmd.Printf("✓ %s is valid: %d devices (%d active)\n", args[0], reg.Len(), active)
		return nil
	},
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the devices in the configured store",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, _, err := loadConfiguration()
		if err != nil {
			return err
		}

		store, err := storage.Open(config.Storage.Driver, config.StorageLocation())
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		body, err := store.ReadDocument(config.Registry.Document)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", config.Registry.Document, err)
		}

		reg := registry.New()
		if err := reg.LoadDocument([]byte(body)); err != nil {
			return err
		}

		cmd.Printf("%-24s %-8s %s\n", "ID", "ACTIVE", "ROLE")
		for _, rec := range reg.All() {
			role := rec.Role
			if role == "" {
				role = "-"
			}
			cmd.Printf("%-24s %-8t %s\n", rec.ID, rec.Active, role)
		}
		return nil
	},
}

func init() {
	devicesCmd.AddCommand(devicesValidateCmd)
	devicesCmd.AddCommand(devicesListCmd)
}
