package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"posgate/internal/storage"
)

var storeDBPath string

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Manage documents in the SQLite document store",
}

var storeImportCmd = &cobra.Command{
	Use:   "import <name> <file>",
	Short: "Copy a file into the store under name",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, file := args[0], args[1]

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		store, err := openSQLiteStore()
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.PutDocument(name, string(data)); err != nil {
			return err
		}

		cmd.Printf("✓ Imported %s as %q (%d bytes)\n", file, name, len(data))
		return nil
	},
}

var storeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openSQLiteStore()
		if err != nil {
			return err
		}
		defer store.Close()

		docs, err := store.ListDocuments()
		if err != nil {
			return err
		}

		cmd.Printf("%-32s %-8s %s\n", "NAME", "BYTES", "UPDATED")
		for _, doc := range docs {
			cmd.Printf("%-32s %-8d %s\n", doc.Name, len(doc.Body), doc.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	storeCmd.PersistentFlags().StringVar(&storeDBPath, "db", "", "database path (defaults to storage.path from the config)")

	storeCmd.AddCommand(storeImportCmd)
	storeCmd.AddCommand(storeListCmd)
}

func openSQLiteStore() (*storage.SQLiteStore, error) {
	path := storeDBPath
	if path == "" {
		config, _, err := loadConfiguration()
		if err != nil {
			return nil, err
		}
		path = config.Storage.Path
	}
	return storage.NewSQLiteStore(path)
}
