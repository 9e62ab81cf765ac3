package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long: `Applies every embedded migration not yet recorded in schema_migrations,
then verifies the schema the service expects. Safe to run concurrently.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		applied, err := store.migrate(ctx)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		if err := store.verify(ctx); err != nil {
			return fmt.Errorf("schema verification failed after migrating: %w", err)
		}

		if applied == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", applied)
		return nil
	},
}
