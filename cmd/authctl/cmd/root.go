// Package cmd implements the authctl administration commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/upb/tenant-auth/config"
	"github.com/upb/tenant-auth/repositories"
	"github.com/upb/tenant-auth/repositories/postgres"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	outputFormat string
	verbose      bool

	// Shared store, opened before each command runs
	store *adminStore
)

// adminStore is what the commands need from the database.
type adminStore struct {
	principals repositories.PrincipalRepository
	tenants    repositories.TenantRepository
	auditLogs  repositories.AuditRepository
	txManager  repositories.TransactionManager
	migrate    func(ctx context.Context) (int, error)
	verify     func(ctx context.Context) error
	close      func() error
}

// openStore opens the configured store. Tests replace it.
var openStore = openPostgres

func openPostgres(ctx context.Context, logger *zap.Logger) (*adminStore, error) {
	cfg, err := config.LoadDatabase()
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := postgres.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}

	return &adminStore{
		principals: postgres.NewPrincipalRepository(db, logger),
		tenants:    postgres.NewTenantRepository(db, logger),
		auditLogs:  postgres.NewAuditRepository(db, logger),
		txManager:  postgres.NewTransactionManager(db, logger),
		migrate:    db.Migrate,
		verify:     db.VerifySchema,
		close:      db.Close,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "authctl",
	Short: "Administration CLI for the tenant auth service",
	Long: `authctl manages the tenant auth database.

It applies schema migrations, suspends or reactivates tenants and shows a
principal's audit trail. A suspension takes effect on the next request of
every principal in the tenant.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip store initialization for completion commands
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}

		logger := zap.NewNop()
		if verbose {
			var err error
			if logger, err = zap.NewDevelopment(); err != nil {
				return err
			}
		}

		var err error
		store, err = openStore(cmd.Context(), logger)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			_ = store.close()
			store = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log database activity")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func formatOutput(w io.Writer, data interface{}) error {
	switch outputFormat {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		// Table format is handled by each command
		return nil
	}
}
