package cmd

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

func init() {
	rootCmd.AddCommand(tenantCmd)
	tenantCmd.AddCommand(tenantStatusCmd)
	tenantCmd.AddCommand(tenantSuspendCmd)
	tenantCmd.AddCommand(tenantActivateCmd)

	tenantActivateCmd.Flags().Bool("create", false, "Create the tenant if it does not exist")
}

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants",
	Long:  `Commands to inspect, suspend and reactivate tenants.`,
}

var tenantStatusCmd = &cobra.Command{
	Use:   "status <tenant-id>",
	Short: "Show a tenant's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := store.tenants.Get(cmd.Context(), args[0])
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("tenant %q not found", args[0])
		}
		if err != nil {
			return fmt.Errorf("failed to load tenant: %w", err)
		}
		return printTenant(cmd, tenant)
	},
}

var tenantSuspendCmd = &cobra.Command{
	Use:   "suspend <tenant-id>",
	Short: "Suspend a tenant",
	Long: `Suspends a tenant. Every principal in it is refused from its next
request on, including principals that were already resolved.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStatus(cmd, args[0], models.TenantSuspended, false)
	},
}

var tenantActivateCmd = &cobra.Command{
	Use:   "activate <tenant-id>",
	Short: "Activate a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		create, _ := cmd.Flags().GetBool("create")
		return setStatus(cmd, args[0], models.TenantActive, create)
	},
}

func setStatus(cmd *cobra.Command, tenantID string, status models.TenantStatus, create bool) error {
	ctx := cmd.Context()

	if create {
		if _, created, err := store.tenants.EnsureTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("failed to create tenant: %w", err)
		} else if created {
			fmt.Fprintf(cmd.OutOrStdout(), "Created tenant %s\n", tenantID)
		}
	}

	// The status change and its audit entry commit together.
	err := store.txManager.InTransaction(ctx, func(ctx context.Context, tx repositories.Transaction) error {
		current, err := store.tenants.WithTx(tx).Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if current.Status == status {
			return nil
		}
		if err := store.tenants.WithTx(tx).SetStatus(ctx, tenantID, status); err != nil {
			return err
		}
		entry := models.NewAuditLog(tenantID, models.AuditActionTenantStatusChanged).
			WithRequest("authctl").
			WithDetails(map[string]string{
				"previous": string(current.Status),
				"current":  string(status),
			})
		return store.auditLogs.WithTx(tx).Insert(ctx, entry)
	})
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("tenant %q not found", tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}

	tenant, err := store.tenants.Get(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to reload tenant: %w", err)
	}
	return printTenant(cmd, tenant)
}

func printTenant(cmd *cobra.Command, tenant *models.Tenant) error {
	if outputFormat != "table" {
		return formatOutput(cmd.OutOrStdout(), tenant)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tSTATUS\tUPDATED")
	fmt.Fprintf(w, "%s\t%s\t%s\n", tenant.ID, tenant.Status, tenant.UpdatedAt.Format("2006-01-02 15:04:05"))
	return w.Flush()
}
