package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/upb/tenant-auth/models"
	"github.com/upb/tenant-auth/repositories"
)

func init() {
	rootCmd.AddCommand(principalCmd)
	principalCmd.AddCommand(principalShowCmd)
	principalCmd.AddCommand(principalAuditCmd)

	principalAuditCmd.Flags().Int("limit", 20, "Maximum number of entries to show")
}

var principalCmd = &cobra.Command{
	Use:   "principal",
	Short: "Inspect principals",
	Long:  `Commands to look up principals by issuer and subject.`,
}

var principalShowCmd = &cobra.Command{
	Use:   "show <issuer> <subject>",
	Short: "Show a principal",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := findPrincipal(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), p)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tROLES\tLAST SEEN")
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", p.ID, p.TenantID, p.Roles, p.LastSeenAt.Format("2006-01-02 15:04:05"))
		return w.Flush()
	},
}

var principalAuditCmd = &cobra.Command{
	Use:   "audit <issuer> <subject>",
	Short: "Show a principal's audit trail, newest first",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		if limit <= 0 {
			return fmt.Errorf("--limit must be positive")
		}

		p, err := findPrincipal(cmd, args[0], args[1])
		if err != nil {
			return err
		}
		logs, err := store.auditLogs.ListByPrincipal(cmd.Context(), p.ID, limit)
		if err != nil {
			return fmt.Errorf("failed to list audit logs: %w", err)
		}
		if outputFormat != "table" {
			if logs == nil {
				logs = []*models.AuditLog{}
			}
			return formatOutput(cmd.OutOrStdout(), logs)
		}

		if len(logs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit entries.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tREQUEST\tDETAILS")
		for _, entry := range logs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				entry.Timestamp.Format("2006-01-02 15:04:05"),
				entry.Action,
				entry.RequestID,
				string(entry.Details))
		}
		return w.Flush()
	},
}

func findPrincipal(cmd *cobra.Command, issuer, subject string) (*models.Principal, error) {
	p, err := store.principals.FindByExternalID(cmd.Context(), issuer, subject)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("principal %s/%s not found", issuer, subject)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load principal: %w", err)
	}
	return p, nil
}
