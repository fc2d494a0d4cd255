package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/securecodehub/semgrep-hub/internal/data/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the projects, scans and findings tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := appFrom(ctx)
			if err != nil {
				return err
			}
			conn, closeDB, err := connect(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer closeDB()

			if err := db.Migrate(conn); err != nil {
				return fmt.Errorf("failed to setup database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}
