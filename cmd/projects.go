package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/securecodehub/semgrep-hub/pkg/scan"
)

func newProjectsCmd() *cobra.Command {
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "List a user's projects, newest first",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return requireFlags(cmd, "user")
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := appFrom(ctx)
			if err != nil {
				return err
			}
			user, _ := cmd.Flags().GetString("user")                  //nolint:errcheck
			outputFormat, _ := cmd.Flags().GetString("output-format") //nolint:errcheck

			manager, closeDB, err := openManager(ctx, a.cfg.Database)
			if err != nil {
				return err
			}
			defer closeDB()

			names, err := manager.ListProjects(ctx, user)
			if err != nil {
				return fmt.Errorf("failed to list projects: %w", err)
			}
			out := cmd.OutOrStdout()
			switch outputFormat {
			case "text":
				for _, name := range names {
					fmt.Fprintln(out, name)
				}
				return nil
			case scan.FormatJSON:
				return scan.WriteToJSON(out, names)
			default:
				return fmt.Errorf("unsupported output format: %s", outputFormat)
			}
		},
	}
	projectsCmd.Flags().StringP("user", "u", "", "User id whose projects are listed")
	projectsCmd.Flags().StringP("output-format", "t", "text", "Output format. options: text|json")
	return projectsCmd
}
