package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/securecodehub/semgrep-hub/internal/data/db"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
)

var historyHeader = []string{
	"started_at", "scan_id", "project", "target", "score", "findings_count",
	"file", "line", "rule", "message", "severity", "owasp",
}

func newHistoryCmd() *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List stored scans and their findings, newest first",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return requireFlags(cmd, "user")
		},
		RunE: runHistory,
	}

	flags := historyCmd.Flags()
	flags.StringP("user", "u", "", "User id whose scans are listed")
	flags.StringP("project", "p", "", "Only scans of this project")
	flags.StringP("severity", "s", "", "Only findings of this severity (case-insensitive)")
	flags.String("start", "", "Earliest scan start, YYYY-MM-DD or RFC 3339")
	flags.String("end", "", "Latest scan start, YYYY-MM-DD (whole day) or RFC 3339")
	flags.StringP("output-format", "t", scan.FormatCSV, "Output format for results. options: csv|json|yaml")
	flags.StringP("output-file", "f", "", "Output file for results")
	return historyCmd
}

func runHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := appFrom(ctx)
	if err != nil {
		return err
	}

	user, _ := cmd.Flags().GetString("user")                  //nolint:errcheck
	project, _ := cmd.Flags().GetString("project")            //nolint:errcheck
	severity, _ := cmd.Flags().GetString("severity")          //nolint:errcheck
	startRaw, _ := cmd.Flags().GetString("start")             //nolint:errcheck
	endRaw, _ := cmd.Flags().GetString("end")                 //nolint:errcheck
	outputFormat, _ := cmd.Flags().GetString("output-format") //nolint:errcheck
	outputFile, _ := cmd.Flags().GetString("output-file")     //nolint:errcheck

	start, err := db.ParseDate(startRaw, false)
	if err != nil {
		return err
	}
	end, err := db.ParseDate(endRaw, true)
	if err != nil {
		return err
	}
	if start != nil && end != nil && start.After(*end) {
		return fmt.Errorf("start %s is after end %s", startRaw, endRaw)
	}

	manager, closeDB, err := openManager(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	defer closeDB()

	rows, err := manager.QueryHistory(ctx, db.HistoryFilter{
		User:     user,
		Project:  project,
		Severity: severity,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return fmt.Errorf("failed to query history: %w", err)
	}

	output, closeOutput, err := openOutput(cmd, outputFile)
	if err != nil {
		return err
	}
	defer closeOutput() //nolint:errcheck

	switch outputFormat {
	case scan.FormatCSV:
		return writeHistoryCSV(output, rows)
	case scan.FormatJSON:
		return scan.WriteToJSON(output, rows)
	case scan.FormatYAML:
		return scan.WriteToYAML(output, rows)
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func writeHistoryCSV(w io.Writer, rows []db.HistoryRow) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(historyHeader); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}
	for i := range rows {
		r := &rows[i]
		line := ""
		if r.Line != nil {
			line = strconv.Itoa(*r.Line)
		}
		err := csvWriter.Write([]string{
			r.StartedAt.UTC().Format(time.RFC3339),
			strconv.FormatUint(uint64(r.ScanID), 10),
			r.Project,
			r.Target,
			strconv.FormatFloat(r.Score, 'f', 2, 64),
			strconv.Itoa(r.FindingsCount),
			deref(r.File),
			line,
			deref(r.Rule),
			deref(r.Message),
			deref(r.Severity),
			deref(r.OWASP),
		})
		if err != nil {
			return fmt.Errorf("error writing csv record: %w", err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("error flushing csv: %w", err)
	}
	return nil
}
