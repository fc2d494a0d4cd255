package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/securecodehub/semgrep-hub/internal/config"
	hubsemver "github.com/securecodehub/semgrep-hub/pkg/semver"
)

const (
	statusOK   = "ok"
	statusWarn = "warn"
	statusFail = "fail"
)

var errDoctorFailed = errors.New("doctor found problems")

type doctorCheck struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type doctorResult struct {
	Checks  []doctorCheck `json:"checks"`
	Summary string        `json:"summary"`
}

func newDoctorCmd() *cobra.Command {
	doctorCmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that semgrep, the database and the archive are usable",
		Long: `Doctor validates the setup end to end:

  1. analyzer: semgrep is installed and at least analyzer.min_version
  2. database: the configured database accepts connections
  3. archive:  the bucket is reachable (when archiving is configured)`,
		Args: cobra.NoArgs,
		RunE: runDoctor,
	}
	doctorCmd.Flags().String("format", "text", "output format: text or json")
	return doctorCmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := appFrom(ctx)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format") //nolint:errcheck
	if format != "text" && format != "json" {
		return fmt.Errorf("unsupported format: %s", format)
	}

	checks := []doctorCheck{
		checkAnalyzer(ctx, a),
		checkDatabase(ctx, a.cfg),
		checkArchive(ctx, a.cfg),
	}

	fails, warns := 0, 0
	for _, c := range checks {
		switch c.Status {
		case statusFail:
			fails++
		case statusWarn:
			warns++
		}
	}
	summary := "all checks passed"
	if fails > 0 {
		summary = fmt.Sprintf("%d issue(s) found", fails)
	} else if warns > 0 {
		summary = fmt.Sprintf("ok with %d warning(s)", warns)
	}
	result := doctorResult{Checks: checks, Summary: summary}

	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		writeDoctorText(out, result)
	}
	if fails > 0 {
		return errDoctorFailed
	}
	return nil
}

func writeDoctorText(w io.Writer, result doctorResult) {
	icons := map[string]string{
		statusOK:   "✓",
		statusWarn: "△",
		statusFail: "✗",
	}
	for _, c := range result.Checks {
		if c.Detail != "" {
			fmt.Fprintf(w, "  %s %-10s %s\n", icons[c.Status], c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "  %s %s\n", icons[c.Status], c.Name)
		}
	}
	fmt.Fprintf(w, "\n%s\n", result.Summary)
}

func checkAnalyzer(ctx context.Context, a *app) doctorCheck {
	check := doctorCheck{Name: "analyzer"}
	version, err := newAnalyzer(a.cfg.Analyzer, a.logger).Version(ctx)
	if err != nil {
		check.Status = statusFail
		check.Detail = err.Error()
		return check
	}
	if err := hubsemver.CheckMinimum(version, a.cfg.Analyzer.MinVersion); err != nil {
		check.Status = statusFail
		check.Detail = err.Error()
		return check
	}
	check.Status = statusOK
	check.Detail = fmt.Sprintf("%s %s", a.cfg.Analyzer.Binary, version.String())
	return check
}

func checkDatabase(ctx context.Context, cfg *config.Config) doctorCheck {
	check := doctorCheck{Name: "database"}
	conn, closeFn, err := connect(ctx, cfg.Database)
	if err != nil {
		check.Status = statusFail
		check.Detail = err.Error()
		return check
	}
	defer closeFn()

	sqlDB, err := conn.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		check.Status = statusFail
		check.Detail = fmt.Sprintf("unreachable (%v)", err)
		return check
	}
	check.Status = statusOK
	check.Detail = cfg.Database.Type
	return check
}

func checkArchive(ctx context.Context, cfg *config.Config) doctorCheck {
	check := doctorCheck{Name: "archive"}
	if !cfg.Archive.Enabled() {
		check.Status = statusWarn
		check.Detail = "not configured (archive.endpoint is empty)"
		return check
	}
	store, err := newArchiver(cfg.Archive)
	if err == nil {
		err = store.Check(ctx)
	}
	if err != nil {
		check.Status = statusFail
		check.Detail = err.Error()
		return check
	}
	check.Status = statusOK
	check.Detail = fmt.Sprintf("%s/%s", cfg.Archive.Endpoint, cfg.Archive.Bucket)
	return check
}
