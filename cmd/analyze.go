package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/pkg/report"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
	"github.com/securecodehub/semgrep-hub/pkg/taxonomy"
)

// summaryTopRules is how many rules the --summary view lists.
const summaryTopRules = 10

func newAnalyzeCmd() *cobra.Command {
	analyzeCmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Run Semgrep against a file, directory or archive and print the findings",
		Long: `Analyze runs Semgrep against a file, a directory, or a .zip/.tar.gz/.tgz archive
(extracted to a temporary directory first). Findings are printed as csv, json or yaml and can
be stored with --persist.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			persist, _ := cmd.Flags().GetBool("persist") //nolint:errcheck
			if persist {
				if err := requireFlags(cmd, "user", "project"); err != nil {
					return err
				}
			}
			format, _ := cmd.Flags().GetString("output-format") //nolint:errcheck
			switch format {
			case scan.FormatCSV, scan.FormatJSON, scan.FormatYAML:
				return nil
			default:
				return fmt.Errorf("unsupported output format: %s", format)
			}
		},
		RunE: runAnalyze,
	}

	flags := analyzeCmd.Flags()
	flags.Int("timeout", 0, "Per-rule timeout in seconds passed to semgrep")
	bindFlag(flags, "timeout", "analyzer.timeout")
	flags.StringP("output-format", "t", scan.FormatCSV, "Output format for results. options: csv|json|yaml")
	flags.StringP("output-file", "f", "", "Output file for results")
	flags.Int("max-rows", 0, "Print at most this many findings (0 prints all)")
	flags.Bool("summary", false, "Print severity and category totals instead of the findings")
	flags.Bool("context", false, "Print the findings as a compact CSV block for downstream readers")
	flags.Bool("persist", false, "Store the scan in the database")
	flags.StringP("user", "u", "", "User id the scan belongs to")
	flags.StringP("project", "p", "", "Project name the scan belongs to")
	flags.String("recommendation", "", "Recommendation stored with every finding")
	flags.Bool("archive", false, "Upload the raw semgrep output to the configured bucket")
	return analyzeCmd
}

// prepareTarget stages archives into a temporary directory. Plain files and directories are
// scanned in place.
func prepareTarget(path string) (target, label string, cleanup func(), err error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", "", nil, fmt.Errorf("error reading target: %w", err)
	}
	label = filepath.Base(filepath.Clean(path))
	noop := func() {}
	lower := strings.ToLower(label)
	isArchive := strings.HasSuffix(lower, ".zip") || strings.HasSuffix(lower, ".tar.gz") || strings.HasSuffix(lower, ".tgz")
	if info.IsDir() || !isArchive {
		return path, label, noop, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", "", nil, fmt.Errorf("error opening archive: %w", err)
	}
	defer f.Close()

	staged, err := scan.StageUpload(label, f, scan.StageOptions{})
	if err != nil {
		return "", "", nil, fmt.Errorf("error staging archive: %w", err)
	}
	return staged.Target, staged.Label, func() { _ = staged.Cleanup() }, nil //nolint:errcheck
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := appFrom(ctx)
	if err != nil {
		return err
	}
	logger := a.logger

	outputFormat, _ := cmd.Flags().GetString("output-format")    //nolint:errcheck
	outputFile, _ := cmd.Flags().GetString("output-file")        //nolint:errcheck
	maxRows, _ := cmd.Flags().GetInt("max-rows")                 //nolint:errcheck
	summary, _ := cmd.Flags().GetBool("summary")                 //nolint:errcheck
	asContext, _ := cmd.Flags().GetBool("context")               //nolint:errcheck
	persist, _ := cmd.Flags().GetBool("persist")                 //nolint:errcheck
	user, _ := cmd.Flags().GetString("user")                     //nolint:errcheck
	project, _ := cmd.Flags().GetString("project")               //nolint:errcheck
	recommendation, _ := cmd.Flags().GetString("recommendation") //nolint:errcheck
	archiveRaw, _ := cmd.Flags().GetBool("archive")              //nolint:errcheck

	target, label, cleanup, err := prepareTarget(args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	startedAt := time.Now().UTC()
	findings, raw, err := newAnalyzer(a.cfg.Analyzer, logger).Run(ctx, target, a.cfg.Analyzer.Timeout)
	if err != nil {
		return fmt.Errorf("error analyzing %s: %w", label, err)
	}
	taxonomy.Annotate(findings)
	for i := range raw.Errors {
		e := &raw.Errors[i]
		logger.Warn("semgrep reported an error",
			zap.String("type", e.Kind()),
			zap.String("level", e.Level),
			zap.String("path", e.Path),
			zap.String("message", e.Message))
	}

	output, closeOutput, err := openOutput(cmd, outputFile)
	if err != nil {
		return err
	}
	defer closeOutput() //nolint:errcheck

	switch {
	case summary:
		if err := report.Summarize(findings).WriteText(output, summaryTopRules); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	case asContext:
		rows := maxRows
		if rows <= 0 {
			rows = scan.DefaultContextRows
		}
		text, err := scan.Context(findings, rows)
		if err != nil {
			return err
		}
		fmt.Fprintln(output, text)
	default:
		if err := scan.Write(output, outputFormat, scan.Head(findings, maxRows)); err != nil {
			return err
		}
	}

	if archiveRaw {
		store, err := newArchiver(a.cfg.Archive)
		if err != nil {
			return fmt.Errorf("error creating archiver: %w", err)
		}
		key, err := store.Store(ctx, user, []byte(raw.Stdout))
		if err != nil {
			return fmt.Errorf("failed to archive raw output: %w", err)
		}
		logger.Info("archived raw output", zap.String("key", key))
	}

	if persist {
		manager, closeDB, err := openManager(ctx, a.cfg.Database)
		if err != nil {
			return err
		}
		defer closeDB()

		dto := &external.ScanDTO{
			StartedAt:   startedAt,
			User:        user,
			ProjectName: project,
			Target:      label,
			Findings:    findings,
		}
		if recommendation != "" {
			dto.Recommendation = &recommendation
		}
		saved, err := manager.SaveScan(ctx, dto)
		if err != nil {
			return fmt.Errorf("failed to insert scan results into DB: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "saved scan %d for project %s: score %.2f, %d findings\n",
			saved.ScanID, project, saved.Score, saved.FindingsCount)
	}
	return nil
}
