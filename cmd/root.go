package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/securecodehub/semgrep-hub/internal/archive"
	"github.com/securecodehub/semgrep-hub/internal/config"
	"github.com/securecodehub/semgrep-hub/internal/data/db"
	"github.com/securecodehub/semgrep-hub/internal/executor"
	"github.com/securecodehub/semgrep-hub/internal/log"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	"github.com/securecodehub/semgrep-hub/internal/sql"
	"github.com/securecodehub/semgrep-hub/pkg/scan"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// errFlagRetrieval is the error message for when a flag cannot be retrieved.
var errFlagRetrieval = errors.New("error getting flag")

// errRequiredFlagEmpty is the error message for a required flag that is empty.
var errRequiredFlagEmpty = errors.New("is required and cannot be empty")

// configKeyAnnotation maps a flag to the config key it overrides.
const configKeyAnnotation = "semgrep-hub/config-key"

// analyzer is what the commands need from pkg/scan.
type analyzer interface {
	Run(ctx context.Context, target string, timeoutSeconds int) ([]types.Finding, *scan.RawResult, error)
	Version(ctx context.Context) (*semver.Version, error)
}

// archiver is what the commands need from internal/archive.
type archiver interface {
	Store(ctx context.Context, user string, raw []byte) (string, error)
	Check(ctx context.Context) error
}

var newAnalyzer = func(cfg config.AnalyzerConfig, logger types.Logger) analyzer {
	return scan.New(
		scan.WithExecutor(executor.NewCommandExecutor()),
		scan.WithBinary(cfg.Binary),
		scan.WithRegistryToken(cfg.RegistryToken),
		scan.WithProcessTimeout(cfg.ProcessTimeout),
		scan.WithLogger(logger),
	)
}

var newArchiver = func(cfg archive.Config) (archiver, error) {
	return archive.New(cfg)
}

type appKey struct{}

// app is the loaded configuration and logger shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger types.Logger
}

func appFrom(ctx context.Context) (*app, error) {
	a, ok := ctx.Value(appKey{}).(*app)
	if !ok {
		return nil, errors.New("command context is not initialized")
	}
	return a, nil
}

// Execute is the main entry point for semgrep-hub.
func Execute(args []string) {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "semgrep-hub",
		Short: "Run Semgrep, score and classify its findings, and keep a history of scans.",
		Long: `semgrep-hub runs Semgrep against source code, normalizes its findings, scores them,
classifies each one into an OWASP Top 10 category and stores the results for later queries.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, err := appFrom(cmd.Context()); err == nil {
				_ = a.logger.Sync() //nolint:errcheck
			}
		},
	}
	rootCmd.Version = versionString()
	rootCmd.SetVersionTemplate("{{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a semgrep-hub.yaml config file")
	flags.String("log-level", "", "Log level: debug|info|warn|error")
	flags.String("db-type", "", "Database type: sqlite|postgres|cloudsql")
	flags.String("db-path", "", "SQLite database file")
	flags.String("db-dsn", "", "Postgres connection string")
	bindFlag(flags, "log-level", "logger.level")
	bindFlag(flags, "db-type", "database.type")
	bindFlag(flags, "db-path", "database.path")
	bindFlag(flags, "db-dsn", "database.dsn")

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newHistoryCmd(),
		newProjectsCmd(),
		newDoctorCmd(),
		newServeCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// bindFlag marks flag as an override for a config key.
func bindFlag(flags *pflag.FlagSet, flag, key string) {
	_ = flags.SetAnnotation(flag, configKeyAnnotation, []string{key}) //nolint:errcheck
}

// setup loads the configuration, builds the logger and stores both in the command context.
func setup(cmd *cobra.Command, _ []string) error {
	config.LoadDotEnv()

	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("%w: config: %w", errFlagRetrieval, err)
	}
	v := config.New(path)
	if err := bindAnnotatedFlags(v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := log.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("error creating logger: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = log.WithLogger(ctx, logger)
	ctx = metrics.WithMetrics(ctx, metrics.Namespace)
	ctx = context.WithValue(ctx, appKey{}, &app{cfg: cfg, logger: logger})
	cmd.SetContext(ctx)
	return nil
}

func bindAnnotatedFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		keys, ok := f.Annotations[configKeyAnnotation]
		if !ok || len(keys) == 0 || bindErr != nil {
			return
		}
		if err := v.BindPFlag(keys[0], f); err != nil {
			bindErr = fmt.Errorf("error binding flag %s: %w", f.Name, err)
		}
	})
	return bindErr
}

// requireFlags returns an error naming the first empty string flag.
func requireFlags(cmd *cobra.Command, names ...string) error {
	for _, flag := range names {
		value, err := cmd.Flags().GetString(flag)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errFlagRetrieval, flag, err)
		}
		if value == "" {
			return fmt.Errorf("%s %w", flag, errRequiredFlagEmpty)
		}
	}
	return nil
}

// connect opens the configured database. The returned func releases it.
func connect(ctx context.Context, cfg sql.Config) (*gorm.DB, func(), error) {
	connector, err := sql.CreateDBConnector(cfg, sql.WithLogger(log.NewLogger(ctx)))
	if err != nil {
		return nil, nil, fmt.Errorf("error creating database connector: %w", err)
	}
	conn, err := connector.Connect(ctx)
	if err != nil {
		_ = connector.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("error connecting to database: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close() //nolint:errcheck
		}
		_ = connector.Close() //nolint:errcheck
	}
	return conn, closeFn, nil
}

// openManager connects, migrates and returns a scan manager.
func openManager(ctx context.Context, cfg sql.Config) (*db.GormScanManager, func(), error) {
	conn, closeFn, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(conn); err != nil {
		closeFn()
		return nil, nil, err
	}
	manager, err := db.NewGormScanManager(conn)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("error initializing GormScanManager: %w", err)
	}
	return manager, closeFn, nil
}

// openOutput returns stdout or the named file.
func openOutput(cmd *cobra.Command, outputFile string) (io.Writer, func() error, error) {
	if outputFile == "" {
		return cmd.OutOrStdout(), func() error { return nil }, nil
	}
	f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating output file: %w", err)
	}
	return f, f.Close, nil
}
