package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/securecodehub/semgrep-hub/internal/executor"
	"github.com/securecodehub/semgrep-hub/internal/external"
	"github.com/securecodehub/semgrep-hub/internal/log"
	"github.com/securecodehub/semgrep-hub/internal/metrics"
	hubsemver "github.com/securecodehub/semgrep-hub/pkg/semver"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const (
	// DefaultBinary is the analyzer executable looked up on PATH.
	DefaultBinary = "semgrep"
	// DefaultProcessTimeout bounds the whole analyzer process, independent of the per-rule timeout.
	DefaultProcessTimeout = 15 * time.Minute
	// registryTokenEnv is read by semgrep to authenticate against its rule registry.
	registryTokenEnv = "SEMGREP_APP_TOKEN"
)

// RawResult is the unprocessed outcome of one analyzer run.
type RawResult struct {
	Stdout   string                  `json:"-"`
	Stderr   string                  `json:"stderr,omitempty"`
	Version  string                  `json:"version,omitempty"`
	Errors   []external.SemgrepError `json:"errors,omitempty"`
	ExitCode int                     `json:"exit_code"`
	Duration time.Duration           `json:"duration"`
}

// Analyzer runs semgrep as a child process.
type Analyzer struct {
	executor       types.CommandExecutor
	lookPath       func(file string) (string, error)
	environ        func() []string
	logger         types.Logger
	binary         string
	registryToken  string
	processTimeout time.Duration
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithRegistryToken sets the rule registry credential. It is passed to the child process only.
func WithRegistryToken(token string) Option {
	return func(a *Analyzer) { a.registryToken = token }
}

// WithExecutor replaces the process executor.
func WithExecutor(e types.CommandExecutor) Option {
	return func(a *Analyzer) { a.executor = e }
}

// WithLookPath replaces exec.LookPath.
func WithLookPath(fn func(file string) (string, error)) Option {
	return func(a *Analyzer) { a.lookPath = fn }
}

// WithEnviron replaces os.Environ as the base environment of the child process.
func WithEnviron(fn func() []string) Option {
	return func(a *Analyzer) { a.environ = fn }
}

// WithLogger sets the logger. Without it the logger stored in the call context is used.
func WithLogger(l types.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// WithBinary sets the executable name or path.
func WithBinary(binary string) Option {
	return func(a *Analyzer) {
		if binary != "" {
			a.binary = binary
		}
	}
}

// WithProcessTimeout bounds the whole process. Zero disables the bound.
func WithProcessTimeout(d time.Duration) Option {
	return func(a *Analyzer) { a.processTimeout = d }
}

// New creates an Analyzer with the given options.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		executor:       executor.NewCommandExecutor(),
		lookPath:       exec.LookPath,
		environ:        os.Environ,
		binary:         DefaultBinary,
		processTimeout: DefaultProcessTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Args returns the fixed analyzer arguments for target.
func Args(target string, timeoutSeconds int) []string {
	return []string{
		"--config=auto",
		"--json",
		"--timeout=" + strconv.Itoa(timeoutSeconds),
		"--disable-version-check",
		"--error",
		target,
	}
}

func (a *Analyzer) loggerFor(ctx context.Context) types.Logger {
	if a.logger != nil {
		return a.logger
	}
	return log.NewLogger(ctx)
}

// env returns the child environment. The registry token is appended here and never set on
// the current process.
func (a *Analyzer) env() []string {
	var env []string
	if a.environ != nil {
		env = a.environ()
	}
	if a.registryToken != "" {
		env = append(env, registryTokenEnv+"="+a.registryToken)
	}
	return env
}

func (a *Analyzer) resolve() (string, error) {
	path, err := a.lookPath(a.binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolUnavailable, a.binary, err)
	}
	return path, nil
}

// Run analyzes target and returns its findings in the order semgrep reported them.
// timeoutSeconds is semgrep's per-rule budget; the process itself is bounded by the
// process timeout and by ctx.
func (a *Analyzer) Run(ctx context.Context, target string, timeoutSeconds int) ([]types.Finding, *RawResult, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("ctx cannot be nil")
	}
	if target == "" {
		return nil, nil, fmt.Errorf("target cannot be empty")
	}
	if timeoutSeconds < 0 {
		return nil, nil, fmt.Errorf("timeout cannot be negative: %d", timeoutSeconds)
	}

	path, err := a.resolve()
	if err != nil {
		return nil, nil, err
	}

	logger := a.loggerFor(ctx)
	collector := metrics.FromContext(ctx, metrics.Namespace)
	metrics.EnsureCounter(ctx, collector, "analyzer_runs_total", "outcome")

	runCtx, cancel := a.processContext(ctx)
	defer cancel()

	args := Args(target, timeoutSeconds)
	logger.Debug("running analyzer", zap.String("binary", path), zap.Strings("args", args))

	start := time.Now()
	stop, _ := collector.MeasureFunctionExecutionTime(ctx, "semgrep_run") //nolint:errcheck
	res, execErr := a.executor.ExecuteCommand(runCtx, path, args, a.env())
	if stop != nil {
		stop()
	}
	duration := time.Since(start)

	findings, raw, err := interpret(res, execErr, duration)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	_ = collector.AddCounter(ctx, "analyzer_runs_total", 1, outcome) //nolint:errcheck
	if err != nil {
		return nil, raw, err
	}

	logger.Debug("analyzer finished",
		zap.String("target", target),
		zap.Int("exit_code", raw.ExitCode),
		zap.Int("findings", len(findings)),
		zap.Int("tool_errors", len(raw.Errors)),
		zap.Duration("duration", duration))
	return findings, raw, nil
}

// processContext bounds one child process by the process timeout, when set.
func (a *Analyzer) processContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.processTimeout > 0 {
		return context.WithTimeout(ctx, a.processTimeout)
	}
	return ctx, func() {}
}

func interpret(res *types.CommandResult, execErr error, duration time.Duration) ([]types.Finding, *RawResult, error) {
	raw := &RawResult{Duration: duration, ExitCode: -1}
	if res != nil {
		raw.Stdout = res.Stdout
		raw.Stderr = res.Stderr
		raw.ExitCode = res.ExitCode
	}

	if execErr != nil {
		return nil, raw, &ToolExecutionError{
			Err:      execErr,
			Stderr:   raw.Stderr,
			ExitCode: raw.ExitCode,
			Timeout:  errors.Is(execErr, context.DeadlineExceeded),
		}
	}
	if raw.ExitCode != 0 && raw.ExitCode != 1 {
		return nil, raw, &ToolExecutionError{Stderr: raw.Stderr, ExitCode: raw.ExitCode}
	}

	output, err := ParseOutput([]byte(raw.Stdout))
	if err != nil {
		return nil, raw, err
	}
	raw.Version = output.Version
	raw.Errors = output.Errors
	return external.MapOutputToFindings(output), raw, nil
}

// ParseOutput decodes stdout as exactly one JSON object. Unknown keys are ignored and a
// missing "results" key means no findings.
func ParseOutput(stdout []byte) (*external.SemgrepOutput, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, newOutputParseError(errors.New("empty output"), stdout)
	}
	if trimmed[0] != '{' {
		return nil, newOutputParseError(errors.New("output is not a JSON object"), stdout)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var output external.SemgrepOutput
	if err := dec.Decode(&output); err != nil {
		return nil, newOutputParseError(err, stdout)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, newOutputParseError(errors.New("unexpected data after the JSON document"), stdout)
	}
	return &output, nil
}

// Version runs the analyzer with --version.
func (a *Analyzer) Version(ctx context.Context) (*semver.Version, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx cannot be nil")
	}
	path, err := a.resolve()
	if err != nil {
		return nil, err
	}
	runCtx, cancel := a.processContext(ctx)
	defer cancel()
	res, err := a.executor.ExecuteCommand(runCtx, path, []string{"--version"}, a.env())
	if err != nil {
		return nil, &ToolExecutionError{Err: err, Timeout: errors.Is(err, context.DeadlineExceeded)}
	}
	if res.ExitCode != 0 {
		return nil, &ToolExecutionError{Stderr: res.Stderr, ExitCode: res.ExitCode}
	}
	v, err := hubsemver.Parse(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to read analyzer version: %w", err)
	}
	return v, nil
}
