package scan

/*
Package scan runs the Semgrep analyzer and turns its output into findings.

The main functions and types in this package are:

Analyzer
    Runs semgrep against a filesystem target. Created with New and configured with options
    (WithRegistryToken, WithExecutor, WithBinary, WithProcessTimeout, ...).

    Run(ctx, target, timeoutSeconds)
        Spawns exactly one semgrep process with
        --config=auto --json --timeout=<seconds> --disable-version-check --error <target>.
        Exit codes 0 and 1 are success. Returns the findings in tool order and the raw output.

    Version(ctx)
        Runs semgrep --version and parses the result as a semantic version.

Errors
    ErrToolUnavailable    the executable is not on PATH
    *ToolExecutionError   unexpected exit code, crash or deadline
    *OutputParseError     stdout was not a single JSON document

StageUpload
    Writes an uploaded file or archive (.zip, .tar.gz, .tgz) to a fresh directory and returns the
    path to scan. Archive entries escaping the directory are rejected.

WriteToCSV, WriteToJSON, WriteToYAML, Context
    Export helpers. Context renders the first n findings as CSV and returns
    NoFindingsMessage when there are none.

Example usage:

    analyzer := scan.New(scan.WithRegistryToken(token))
    findings, raw, err := analyzer.Run(ctx, "/tmp/src", 300)
    if err != nil {
        // Handle error
    }
    fmt.Println(len(findings), raw.ExitCode)
    _ = scan.WriteToCSV(os.Stdout, findings, true)
*/
