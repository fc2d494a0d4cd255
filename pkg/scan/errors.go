package scan

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// excerptLimit bounds how much raw output an OutputParseError carries.
const excerptLimit = 500

// stderrLimit bounds the stderr text rendered by ToolExecutionError.Error.
const stderrLimit = 2000

// ErrToolUnavailable is returned when the analyzer executable cannot be resolved. It is not retried.
var ErrToolUnavailable = errors.New("analyzer executable not found")

// ToolExecutionError is returned when the analyzer exits with a code other than 0 or 1,
// cannot be started, or outlives its deadline.
type ToolExecutionError struct {
	Err      error
	Stderr   string
	ExitCode int
	Timeout  bool
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("analyzer timed out: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("analyzer failed: %v", e.Err)
	}
	msg := fmt.Sprintf("analyzer exited with code %d", e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + truncate(stderr, stderrLimit)
	}
	return msg
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Err
}

// OutputParseError is returned when stdout is not a single JSON document.
// Excerpt holds at most the first 500 bytes of the output.
type OutputParseError struct {
	Err     error
	Excerpt string
}

func (e *OutputParseError) Error() string {
	return fmt.Sprintf("failed to parse analyzer output: %v (output starts with %q)", e.Err, e.Excerpt)
}

func (e *OutputParseError) Unwrap() error {
	return e.Err
}

func newOutputParseError(err error, raw []byte) *OutputParseError {
	return &OutputParseError{Err: err, Excerpt: truncate(string(raw), excerptLimit)}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
