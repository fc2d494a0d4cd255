package scan

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const (
	// NoFindingsMessage is what Context returns for an empty finding list.
	NoFindingsMessage = "No Semgrep findings."
	// DefaultContextRows is the number of findings Context renders by default.
	DefaultContextRows = 100
)

// Output formats accepted by Write.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

var csvHeader = []string{"file", "line", "rule", "message", "severity", "owasp"}

// Head returns the first n findings, keeping their order. n <= 0 returns all of them.
func Head(findings []types.Finding, n int) []types.Finding {
	if n <= 0 || n >= len(findings) {
		return findings
	}
	return findings[:n]
}

// WriteToCSV writes one record per finding in input order. Missing file and line are empty cells.
func WriteToCSV(w io.Writer, findings []types.Finding, includeHeader bool) error {
	csvWriter := csv.NewWriter(w)

	if includeHeader {
		if err := csvWriter.Write(csvHeader); err != nil {
			return fmt.Errorf("error writing csv header: %w", err)
		}
	}

	for i := range findings {
		f := &findings[i]
		line := ""
		if f.Line != nil {
			line = strconv.Itoa(*f.Line)
		}
		err := csvWriter.Write([]string{
			f.FilePath(),
			line,
			f.Rule,
			f.Message,
			string(f.Severity),
			f.OWASP,
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

// WriteToJSON writes v as indented JSON.
func WriteToJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error writing json: %w", err)
	}
	return nil
}

// WriteToYAML writes v as a YAML document.
func WriteToYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("error writing yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("error closing yaml encoder: %w", err)
	}
	return nil
}

// Write renders findings in format.
func Write(w io.Writer, format string, findings []types.Finding) error {
	switch format {
	case FormatCSV, "":
		return WriteToCSV(w, findings, true)
	case FormatJSON:
		return WriteToJSON(w, findings)
	case FormatYAML:
		return WriteToYAML(w, findings)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// Context renders the first maxRows findings as CSV for a downstream reader.
// It returns NoFindingsMessage when there are no findings.
func Context(findings []types.Finding, maxRows int) (string, error) {
	if len(findings) == 0 {
		return NoFindingsMessage, nil
	}
	var buf bytes.Buffer
	if err := WriteToCSV(&buf, Head(findings, maxRows), true); err != nil {
		return "", err
	}
	return buf.String(), nil
}
