package types

import "strings"

// Severity is the upper-cased risk tier reported by the analyzer.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// KnownSeverities lists the recognized tiers from most to least severe.
var KnownSeverities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// NormalizeSeverity upper-cases a raw severity. Unknown values pass through upper-cased.
func NormalizeSeverity(raw string) Severity {
	return Severity(strings.ToUpper(raw))
}

// IsKnown reports whether s is one of KnownSeverities.
func (s Severity) IsKnown() bool {
	for _, k := range KnownSeverities {
		if s == k {
			return true
		}
	}
	return false
}

// Finding is one normalized issue detected by the analyzer.
// File and Line are nil when the analyzer omitted them.
type Finding struct {
	File           *string  `json:"file" yaml:"file"`
	Line           *int     `json:"line" yaml:"line"`
	Rule           string   `json:"rule" yaml:"rule"`
	Message        string   `json:"message" yaml:"message"`
	Severity       Severity `json:"severity" yaml:"severity"`
	OWASP          string   `json:"owasp,omitempty" yaml:"owasp,omitempty"`
	Recommendation *string  `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
}

// FilePath returns the file path or an empty string.
func (f *Finding) FilePath() string {
	if f.File == nil {
		return ""
	}
	return *f.File
}

// LineNumber returns the line number or 0 when absent.
func (f *Finding) LineNumber() int {
	if f.Line == nil {
		return 0
	}
	return *f.Line
}
