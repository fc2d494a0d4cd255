package external

import (
	"encoding/json"
	"time"

	"github.com/securecodehub/semgrep-hub/internal/data/model"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// SemgrepOutput is the document semgrep writes to stdout in --json mode.
// Only the fields consumed here are declared; unknown keys are ignored.
type SemgrepOutput struct {
	Version string          `json:"version"`
	Results []SemgrepResult `json:"results"`
	Errors  []SemgrepError  `json:"errors"`
}

// SemgrepResult is one match reported by semgrep.
type SemgrepResult struct {
	Path    *string   `json:"path"`
	Start   *Position `json:"start"`
	CheckID string    `json:"check_id"`
	Extra   *Extra    `json:"extra"`
}

// Position is a location inside a scanned file.
type Position struct {
	Line *int `json:"line"`
	Col  *int `json:"col"`
}

// Extra carries the human readable part of a result.
type Extra struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// SemgrepError is a non-fatal problem semgrep hit while scanning (parse failures, timeouts per file).
type SemgrepError struct {
	Type    json.RawMessage `json:"type"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Path    string          `json:"path"`
}

// Kind returns the error type name. Semgrep encodes it either as a string or as an array whose
// first element is the name.
func (e *SemgrepError) Kind() string {
	var name string
	if err := json.Unmarshal(e.Type, &name); err == nil {
		return name
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(e.Type, &parts); err == nil && len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &name); err == nil {
			return name
		}
	}
	return ""
}

// MapOutputToFindings normalizes semgrep results into findings, preserving the tool's order.
func MapOutputToFindings(output *SemgrepOutput) []types.Finding {
	if output == nil {
		return []types.Finding{}
	}
	findings := make([]types.Finding, 0, len(output.Results))
	for i := range output.Results {
		findings = append(findings, mapResult(&output.Results[i]))
	}
	return findings
}

func mapResult(res *SemgrepResult) types.Finding {
	f := types.Finding{
		File: res.Path,
		Rule: res.CheckID,
	}
	if res.Start != nil && res.Start.Line != nil && *res.Start.Line > 0 {
		line := *res.Start.Line
		f.Line = &line
	}
	if res.Extra != nil {
		f.Message = res.Extra.Message
		f.Severity = types.NormalizeSeverity(res.Extra.Severity)
	}
	return f
}

// ScanDTO is a completed analysis ready to be persisted.
type ScanDTO struct {
	StartedAt      time.Time
	Recommendation *string
	User           string
	ProjectName    string
	Target         string
	Findings       []types.Finding
}

// FindingDTO is a persisted finding as returned to callers.
type FindingDTO struct {
	ID             uint    `json:"id" yaml:"id"`
	File           *string `json:"file" yaml:"file"`
	Line           *int    `json:"line" yaml:"line"`
	Rule           string  `json:"rule" yaml:"rule"`
	Message        string  `json:"message" yaml:"message"`
	Severity       string  `json:"severity" yaml:"severity"`
	OWASP          string  `json:"owasp" yaml:"owasp"`
	Recommendation *string `json:"recommendation,omitempty" yaml:"recommendation,omitempty"`
}

// ScanDetailDTO is a persisted scan with its findings in insertion order.
type ScanDetailDTO struct {
	StartedAt     time.Time    `json:"started_at" yaml:"started_at"`
	Project       string       `json:"project" yaml:"project"`
	User          string       `json:"user" yaml:"user"`
	Target        string       `json:"target" yaml:"target"`
	Findings      []FindingDTO `json:"findings" yaml:"findings"`
	ID            uint         `json:"id" yaml:"id"`
	Score         float64      `json:"score" yaml:"score"`
	FindingsCount int          `json:"findings_count" yaml:"findings_count"`
}

// MapScanToDTO maps a stored scan (with Project and Findings preloaded) to a ScanDetailDTO.
func MapScanToDTO(scan *model.Scan) ScanDetailDTO {
	dto := ScanDetailDTO{
		ID:            scan.ID,
		User:          scan.UserID,
		Target:        scan.Target,
		StartedAt:     scan.StartedAt,
		Score:         scan.Score,
		FindingsCount: scan.FindingsCount,
		Findings:      make([]FindingDTO, 0, len(scan.Findings)),
	}
	if scan.Project != nil {
		dto.Project = scan.Project.Name
	}
	for i := range scan.Findings {
		f := &scan.Findings[i]
		dto.Findings = append(dto.Findings, FindingDTO{
			ID:             f.ID,
			File:           f.File,
			Line:           f.Line,
			Rule:           f.Rule,
			Message:        f.Message,
			Severity:       f.Severity,
			OWASP:          f.OWASP,
			Recommendation: f.Recommendation,
		})
	}
	return dto
}
