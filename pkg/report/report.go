// Package report aggregates findings into the counts shown next to a scan.
package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/securecodehub/semgrep-hub/pkg/scoring"
	"github.com/securecodehub/semgrep-hub/pkg/taxonomy"
	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// Summary holds severity totals plus breakdowns by rule and category.
// Other counts findings whose severity is not one of the known tiers.
type Summary struct {
	ByRule     map[string]int `json:"by_rule" yaml:"by_rule"`
	ByCategory map[string]int `json:"by_category" yaml:"by_category"`
	Total      int            `json:"total" yaml:"total"`
	Critical   int            `json:"critical" yaml:"critical"`
	High       int            `json:"high" yaml:"high"`
	Medium     int            `json:"medium" yaml:"medium"`
	Low        int            `json:"low" yaml:"low"`
	Info       int            `json:"info" yaml:"info"`
	Other      int            `json:"other" yaml:"other"`
	Score      float64        `json:"score" yaml:"score"`
}

// Summarize counts findings. The category of a finding is its OWASP field when set,
// otherwise it is classified on the fly.
func Summarize(findings []types.Finding) Summary {
	s := Summary{
		ByRule:     make(map[string]int),
		ByCategory: make(map[string]int),
		Total:      len(findings),
		Score:      scoring.ComputeScore(findings),
	}
	for i := range findings {
		f := &findings[i]
		switch types.NormalizeSeverity(string(f.Severity)) {
		case types.SeverityCritical:
			s.Critical++
		case types.SeverityHigh:
			s.High++
		case types.SeverityMedium:
			s.Medium++
		case types.SeverityLow:
			s.Low++
		case types.SeverityInfo:
			s.Info++
		default:
			s.Other++
		}
		s.ByRule[f.Rule]++
		category := f.OWASP
		if category == "" {
			category = taxonomy.Classify(f.Rule, f.Message).String()
		}
		s.ByCategory[category]++
	}
	return s
}

type count struct {
	key string
	n   int
}

// sortedCounts orders by count descending, then key.
func sortedCounts(m map[string]int) []count {
	out := make([]count, 0, len(m))
	for k, n := range m {
		out = append(out, count{key: k, n: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}

// WriteText prints the summary as aligned plain text, listing at most topRules rules.
func (s Summary) WriteText(w io.Writer, topRules int) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Score:\t%.2f\n", s.Score)
	fmt.Fprintf(tw, "Findings:\t%d\n", s.Total)
	fmt.Fprintf(tw, "Critical / High / Medium / Low / Info / Other:\t%d / %d / %d / %d / %d / %d\n",
		s.Critical, s.High, s.Medium, s.Low, s.Info, s.Other)

	if len(s.ByCategory) > 0 {
		fmt.Fprintln(tw, "\nCategory\tFindings")
		for _, c := range sortedCounts(s.ByCategory) {
			fmt.Fprintf(tw, "%s\t%d\n", c.key, c.n)
		}
	}
	if len(s.ByRule) > 0 && topRules > 0 {
		fmt.Fprintln(tw, "\nRule\tFindings")
		for i, c := range sortedCounts(s.ByRule) {
			if i == topRules {
				break
			}
			fmt.Fprintf(tw, "%s\t%d\n", c.key, c.n)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("error writing summary: %w", err)
	}
	return nil
}
