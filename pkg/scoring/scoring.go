// Package scoring reduces a set of findings to a bounded security score.
package scoring

import (
	"math"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

const (
	// MaxScore is the score of a target without findings.
	MaxScore = 100.0
	// MinScore is the floor the score saturates at.
	MinScore = 0.0
	// DefaultPenalty applies to any severity outside the known tiers, including "".
	// The fallback is inherited as-is and may not be intentional; keep it until decided otherwise.
	DefaultPenalty = 5
)

// penalties maps each known severity to the points it removes from MaxScore.
var penalties = map[types.Severity]int{
	types.SeverityCritical: 30,
	types.SeverityHigh:     20,
	types.SeverityMedium:   10,
	types.SeverityLow:      5,
	types.SeverityInfo:     2,
}

// Penalty returns the points a single finding of the given severity costs.
// The severity is normalized first so callers may pass raw analyzer values.
func Penalty(severity types.Severity) int {
	if p, ok := penalties[types.NormalizeSeverity(string(severity))]; ok {
		return p
	}
	return DefaultPenalty
}

// TotalPenalty sums the penalties of all findings. It is not capped.
func TotalPenalty(findings []types.Finding) int {
	total := 0
	for i := range findings {
		total += Penalty(findings[i].Severity)
	}
	return total
}

// ComputeScore returns max(0, 100 - total penalty) rounded to 2 decimal places.
// An empty or nil slice scores exactly 100.
func ComputeScore(findings []types.Finding) float64 {
	if len(findings) == 0 {
		return MaxScore
	}
	score := math.Max(MinScore, MaxScore-float64(TotalPenalty(findings)))
	return Round2(score)
}

// Round2 rounds v to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
