// Package taxonomy maps analyzer rules to a fixed vulnerability category set.
package taxonomy

import (
	"strings"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// Category is a vulnerability taxonomy label.
type Category string

const (
	Injection        Category = "Injection"
	InjectionXSS     Category = "Injection (XSS)"
	AuthFailures     Category = "Authentication/Identification Failures"
	BrokenAccessCtrl Category = "Broken Access Control"
	SecMisconfig     Category = "Security Misconfiguration"
	Unmapped         Category = "Unmapped"
)

// owaspIDs holds the OWASP Top 10 (2021) identifier of each mapped category.
var owaspIDs = map[Category]string{
	Injection:        "A03:2021",
	InjectionXSS:     "A03:2021",
	AuthFailures:     "A07:2021",
	BrokenAccessCtrl: "A01:2021",
	SecMisconfig:     "A05:2021",
}

// rule is one keyword group. The first rule with a matching keyword wins.
type rule struct {
	category Category
	keywords []string
}

// rules is evaluated in order. Categories overlap, so the order is part of the contract.
var rules = []rule{
	{category: Injection, keywords: []string{"sql", "sqli", "injection"}},
	{category: InjectionXSS, keywords: []string{"xss", "cross-site scripting"}},
	{category: AuthFailures, keywords: []string{"auth", "jwt", "session"}},
	{category: BrokenAccessCtrl, keywords: []string{"path traversal", "directory traversal"}},
	{category: SecMisconfig, keywords: []string{"csrf"}},
}

// Classify returns the category for a rule id and message. It never fails; Unmapped is the fallback.
func Classify(ruleID, message string) Category {
	text := strings.ToLower(ruleID + " " + message)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.category
			}
		}
	}
	return Unmapped
}

// OWASPID returns the OWASP Top 10 (2021) identifier, or "" for Unmapped.
func (c Category) OWASPID() string {
	return owaspIDs[c]
}

// String implements fmt.Stringer.
func (c Category) String() string {
	return string(c)
}

// All returns every category in priority order, Unmapped last.
func All() []Category {
	out := make([]Category, 0, len(rules)+1)
	for _, r := range rules {
		out = append(out, r.category)
	}
	return append(out, Unmapped)
}

// Annotate sets the OWASP field of every finding to its category.
func Annotate(findings []types.Finding) {
	for i := range findings {
		findings[i].OWASP = Classify(findings[i].Rule, findings[i].Message).String()
	}
}
