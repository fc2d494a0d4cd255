package report

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

func TestSummarize(t *testing.T) {
	findings := []types.Finding{
		{Rule: "python.sqli", Message: "SQL injection", Severity: "HIGH"},
		{Rule: "python.sqli", Message: "SQL injection", Severity: "high"},
		{Rule: "js.xss", Message: "reflected", Severity: "LOW", OWASP: "Injection (XSS)"},
		{Rule: "generic.secret", Message: "hardcoded", Severity: "ERROR"},
		{Rule: "django.csrf", Message: "csrf exempt", Severity: "INFO"},
	}

	want := Summary{
		ByRule:     map[string]int{"python.sqli": 2, "js.xss": 1, "generic.secret": 1, "django.csrf": 1},
		ByCategory: map[string]int{"Injection": 2, "Injection (XSS)": 1, "Unmapped": 1, "Security Misconfiguration": 1},
		Total:      5,
		High:       2,
		Low:        1,
		Info:       1,
		Other:      1,
		Score:      100 - 20 - 20 - 5 - 5 - 2,
	}
	if diff := cmp.Diff(want, Summarize(findings)); diff != "" {
		t.Errorf("Summarize() mismatch (-want +got):\n%s", diff)
	}
}

func TestSummarize_Empty(t *testing.T) {
	got := Summarize(nil)
	if got.Total != 0 || got.Score != 100 {
		t.Fatalf("unexpected empty summary: %+v", got)
	}
}

func TestWriteText(t *testing.T) {
	s := Summarize([]types.Finding{
		{Rule: "a", Message: "sql", Severity: "CRITICAL"},
		{Rule: "b", Message: "sql", Severity: "CRITICAL"},
		{Rule: "b", Message: "sql", Severity: "CRITICAL"},
	})
	var buf bytes.Buffer
	if err := s.WriteText(&buf, 1); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"Score:", "10.00", "Findings:", "3 / 0 / 0 / 0 / 0 / 0", "Injection", "b "} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\na ") {
		t.Errorf("expected only the top rule to be listed:\n%s", out)
	}
}
