package semver

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// ErrTooOld is returned by CheckMinimum when the version is below the minimum.
var ErrTooOld = errors.New("version is older than the minimum supported")

// versionPattern finds the first dotted version in free text such as "semgrep 1.85.0\n".
var versionPattern = regexp.MustCompile(`v?\d+\.\d+(\.\d+)?(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?`)

// Parse extracts a semantic version from tool output.
func Parse(raw string) (*semver.Version, error) {
	match := versionPattern.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("invalid semver: %q", raw)
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		return nil, fmt.Errorf("invalid semver: %s", match)
	}
	return v, nil
}

// CheckMinimum returns ErrTooOld when current < minimum. An empty minimum always passes.
func CheckMinimum(current *semver.Version, minimum string) error {
	if minimum == "" {
		return nil
	}
	if current == nil {
		return fmt.Errorf("current version cannot be nil")
	}
	constraint, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %w", minimum, err)
	}
	if !constraint.Check(current) {
		return fmt.Errorf("%w: %s < %s", ErrTooOld, current, minimum)
	}
	return nil
}
