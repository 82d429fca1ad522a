// Package compliance implements the pure policy checks the pipeline runs
// before a PR may be finalized: DCO sign-off presence, protected-file
// immutability, and the coverage threshold. Checks never auto-correct; they
// return violations naming the offending artifact for the operator.
package compliance

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Sentinel errors for the compliance taxonomy. Violations carry one of these
// so callers can match with errors.Is.
var (
	ErrMissingSignOff         = errors.New("missing sign-off")
	ErrProtectedFileViolation = errors.New("protected file violation")
	ErrCoverageBelowThreshold = errors.New("coverage below threshold")
)

// DefaultCoverageThreshold is the coverage floor applied when the policy
// does not configure one.
const DefaultCoverageThreshold = 80.0

// Identity is the declared contributor identity sign-offs must match.
type Identity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SignOffLine renders the DCO trailer for the identity.
func (i Identity) SignOffLine() string {
	return fmt.Sprintf("Signed-off-by: %s <%s>", i.Name, i.Email)
}

// Violation is one failed (or reported) check with its offending artifact.
type Violation struct {
	Err      error  `json:"-"`
	Check    string `json:"check"`
	Artifact string `json:"artifact"` // commit subject, file path, or coverage figure
	Reason   string `json:"reason"`

	// Blocking violations prevent stage advancement. Non-blocking ones are
	// surfaced but do not halt (e.g. a coverage drop that stays above the
	// floor).
	Blocking bool `json:"blocking"`
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s (%s)", v.Check, v.Reason, v.Artifact)
}

// Unwrap lets errors.Is match the taxonomy sentinel.
func (v Violation) Unwrap() error {
	return v.Err
}

// Blocking filters violations down to the ones that halt the pipeline.
func Blocking(violations []Violation) []Violation {
	var out []Violation
	for _, v := range violations {
		if v.Blocking {
			out = append(out, v)
		}
	}
	return out
}

var signOffPattern = regexp.MustCompile(`(?m)^Signed-off-by:\s*(.+?)\s*<([^>]+)>\s*$`)

// CheckSignOff verifies every commit message carries a Signed-off-by line
// whose name and email match the declared identity. One violation per
// offending commit.
func CheckSignOff(messages []string, ident Identity) []Violation {
	var violations []Violation
	for _, msg := range messages {
		subject := commitSubject(msg)

		matches := signOffPattern.FindAllStringSubmatch(msg, -1)
		if len(matches) == 0 {
			violations = append(violations, Violation{
				Err:      ErrMissingSignOff,
				Check:    "sign-off",
				Artifact: subject,
				Reason:   "commit has no Signed-off-by line",
				Blocking: true,
			})
			continue
		}

		matched := false
		for _, m := range matches {
			if m[1] == ident.Name && strings.EqualFold(m[2], ident.Email) {
				matched = true
				break
			}
		}
		if !matched {
			violations = append(violations, Violation{
				Err:      ErrMissingSignOff,
				Check:    "sign-off",
				Artifact: subject,
				Reason:   fmt.Sprintf("sign-off does not match declared identity %s", ident.SignOffLine()),
				Blocking: true,
			})
		}
	}
	return violations
}

// CheckProtectedFiles fails when any changed path is in the protected set and
// no explicit approval accompanies the task.
func CheckProtectedFiles(changedPaths, protectedSet []string, explicitApproval bool) []Violation {
	if explicitApproval {
		return nil
	}

	protected := make(map[string]struct{}, len(protectedSet))
	for _, p := range protectedSet {
		protected[p] = struct{}{}
	}

	var violations []Violation
	for _, path := range changedPaths {
		if _, ok := protected[path]; ok {
			violations = append(violations, Violation{
				Err:      ErrProtectedFileViolation,
				Check:    "protected-files",
				Artifact: path,
				Reason:   "protected file changed without explicit approval",
				Blocking: true,
			})
		}
	}
	return violations
}

// CheckCoverage applies the threshold policy: a result below the floor blocks
// only when it is also a regression (after < before). An improvement that is
// still below the floor is reported but not blocking; so is a regression that
// stays at or above the floor.
func CheckCoverage(before, after, threshold float64) []Violation {
	if threshold == 0 {
		threshold = DefaultCoverageThreshold
	}

	artifact := fmt.Sprintf("coverage %.1f%% -> %.1f%% (floor %.1f%%)", before, after, threshold)

	if after < threshold && after < before {
		return []Violation{{
			Err:      ErrCoverageBelowThreshold,
			Check:    "coverage",
			Artifact: artifact,
			Reason:   "coverage regressed below the threshold",
			Blocking: true,
		}}
	}

	if after < before || after < threshold {
		reason := "coverage dropped but remains at or above the threshold"
		if after < threshold {
			reason = "coverage improved but remains below the threshold"
		}
		return []Violation{{
			Err:      ErrCoverageBelowThreshold,
			Check:    "coverage",
			Artifact: artifact,
			Reason:   reason,
			Blocking: false,
		}}
	}

	return nil
}

func commitSubject(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return strings.TrimSpace(msg[:i])
	}
	return strings.TrimSpace(msg)
}
