// Package governance enforces versioning and ownership rules on catalog
// entries and computes the catalog-wide governance hash.
package governance

import "fmt"

// Built-in violation codes. Policy rules add their own codes through
// Rule.Error.
const (
	CodeInvalidSemver        = "invalid_semver"
	CodeVersionNotBumped     = "version_not_bumped"
	CodeVersionRegression    = "version_regression"
	CodeMissingRequiredField = "missing_required_field"
	CodeInvalidField         = "invalid_field"
)

// Violation is a caller-correctable governance failure. It always names the
// failed requirement, carries a hint, and echoes the offending entry.
type Violation struct {
	Code        string `json:"error"`
	Requirement string `json:"requirement"`
	Field       string `json:"field,omitempty"`
	Hint        string `json:"feedbackHint"`
	ReproEntry  any    `json:"reproEntry"`
}

func (v *Violation) Error() string {
	if v.Field != "" {
		return fmt.Sprintf("governance: %s (%s): %s", v.Code, v.Field, v.Requirement)
	}
	return fmt.Sprintf("governance: %s: %s", v.Code, v.Requirement)
}

func violation(code, field, requirement, hint string, repro any) *Violation {
	return &Violation{Code: code, Field: field, Requirement: requirement, Hint: hint, ReproEntry: repro}
}
