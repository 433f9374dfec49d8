// Package policy implements the control plane's tool decision function:
// a deny-by-default allow/approval/deny gate over three disjoint tool-name
// sets, optionally overridden by an external risk inspector (Airlock).
package policy

import (
	"path/filepath"

	ctrlerrors "github.com/flowgate/ctrlplane/pkg/errors"
)

// Decision is the total order of tool-dispatch verdicts. Deny wins ties,
// then Approval, then Allow.
type Decision string

const (
	Allow    Decision = "allow"
	Approval Decision = "approval"
	Deny     Decision = "deny"
)

// Policy holds the three disjoint tool-name pattern sets for one tenant
// or run. Patterns use filepath.Match glob syntax (e.g. "file.*"); a
// literal tool name is simply a pattern with no wildcard.
type Policy struct {
	ID               string
	Allowed          []string
	ApprovalRequired []string
	Denied           []string
}

// Decide implements the fixed decision order from spec §4.5: a name
// matched by Denied is always Deny regardless of the other sets, then
// ApprovalRequired, then Allowed; any name matched by none is Deny.
// Decide is total: it always returns one of Allow/Approval/Deny.
func (p Policy) Decide(toolName string) Decision {
	if matchesAny(p.Denied, toolName) {
		return Deny
	}
	if matchesAny(p.ApprovalRequired, toolName) {
		return Approval
	}
	if matchesAny(p.Allowed, toolName) {
		return Allow
	}
	return Deny
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == name {
			return true
		}
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// ValidateToolName enforces the worker's tool-name character allowlist
// (spec §4.7): only `[A-Za-z0-9_.\-]`.
func ValidateToolName(name string) error {
	if name == "" {
		return &ctrlerrors.ValidationError{Field: "tool_name", Message: "tool name must not be empty"}
	}
	for _, c := range name {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '_' || c == '.' || c == '-'
		if !ok {
			return &ctrlerrors.ValidationError{
				Field:   "tool_name",
				Message: "tool name contains a character outside [A-Za-z0-9_.-]",
			}
		}
	}
	return nil
}
