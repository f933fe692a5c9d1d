package policy

import (
	"time"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not block admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks admission.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether violations of this severity reject a request.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy module. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	Enabled bool `json:"enabled"`

	// Builtin marks policies compiled into the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	Policy   string   `json:"policy"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Messages returns the messages of all blocking violations.
func (r *Result) Messages() []string {
	out := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		out = append(out, v.Message)
	}
	return out
}

// Input is the document policies evaluate, available as `input`.
type Input struct {
	// Operation is create or destroy.
	Operation  string            `json:"operation"`
	Parameters stores.Parameters `json:"parameters"`
	Context    Context           `json:"context"`
}

// Context provides evaluation context.
type Context struct {
	Timestamp   time.Time `json:"timestamp"`
	Environment string    `json:"environment,omitempty"`
	// AllowedModels is exposed so custom policies can reuse the list.
	AllowedModels []string `json:"allowed_models"`
}
