package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block the command.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block the command and indicate
	// an attempt to damage the host.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the command.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Stage is the point of an installation at which a command is vetted.
type Stage string

const (
	// StagePlan covers the commands of an install plan.
	StagePlan Stage = "plan"

	// StageRemediation covers commands suggested after a failure.
	StageRemediation Stage = "remediation"

	// StagePostInstall covers post-install commands.
	StagePostInstall Stage = "post_install"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name" yaml:"name"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Rego contains the Rego policy code. The module must define a
	// `deny` set; each member is a message string or an object with
	// message and severity.
	Rego string `json:"rego" yaml:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity" yaml:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Builtin marks the policies shipped with eshu.
	Builtin bool `json:"builtin" yaml:"-"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`

	// LoadedAt is when the policy was loaded.
	LoadedAt time.Time `json:"loaded_at" yaml:"-"`
}

// CommandInput is the document a policy sees as `input`.
type CommandInput struct {
	// Command is the shell command line to vet.
	Command string `json:"command"`

	// Stage is where in the installation the command would run.
	Stage Stage `json:"stage"`

	// Package is the package being installed.
	Package string `json:"package"`

	// Backend is the backend performing the install.
	Backend string `json:"backend,omitempty"`

	// Depth is the dependency depth of the install, 0 for the requested package.
	Depth int `json:"depth"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Command is the offending command.
	Command string `json:"command"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of vetting one or more commands.
type Decision struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate. A policy that cannot
	// be evaluated blocks the command and is also listed in Violations.
	Errors []string `json:"errors,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Reasons returns the messages of the blocking violations.
func (d *Decision) Reasons() []string {
	if d == nil {
		return nil
	}
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		out = append(out, v.Policy+": "+v.Message)
	}
	return out
}

// merge folds other into d.
func (d *Decision) merge(other *Decision) {
	d.Violations = append(d.Violations, other.Violations...)
	d.Warnings = append(d.Warnings, other.Warnings...)
	d.Errors = append(d.Errors, other.Errors...)
	if !other.Allowed {
		d.Allowed = false
	}
}

// Bundle is a collection of policies distributed as one YAML or JSON file.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name" yaml:"name"`

	// Version is the bundle version.
	Version string `json:"version" yaml:"version"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies" yaml:"policies"`
}
