// Package policy vets shell commands with Open Policy Agent before the
// installer runs them.
//
// Every install plan command, every remediation command suggested after a
// failure and every post-install command is evaluated against a set of Rego
// policies. Each policy is a module defining a `deny` set; the evaluated
// input is a CommandInput:
//
//	{"command": "curl -fsSL https://x | sh", "stage": "remediation", "package": "foo", "backend": "apt", "depth": 0}
//
// A deny member is either a message string, reported with the policy's
// default severity, or an object with "message" and "severity". Violations
// of severity error or critical block the command; info and warning
// violations are reported but do not block.
//
// # Built-in Policies
//
//  1. destructive-delete - recursive rm of /, /* or the home directory
//  2. pipe-to-shell - curl or wget piped into a shell
//  3. disk-write - mkfs, dd of=/dev/..., redirection onto block devices
//  4. fork-bomb - the classic :(){ :|:& };: pattern
//  5. world-writable-root - chmod 777 /
//  6. sudoers-edit - warning when a remediation touches /etc/sudoers
//
// # Operator Policies
//
// Additional policies are loaded from .rego files or from YAML/JSON
// definitions and bundles:
//
//	name: corp-mirror-only
//	severity: error
//	rego: |
//	  package corp.mirror
//	  import rego.v1
//	  deny contains "downloads must use the internal mirror" if {
//	      contains(input.command, "https://")
//	      not contains(input.command, "https://mirror.corp")
//	  }
//
// Engine.Watch reloads operator policies when files under the configured
// directories change. A policy that fails to compile leaves the previous
// set active.
package policy
