package engine

import (
	"fmt"
	"time"
)

// InstallState is a state of the installation state machine.
type InstallState string

const (
	// InstallStatePlanning produces the install plan.
	InstallStatePlanning InstallState = "planning"

	// InstallStateDependencyInstall installs plan dependencies first.
	InstallStateDependencyInstall InstallState = "dependency_install"

	// InstallStateExecuting runs the plan commands; the only state that mutates the host.
	InstallStateExecuting InstallState = "executing"

	// InstallStateVerifying confirms the package is present.
	InstallStateVerifying InstallState = "verifying"

	// InstallStateSucceeded is terminal.
	InstallStateSucceeded InstallState = "succeeded"

	// InstallStateFailed is terminal.
	InstallStateFailed InstallState = "failed"
)

// installTransitions lists the legal successors of each state. Executing may
// loop to itself once, for the single remediation retry.
var installTransitions = map[InstallState][]InstallState{
	InstallStatePlanning:          {InstallStateDependencyInstall, InstallStateFailed},
	InstallStateDependencyInstall: {InstallStateExecuting, InstallStateFailed},
	InstallStateExecuting:         {InstallStateVerifying, InstallStateExecuting, InstallStateFailed},
	InstallStateVerifying:         {InstallStateSucceeded, InstallStateFailed},
}

// IsTerminal returns true if the state is final.
func (s InstallState) IsTerminal() bool {
	return s == InstallStateSucceeded || s == InstallStateFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s InstallState) CanTransitionTo(next InstallState) bool {
	for _, candidate := range installTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate checks if the install state is valid.
func (s InstallState) Validate() error {
	switch s {
	case InstallStatePlanning, InstallStateDependencyInstall, InstallStateExecuting,
		InstallStateVerifying, InstallStateSucceeded, InstallStateFailed:
		return nil
	default:
		return fmt.Errorf("invalid install state: %s", s)
	}
}

// Transition records one state change of an install attempt.
type Transition struct {
	From InstallState `json:"from"`
	To   InstallState `json:"to"`
	At   time.Time    `json:"at"`
}
