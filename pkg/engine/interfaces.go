package engine

import (
	"context"
	"time"
)

// UsageGate decides whether language-model calls are currently permitted.
// It is consulted before every gateway call; a denial costs no network I/O.
type UsageGate interface {
	CanUseLanguageModel() bool
}

// UsageGateFunc adapts a function to UsageGate.
type UsageGateFunc func() bool

// CanUseLanguageModel implements UsageGate.
func (f UsageGateFunc) CanUseLanguageModel() bool { return f() }

// AllowAll is a UsageGate that never denies.
var AllowAll UsageGate = UsageGateFunc(func() bool { return true })

// ProgressEventType identifies a progress event.
type ProgressEventType string

const (
	ProgressStateChanged   ProgressEventType = "state_changed"
	ProgressCommandStarted ProgressEventType = "command_started"
	ProgressCommandDone    ProgressEventType = "command_done"
	ProgressDiagnosis      ProgressEventType = "diagnosis"
	ProgressMessage        ProgressEventType = "message"
)

// ProgressEvent is reported to a ProgressSink while an install runs.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	Package   string            `json:"package"`
	State     InstallState      `json:"state,omitempty"`
	Command   string            `json:"command,omitempty"`
	ExitCode  int               `json:"exit_code,omitempty"`
	Output    string            `json:"output,omitempty"`
	Message   string            `json:"message,omitempty"`
	Depth     int               `json:"depth"`
	Timestamp time.Time         `json:"timestamp"`
}

// ProgressSink receives progress events. Implementations must not block for long.
type ProgressSink interface {
	Report(event ProgressEvent)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(event ProgressEvent)

// Report implements ProgressSink.
func (f ProgressFunc) Report(event ProgressEvent) { f(event) }

// Confirmer asks the caller to approve remediation commands before they run.
type Confirmer interface {
	Confirm(ctx context.Context, analysis ErrorAnalysis) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, analysis ErrorAnalysis) bool

// Confirm implements Confirmer.
func (f ConfirmFunc) Confirm(ctx context.Context, analysis ErrorAnalysis) bool {
	return f(ctx, analysis)
}
