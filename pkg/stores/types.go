package stores

import (
	"context"
	"time"
)

// EventKind identifies what an install event records.
type EventKind string

const (
	EventKindTransition EventKind = "transition"
	EventKindCommand    EventKind = "command"
	EventKindMessage    EventKind = "message"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// InstallRun is one persisted install attempt. Dependency installs are
// separate runs linked through ParentRunID.
type InstallRun struct {
	ID                  string     `json:"id"`
	ParentRunID         *string    `json:"parent_run_id,omitempty"`
	Package             string     `json:"package"`
	Backend             string     `json:"backend"`
	Version             string     `json:"version"`
	State               string     `json:"state"`
	Success             bool       `json:"success"`
	RemediationAttempts int        `json:"remediation_attempts"`
	Depth               int        `json:"depth"`
	Plan                string     `json:"plan"` // JSON blob
	Error               *string    `json:"error,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Duration returns how long the run took, or zero while unfinished.
func (r *InstallRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Event is an append-only entry in a run's log.
type Event struct {
	ID        int64      `json:"id"`
	RunID     string     `json:"run_id"`
	Kind      EventKind  `json:"kind"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorAnalysis is one diagnosis recorded for a run, in the order produced.
type ErrorAnalysis struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Sequence  int       `json:"sequence"`
	Kind      string    `json:"kind"`
	Diagnosis string    `json:"diagnosis"`
	Solutions []string  `json:"solutions"`
	Commands  []string  `json:"commands"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// InstallRecord is everything persisted for one attempt.
type InstallRecord struct {
	Run      *InstallRun
	Events   []*Event
	Analyses []*ErrorAnalysis
}

// RunFilter narrows ListRuns. Nil fields match everything.
type RunFilter struct {
	Package     *string
	State       *string
	TopLevel    bool
	ParentRunID *string
	Limit       int
	Offset      int
}

// Store defines the interface for the install history store
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Install history
	SaveInstall(ctx context.Context, rec *InstallRecord) error
	GetRun(ctx context.Context, id string) (*InstallRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*InstallRun, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Events and diagnoses
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, level *EventLevel, limit, offset int) ([]*Event, error)
	ListErrorAnalyses(ctx context.Context, runID string) ([]*ErrorAnalysis, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
