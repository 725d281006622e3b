package eshu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eshu/eshu/pkg/engine"
	"github.com/eshu/eshu/pkg/installer"
	"github.com/eshu/eshu/pkg/stores"
)

// ErrHistoryDisabled is returned by history queries when the store is off.
var ErrHistoryDisabled = errors.New("install history is disabled")

// historyRecorder persists orchestrator results.
type historyRecorder struct {
	store stores.Store
}

func (h *historyRecorder) RecordInstall(ctx context.Context, res *installer.Result) error {
	return h.store.SaveInstall(ctx, toRecord(res))
}

func toRecord(res *installer.Result) *stores.InstallRecord {
	finished := res.FinishedAt
	run := &stores.InstallRun{
		ID:                  res.RunID,
		Package:             res.Package.InstallName(),
		Backend:             res.Package.Backend,
		Version:             res.Package.Version,
		State:               string(res.State),
		Success:             res.Success,
		RemediationAttempts: res.RemediationAttempts,
		Depth:               res.Depth,
		Plan:                "{}",
		StartedAt:           res.StartedAt,
		FinishedAt:          &finished,
	}
	if res.ParentRunID != "" {
		parent := res.ParentRunID
		run.ParentRunID = &parent
	}
	if res.Error != "" {
		msg := res.Error
		run.Error = &msg
	}
	if res.Plan != nil {
		if data, err := json.Marshal(res.Plan); err == nil {
			run.Plan = string(data)
		}
	}

	rec := &stores.InstallRecord{Run: run}
	for _, t := range res.Transitions {
		level := stores.EventLevelInfo
		if t.To == engine.InstallStateFailed {
			level = stores.EventLevelError
		}
		rec.Events = append(rec.Events, &stores.Event{
			RunID:     res.RunID,
			Kind:      stores.EventKindTransition,
			Level:     level,
			Message:   fmt.Sprintf("%s -> %s", t.From, t.To),
			Timestamp: t.At,
		})
	}
	for i := range res.Commands {
		cmd := &res.Commands[i]
		level := stores.EventLevelInfo
		switch {
		case cmd.Skipped:
			level = stores.EventLevelWarning
		case cmd.ExitCode != 0 || cmd.Error != "":
			level = stores.EventLevelError
		}
		ev := &stores.Event{
			RunID:     res.RunID,
			Kind:      stores.EventKindCommand,
			Level:     level,
			Message:   cmd.Command,
			Timestamp: res.FinishedAt,
		}
		if data, err := json.Marshal(cmd); err == nil {
			details := string(data)
			ev.Details = &details
		}
		rec.Events = append(rec.Events, ev)
	}
	for i, a := range res.Errors {
		rec.Analyses = append(rec.Analyses, &stores.ErrorAnalysis{
			RunID:     res.RunID,
			Sequence:  i + 1,
			Kind:      string(a.Kind),
			Diagnosis: a.Diagnosis,
			Solutions: a.Solutions,
			Commands:  a.Commands,
			Source:    string(a.Source),
		})
	}
	return rec
}

// HistoryQuery narrows History.
type HistoryQuery struct {
	Package string
	Failed  bool
	Limit   int
}

// RunDetails is one persisted run with its log and dependency runs.
type RunDetails struct {
	Run          *stores.InstallRun      `json:"run"`
	Events       []*stores.Event         `json:"events"`
	Analyses     []*stores.ErrorAnalysis `json:"analyses"`
	Dependencies []*stores.InstallRun    `json:"dependencies,omitempty"`
}

// History lists top-level install runs, newest first.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]*stores.InstallRun, error) {
	if e.store == nil {
		return nil, ErrHistoryDisabled
	}
	filter := stores.RunFilter{TopLevel: true, Limit: q.Limit}
	if q.Package != "" {
		name := q.Package
		filter.Package = &name
	}
	if q.Failed {
		state := string(engine.InstallStateFailed)
		filter.State = &state
	}
	return e.store.ListRuns(ctx, filter)
}

// RunDetails loads one run by ID.
func (e *Engine) RunDetails(ctx context.Context, id string) (*RunDetails, error) {
	if e.store == nil {
		return nil, ErrHistoryDisabled
	}
	run, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := e.store.GetEvents(ctx, id, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	analyses, err := e.store.ListErrorAnalyses(ctx, id)
	if err != nil {
		return nil, err
	}
	deps, err := e.store.ListRuns(ctx, stores.RunFilter{ParentRunID: &id})
	if err != nil {
		return nil, err
	}
	return &RunDetails{Run: run, Events: events, Analyses: analyses, Dependencies: deps}, nil
}
