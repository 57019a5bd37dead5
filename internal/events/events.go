// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events provides the append-only event log and branch lineage
// semantics for workflow runs.
//
// Every run accumulates events on branches. A branch never mutates
// history; retry and jump-back fork a new branch whose lineage caps each
// ancestor at a cutoff event id. Replaying a lineage unions the capped
// slices of every ancestor plus the uncapped tail, ordered globally by
// event id (ids are time-sortable, so id order is creation order).
package events

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// Event types appended by the engine.
const (
	TypeWorkflowCreated   = "workflow_created"
	TypeWorkflowResumed   = "workflow_resumed"
	TypeWorkflowCompleted = "workflow_completed"
	TypeWorkflowError     = "workflow_error"
	TypeWorkflowRecovered = "workflow_recovered"

	TypeStepStarted   = "step_started"
	TypeStepCompleted = "step_completed"

	TypeModuleStarted   = "module_started"
	TypeModuleCompleted = "module_completed"
	TypeModuleError     = "module_error"

	TypeInteractionRequested = "interaction_requested"
	TypeInteractionResponse  = "interaction_response"

	TypeRetryRequested    = "retry_requested"
	TypeJumpBackRequested = "jump_back_requested"

	TypeOutputStored   = "output_stored"
	TypeVersionUpdated = "workflow_version_updated"
)

// Log is the event store. It layers lineage semantics over the raw
// document store.
type Log struct {
	store  store.Store
	logger *slog.Logger
}

// New returns an event log backed by the given store.
func New(st store.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, logger: log.WithComponent(logger, "events")}
}

// Append writes one event to a run's log and returns its id. Empty
// branchID or versionID are resolved from the run's current pointers.
func (l *Log) Append(ctx context.Context, runID, branchID, versionID, eventType, stepID, moduleName string, data map[string]any) (string, error) {
	if branchID == "" || versionID == "" {
		run, err := l.store.GetRun(ctx, runID)
		if err != nil {
			return "", errors.Wrapf(err, "resolving run %s for append", runID)
		}
		if branchID == "" {
			branchID = run.CurrentBranchID
		}
		if versionID == "" {
			versionID = run.CurrentVersionID
		}
	}

	event := &store.Event{
		ID:         ids.New(),
		RunID:      runID,
		BranchID:   branchID,
		VersionID:  versionID,
		Type:       eventType,
		StepID:     stepID,
		ModuleName: moduleName,
		Data:       data,
		Timestamp:  time.Now().UTC(),
	}
	if err := l.store.InsertEvent(ctx, event); err != nil {
		return "", errors.Wrapf(err, "appending %s event", eventType)
	}

	l.logger.DebugContext(ctx, "event appended",
		log.RunIDKey, runID,
		log.BranchIDKey, branchID,
		log.EventKey, eventType,
		log.StepIDKey, stepID)
	return event.ID, nil
}

// Get returns a run's events matching the filter, ascending by
// timestamp. No lineage semantics are applied.
func (l *Log) Get(ctx context.Context, runID string, f store.EventFilter) ([]*store.Event, error) {
	return l.store.FindEvents(ctx, runID, f)
}

// LineageEvents replays a lineage: for every entry it collects that
// branch's events up to the entry's cutoff (the open tail is uncapped),
// merges the slices, and returns them ordered by event id. Duplicate
// output_stored events for the same (step, module) are collapsed to the
// latest occurrence.
func (l *Log) LineageEvents(ctx context.Context, runID string, lineage []store.LineageEntry, types ...string) ([]*store.Event, error) {
	if err := validateLineage(lineage); err != nil {
		return nil, err
	}

	var merged []*store.Event
	for _, entry := range lineage {
		capID := ""
		if entry.CutoffEventID != nil {
			capID = *entry.CutoffEventID
		}
		batch, err := l.store.FindBranchEvents(ctx, runID, entry.BranchID, capID, types)
		if err != nil {
			return nil, errors.Wrapf(err, "reading branch %s", entry.BranchID)
		}
		merged = append(merged, batch...)
	}

	sort.Slice(merged, func(i, j int) bool { return ids.Less(merged[i].ID, merged[j].ID) })
	return dedupeOutputs(merged), nil
}

// dedupeOutputs drops all but the latest output_stored event per
// (step, module). A retried storage write re-asserts the same output, so
// only the newest assertion is state.
func dedupeOutputs(evs []*store.Event) []*store.Event {
	type key struct{ step, module string }
	latest := make(map[key]string)
	for _, e := range evs {
		if e.Type != TypeOutputStored {
			continue
		}
		latest[key{e.StepID, e.ModuleName}] = e.ID
	}

	out := evs[:0:0]
	for _, e := range evs {
		if e.Type == TypeOutputStored && latest[key{e.StepID, e.ModuleName}] != e.ID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DeleteRunEvents removes every event of a run. Administrative use only.
func (l *Log) DeleteRunEvents(ctx context.Context, runID string) (int64, error) {
	n, err := l.store.DeleteRunEvents(ctx, runID)
	if err != nil {
		return 0, err
	}
	l.logger.InfoContext(ctx, "run events deleted", log.RunIDKey, runID, "count", n)
	return n, nil
}

// Fork creates a new branch off fromBranch, capped at cutoffEventID, and
// makes it the run's current branch. The new lineage is the parent's
// lineage with its open tail closed at the cutoff plus a fresh open tail:
//
//	parent: [(a, c₁), ..., (parent, nil)]
//	child:  [(a, c₁), ..., (parent, cutoff), (child, nil)]
//
// The cutoff must identify an event visible on the parent's lineage, and
// the resulting cutoffs must be non-decreasing in event-id order.
func (l *Log) Fork(ctx context.Context, runID, fromBranchID, cutoffEventID string) (*store.Branch, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving run %s for fork", runID)
	}

	parent, err := l.store.GetBranch(ctx, fromBranchID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving branch %s for fork", fromBranchID)
	}
	if parent.RunID != runID {
		return nil, &errors.FatalError{
			Operation: "fork",
			Message:   "branch " + fromBranchID + " does not belong to run " + runID,
		}
	}
	if err := validateLineage(parent.Lineage); err != nil {
		return nil, err
	}

	visible, err := l.cutoffVisible(ctx, runID, parent.Lineage, cutoffEventID)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, &errors.ValidationError{
			Path:    "cutoff_event_id",
			Message: "event " + cutoffEventID + " is not visible on the lineage of branch " + fromBranchID,
		}
	}

	lineage := make([]store.LineageEntry, 0, len(parent.Lineage)+1)
	lineage = append(lineage, parent.Lineage[:len(parent.Lineage)-1]...)
	cutoff := cutoffEventID
	lineage = append(lineage,
		store.LineageEntry{BranchID: fromBranchID, CutoffEventID: &cutoff},
		store.LineageEntry{BranchID: ids.New(), CutoffEventID: nil},
	)
	if err := validateLineage(lineage); err != nil {
		return nil, err
	}

	branch := &store.Branch{
		ID:        lineage[len(lineage)-1].BranchID,
		RunID:     runID,
		Lineage:   lineage,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.InsertBranch(ctx, branch); err != nil {
		return nil, errors.Wrap(err, "inserting forked branch")
	}

	run.CurrentBranchID = branch.ID
	if err := l.store.UpdateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "switching run to forked branch")
	}

	l.logger.InfoContext(ctx, "branch forked",
		log.RunIDKey, runID,
		log.BranchIDKey, branch.ID,
		"parent_branch_id", fromBranchID,
		"cutoff_event_id", cutoffEventID)
	return branch, nil
}

// CurrentLineage returns the lineage of the run's current branch.
func (l *Log) CurrentLineage(ctx context.Context, runID string) ([]store.LineageEntry, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	branch, err := l.store.GetBranch(ctx, run.CurrentBranchID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving current branch of run %s", runID)
	}
	if err := validateLineage(branch.Lineage); err != nil {
		return nil, err
	}
	return branch.Lineage, nil
}

// cutoffVisible reports whether the event is observable when replaying
// the lineage: it must live on one of the lineage's branches at or below
// that entry's cutoff.
func (l *Log) cutoffVisible(ctx context.Context, runID string, lineage []store.LineageEntry, eventID string) (bool, error) {
	for _, entry := range lineage {
		if entry.CutoffEventID != nil && ids.Less(*entry.CutoffEventID, eventID) {
			continue
		}
		batch, err := l.store.FindBranchEvents(ctx, runID, entry.BranchID, eventID, nil)
		if err != nil {
			return false, errors.Wrapf(err, "checking branch %s for cutoff", entry.BranchID)
		}
		if len(batch) > 0 && batch[len(batch)-1].ID == eventID {
			return true, nil
		}
	}
	return false, nil
}

// validateLineage checks the structural invariants of a lineage: it is
// non-empty, only the final entry is uncapped, branch ids do not repeat,
// and cutoffs never decrease.
func validateLineage(lineage []store.LineageEntry) error {
	if len(lineage) == 0 {
		return &errors.FatalError{Operation: "lineage", Message: "lineage is empty"}
	}

	seen := make(map[string]bool, len(lineage))
	prevCutoff := ""
	for i, entry := range lineage {
		if entry.BranchID == "" {
			return &errors.FatalError{Operation: "lineage", Message: "lineage entry has no branch id"}
		}
		if seen[entry.BranchID] {
			return &errors.FatalError{
				Operation: "lineage",
				Message:   "branch " + entry.BranchID + " appears twice in lineage",
			}
		}
		seen[entry.BranchID] = true

		last := i == len(lineage)-1
		if last {
			if entry.CutoffEventID != nil {
				return &errors.FatalError{Operation: "lineage", Message: "lineage tail must be uncapped"}
			}
			continue
		}
		if entry.CutoffEventID == nil {
			return &errors.FatalError{Operation: "lineage", Message: "non-tail lineage entry is uncapped"}
		}
		if prevCutoff != "" && ids.Less(*entry.CutoffEventID, prevCutoff) {
			return &errors.FatalError{
				Operation: "lineage",
				Message:   "lineage cutoffs decrease at branch " + entry.BranchID,
			}
		}
		prevCutoff = *entry.CutoffEventID
	}
	return nil
}
