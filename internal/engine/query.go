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

package engine

import (
	"context"
	"time"

	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/pkg/errors"
)

// State is a read-only snapshot of a run reconstructed from its current
// branch lineage.
type State struct {
	RunID           string                     `json:"workflow_run_id"`
	Status          string                     `json:"status"`
	VersionID       string                     `json:"version_id"`
	BranchID        string                     `json:"branch_id"`
	ProjectName     string                     `json:"project_name,omitempty"`
	State           map[string]any             `json:"state"`
	Outputs         map[string]any             `json:"module_outputs"`
	Config          map[string]any             `json:"config,omitempty"`
	Progress        *Progress                  `json:"progress,omitempty"`
	PendingRequest  *module.InteractionRequest `json:"interaction_request,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// GetState replays the run's lineage without mutating anything.
func (e *Engine) GetState(ctx context.Context, runID string) (*State, error) {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, _, err := e.loadWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}
	rs, err := e.replay(ctx, run, wf)
	if err != nil {
		return nil, err
	}

	snap := &State{
		RunID:       run.ID,
		Status:      string(run.Status),
		VersionID:   run.CurrentVersionID,
		BranchID:    run.CurrentBranchID,
		ProjectName: run.ProjectName,
		State:       rs.state,
		Outputs:     rs.outputsEnv(),
		Config:      rs.config,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
	if rs.pending != nil {
		snap.PendingRequest = requestFromMap(rs.pending.Request)
		snap.Progress = e.progress(wf, rs, rs.pending.StepID, rs.pending.ModuleName)
	}
	return snap, nil
}

// GetInteractionHistory pairs interaction requests with their responses
// along the current lineage.
func (e *Engine) GetInteractionHistory(ctx context.Context, runID string) (*History, error) {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	lineage, err := e.events.CurrentLineage(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	evs, err := e.events.LineageEvents(ctx, run.ID, lineage,
		events.TypeInteractionRequested, events.TypeInteractionResponse)
	if err != nil {
		return nil, err
	}

	const stamp = "2006-01-02T15:04:05.000Z07:00"
	byID := map[string]*InteractionRecord{}
	order := []string{}
	for _, ev := range evs {
		id, _ := ev.Data["interaction_id"].(string)
		if id == "" {
			continue
		}
		switch ev.Type {
		case events.TypeInteractionRequested:
			request, _ := ev.Data["request"].(map[string]any)
			byID[id] = &InteractionRecord{
				InteractionID: id,
				StepID:        ev.StepID,
				ModuleName:    ev.ModuleName,
				Request:       request,
				RequestedAt:   ev.Timestamp.UTC().Format(stamp),
			}
			order = append(order, id)
		case events.TypeInteractionResponse:
			rec, ok := byID[id]
			if !ok {
				continue
			}
			rec.Response, _ = ev.Data["response"].(map[string]any)
			rec.RespondedAt = ev.Timestamp.UTC().Format(stamp)
		}
	}

	history := &History{}
	for _, id := range order {
		rec := byID[id]
		if rec.RespondedAt == "" {
			// At most one unanswered request exists per lineage.
			history.Pending = rec
			continue
		}
		history.Completed = append(history.Completed, *rec)
	}
	return history, nil
}

// SubAction streams a side effect of the run's pending interaction, such
// as watching a queued media generation. The interaction id must match
// the pending interaction and the hosting module must support
// sub-actions.
func (e *Engine) SubAction(ctx context.Context, runID, interactionID, actionID string, params map[string]any) (<-chan module.SubActionEvent, error) {
	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	wf, _, err := e.loadWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}
	rs, err := e.replay(ctx, run, wf)
	if err != nil {
		return nil, err
	}
	if rs.pending == nil {
		return nil, &errors.ValidationError{Path: "run", Message: "run has no pending interaction to act on"}
	}
	if interactionID != rs.pending.InteractionID {
		return nil, &errors.ValidationError{
			Path:    "interaction_id",
			Message: "interaction " + interactionID + " is not the pending interaction",
		}
	}

	mod := findModule(wf, rs.pending.StepID, rs.pending.ModuleName)
	if mod == nil {
		return nil, &errors.NotFoundError{Resource: "module", ID: rs.pending.ModuleName}
	}
	desc, err := e.registry.New(mod.ModuleID)
	if err != nil {
		return nil, err
	}
	host, ok := desc.(module.SubActionHost)
	if !ok {
		return nil, &errors.ValidationError{
			Path:    "action_id",
			Message: "module " + mod.ModuleID + " does not support sub-actions",
		}
	}

	if params == nil {
		params = map[string]any{}
	}
	if request := requestFromMap(rs.pending.Request); request != nil && request.Media != nil {
		if _, ok := params["task_id"]; !ok && request.Media.TaskID != "" {
			params["task_id"] = request.Media.TaskID
		}
	}
	return host.RunSubAction(ctx, actionID, params, e.runContext(run, rs, rs.pending.StepID, rs.pending.ModuleName, false))
}
