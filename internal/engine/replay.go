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
	"encoding/json"

	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
)

// pendingInteraction is the last interaction_requested on a lineage with
// no matching interaction_response.
type pendingInteraction struct {
	InteractionID string
	StepID        string
	ModuleName    string
	Request       map[string]any
	EventID       string
	RequestedAt   string
}

// runState is the engine's view of a run reconstructed from its lineage:
// the latest outputs per (step, module), the accumulated state, the
// run-level config, and the pending interaction.
type runState struct {
	// outputs maps step id to module name to that module's outputs.
	outputs map[string]map[string]map[string]any
	// state accumulates outputs_to_state mappings in workflow order.
	state   map[string]any
	config  map[string]any
	pending *pendingInteraction
}

// replay reconstructs run state from the current branch's lineage.
// Retry and jump-back markers in the log mask the outputs of the steps
// they discard, so a replay after a fork shows the pre-retry state.
func (e *Engine) replay(ctx context.Context, run *store.Run, wf *version.Workflow) (*runState, error) {
	lineage, err := e.events.CurrentLineage(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	evs, err := e.events.LineageEvents(ctx, run.ID, lineage)
	if err != nil {
		return nil, err
	}
	return buildRunState(evs, wf), nil
}

func buildRunState(evs []*store.Event, wf *version.Workflow) *runState {
	rs := &runState{
		outputs: map[string]map[string]map[string]any{},
		state:   map[string]any{},
	}

	for _, ev := range evs {
		switch ev.Type {
		case events.TypeWorkflowCreated:
			if cfg, ok := ev.Data["config"].(map[string]any); ok {
				rs.config = cfg
			}
		case events.TypeOutputStored:
			outputs, _ := ev.Data["outputs"].(map[string]any)
			rs.setOutputs(ev.StepID, ev.ModuleName, outputs)
		case events.TypeInteractionRequested:
			id, _ := ev.Data["interaction_id"].(string)
			request, _ := ev.Data["request"].(map[string]any)
			rs.pending = &pendingInteraction{
				InteractionID: id,
				StepID:        ev.StepID,
				ModuleName:    ev.ModuleName,
				Request:       request,
				EventID:       ev.ID,
				RequestedAt:   ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			}
		case events.TypeInteractionResponse:
			id, _ := ev.Data["interaction_id"].(string)
			if rs.pending != nil && rs.pending.InteractionID == id {
				rs.pending = nil
			}
			resp, _ := ev.Data["response"].(map[string]any)
			rs.applyMasks(resp, ev.StepID, wf)
		case events.TypeRetryRequested:
			rs.maskGroups(toStrings(ev.Data["groups"]), ev.StepID)
		case events.TypeJumpBackRequested:
			target, _ := ev.Data["target"].(string)
			rs.maskFromStep(target, wf)
		}
	}

	// State accumulates in workflow order, not event order, so a later
	// module's mapping never shadows an earlier key unexpectedly.
	for _, step := range wf.Steps {
		for _, mod := range step.Modules {
			outputs := rs.moduleOutputs(step.StepID, mod.DisplayName())
			if outputs == nil {
				continue
			}
			for outKey, stateKey := range mod.OutputsToState {
				if v, ok := outputs[outKey]; ok {
					rs.state[stateKey] = v
				}
			}
		}
	}
	return rs
}

// applyMasks drops outputs discarded by retry or jump-back control flags
// on a response.
func (rs *runState) applyMasks(resp map[string]any, respStep string, wf *version.Workflow) {
	if resp == nil {
		return
	}
	if retry, _ := resp["retry_requested"].(bool); retry {
		rs.maskGroups(toStrings(resp["retry_groups"]), respStep)
	}
	if jump, _ := resp["jump_back_requested"].(bool); jump {
		target, _ := resp["jump_back_target"].(string)
		rs.maskFromStep(target, wf)
	}
}

// maskGroups discards the outputs of the named steps; with no names it
// discards the step the marker was raised in.
func (rs *runState) maskGroups(groups []string, fallbackStep string) {
	if len(groups) == 0 && fallbackStep != "" {
		groups = []string{fallbackStep}
	}
	for _, g := range groups {
		delete(rs.outputs, g)
	}
}

// maskFromStep discards the outputs of the target step and every step
// after it.
func (rs *runState) maskFromStep(target string, wf *version.Workflow) {
	if target == "" {
		return
	}
	masking := false
	for _, step := range wf.Steps {
		if step.StepID == target {
			masking = true
		}
		if masking {
			delete(rs.outputs, step.StepID)
		}
	}
}

func (rs *runState) setOutputs(stepID, moduleName string, outputs map[string]any) {
	if rs.outputs[stepID] == nil {
		rs.outputs[stepID] = map[string]map[string]any{}
	}
	rs.outputs[stepID][moduleName] = outputs
}

func (rs *runState) moduleOutputs(stepID, moduleName string) map[string]any {
	return rs.outputs[stepID][moduleName]
}

func (rs *runState) completed(stepID, moduleName string) bool {
	_, ok := rs.outputs[stepID][moduleName]
	return ok
}

// outputsEnv is the resolver's "module" mapping: step id to module name
// to outputs.
func (rs *runState) outputsEnv() map[string]any {
	out := make(map[string]any, len(rs.outputs))
	for stepID, mods := range rs.outputs {
		stepOut := make(map[string]any, len(mods))
		for name, outputs := range mods {
			stepOut[name] = outputs
		}
		out[stepID] = stepOut
	}
	return out
}

// stepEnv is the resolver's "step" mapping: the current step's outputs
// by module name.
func (rs *runState) stepEnv(stepID string) map[string]any {
	mods := rs.outputs[stepID]
	out := make(map[string]any, len(mods))
	for name, outputs := range mods {
		out[name] = outputs
	}
	return out
}

func toStrings(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// toMap serializes a typed value into the map form stored in event data.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// requestFromMap restores an interaction request stored in event data.
func requestFromMap(m map[string]any) *module.InteractionRequest {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var req module.InteractionRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil
	}
	return &req
}
