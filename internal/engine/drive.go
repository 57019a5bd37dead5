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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/ensemble/internal/addons"
	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/metrics"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/resolver"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/pkg/errors"
)

type driveOpts struct {
	target *Target
	mock   bool
}

// drive walks the workflow from the first incomplete module, executing
// until it completes, suspends on an interaction, halts before a target,
// or fails. The caller holds the run gate and the run is in processing.
func (e *Engine) drive(ctx context.Context, runID string, opts driveOpts) (*Response, error) {
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
	if rs.pending != nil {
		if err := e.transition(ctx, run.ID, store.RunStatusProcessing, store.RunStatusAwaitingInput); err != nil {
			return nil, err
		}
		return &Response{
			RunID:              run.ID,
			Status:             store.RunStatusAwaitingInput,
			Message:            "run is awaiting a response to a pending interaction",
			InteractionRequest: requestFromMap(rs.pending.Request),
			Progress:           e.progress(wf, rs, rs.pending.StepID, rs.pending.ModuleName),
		}, nil
	}

	logger := log.WithRunContext(e.logger, run.ID, run.CurrentBranchID)

	for _, step := range wf.Steps {
		stepEntered := false
		for mi := range step.Modules {
			mod := &step.Modules[mi]
			name := mod.DisplayName()
			if rs.completed(step.StepID, name) {
				continue
			}
			if opts.target != nil && opts.target.StepID == step.StepID && opts.target.ModuleName == name {
				if err := e.transition(ctx, run.ID, store.RunStatusProcessing, store.RunStatusAwaitingInput); err != nil {
					return nil, err
				}
				return &Response{
					RunID:    run.ID,
					Status:   store.RunStatusAwaitingInput,
					Message:  "halted before " + step.StepID + "/" + name,
					Progress: e.progress(wf, rs, step.StepID, name),
				}, nil
			}

			if !stepEntered {
				stepEntered = true
				if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeStepStarted, step.StepID, "", nil); err != nil {
					return nil, err
				}
				metrics.EventsAppended.Inc()
			}

			resp, err := e.execModule(ctx, run, wf, rs, &step, mod, opts, logger)
			if err != nil || resp != nil {
				return resp, err
			}
		}
		if stepEntered {
			if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeStepCompleted, step.StepID, "", nil); err != nil {
				return nil, err
			}
			metrics.EventsAppended.Inc()
		}
	}

	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeWorkflowCompleted, "", "", nil); err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()
	if err := e.transition(ctx, run.ID, store.RunStatusProcessing, store.RunStatusCompleted); err != nil {
		return nil, err
	}
	metrics.RunsFinished.WithLabelValues(string(store.RunStatusCompleted)).Inc()
	logger.InfoContext(ctx, "workflow run completed")

	return &Response{
		RunID:  run.ID,
		Status: store.RunStatusCompleted,
		Result: rs.state,
		Progress: &Progress{
			CompletedSteps: len(wf.Steps),
			TotalSteps:     len(wf.Steps),
			StepIndex:      len(wf.Steps),
		},
	}, nil
}

// execModule dispatches one module. A nil, nil return means execution
// stored outputs and the drive loop continues; a non-nil response ends
// the drive (suspension or module failure).
func (e *Engine) execModule(ctx context.Context, run *store.Run, wf *version.Workflow, rs *runState, step *version.Step, mod *version.Module, opts driveOpts, logger *slog.Logger) (*Response, error) {
	name := mod.DisplayName()
	ctx, span := e.tracer.Start(ctx, "engine.module",
		trace.WithAttributes(
			attribute.String("run_id", run.ID),
			attribute.String("step_id", step.StepID),
			attribute.String("module", name),
		))
	defer span.End()

	desc, err := e.registry.New(mod.ModuleID)
	if err != nil {
		return e.failRun(ctx, run, wf, rs, step.StepID, name, err)
	}

	inputs := e.resolveInputs(mod, rs, step.StepID)
	rctx := e.runContext(run, rs, step.StepID, name, opts.mock)

	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeModuleStarted, step.StepID, name, nil); err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()

	if interactive, ok := desc.(module.Interactive); ok {
		request, err := interactive.GetInteractionRequest(ctx, inputs, rctx)
		if err != nil {
			return e.failRun(ctx, run, wf, rs, step.StepID, name, err)
		}
		if request.InteractionID == "" {
			request.InteractionID = ids.New()
		}
		if len(request.Options) > 0 && len(mod.Addons) > 0 {
			decorated, err := e.addons.Decorate(ctx, addonRefs(mod.Addons), request.Options, &addons.RunContext{
				RunID:      run.ID,
				TemplateID: run.TemplateID,
				StepID:     step.StepID,
				ModuleName: name,
			})
			if err != nil {
				return e.failRun(ctx, run, wf, rs, step.StepID, name, err)
			}
			request.Options = decorated
		}

		if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeInteractionRequested, step.StepID, name, map[string]any{
			"interaction_id": request.InteractionID,
			"request":        toMap(request),
		}); err != nil {
			return nil, err
		}
		metrics.EventsAppended.Inc()
		if err := e.transition(ctx, run.ID, store.RunStatusProcessing, store.RunStatusAwaitingInput); err != nil {
			return nil, err
		}
		logger.InfoContext(ctx, "run suspended on interaction",
			log.StepIDKey, step.StepID, log.ModuleKey, name, "interaction_id", request.InteractionID)
		return &Response{
			RunID:              run.ID,
			Status:             store.RunStatusAwaitingInput,
			InteractionRequest: request,
			Progress:           e.progress(wf, rs, step.StepID, name),
		}, nil
	}

	executable, ok := desc.(module.Executable)
	if !ok {
		return e.failRun(ctx, run, wf, rs, step.StepID, name, &errors.ModuleError{
			StepID:  step.StepID,
			Module:  name,
			Kind:    "not_executable",
			Message: "module " + mod.ModuleID + " supports neither execution nor interaction",
		})
	}

	var outputs map[string]any
	if opts.mock {
		outputs = module.SynthesizeOutputs(desc.OutputSchema())
	} else {
		outputs, err = executable.Execute(ctx, inputs, rctx)
		if err != nil {
			return e.failRun(ctx, run, wf, rs, step.StepID, name, err)
		}
	}
	return nil, e.storeOutputs(ctx, run, rs, step.StepID, name, mod, outputs)
}

// storeOutputs persists a module's outputs and folds them into the live
// run state so later modules in the same drive see them.
func (e *Engine) storeOutputs(ctx context.Context, run *store.Run, rs *runState, stepID, name string, mod *version.Module, outputs map[string]any) error {
	if outputs == nil {
		outputs = map[string]any{}
	}
	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeOutputStored, stepID, name, map[string]any{
		"outputs": outputs,
	}); err != nil {
		return err
	}
	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeModuleCompleted, stepID, name, nil); err != nil {
		return err
	}
	metrics.EventsAppended.Add(2)

	rs.setOutputs(stepID, name, outputs)
	for outKey, stateKey := range mod.OutputsToState {
		if v, ok := outputs[outKey]; ok {
			rs.state[stateKey] = v
		}
	}
	return nil
}

// failRun records a module failure and parks the run in error. Module
// failures are part of the protocol, not transport errors, so the Go
// error return stays nil.
func (e *Engine) failRun(ctx context.Context, run *store.Run, wf *version.Workflow, rs *runState, stepID, name string, cause error) (*Response, error) {
	info := classify(stepID, name, cause)
	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeModuleError, stepID, name, map[string]any{
		"error_type": info.Type,
		"message":    info.Message,
		"details":    info.Details,
	}); err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()
	if err := e.transition(ctx, run.ID, store.RunStatusProcessing, store.RunStatusError); err != nil {
		return nil, err
	}
	metrics.RunsFinished.WithLabelValues(string(store.RunStatusError)).Inc()
	e.logger.ErrorContext(ctx, "module failed",
		log.RunIDKey, run.ID, log.StepIDKey, stepID, log.ModuleKey, name, log.Error(cause))

	return &Response{
		RunID:    run.ID,
		Status:   store.RunStatusError,
		Error:    info,
		Progress: e.progress(wf, rs, stepID, name),
	}, nil
}

// completeInteraction runs the pending interactive module with the
// client's response and stores its outputs. A non-nil response ends the
// call early (module failure); nil, nil lets the caller resume driving.
func (e *Engine) completeInteraction(ctx context.Context, run *store.Run, _ *store.Version, wf *version.Workflow, rs *runState, resp *module.InteractionResponse) (*Response, error) {
	pending := rs.pending
	mod := findModule(wf, pending.StepID, pending.ModuleName)
	if mod == nil {
		return e.failRun(ctx, run, wf, rs, pending.StepID, pending.ModuleName, &errors.ModuleError{
			StepID:  pending.StepID,
			Module:  pending.ModuleName,
			Kind:    "missing_definition",
			Message: "current workflow version no longer defines this module",
		})
	}

	desc, err := e.registry.New(mod.ModuleID)
	if err != nil {
		return e.failRun(ctx, run, wf, rs, pending.StepID, pending.ModuleName, err)
	}
	interactive, ok := desc.(module.Interactive)
	if !ok {
		return e.failRun(ctx, run, wf, rs, pending.StepID, pending.ModuleName, &errors.ModuleError{
			StepID:  pending.StepID,
			Module:  pending.ModuleName,
			Kind:    "not_interactive",
			Message: "module " + mod.ModuleID + " cannot consume an interaction response",
		})
	}

	inputs := e.resolveInputs(mod, rs, pending.StepID)
	rctx := e.runContext(run, rs, pending.StepID, pending.ModuleName, false)

	outputs, err := interactive.ExecuteWithResponse(ctx, inputs, rctx, resp)
	if err != nil {
		return e.failRun(ctx, run, wf, rs, pending.StepID, pending.ModuleName, err)
	}
	if err := e.storeOutputs(ctx, run, rs, pending.StepID, pending.ModuleName, mod, outputs); err != nil {
		return nil, err
	}
	rs.pending = nil

	if len(resp.SelectedIndices) > 0 && len(mod.Addons) > 0 {
		if request := requestFromMap(pending.Request); request != nil && len(request.Options) > 0 {
			e.addons.NotifySelection(ctx, addonRefs(mod.Addons), request.Options, resp.SelectedIndices, &addons.RunContext{
				RunID:      run.ID,
				TemplateID: run.TemplateID,
				StepID:     pending.StepID,
				ModuleName: pending.ModuleName,
			})
		}
	}
	return nil, nil
}

// resolveInputs materializes a module's templated inputs against the
// replayed state, honoring any resolver schema.
func (e *Engine) resolveInputs(mod *version.Module, rs *runState, stepID string) map[string]any {
	rctx := resolver.Context{
		State:  rs.state,
		Module: rs.outputsEnv(),
		Step:   rs.stepEnv(stepID),
		Config: rs.config,
	}
	schema, _ := mod.Inputs[resolver.SchemaKey].(map[string]any)
	return e.resolver.ResolveWithSchema(mod.Inputs, schema, rctx)
}

func (e *Engine) runContext(run *store.Run, rs *runState, stepID, name string, mock bool) *module.RunContext {
	return &module.RunContext{
		RunID:      run.ID,
		BranchID:   run.CurrentBranchID,
		StepID:     stepID,
		ModuleName: name,
		State:      rs.state,
		Outputs:    rs.outputsEnv(),
		Config:     rs.config,
		Mock:       mock,
	}
}

// progress locates the run inside the workflow for responses.
func (e *Engine) progress(wf *version.Workflow, rs *runState, stepID, moduleName string) *Progress {
	completedSteps := 0
	stepIndex := 0
	for i, step := range wf.Steps {
		done := true
		for mi := range step.Modules {
			if !rs.completed(step.StepID, step.Modules[mi].DisplayName()) {
				done = false
				break
			}
		}
		if done {
			completedSteps++
		}
		if step.StepID == stepID {
			stepIndex = i
		}
	}
	return &Progress{
		CurrentStep:    stepID,
		CurrentModule:  moduleName,
		CompletedSteps: completedSteps,
		TotalSteps:     len(wf.Steps),
		StepIndex:      stepIndex,
	}
}

func classify(stepID, name string, err error) *ErrorInfo {
	info := &ErrorInfo{Type: errors.Classify(err), Message: err.Error()}
	var merr *errors.ModuleError
	if errors.As(err, &merr) {
		info.Details = map[string]any{"kind": merr.Kind}
		for k, v := range merr.Details {
			info.Details[k] = v
		}
		var verrs *errors.ValidationErrors
		if errors.As(merr.Cause, &verrs) {
			issues := make([]any, 0, len(verrs.Errors))
			for _, ve := range verrs.Errors {
				issues = append(issues, map[string]any{"path": ve.Path, "message": ve.Message})
			}
			info.Details["validation_errors"] = issues
		}
	}
	if info.Details == nil {
		info.Details = map[string]any{}
	}
	info.Details["step_id"] = stepID
	info.Details["module"] = name
	return info
}

func findModule(wf *version.Workflow, stepID, moduleName string) *version.Module {
	for si := range wf.Steps {
		if wf.Steps[si].StepID != stepID {
			continue
		}
		for mi := range wf.Steps[si].Modules {
			if wf.Steps[si].Modules[mi].DisplayName() == moduleName {
				return &wf.Steps[si].Modules[mi]
			}
		}
	}
	return nil
}

func addonRefs(refs []version.AddonRef) []addons.Ref {
	out := make([]addons.Ref, len(refs))
	for i, r := range refs {
		out[i] = addons.Ref{AddonID: r.AddonID, Priority: r.Priority, Inputs: r.Inputs}
	}
	return out
}
