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

// Package engine drives workflow runs: it walks the resolved workflow's
// steps and modules, resolves templated inputs from replayed lineage
// state, suspends on interactive modules, and records every observable
// transition as an event append.
//
// The engine is single-threaded per run. A process-wide advisory gate
// plus an optimistic status swap on the run document guarantee that a
// concurrent call on the same run loses with a busy error instead of
// interleaving.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
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

// Engine executes workflow runs against a document store.
type Engine struct {
	store    store.Store
	events   *events.Log
	versions *version.Service
	registry *module.Registry
	resolver *resolver.Resolver
	addons   *addons.Pipeline
	logger   *slog.Logger
	tracer   trace.Tracer

	gate runGate
}

// New wires an engine over its collaborators.
func New(st store.Store, evs *events.Log, versions *version.Service, registry *module.Registry, res *resolver.Resolver, pipeline *addons.Pipeline, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		events:   evs,
		versions: versions,
		registry: registry,
		resolver: res,
		addons:   pipeline,
		logger:   log.WithComponent(logger, "engine"),
		tracer:   otel.Tracer("github.com/tombee/ensemble/internal/engine"),
		gate:     runGate{held: map[string]struct{}{}},
	}
}

// runGate is the process-wide advisory mutex keyed by run id.
type runGate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (g *runGate) tryAcquire(runID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.held[runID]; taken {
		return false
	}
	g.held[runID] = struct{}{}
	return true
}

func (g *runGate) release(runID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.held, runID)
}

// Start creates and drives a new run of a registered version.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Start",
		trace.WithAttributes(attribute.String("version_id", req.VersionID)))
	defer span.End()

	ver, err := e.versions.GetVersion(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	if ver.VersionType == store.VersionTypeUnresolved {
		return nil, &errors.ValidationError{
			Path:    "version_id",
			Message: "version " + req.VersionID + " is unresolved and not runnable",
		}
	}

	if _, err := version.Decode(ver.Resolved); err != nil {
		if verrs := asValidationErrors(err); verrs != nil {
			return &Response{Status: store.RunStatusValidationFailed, ValidationErrors: verrs}, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	branchID := ids.New()
	run := &store.Run{
		ID:               ids.New(),
		TemplateID:       ver.TemplateID,
		UserID:           req.UserID,
		CurrentVersionID: ver.ID,
		CurrentBranchID:  branchID,
		ProjectName:      req.ProjectName,
		Status:           store.RunStatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.store.InsertRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "creating run")
	}
	if err := e.store.InsertBranch(ctx, &store.Branch{
		ID:        branchID,
		RunID:     run.ID,
		Lineage:   []store.LineageEntry{{BranchID: branchID}},
		CreatedAt: now,
	}); err != nil {
		return nil, errors.Wrap(err, "creating root branch")
	}

	created := map[string]any{"project_name": req.ProjectName}
	if req.Config != nil {
		created["config"] = req.Config
	}
	if _, err := e.events.Append(ctx, run.ID, branchID, ver.ID, events.TypeWorkflowCreated, "", "", created); err != nil {
		return nil, err
	}
	metrics.RunsStarted.Inc()
	span.SetAttributes(attribute.String("run_id", run.ID))

	if !e.gate.tryAcquire(run.ID) {
		return nil, &errors.BusyError{RunID: run.ID}
	}
	defer e.gate.release(run.ID)

	if err := e.transition(ctx, run.ID, store.RunStatusCreated, store.RunStatusProcessing); err != nil {
		return nil, err
	}
	return e.drive(ctx, run.ID, driveOpts{target: req.Target, mock: req.Mock})
}

// Respond resumes a suspended run with the answer to its pending
// interaction. Control flags on the response (retry, jump-back) fork a
// new branch instead of storing outputs.
func (e *Engine) Respond(ctx context.Context, req RespondRequest) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Respond",
		trace.WithAttributes(attribute.String("run_id", req.RunID)))
	defer span.End()

	if req.Response == nil {
		return nil, &errors.ValidationError{Path: "response", Message: "response is required"}
	}

	if !e.gate.tryAcquire(req.RunID) {
		return nil, &errors.BusyError{RunID: req.RunID}
	}
	defer e.gate.release(req.RunID)

	run, err := e.getRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, run.ID, store.RunStatusAwaitingInput, store.RunStatusProcessing); err != nil {
		return nil, err
	}

	if req.UpdatedWorkflow != nil {
		if err := e.updateVersion(ctx, run, req.UpdatedWorkflow); err != nil {
			e.revert(ctx, run.ID, store.RunStatusAwaitingInput)
			return nil, err
		}
		run, err = e.getRun(ctx, req.RunID)
		if err != nil {
			return nil, err
		}
	}

	wf, ver, err := e.loadWorkflow(ctx, run)
	if err != nil {
		return nil, err
	}

	rs, err := e.replay(ctx, run, wf)
	if err != nil {
		return nil, err
	}
	if rs.pending == nil {
		e.revert(ctx, run.ID, store.RunStatusAwaitingInput)
		return nil, &errors.ValidationError{Path: "interaction_id", Message: "run has no pending interaction"}
	}
	if rs.pending.InteractionID != req.InteractionID {
		e.revert(ctx, run.ID, store.RunStatusAwaitingInput)
		return nil, &errors.ValidationError{
			Path:    "interaction_id",
			Message: "interaction " + req.InteractionID + " is not the pending interaction",
		}
	}

	// Cancellation abandons the attempt: the request stays pending and
	// no event is appended.
	if req.Response.Cancelled {
		e.revert(ctx, run.ID, store.RunStatusAwaitingInput)
		return &Response{
			RunID:              run.ID,
			Status:             store.RunStatusAwaitingInput,
			Message:            "interaction cancelled",
			InteractionRequest: requestFromMap(rs.pending.Request),
		}, nil
	}

	req.Response.InteractionID = req.InteractionID
	respEventID, err := e.events.Append(ctx, run.ID, "", "", events.TypeInteractionResponse,
		rs.pending.StepID, rs.pending.ModuleName,
		map[string]any{"interaction_id": req.InteractionID, "response": toMap(req.Response)})
	if err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()

	if req.Response.RetryRequested || req.Response.JumpBackRequested {
		if _, err := e.events.Fork(ctx, run.ID, run.CurrentBranchID, respEventID); err != nil {
			return nil, err
		}
		return e.drive(ctx, run.ID, driveOpts{target: req.Target, mock: req.Mock})
	}

	resp, err := e.completeInteraction(ctx, run, ver, wf, rs, req.Response)
	if err != nil || resp != nil {
		return resp, err
	}
	return e.drive(ctx, run.ID, driveOpts{target: req.Target, mock: req.Mock})
}

// Resume continues a run that halted before a target. Runs suspended on
// an interaction resume through Respond instead.
func (e *Engine) Resume(ctx context.Context, runID string, target *Target, mock bool) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Resume",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	if !e.gate.tryAcquire(runID) {
		return nil, &errors.BusyError{RunID: runID}
	}
	defer e.gate.release(runID)

	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, run.ID, store.RunStatusAwaitingInput, store.RunStatusProcessing); err != nil {
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
		e.revert(ctx, run.ID, store.RunStatusAwaitingInput)
		return nil, &errors.ValidationError{
			Path:    "workflow_run_id",
			Message: "run is suspended on an interaction; answer it through respond",
		}
	}

	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeWorkflowResumed, "", "", nil); err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()
	return e.drive(ctx, run.ID, driveOpts{target: target, mock: mock})
}

// Recover re-drives a run stranded in processing by a crashed process.
// The advisory gate only protects within one process, so recovery is
// explicit rather than automatic.
func (e *Engine) Recover(ctx context.Context, runID string) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Recover",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	if !e.gate.tryAcquire(runID) {
		return nil, &errors.BusyError{RunID: runID}
	}
	defer e.gate.release(runID)

	run, err := e.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunStatusProcessing {
		return nil, &errors.ValidationError{
			Path:    "workflow_run_id",
			Message: "only runs stuck in processing can be recovered",
		}
	}

	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeWorkflowRecovered, "", "", nil); err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()
	e.logger.InfoContext(ctx, "recovering stranded run", log.RunIDKey, run.ID)
	return e.drive(ctx, run.ID, driveOpts{})
}

// Retry re-executes the named step groups from a fresh branch. It is
// callable from both error and awaiting_input states.
func (e *Engine) Retry(ctx context.Context, req RetryRequest) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Retry",
		trace.WithAttributes(attribute.String("run_id", req.RunID)))
	defer span.End()

	if !e.gate.tryAcquire(req.RunID) {
		return nil, &errors.BusyError{RunID: req.RunID}
	}
	defer e.gate.release(req.RunID)

	run, err := e.getRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}

	swapped, err := e.store.CompareAndSwapRunStatus(ctx, run.ID, store.RunStatusError, store.RunStatusProcessing)
	if err != nil {
		return nil, err
	}
	if !swapped {
		if err := e.transition(ctx, run.ID, store.RunStatusAwaitingInput, store.RunStatusProcessing); err != nil {
			return nil, err
		}
	}

	data := map[string]any{"feedback": req.Feedback}
	if len(req.Groups) > 0 {
		groups := make([]any, len(req.Groups))
		for i, g := range req.Groups {
			groups[i] = g
		}
		data["groups"] = groups
	}
	retryEventID, err := e.events.Append(ctx, run.ID, "", "", events.TypeRetryRequested, "", "", data)
	if err != nil {
		return nil, err
	}
	metrics.EventsAppended.Inc()

	if _, err := e.events.Fork(ctx, run.ID, run.CurrentBranchID, retryEventID); err != nil {
		return nil, err
	}
	return e.drive(ctx, run.ID, driveOpts{mock: req.Mock})
}

// updateVersion applies a mid-run workflow update: register the new
// workflow if unseen, link the run to it, and record the switch.
func (e *Engine) updateVersion(ctx context.Context, run *store.Run, workflow map[string]any) error {
	result, err := e.versions.Register(ctx, run.UserID, workflow, nil)
	if err != nil {
		return err
	}
	if result.VersionType == store.VersionTypeUnresolved {
		return &errors.ValidationError{
			Path:    "workflow",
			Message: "mid-run updates require a resolved workflow without execution groups",
		}
	}
	if result.VersionID == run.CurrentVersionID {
		return nil
	}

	previous := run.CurrentVersionID
	run.CurrentVersionID = result.VersionID
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return errors.Wrap(err, "switching run version")
	}
	if _, err := e.events.Append(ctx, run.ID, "", "", events.TypeVersionUpdated, "", "", map[string]any{
		"previous_version_id": previous,
		"version_id":          result.VersionID,
	}); err != nil {
		return err
	}
	metrics.EventsAppended.Inc()
	e.logger.InfoContext(ctx, "run switched to updated workflow version",
		log.RunIDKey, run.ID, "previous_version_id", previous, "version_id", result.VersionID)
	return nil
}

func (e *Engine) getRun(ctx context.Context, runID string) (*store.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "workflow_run", ID: runID}
	}
	return run, err
}

func (e *Engine) loadWorkflow(ctx context.Context, run *store.Run) (*version.Workflow, *store.Version, error) {
	ver, err := e.versions.GetVersion(ctx, run.CurrentVersionID)
	if err != nil {
		return nil, nil, err
	}
	wf, err := version.Decode(ver.Resolved)
	if err != nil {
		return nil, nil, err
	}
	return wf, ver, nil
}

// transition swaps the run status, mapping a lost race to BusyError.
func (e *Engine) transition(ctx context.Context, runID string, from, to store.RunStatus) error {
	swapped, err := e.store.CompareAndSwapRunStatus(ctx, runID, from, to)
	if err != nil {
		return err
	}
	if !swapped {
		return &errors.BusyError{RunID: runID}
	}
	return nil
}

// revert restores a status after a rejected call; failures are logged,
// not propagated, because the caller already has a better error.
func (e *Engine) revert(ctx context.Context, runID string, to store.RunStatus) {
	if _, err := e.store.CompareAndSwapRunStatus(ctx, runID, store.RunStatusProcessing, to); err != nil {
		e.logger.WarnContext(ctx, "could not restore run status", log.RunIDKey, runID, log.Error(err))
	}
}

func asValidationErrors(err error) []*errors.ValidationError {
	var many *errors.ValidationErrors
	if errors.As(err, &many) {
		return many.Errors
	}
	var one *errors.ValidationError
	if errors.As(err, &one) {
		return []*errors.ValidationError{one}
	}
	return nil
}
