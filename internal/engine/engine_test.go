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
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/addons"
	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/resolver"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/pkg/errors"
)

type testEnv struct {
	st       *store.Memory
	eng      *Engine
	versions *version.Service
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evs := events.New(st, logger)
	versions := version.NewService(st, logger)
	q := queue.New(st, logger)
	registry := module.NewRegistry(module.Builtins(q))
	pipeline := addons.NewPipeline(addons.Builtins(st), logger)
	eng := New(st, evs, versions, registry, resolver.New(logger), pipeline, logger)
	return &testEnv{st: st, eng: eng, versions: versions}
}

func (env *testEnv) register(t *testing.T, doc string) string {
	t.Helper()
	var wf map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &wf))
	result, err := env.versions.Register(context.Background(), "user-1", wf, nil)
	require.NoError(t, err)
	return result.VersionID
}

const linearWorkflow = `{
	"workflow_id": "linear",
	"steps": [
		{"step_id": "s1", "modules": [
			{"module_id": "static_output", "name": "seed",
			 "inputs": {"greeting": "hello"},
			 "outputs_to_state": {"greeting": "greeting"}}
		]},
		{"step_id": "s2", "modules": [
			{"module_id": "static_output", "name": "echo",
			 "inputs": {"repeated": "{{ state.greeting }} again"},
			 "outputs_to_state": {"repeated": "final"}}
		]}
	]
}`

const interactiveWorkflow = `{
	"workflow_id": "interactive",
	"steps": [
		{"step_id": "ask", "modules": [
			{"module_id": "text_input", "name": "question",
			 "inputs": {"prompt": "Name the project"},
			 "outputs_to_state": {"value": "answer"}}
		]},
		{"step_id": "use", "modules": [
			{"module_id": "static_output", "name": "echo",
			 "inputs": {"got": "{{ state.answer }}"}}
		]}
	]
}`

func TestLinearRunCompletes(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, linearWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusCompleted, resp.Status)
	assert.Equal(t, "hello", resp.Result["greeting"])
	assert.Equal(t, "hello again", resp.Result["final"])

	run, err := env.st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	snap, err := env.eng.GetState(ctx, resp.RunID)
	require.NoError(t, err)
	outputs := snap.Outputs["s1"].(map[string]any)["seed"].(map[string]any)
	assert.Equal(t, "hello", outputs["greeting"])
}

func TestInteractiveSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusAwaitingInput, resp.Status)
	require.NotNil(t, resp.InteractionRequest)
	assert.Equal(t, module.InteractionTextInput, resp.InteractionRequest.Type)
	assert.Equal(t, "Name the project", resp.InteractionRequest.Prompt)

	final, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         resp.RunID,
		InteractionID: resp.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "aurora"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, "aurora", final.Result["answer"])

	snap, err := env.eng.GetState(ctx, resp.RunID)
	require.NoError(t, err)
	echo := snap.Outputs["use"].(map[string]any)["echo"].(map[string]any)
	assert.Equal(t, "aurora", echo["got"], "later module sees state from the response")
}

func TestRespondWrongInteractionIDRejected(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	_, err = env.eng.Respond(ctx, RespondRequest{
		RunID:         resp.RunID,
		InteractionID: "not-the-pending-one",
		Response:      &module.InteractionResponse{Value: "x"},
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)

	run, err := env.st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusAwaitingInput, run.Status, "rejection restores the suspended status")
}

func TestRespondCancelledKeepsInteractionPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)
	interactionID := resp.InteractionRequest.InteractionID

	cancelled, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         resp.RunID,
		InteractionID: interactionID,
		Response:      &module.InteractionResponse{Cancelled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusAwaitingInput, cancelled.Status)
	require.NotNil(t, cancelled.InteractionRequest)
	assert.Equal(t, interactionID, cancelled.InteractionRequest.InteractionID, "the same request stays pending")

	final, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         resp.RunID,
		InteractionID: interactionID,
		Response:      &module.InteractionResponse{Value: "second try"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
}

func TestRetryResponseForksAndReasksStep(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	started, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)
	firstID := started.InteractionRequest.InteractionID

	runBefore, err := env.st.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	rootBranch := runBefore.CurrentBranchID

	retried, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         started.RunID,
		InteractionID: firstID,
		Response: &module.InteractionResponse{
			RetryRequested: true,
			RetryFeedback:  "try a different angle",
			RetryGroups:    []string{"ask"},
		},
	})
	require.NoError(t, err)

	require.Equal(t, store.RunStatusAwaitingInput, retried.Status)
	require.NotNil(t, retried.InteractionRequest)
	assert.NotEqual(t, firstID, retried.InteractionRequest.InteractionID, "the retried step gets a fresh interaction")

	runAfter, err := env.st.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	require.NotEqual(t, rootBranch, runAfter.CurrentBranchID, "retry forks a new branch")

	branch, err := env.st.GetBranch(ctx, runAfter.CurrentBranchID)
	require.NoError(t, err)
	require.Len(t, branch.Lineage, 2)
	assert.Equal(t, rootBranch, branch.Lineage[0].BranchID)
	require.NotNil(t, branch.Lineage[0].CutoffEventID, "parent entry is capped at the response event")
	assert.Nil(t, branch.Lineage[1].CutoffEventID, "tail entry stays open")

	// The forked run still completes normally.
	final, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         started.RunID,
		InteractionID: retried.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "better answer"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, final.Status)
	assert.Equal(t, "better answer", final.Result["answer"])
}

func TestJumpBackMasksTargetAndLaterSteps(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	versionID := env.register(t, `{
		"workflow_id": "two_questions",
		"steps": [
			{"step_id": "first", "modules": [
				{"module_id": "text_input", "name": "q1",
				 "inputs": {"prompt": "first"},
				 "outputs_to_state": {"value": "a1"}}
			]},
			{"step_id": "second", "modules": [
				{"module_id": "text_input", "name": "q2",
				 "inputs": {"prompt": "second"},
				 "outputs_to_state": {"value": "a2"}}
			]}
		]
	}`)

	started, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	second, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         started.RunID,
		InteractionID: started.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "one"},
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusAwaitingInput, second.Status)

	jumped, err := env.eng.Respond(ctx, RespondRequest{
		RunID:         started.RunID,
		InteractionID: second.InteractionRequest.InteractionID,
		Response: &module.InteractionResponse{
			JumpBackRequested: true,
			JumpBackTarget:    "first",
		},
	})
	require.NoError(t, err)

	require.Equal(t, store.RunStatusAwaitingInput, jumped.Status)
	require.NotNil(t, jumped.InteractionRequest)
	assert.Equal(t, "first", jumped.InteractionRequest.Prompt, "execution restarts at the jump target")

	snap, err := env.eng.GetState(ctx, started.RunID)
	require.NoError(t, err)
	assert.NotContains(t, snap.Outputs, "first", "jump target outputs are discarded")
	assert.NotContains(t, snap.State, "a1")
}

func TestModuleFailureParksRunInError(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	versionID := env.register(t, `{
		"workflow_id": "broken",
		"steps": [
			{"step_id": "s1", "modules": [
				{"module_id": "no_such_module", "name": "ghost"}
			]}
		]
	}`)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err, "module failures are reported on the response, not as transport errors")

	assert.Equal(t, store.RunStatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "module_error", resp.Error.Type)
	assert.Equal(t, "s1", resp.Error.Details["step_id"])

	run, err := env.st.GetRun(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusError, run.Status)
}

func TestRetryOperationForksFromErrorState(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	versionID := env.register(t, `{
		"workflow_id": "broken",
		"steps": [
			{"step_id": "s1", "modules": [
				{"module_id": "no_such_module", "name": "ghost"}
			]}
		]
	}`)

	started, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusError, started.Status)

	runBefore, err := env.st.GetRun(ctx, started.RunID)
	require.NoError(t, err)

	retried, err := env.eng.Retry(ctx, RetryRequest{
		RunID:    started.RunID,
		Groups:   []string{"s1"},
		Feedback: "still broken, but on a fresh branch",
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusError, retried.Status, "the module still fails on the new branch")

	runAfter, err := env.st.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	assert.NotEqual(t, runBefore.CurrentBranchID, runAfter.CurrentBranchID)
}

func TestMockModeSynthesizesOutputs(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, linearWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1", Mock: true})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, resp.Status)

	snap, err := env.eng.GetState(ctx, resp.RunID)
	require.NoError(t, err)
	outputs := snap.Outputs["s1"].(map[string]any)["seed"].(map[string]any)
	assert.NotContains(t, outputs, "greeting", "mock mode synthesizes from the schema instead of executing")
}

func TestTargetHaltsBeforeModule(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, linearWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{
		VersionID: versionID,
		UserID:    "user-1",
		Target:    &Target{StepID: "s2", ModuleName: "echo"},
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusAwaitingInput, resp.Status)
	assert.Contains(t, resp.Message, "s2/echo")
	assert.Nil(t, resp.InteractionRequest)

	snap, err := env.eng.GetState(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Contains(t, snap.Outputs, "s1", "modules before the target already ran")
	assert.NotContains(t, snap.Outputs, "s2")
}

func TestResumeContinuesHaltedRun(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, linearWorkflow)

	halted, err := env.eng.Start(ctx, StartRequest{
		VersionID: versionID,
		UserID:    "user-1",
		Target:    &Target{StepID: "s2", ModuleName: "echo"},
	})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusAwaitingInput, halted.Status)

	resp, err := env.eng.Resume(ctx, halted.RunID, nil, false)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, resp.Status)
	assert.Equal(t, "hello again", resp.Result["final"])
}

func TestResumeRejectsRunWithPendingInteraction(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	started, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	_, err = env.eng.Resume(ctx, started.RunID, nil, false)
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)

	run, err := env.st.GetRun(ctx, started.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusAwaitingInput, run.Status)
}

func TestConcurrentCallOnSameRunIsBusy(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	require.True(t, env.eng.gate.tryAcquire(resp.RunID))
	defer env.eng.gate.release(resp.RunID)

	_, err = env.eng.Respond(ctx, RespondRequest{
		RunID:         resp.RunID,
		InteractionID: resp.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "x"},
	})
	var busy *errors.BusyError
	require.ErrorAs(t, err, &busy)
}

func TestInteractionHistoryPairsRequestsWithResponses(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)
	versionID := env.register(t, interactiveWorkflow)

	started, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)

	pendingHistory, err := env.eng.GetInteractionHistory(ctx, started.RunID)
	require.NoError(t, err)
	assert.Empty(t, pendingHistory.Completed)
	require.NotNil(t, pendingHistory.Pending)
	assert.Equal(t, started.InteractionRequest.InteractionID, pendingHistory.Pending.InteractionID)

	_, err = env.eng.Respond(ctx, RespondRequest{
		RunID:         started.RunID,
		InteractionID: started.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "done"},
	})
	require.NoError(t, err)

	history, err := env.eng.GetInteractionHistory(ctx, started.RunID)
	require.NoError(t, err)
	require.Len(t, history.Completed, 1)
	assert.Nil(t, history.Pending)
	rec := history.Completed[0]
	assert.Equal(t, "ask", rec.StepID)
	assert.Equal(t, "question", rec.ModuleName)
	assert.NotEmpty(t, rec.RespondedAt)
}

func TestStartUnknownVersion(t *testing.T) {
	env := newTestEngine(t)
	_, err := env.eng.Start(context.Background(), StartRequest{VersionID: "missing", UserID: "user-1"})
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStartRejectsWorkflowWithoutSteps(t *testing.T) {
	ctx := context.Background()
	env := newTestEngine(t)

	// An empty steps list registers fine but is not runnable; Start's
	// decode check catches it before any run documents are written.
	versionID := env.register(t, `{"workflow_id": "empty", "steps": []}`)

	resp, err := env.eng.Start(ctx, StartRequest{VersionID: versionID, UserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusValidationFailed, resp.Status)
	require.NotEmpty(t, resp.ValidationErrors)
	assert.Equal(t, "steps", resp.ValidationErrors[0].Path)
	assert.Empty(t, resp.RunID)
}
