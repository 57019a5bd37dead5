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

package virtual

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

func testSandbox() *Sandbox {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func parseWorkflow(t *testing.T, doc string) map[string]any {
	t.Helper()
	var wf map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &wf))
	return wf
}

const sandboxWorkflow = `{
	"workflow_id": "preview",
	"steps": [
		{"step_id": "ask", "modules": [
			{"module_id": "text_input", "name": "q",
			 "inputs": {"prompt": "Pick a theme"},
			 "outputs_to_state": {"value": "theme"}}
		]},
		{"step_id": "render", "modules": [
			{"module_id": "static_output", "name": "echo",
			 "inputs": {"line": "theme is {{ state.theme }}"}}
		]}
	]
}`

func TestVirtualStartRespondRoundTrip(t *testing.T) {
	ctx := context.Background()
	sb := testSandbox()
	wf := parseWorkflow(t, sandboxWorkflow)

	started, err := sb.Start(ctx, StartRequest{UserID: "u1", Workflow: wf})
	require.NoError(t, err)
	require.NotNil(t, started.Response)
	require.NotEmpty(t, started.Blob, "every virtual return carries the namespace blob")
	require.Equal(t, store.RunStatusAwaitingInput, started.Response.Status)
	require.NotNil(t, started.Response.InteractionRequest)

	// A brand-new sandbox restored from the blob continues the same run.
	finished, err := sb.Respond(ctx, RespondRequest{
		UserID:        "u1",
		Workflow:      wf,
		Blob:          started.Blob,
		RunID:         started.RunID,
		InteractionID: started.Response.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "noir"},
	})
	require.NoError(t, err)
	require.NotNil(t, finished.Response)
	assert.Equal(t, store.RunStatusCompleted, finished.Response.Status)
	assert.Equal(t, "noir", finished.Response.Result["theme"])
	assert.NotEmpty(t, finished.Blob)
}

func TestVirtualBlobIsSelfContained(t *testing.T) {
	ctx := context.Background()
	wf := parseWorkflow(t, sandboxWorkflow)

	started, err := testSandbox().Start(ctx, StartRequest{UserID: "u1", Workflow: wf})
	require.NoError(t, err)

	// A different sandbox instance can pick the blob up.
	other := testSandbox()
	finished, err := other.Respond(ctx, RespondRequest{
		UserID:        "u1",
		Workflow:      wf,
		Blob:          started.Blob,
		RunID:         started.RunID,
		InteractionID: started.Response.InteractionRequest.InteractionID,
		Response:      &module.InteractionResponse{Value: "pastel"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, finished.Response.Status)
}

func TestVirtualRespondRequiresBlob(t *testing.T) {
	_, err := testSandbox().Respond(context.Background(), RespondRequest{
		UserID:   "u1",
		Workflow: parseWorkflow(t, sandboxWorkflow),
		RunID:    "r1",
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestVirtualRejectsCorruptBlob(t *testing.T) {
	_, err := testSandbox().Start(context.Background(), StartRequest{
		UserID:   "u1",
		Workflow: parseWorkflow(t, sandboxWorkflow),
		Blob:     []byte("not a gzip blob"),
	})
	var verr *errors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestVirtualErrorReturnStillCarriesBlob(t *testing.T) {
	ctx := context.Background()
	sb := testSandbox()
	wf := parseWorkflow(t, sandboxWorkflow)

	started, err := sb.Start(ctx, StartRequest{UserID: "u1", Workflow: wf})
	require.NoError(t, err)

	result, err := sb.Respond(ctx, RespondRequest{
		UserID:        "u1",
		Workflow:      wf,
		Blob:          started.Blob,
		RunID:         started.RunID,
		InteractionID: "wrong-interaction",
		Response:      &module.InteractionResponse{Value: "x"},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Blob, "state survives rejected calls")
}

func TestVirtualTargetHalt(t *testing.T) {
	ctx := context.Background()
	sb := testSandbox()

	wf := parseWorkflow(t, `{
		"workflow_id": "halted",
		"steps": [
			{"step_id": "s1", "modules": [
				{"module_id": "static_output", "name": "seed", "inputs": {"a": 1}}
			]},
			{"step_id": "s2", "modules": [
				{"module_id": "static_output", "name": "later", "inputs": {"b": 2}}
			]}
		]
	}`)

	result, err := sb.Start(ctx, StartRequest{
		UserID:   "u1",
		Workflow: wf,
		Target:   &engine.Target{StepID: "s2", ModuleName: "later"},
	})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusAwaitingInput, result.Response.Status)
}
