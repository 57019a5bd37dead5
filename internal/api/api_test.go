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

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/addons"
	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/resolver"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/internal/virtual"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	st := store.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	evs := events.New(st, logger)
	versions := version.NewService(st, logger)
	q := queue.New(st, logger)
	registry := module.NewRegistry(module.Builtins(q))
	pipeline := addons.NewPipeline(addons.Builtins(st), logger)
	eng := engine.New(st, evs, versions, registry, resolver.New(logger), pipeline, logger)
	return NewServer(eng, versions, virtual.New(logger), st, logger).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

const apiWorkflow = `{
	"workflow_id": "api_flow",
	"steps": [
		{"step_id": "ask", "modules": [
			{"module_id": "text_input", "name": "q",
			 "inputs": {"prompt": "Title?"},
			 "outputs_to_state": {"value": "title"}}
		]},
		{"step_id": "emit", "modules": [
			{"module_id": "static_output", "name": "echo",
			 "inputs": {"line": "{{ state.title }}"}}
		]}
	]
}`

func registerAndStart(t *testing.T, h http.Handler) (runID, interactionID string) {
	t.Helper()
	var wf map[string]any
	require.NoError(t, json.Unmarshal([]byte(apiWorkflow), &wf))

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/register", map[string]any{
		"user_id": "u1", "workflow": wf,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	versionID := decodeJSON(t, rec)["workflow_version_id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/start", map[string]any{
		"workflow_version_id": versionID, "user_id": "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeJSON(t, rec)
	require.Equal(t, "awaiting_input", body["status"])
	request := body["interaction_request"].(map[string]any)
	return body["workflow_run_id"].(string), request["interaction_id"].(string)
}

func TestRegisterStartRespondOverHTTP(t *testing.T) {
	h := newTestServer(t)
	runID, interactionID := registerAndStart(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/"+runID+"/respond", map[string]any{
		"interaction_id": interactionID,
		"response":       map[string]any{"value": "Morning Light"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeJSON(t, rec)
	assert.Equal(t, "completed", body["status"])
	result := body["result"].(map[string]any)
	assert.Equal(t, "Morning Light", result["title"])
}

func TestStateAndInteractionEndpoints(t *testing.T) {
	h := newTestServer(t)
	runID, interactionID := registerAndStart(t, h)

	rec := doJSON(t, h, http.MethodGet, "/api/workflows/"+runID+"/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decodeJSON(t, rec)
	assert.Equal(t, "awaiting_input", state["status"])

	rec = doJSON(t, h, http.MethodGet, "/api/workflows/"+runID+"/interactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeJSON(t, rec)
	pending := history["pending"].(map[string]any)
	assert.Equal(t, interactionID, pending["interaction_id"])
}

func TestUnknownRunMapsTo404(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/api/workflows/nope/state", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeJSON(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "not_found", errObj["type"])
}

func TestValidationFailureMapsTo400(t *testing.T) {
	h := newTestServer(t)
	runID, _ := registerAndStart(t, h)

	rec := doJSON(t, h, http.MethodPost, "/api/workflows/"+runID+"/respond", map[string]any{
		"interaction_id": "wrong",
		"response":       map[string]any{"value": "x"},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "validation_failed", body["status"])
	require.NotEmpty(t, body["validation_errors"])
}

func TestMalformedBodyRejected(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/workflows/start", strings.NewReader("{broken"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVirtualEndpointsRoundTrip(t *testing.T) {
	h := newTestServer(t)
	var wf map[string]any
	require.NoError(t, json.Unmarshal([]byte(apiWorkflow), &wf))

	rec := doJSON(t, h, http.MethodPost, "/api/virtual/start", map[string]any{
		"user_id": "u1", "workflow": wf,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	started := decodeJSON(t, rec)
	require.Equal(t, "awaiting_input", started["status"])
	require.NotEmpty(t, started["blob"], "virtual responses always carry the namespace blob")
	request := started["interaction_request"].(map[string]any)

	rec = doJSON(t, h, http.MethodPost, "/api/virtual/respond", map[string]any{
		"user_id":         "u1",
		"workflow":        wf,
		"blob":            started["blob"],
		"workflow_run_id": started["workflow_run_id"],
		"interaction_id":  request["interaction_id"],
		"response":        map[string]any{"value": "Nocturne"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	finished := decodeJSON(t, rec)
	assert.Equal(t, "completed", finished["status"])
	assert.NotEmpty(t, finished["blob"])
}

func TestHealthEndpoint(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeJSON(t, rec)["status"])
}

func TestMetricsEndpointServes(t *testing.T) {
	h := newTestServer(t)
	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ensemble_runs_started_total")
}

func TestSubActionStreamRejectsNonHost(t *testing.T) {
	h := newTestServer(t)
	runID, interactionID := registerAndStart(t, h)

	// text_input hosts no sub-actions; the stream reports that as a
	// validation_failed event after the opening snapshot.
	rec := doJSON(t, h, http.MethodPost,
		"/api/workflows/"+runID+"/subactions/"+interactionID+"/watch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: state_snapshot")
	assert.Contains(t, body, "event: validation_failed")
}
