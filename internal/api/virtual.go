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
	"net/http"

	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/virtual"
)

// Blob travels as base64 in JSON, courtesy of encoding/json's []byte
// handling.
type virtualStartRequest struct {
	UserID   string         `json:"user_id"`
	Workflow map[string]any `json:"workflow"`
	Blob     []byte         `json:"blob,omitempty"`
	Target   *engine.Target `json:"target"`
	Mock     bool           `json:"mock"`
}

type virtualRespondRequest struct {
	UserID        string                      `json:"user_id"`
	Workflow      map[string]any              `json:"workflow"`
	Blob          []byte                      `json:"blob"`
	RunID         string                      `json:"workflow_run_id"`
	InteractionID string                      `json:"interaction_id"`
	Response      *module.InteractionResponse `json:"response"`
	Target        *engine.Target              `json:"target"`
	Mock          bool                        `json:"mock"`
}

type virtualResponse struct {
	*engine.Response
	Blob []byte `json:"blob,omitempty"`
}

func (s *Server) handleVirtualStart(w http.ResponseWriter, r *http.Request) {
	var req virtualStartRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.sandbox.Start(r.Context(), virtual.StartRequest{
		UserID:   req.UserID,
		Workflow: req.Workflow,
		Blob:     req.Blob,
		Target:   req.Target,
		Mock:     req.Mock,
	})
	s.writeVirtual(w, result, err)
}

func (s *Server) handleVirtualRespond(w http.ResponseWriter, r *http.Request) {
	var req virtualRespondRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.sandbox.Respond(r.Context(), virtual.RespondRequest{
		UserID:        req.UserID,
		Workflow:      req.Workflow,
		Blob:          req.Blob,
		RunID:         req.RunID,
		InteractionID: req.InteractionID,
		Response:      req.Response,
		Target:        req.Target,
		Mock:          req.Mock,
	})
	s.writeVirtual(w, result, err)
}

// writeVirtual always ships the blob back when the sandbox produced one,
// even on failed calls, so the caller keeps their namespace.
func (s *Server) writeVirtual(w http.ResponseWriter, result *virtual.Result, err error) {
	if err != nil {
		if result != nil && len(result.Blob) > 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"status":  "error",
				"message": err.Error(),
				"blob":    result.Blob,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, virtualResponse{Response: result.Response, Blob: result.Blob})
}
