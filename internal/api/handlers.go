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

	"github.com/go-chi/chi/v5"

	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/store"
)

type registerRequest struct {
	UserID   string         `json:"user_id"`
	Workflow map[string]any `json:"workflow"`
}

type registerResponse struct {
	TemplateID  string            `json:"template_id"`
	VersionID   string            `json:"workflow_version_id"`
	VersionType store.VersionType `json:"version_type"`
	IsNew       bool              `json:"is_new"`
	Variants    []variantResponse `json:"variants,omitempty"`
}

type variantResponse struct {
	VersionID     string              `json:"workflow_version_id"`
	IsNew         bool                `json:"is_new"`
	Requires      []store.Requirement `json:"requires,omitempty"`
	SelectedPaths map[string]string   `json:"selected_paths,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.versions.Register(r.Context(), req.UserID, req.Workflow, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := registerResponse{
		TemplateID:  result.TemplateID,
		VersionID:   result.VersionID,
		VersionType: result.VersionType,
		IsNew:       result.IsNew,
	}
	for _, v := range result.Variants {
		resp.Variants = append(resp.Variants, variantResponse{
			VersionID:     v.VersionID,
			IsNew:         v.IsNew,
			Requires:      v.Requires,
			SelectedPaths: v.SelectedPaths,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type startRequest struct {
	VersionID   string         `json:"workflow_version_id"`
	UserID      string         `json:"user_id"`
	ProjectName string         `json:"project_name"`
	Config      map[string]any `json:"config"`
	Target      *engine.Target `json:"target"`
	Mock        bool           `json:"mock"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.Start(r.Context(), engine.StartRequest{
		VersionID:   req.VersionID,
		UserID:      req.UserID,
		ProjectName: req.ProjectName,
		Config:      req.Config,
		Target:      req.Target,
		Mock:        req.Mock,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type respondRequest struct {
	InteractionID   string                      `json:"interaction_id"`
	Response        *module.InteractionResponse `json:"response"`
	UpdatedWorkflow map[string]any              `json:"updated_workflow"`
	Target          *engine.Target              `json:"target"`
	Mock            bool                        `json:"mock"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.Respond(r.Context(), engine.RespondRequest{
		RunID:           chi.URLParam(r, "runID"),
		InteractionID:   req.InteractionID,
		Response:        req.Response,
		UpdatedWorkflow: req.UpdatedWorkflow,
		Target:          req.Target,
		Mock:            req.Mock,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type retryRequest struct {
	Groups   []string `json:"groups"`
	Feedback string   `json:"feedback"`
	Mock     bool     `json:"mock"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.Retry(r.Context(), engine.RetryRequest{
		RunID:    chi.URLParam(r, "runID"),
		Groups:   req.Groups,
		Feedback: req.Feedback,
		Mock:     req.Mock,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resumeRequest struct {
	Target *engine.Target `json:"target"`
	Mock   bool           `json:"mock"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.engine.Resume(r.Context(), chi.URLParam(r, "runID"), req.Target, req.Mock)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetState(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	history, err := s.engine.GetInteractionHistory(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}
