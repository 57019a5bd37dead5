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
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// Target bounds execution: the engine halts before executing the named
// module.
type Target struct {
	StepID     string `json:"step_id"`
	ModuleName string `json:"module_name"`
}

// StartRequest starts a run of a registered workflow version.
type StartRequest struct {
	VersionID   string
	UserID      string
	ProjectName string
	Config      map[string]any
	Target      *Target
	Mock        bool
}

// RespondRequest resumes a suspended run with an interaction response.
// UpdatedWorkflow optionally switches the run to a newer workflow
// version before resuming.
type RespondRequest struct {
	RunID           string
	InteractionID   string
	Response        *module.InteractionResponse
	UpdatedWorkflow map[string]any
	Target          *Target
	Mock            bool
}

// RetryRequest re-executes the named step groups on a fresh branch.
type RetryRequest struct {
	RunID    string
	Groups   []string
	Feedback string
	Mock     bool
}

// Progress locates a run within its workflow.
type Progress struct {
	CurrentStep    string `json:"current_step,omitempty"`
	CurrentModule  string `json:"current_module,omitempty"`
	CompletedSteps int    `json:"completed_steps"`
	TotalSteps     int    `json:"total_steps"`
	StepIndex      int    `json:"step_index"`
}

// ErrorInfo is the classified error carried on a response.
type ErrorInfo struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the engine's answer to every run-mutating operation.
type Response struct {
	RunID              string                     `json:"workflow_run_id"`
	Status             store.RunStatus            `json:"status"`
	Message            string                     `json:"message,omitempty"`
	Progress           *Progress                  `json:"progress,omitempty"`
	InteractionRequest *module.InteractionRequest `json:"interaction_request,omitempty"`
	Result             map[string]any             `json:"result,omitempty"`
	Error              *ErrorInfo                 `json:"error,omitempty"`
	ValidationErrors   []*errors.ValidationError  `json:"validation_errors,omitempty"`
	ValidationWarnings []string                   `json:"validation_warnings,omitempty"`
}

// InteractionRecord is one completed request/response pair in a run's
// interaction history.
type InteractionRecord struct {
	InteractionID string         `json:"interaction_id"`
	StepID        string         `json:"step_id"`
	ModuleName    string         `json:"module_name"`
	Request       map[string]any `json:"request"`
	Response      map[string]any `json:"response,omitempty"`
	RequestedAt   string         `json:"requested_at"`
	RespondedAt   string         `json:"responded_at,omitempty"`
}

// History is a run's interaction history: completed pairs plus the
// pending request, if any.
type History struct {
	Completed []InteractionRecord `json:"completed"`
	Pending   *InteractionRecord  `json:"pending,omitempty"`
}
