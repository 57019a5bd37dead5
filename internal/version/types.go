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

// Package version turns uploaded workflow JSON into content-addressed,
// runnable versions: reference inlining, canonical hashing, and
// execution-group expansion into the cartesian product of capability
// paths.
package version

import (
	"encoding/json"

	"github.com/tombee/ensemble/pkg/errors"
)

// Workflow is the typed view of the workflow JSON external format. The
// expansion and hashing machinery works on the raw map form so unknown
// fields survive byte-exact; this form is for the engine walking steps.
type Workflow struct {
	WorkflowID string         `json:"workflow_id"`
	Config     map[string]any `json:"config,omitempty"`
	Steps      []Step         `json:"steps"`
}

// Step is one ordered step of a workflow.
type Step struct {
	StepID  string   `json:"step_id"`
	Modules []Module `json:"modules"`
}

// Module is one module invocation within a step.
type Module struct {
	ModuleID       string            `json:"module_id"`
	Name           string            `json:"name,omitempty"`
	Inputs         map[string]any    `json:"inputs,omitempty"`
	OutputsToState map[string]string `json:"outputs_to_state,omitempty"`
	Addons         []AddonRef        `json:"addons,omitempty"`
	Retryable      bool              `json:"retryable,omitempty"`
	SubActions     any               `json:"sub_actions,omitempty"`
	Metadata       map[string]any    `json:"_metadata,omitempty"`
}

// AddonRef attaches an addon to a module with its pipeline priority.
type AddonRef struct {
	AddonID  string         `json:"addon_id"`
	Priority int            `json:"priority,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty"`
}

// DisplayName is the name the engine logs and keys events by: the
// declared name, falling back to the module id.
func (m *Module) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ModuleID
}

// Decode converts a resolved workflow map into the typed form.
func Decode(resolved map[string]any) (*Workflow, error) {
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, errors.Wrap(err, "encoding workflow for decode")
	}
	var wf Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, &errors.ValidationError{Path: "workflow", Message: "workflow does not match the expected shape: " + err.Error()}
	}
	if wf.WorkflowID == "" {
		return nil, &errors.ValidationError{Path: "workflow_id", Message: "workflow_id is required"}
	}
	if len(wf.Steps) == 0 {
		return nil, &errors.ValidationError{Path: "steps", Message: "at least one step is required"}
	}
	return &wf, nil
}
