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

// Package module defines the module contract the engine dispatches
// against and the registry of module implementations.
//
// A module is polymorphic over capabilities: Executable modules return
// outputs directly, Interactive modules first emit an InteractionRequest
// and later consume an InteractionResponse, and SubActionHost modules
// stream side-effect progress. The engine type-switches over these
// interfaces at dispatch time.
package module

import (
	"context"
	"sort"

	"github.com/tombee/ensemble/pkg/errors"
)

// RunContext carries the run-scoped environment a module executes in.
// State and outputs are read-only snapshots from lineage replay.
type RunContext struct {
	RunID      string
	BranchID   string
	StepID     string
	ModuleName string

	// State is the accumulated workflow state (outputs_to_state).
	State map[string]any
	// Outputs maps step id to module name to that module's outputs.
	Outputs map[string]any
	// Config is the workflow-level config block.
	Config map[string]any

	// Mock bypasses real execution for executable modules.
	Mock bool
}

// Descriptor identifies a module and declares its input and output
// schemas (JSON Schema fragments).
type Descriptor interface {
	ModuleID() string
	InputSchema() map[string]any
	OutputSchema() map[string]any
}

// Executable modules compute outputs from resolved inputs.
type Executable interface {
	Descriptor
	Execute(ctx context.Context, inputs map[string]any, rctx *RunContext) (map[string]any, error)
}

// Interactive modules suspend the run on a request and resume on the
// matching response.
type Interactive interface {
	Descriptor
	GetInteractionRequest(ctx context.Context, inputs map[string]any, rctx *RunContext) (*InteractionRequest, error)
	ExecuteWithResponse(ctx context.Context, inputs map[string]any, rctx *RunContext, resp *InteractionResponse) (map[string]any, error)
}

// SubActionHost modules expose streaming side effects scoped to a
// pending interaction.
type SubActionHost interface {
	Descriptor
	RunSubAction(ctx context.Context, actionID string, params map[string]any, rctx *RunContext) (<-chan SubActionEvent, error)
}

// SubActionEvent is one element of a sub-action stream.
type SubActionEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// Sub-action stream event types.
const (
	SubActionStarted  = "started"
	SubActionProgress = "progress"
	SubActionComplete = "complete"
	SubActionError    = "error"
)

// Factory builds a fresh module instance. The registry never shares
// instances between calls.
type Factory func() Descriptor

// Registry maps module ids to factories. It is immutable after
// construction; tests build their own instances.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry copies the factory map into an immutable registry.
func NewRegistry(factories map[string]Factory) *Registry {
	copied := make(map[string]Factory, len(factories))
	for id, f := range factories {
		copied[id] = f
	}
	return &Registry{factories: copied}
}

// New instantiates the module registered under the id.
func (r *Registry) New(moduleID string) (Descriptor, error) {
	factory, ok := r.factories[moduleID]
	if !ok {
		return nil, &errors.ModuleError{
			Module:  moduleID,
			Kind:    "not_registered",
			Message: "no module registered under id " + moduleID,
		}
	}
	return factory(), nil
}

// Has reports whether a module id is registered.
func (r *Registry) Has(moduleID string) bool {
	_, ok := r.factories[moduleID]
	return ok
}

// IDs returns the registered module ids, sorted.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.factories))
	for id := range r.factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
