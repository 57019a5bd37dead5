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

package module

import (
	"context"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// Built-in module ids.
const (
	TextInputID       = "text_input"
	StaticOutputID    = "static_output"
	SchemaValidatorID = "schema_validator"
	MediaGenerationID = "media_generation"
)

// Builtins returns the factory set shipped with the engine. The media
// module needs the queue to enqueue generation tasks.
func Builtins(q *queue.Queue) map[string]Factory {
	return map[string]Factory{
		TextInputID:       func() Descriptor { return &textInput{} },
		StaticOutputID:    func() Descriptor { return &staticOutput{} },
		SchemaValidatorID: func() Descriptor { return &schemaValidator{} },
		MediaGenerationID: func() Descriptor { return &mediaGeneration{queue: q} },
	}
}

// textInput asks the user for a single free-form value.
type textInput struct{}

func (*textInput) ModuleID() string { return TextInputID }

func (*textInput) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":  map[string]any{"type": "string"},
			"prompt": map[string]any{"type": "string"},
		},
	}
}

func (*textInput) OutputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"value": map[string]any{"type": "string"}},
		"required":   []any{"value"},
	}
}

func (m *textInput) GetInteractionRequest(ctx context.Context, inputs map[string]any, rctx *RunContext) (*InteractionRequest, error) {
	title, _ := inputs["title"].(string)
	prompt, _ := inputs["prompt"].(string)
	return &InteractionRequest{
		InteractionID: ids.New(),
		Type:          InteractionTextInput,
		Title:         title,
		Prompt:        prompt,
	}, nil
}

func (m *textInput) ExecuteWithResponse(ctx context.Context, inputs map[string]any, rctx *RunContext, resp *InteractionResponse) (map[string]any, error) {
	return map[string]any{"value": resp.Value}, nil
}

// staticOutput echoes its resolved inputs as outputs. Useful for seeding
// state and for pipeline tests.
type staticOutput struct{}

func (*staticOutput) ModuleID() string { return StaticOutputID }

func (*staticOutput) InputSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (*staticOutput) OutputSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func (m *staticOutput) Execute(ctx context.Context, inputs map[string]any, rctx *RunContext) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

// schemaValidator checks named state keys against a JSON schema. It is
// the module synthesized at the end of expanded execution-group steps.
type schemaValidator struct{}

func (*schemaValidator) ModuleID() string { return SchemaValidatorID }

func (*schemaValidator) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"schema":     map[string]any{"type": "object"},
			"state_keys": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"schema", "state_keys"},
	}
}

func (*schemaValidator) OutputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"validated": map[string]any{"type": "array"}},
	}
}

func (m *schemaValidator) Execute(ctx context.Context, inputs map[string]any, rctx *RunContext) (map[string]any, error) {
	schemaDoc, ok := inputs["schema"].(map[string]any)
	if !ok {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: SchemaValidatorID,
			Kind: "invalid_inputs", Message: "schema must be an object",
		}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("state_schema.json", schemaDoc); err != nil {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: SchemaValidatorID,
			Kind: "invalid_inputs", Message: "schema does not compile", Cause: err,
		}
	}
	schema, err := compiler.Compile("state_schema.json")
	if err != nil {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: SchemaValidatorID,
			Kind: "invalid_inputs", Message: "schema does not compile", Cause: err,
		}
	}

	rawKeys, _ := inputs["state_keys"].([]any)
	validated := make([]any, 0, len(rawKeys))
	verrs := &errors.ValidationErrors{}
	for _, raw := range rawKeys {
		key, ok := raw.(string)
		if !ok {
			continue
		}
		value, present := rctx.State[key]
		if !present {
			verrs.AppendError(&errors.ValidationError{Path: "state." + key, Message: "state key is absent"})
			continue
		}
		if err := schema.Validate(value); err != nil {
			verrs.AppendError(&errors.ValidationError{Path: "state." + key, Message: err.Error()})
			continue
		}
		validated = append(validated, key)
	}
	if verrs.HasErrors() {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: SchemaValidatorID,
			Kind: "schema_mismatch", Message: "state failed schema validation", Cause: verrs,
		}
	}
	return map[string]any{"validated": validated}, nil
}

// mediaGeneration hands generation work to the task queue, suspends on a
// media interaction carrying the task id, and streams task progress as a
// sub-action.
type mediaGeneration struct {
	queue *queue.Queue
}

func (*mediaGeneration) ModuleID() string { return MediaGenerationID }

func (*mediaGeneration) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"provider": map[string]any{"type": "string"},
			"prompt":   map[string]any{"type": "string"},
			"params":   map[string]any{"type": "object"},
		},
		"required": []any{"provider"},
	}
}

func (*mediaGeneration) OutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"generations":      map[string]any{"type": "array"},
			"selected_content": map[string]any{"type": "array"},
		},
	}
}

func (m *mediaGeneration) GetInteractionRequest(ctx context.Context, inputs map[string]any, rctx *RunContext) (*InteractionRequest, error) {
	provider, _ := inputs["provider"].(string)
	if provider == "" {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: MediaGenerationID,
			Kind: "invalid_inputs", Message: "provider is required",
		}
	}
	prompt, _ := inputs["prompt"].(string)
	params, _ := inputs["params"].(map[string]any)

	payload := map[string]any{
		"workflow_run_id": rctx.RunID,
		"provider":        provider,
		"prompt":          prompt,
	}
	if params != nil {
		payload["params"] = params
	}
	taskID, err := m.queue.Enqueue(ctx, "media", provider, payload)
	if err != nil {
		return nil, &errors.ModuleError{
			StepID: rctx.StepID, Module: MediaGenerationID,
			Kind: "enqueue_failed", Message: "could not enqueue generation task", Cause: err,
		}
	}

	return &InteractionRequest{
		InteractionID: ids.New(),
		Type:          InteractionMediaGeneration,
		Title:         "Generating media",
		Media: &MediaRequest{
			Provider: provider,
			Prompt:   prompt,
			Params:   params,
			TaskID:   taskID,
		},
	}, nil
}

func (m *mediaGeneration) ExecuteWithResponse(ctx context.Context, inputs map[string]any, rctx *RunContext, resp *InteractionResponse) (map[string]any, error) {
	generations := make([]any, 0, len(resp.Generations))
	for _, g := range resp.Generations {
		generations = append(generations, g)
	}
	return map[string]any{
		"generations":      generations,
		"selected_content": append([]any(nil), resp.SelectedContent...),
	}, nil
}

func (m *mediaGeneration) RunSubAction(ctx context.Context, actionID string, params map[string]any, rctx *RunContext) (<-chan SubActionEvent, error) {
	taskID, _ := params["task_id"].(string)
	if taskID == "" {
		return nil, &errors.ValidationError{Path: "params.task_id", Message: "task_id is required"}
	}

	events := make(chan SubActionEvent)
	go func() {
		defer close(events)
		emit := func(e SubActionEvent) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(SubActionEvent{Type: SubActionStarted, Data: map[string]any{"task_id": taskID}}) {
			return
		}
		for update := range m.queue.WatchTask(ctx, taskID, time.Second) {
			switch update.Task.Status {
			case store.TaskStatusCompleted:
				emit(SubActionEvent{Type: SubActionComplete, Data: map[string]any{
					"task_id": taskID,
					"result":  update.Task.Result,
				}})
				return
			case store.TaskStatusFailed:
				data := map[string]any{"task_id": taskID}
				if update.Task.Error != nil {
					data["error_type"] = update.Task.Error.Type
					data["message"] = update.Task.Error.Message
				}
				emit(SubActionEvent{Type: SubActionError, Data: data})
				return
			default:
				if !emit(SubActionEvent{Type: SubActionProgress, Data: map[string]any{
					"task_id":    taskID,
					"status":     string(update.Task.Status),
					"elapsed_ms": update.ElapsedMS,
					"message":    update.Message,
				}}) {
					return
				}
			}
		}
	}()
	return events, nil
}

// SynthesizeOutputs builds deterministic placeholder outputs from an
// output schema, used when a run executes in mock mode.
func SynthesizeOutputs(schema map[string]any) map[string]any {
	props, _ := schema["properties"].(map[string]any)
	out := make(map[string]any, len(props))
	for name, raw := range props {
		prop, _ := raw.(map[string]any)
		out[name] = placeholderFor(name, prop)
	}
	return out
}

func placeholderFor(name string, prop map[string]any) any {
	typ, _ := prop["type"].(string)
	switch typ {
	case "string":
		return fmt.Sprintf("mock_%s", name)
	case "number":
		return float64(0)
	case "integer":
		return 0
	case "boolean":
		return false
	case "array":
		return []any{}
	case "object":
		nested, _ := prop["properties"].(map[string]any)
		if nested == nil {
			return map[string]any{}
		}
		return SynthesizeOutputs(prop)
	default:
		return nil
	}
}
