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

// Package addons implements the option-decoration pipeline. Addons
// annotate selection options with metadata and observe which option was
// chosen; they never change the selection outcome.
package addons

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/pkg/errors"
)

// RunContext carries the identifiers an addon may scope its data by.
// Counter-backed addons key everything by TemplateID; cross-template
// reads are impossible because no other template id is available.
type RunContext struct {
	RunID      string
	TemplateID string
	StepID     string
	ModuleName string
}

// Decoration is one addon's annotation for one option item.
type Decoration struct {
	Data map[string]any
}

// Addon decorates selection options and observes outcomes.
type Addon interface {
	AddonID() string
	// Decorate returns one decoration per item, aligned by index.
	Decorate(ctx context.Context, items []module.SelectOption, inputs map[string]any, rctx *RunContext) ([]Decoration, error)
	// OnSelection fires after the user answers, with the chosen indices.
	OnSelection(ctx context.Context, items []module.SelectOption, selected []int, rctx *RunContext) error
}

// Ref is one addon attachment from the workflow definition.
type Ref struct {
	AddonID  string
	Priority int
	Inputs   map[string]any
}

// Pipeline resolves addon refs against a registry and runs them in
// priority order.
type Pipeline struct {
	addons map[string]Addon
	logger *slog.Logger
}

// NewPipeline builds a pipeline over the given addons.
func NewPipeline(addons []Addon, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	byID := make(map[string]Addon, len(addons))
	for _, a := range addons {
		byID[a.AddonID()] = a
	}
	return &Pipeline{addons: byID, logger: log.WithComponent(logger, "addons")}
}

// Decorate runs every referenced addon in ascending priority order and
// merges the decorations into each item's _metadata. Earlier decorations
// are preserved; a later addon writing the same key wins. The input
// slice is not mutated.
func (p *Pipeline) Decorate(ctx context.Context, refs []Ref, items []module.SelectOption, rctx *RunContext) ([]module.SelectOption, error) {
	out := make([]module.SelectOption, len(items))
	for i, item := range items {
		out[i] = item
		out[i].Metadata = copyMeta(item.Metadata)
	}

	for _, ref := range sortRefs(refs) {
		addon, ok := p.addons[ref.AddonID]
		if !ok {
			return nil, &errors.ValidationError{
				Path:    "addons." + ref.AddonID,
				Message: "no addon registered under id " + ref.AddonID,
			}
		}

		decorations, err := addon.Decorate(ctx, out, ref.Inputs, rctx)
		if err != nil {
			// A broken decorator must not block the interaction.
			p.logger.WarnContext(ctx, "addon decoration failed",
				"addon_id", ref.AddonID, log.RunIDKey, rctx.RunID, log.Error(err))
			continue
		}
		for i := range out {
			if i >= len(decorations) {
				break
			}
			for k, v := range decorations[i].Data {
				if out[i].Metadata == nil {
					out[i].Metadata = map[string]any{}
				}
				out[i].Metadata[k] = v
			}
		}
	}
	return out, nil
}

// NotifySelection fires every referenced addon's OnSelection hook.
func (p *Pipeline) NotifySelection(ctx context.Context, refs []Ref, items []module.SelectOption, selected []int, rctx *RunContext) {
	for _, ref := range sortRefs(refs) {
		addon, ok := p.addons[ref.AddonID]
		if !ok {
			continue
		}
		if err := addon.OnSelection(ctx, items, selected, rctx); err != nil {
			p.logger.WarnContext(ctx, "addon selection hook failed",
				"addon_id", ref.AddonID, log.RunIDKey, rctx.RunID, log.Error(err))
		}
	}
}

// sortRefs orders refs by ascending priority, stable over the declared
// order for ties.
func sortRefs(refs []Ref) []Ref {
	out := append([]Ref(nil), refs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
