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

package addons

import (
	"context"
	"strings"

	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/store"
)

// Built-in addon ids and their counter scopes.
const (
	OptionUsageID      = "option_usage"
	WeightedKeywordsID = "weighted_keywords"

	scopeOptionUsage = "option_usage"
	scopeKeywords    = "weighted_keywords"
)

// Builtins returns the addon set shipped with the engine.
func Builtins(st store.Store) []Addon {
	return []Addon{
		&optionUsage{store: st},
		&weightedKeywords{store: st},
	}
}

// optionUsage tracks how often each option has been chosen for a
// template and decorates options with their historical count.
type optionUsage struct {
	store store.Store
}

func (*optionUsage) AddonID() string { return OptionUsageID }

func (a *optionUsage) Decorate(ctx context.Context, items []module.SelectOption, inputs map[string]any, rctx *RunContext) ([]Decoration, error) {
	counters, err := a.store.GetCounters(ctx, rctx.TemplateID, scopeOptionUsage)
	if err != nil {
		return nil, err
	}
	out := make([]Decoration, len(items))
	for i, item := range items {
		out[i] = Decoration{Data: map[string]any{
			"usage_count": counters[optionKey(item)],
		}}
	}
	return out, nil
}

func (a *optionUsage) OnSelection(ctx context.Context, items []module.SelectOption, selected []int, rctx *RunContext) error {
	for _, idx := range selected {
		if idx < 0 || idx >= len(items) {
			continue
		}
		if err := a.store.IncrCounter(ctx, rctx.TemplateID, scopeOptionUsage, optionKey(items[idx]), 1); err != nil {
			return err
		}
	}
	return nil
}

func optionKey(item module.SelectOption) string {
	if item.Label != "" {
		return item.Label
	}
	if s, ok := item.Value.(string); ok {
		return s
	}
	return ""
}

// weightedKeywords scores options by how often the words in their labels
// appeared in past selections for the template.
type weightedKeywords struct {
	store store.Store
}

func (*weightedKeywords) AddonID() string { return WeightedKeywordsID }

func (a *weightedKeywords) Decorate(ctx context.Context, items []module.SelectOption, inputs map[string]any, rctx *RunContext) ([]Decoration, error) {
	weights, err := a.store.GetCounters(ctx, rctx.TemplateID, scopeKeywords)
	if err != nil {
		return nil, err
	}
	out := make([]Decoration, len(items))
	for i, item := range items {
		var score int64
		for _, word := range keywords(item.Label) {
			score += weights[word]
		}
		out[i] = Decoration{Data: map[string]any{"keyword_weight": score}}
	}
	return out, nil
}

func (a *weightedKeywords) OnSelection(ctx context.Context, items []module.SelectOption, selected []int, rctx *RunContext) error {
	for _, idx := range selected {
		if idx < 0 || idx >= len(items) {
			continue
		}
		for _, word := range keywords(items[idx].Label) {
			if err := a.store.IncrCounter(ctx, rctx.TemplateID, scopeKeywords, word, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

func keywords(label string) []string {
	fields := strings.Fields(strings.ToLower(label))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}
