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

package worker

import (
	"context"
	"time"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// MediaActorName is the actor name media_generation tasks are enqueued
// under.
const MediaActorName = "media"

// Artifact is one piece of provider-generated content.
type Artifact struct {
	ContentType string
	Content     any
	Metadata    map[string]any
}

// Provider turns a prompt into artifacts. Implementations wrap external
// generation services; failures should be ProviderErrors so retryability
// survives classification.
type Provider interface {
	Generate(ctx context.Context, prompt string, params map[string]any, progress ProgressFunc) ([]Artifact, error)
}

// MediaActor executes media generation tasks: it routes the task to the
// named provider, then persists a generation record and one content item
// per artifact. Each provider is its own concurrency group, so a slow
// provider cannot starve the others.
type MediaActor struct {
	store     store.Store
	providers map[string]Provider
	caps      map[string]int
}

// NewMediaActor builds the actor. caps sets per-provider concurrency;
// providers missing from caps default to 1.
func NewMediaActor(st store.Store, providers map[string]Provider, caps map[string]int) *MediaActor {
	return &MediaActor{store: st, providers: providers, caps: caps}
}

// Name implements Actor.
func (a *MediaActor) Name() string { return MediaActorName }

// Groups implements Actor.
func (a *MediaActor) Groups() map[string]int {
	out := make(map[string]int, len(a.providers))
	for name := range a.providers {
		max := a.caps[name]
		if max < 1 {
			max = 1
		}
		out[name] = max
	}
	return out
}

// Execute implements Actor.
func (a *MediaActor) Execute(ctx context.Context, task *store.Task, progress ProgressFunc) (map[string]any, error) {
	providerName, _ := task.Payload["provider"].(string)
	prompt, _ := task.Payload["prompt"].(string)
	params, _ := task.Payload["params"].(map[string]any)
	runID, _ := task.Payload["workflow_run_id"].(string)
	interactionID, _ := task.Payload["interaction_id"].(string)

	provider, ok := a.providers[providerName]
	if !ok {
		return nil, &errors.ProviderError{
			Provider: providerName,
			Kind:     "unknown_provider",
			Message:  "no provider registered under " + providerName,
		}
	}

	artifacts, err := provider.Generate(ctx, prompt, params, progress)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	generation := &store.Generation{
		ID:            ids.New(),
		RunID:         runID,
		InteractionID: interactionID,
		Provider:      providerName,
		Metadata:      map[string]any{"prompt": prompt},
		CreatedAt:     now,
	}
	if err := a.store.InsertGeneration(ctx, generation); err != nil {
		return nil, errors.Wrap(err, "storing generation")
	}

	contentIDs := make([]any, 0, len(artifacts))
	for _, artifact := range artifacts {
		item := &store.ContentItem{
			ID:           ids.New(),
			GenerationID: generation.ID,
			ContentType:  artifact.ContentType,
			Content:      artifact.Content,
			Metadata:     artifact.Metadata,
			CreatedAt:    now,
		}
		if err := a.store.InsertContentItem(ctx, item); err != nil {
			return nil, errors.Wrap(err, "storing content item")
		}
		contentIDs = append(contentIDs, item.ID)
	}

	return map[string]any{
		"generation_id": generation.ID,
		"content_ids":   contentIDs,
		"count":         len(artifacts),
	}, nil
}
