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

package version

import (
	"context"
	"io/fs"
	"log/slog"
	"time"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// Service is the content-addressed version store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService returns a version service backed by the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: log.WithComponent(logger, "version")}
}

// RegisterResult describes the outcome of a workflow upload.
type RegisterResult struct {
	TemplateID  string
	VersionID   string
	VersionType store.VersionType
	IsNew       bool
	Variants    []VariantVersion
}

// VariantVersion is one persisted flattening of an unresolved upload.
type VariantVersion struct {
	VersionID     string
	IsNew         bool
	Requires      []store.Requirement
	SelectedPaths map[string]string
}

// GetOrCreateTemplate upserts a template by (user, name).
func (s *Service) GetOrCreateTemplate(ctx context.Context, userID, name string) (string, error) {
	existing, err := s.store.FindTemplate(ctx, userID, name)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	tmpl := &store.Template{ID: ids.New(), UserID: userID, Name: name, CreatedAt: time.Now().UTC()}
	switch err := s.store.InsertTemplate(ctx, tmpl); {
	case err == nil:
		return tmpl.ID, nil
	case errors.Is(err, store.ErrDuplicate):
		// Lost an insert race; the winner's document is authoritative.
		existing, err := s.store.FindTemplate(ctx, userID, name)
		if err != nil {
			return "", err
		}
		return existing.ID, nil
	default:
		return "", err
	}
}

// GetOrCreateVersion persists a raw runnable version keyed by content
// hash, reusing an existing document on hit. Returns the version id and
// whether a new document was created.
func (s *Service) GetOrCreateVersion(ctx context.Context, templateID, hash, sourceType string, resolved map[string]any) (string, bool, error) {
	return s.getOrCreate(ctx, &store.Version{
		TemplateID:  templateID,
		ContentHash: hash,
		SourceType:  sourceType,
		VersionType: store.VersionTypeRaw,
		Resolved:    resolved,
	})
}

// GetVersion retrieves a version document.
func (s *Service) GetVersion(ctx context.Context, id string) (*store.Version, error) {
	v, err := s.store.GetVersion(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "workflow_version", ID: id}
	}
	return v, err
}

// ListResolved returns the resolved children of an unresolved parent.
func (s *Service) ListResolved(ctx context.Context, parentID string) ([]*store.Version, error) {
	return s.store.ListVersionsByParent(ctx, parentID)
}

// Register is the full upload path: inline $refs, canonicalize and hash,
// classify raw versus unresolved, and persist every execution-group
// variant with parent linkage. Identical canonical JSON reuses the
// existing version documents.
func (s *Service) Register(ctx context.Context, userID string, workflow map[string]any, fsys fs.FS) (*RegisterResult, error) {
	resolved, err := ResolveRefs(workflow, fsys)
	if err != nil {
		return nil, err
	}

	workflowID, _ := resolved["workflow_id"].(string)
	if workflowID == "" {
		return nil, &errors.ValidationError{Path: "workflow_id", Message: "workflow_id is required"}
	}
	if _, ok := resolved["steps"].([]any); !ok {
		return nil, &errors.ValidationError{Path: "steps", Message: "steps must be a list"}
	}

	templateID, err := s.GetOrCreateTemplate(ctx, userID, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, "upserting template")
	}

	hash := Hash(resolved)

	if !HasExecutionGroups(resolved) {
		id, isNew, err := s.GetOrCreateVersion(ctx, templateID, hash, "json", resolved)
		if err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "workflow registered",
			"template_id", templateID, "version_id", id, "version_type", store.VersionTypeRaw, "is_new", isNew)
		return &RegisterResult{
			TemplateID:  templateID,
			VersionID:   id,
			VersionType: store.VersionTypeRaw,
			IsNew:       isNew,
		}, nil
	}

	parentID, parentNew, err := s.getOrCreate(ctx, &store.Version{
		TemplateID:  templateID,
		ContentHash: hash,
		SourceType:  "json",
		VersionType: store.VersionTypeUnresolved,
		Resolved:    resolved,
	})
	if err != nil {
		return nil, err
	}

	variants, err := ExpandExecutionGroups(resolved)
	if err != nil {
		return nil, err
	}

	result := &RegisterResult{
		TemplateID:  templateID,
		VersionID:   parentID,
		VersionType: store.VersionTypeUnresolved,
		IsNew:       parentNew,
	}
	for _, v := range variants {
		id, isNew, err := s.getOrCreate(ctx, &store.Version{
			TemplateID:      templateID,
			ContentHash:     Hash(v.Workflow),
			SourceType:      "json",
			VersionType:     store.VersionTypeResolved,
			ParentVersionID: parentID,
			Requires:        v.Requires,
			SelectedPaths:   v.SelectedPaths,
			Resolved:        v.Workflow,
		})
		if err != nil {
			return nil, err
		}
		result.Variants = append(result.Variants, VariantVersion{
			VersionID:     id,
			IsNew:         isNew,
			Requires:      v.Requires,
			SelectedPaths: v.SelectedPaths,
		})
	}

	s.logger.InfoContext(ctx, "workflow registered",
		"template_id", templateID, "version_id", parentID,
		"version_type", store.VersionTypeUnresolved, "variants", len(result.Variants))
	return result, nil
}

// getOrCreate looks a version up by (template, hash), inserting on miss.
// Insert races resolve to the winner's document.
func (s *Service) getOrCreate(ctx context.Context, v *store.Version) (string, bool, error) {
	existing, err := s.store.FindVersionByHash(ctx, v.TemplateID, v.ContentHash)
	if err == nil {
		return existing.ID, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", false, err
	}

	v.ID = ids.New()
	v.CreatedAt = time.Now().UTC()
	switch err := s.store.InsertVersion(ctx, v); {
	case err == nil:
		return v.ID, true, nil
	case errors.Is(err, store.ErrDuplicate):
		existing, err := s.store.FindVersionByHash(ctx, v.TemplateID, v.ContentHash)
		if err != nil {
			return "", false, err
		}
		return existing.ID, false, nil
	default:
		return "", false, err
	}
}
