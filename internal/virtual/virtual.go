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

// Package virtual runs workflows in a disposable sandbox. Each call
// builds a fresh in-memory store, restores the caller's previous state
// from an opaque blob, runs the real engine against it, and exports a
// new blob. Nothing touches the durable database, so clients can preview
// workflow edits without side effects.
package virtual

import (
	"context"
	"log/slog"

	"github.com/tombee/ensemble/internal/addons"
	"github.com/tombee/ensemble/internal/engine"
	"github.com/tombee/ensemble/internal/events"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/module"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/resolver"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/internal/version"
	"github.com/tombee/ensemble/pkg/errors"
)

// Sandbox builds per-call virtual namespaces.
type Sandbox struct {
	logger *slog.Logger
}

// New returns a sandbox.
func New(logger *slog.Logger) *Sandbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sandbox{logger: log.WithComponent(logger, "virtual")}
}

// StartRequest starts a virtual run.
type StartRequest struct {
	UserID   string
	Workflow map[string]any
	// Blob restores a previous virtual namespace; empty starts fresh.
	Blob   []byte
	Target *engine.Target
	Mock   bool
}

// RespondRequest resumes a suspended virtual run.
type RespondRequest struct {
	UserID        string
	Workflow      map[string]any
	Blob          []byte
	RunID         string
	InteractionID string
	Response      *module.InteractionResponse
	Target        *engine.Target
	Mock          bool
}

// Result is an engine response plus the exported namespace. Blob is
// populated on every return, errors included, so the caller never loses
// sandbox state.
type Result struct {
	Response *engine.Response
	RunID    string
	Blob     []byte
}

// session is one sandbox namespace: a memory store with the full engine
// stack wired over it.
type session struct {
	st       *store.Memory
	eng      *engine.Engine
	versions *version.Service
}

func (s *Sandbox) newSession(blob []byte) (*session, error) {
	st := store.NewMemory()
	if len(blob) > 0 {
		if err := st.Import(blob); err != nil {
			return nil, &errors.ValidationError{Path: "blob", Message: "state blob is not a valid namespace export: " + err.Error()}
		}
	}
	evs := events.New(st, s.logger)
	versions := version.NewService(st, s.logger)
	q := queue.New(st, s.logger)
	registry := module.NewRegistry(module.Builtins(q))
	pipeline := addons.NewPipeline(addons.Builtins(st), s.logger)
	eng := engine.New(st, evs, versions, registry, resolver.New(s.logger), pipeline, s.logger)
	return &session{st: st, eng: eng, versions: versions}, nil
}

// export attaches the namespace blob to whatever outcome the call had.
func (s *Sandbox) export(sess *session, result *Result, callErr error) (*Result, error) {
	blob, err := sess.st.Export()
	if err != nil {
		if callErr != nil {
			return result, callErr
		}
		return result, errors.Wrap(err, "exporting virtual namespace")
	}
	result.Blob = blob
	return result, callErr
}

// Start registers the workflow in the sandbox and drives a fresh run.
func (s *Sandbox) Start(ctx context.Context, req StartRequest) (*Result, error) {
	sess, err := s.newSession(req.Blob)
	if err != nil {
		return nil, err
	}
	result := &Result{}

	registered, err := sess.versions.Register(ctx, req.UserID, req.Workflow, nil)
	if err != nil {
		return s.export(sess, result, err)
	}
	versionID := registered.VersionID
	if len(registered.Variants) > 0 {
		// Preview the first flattened variant of a grouped workflow.
		versionID = registered.Variants[0].VersionID
	}

	resp, err := sess.eng.Start(ctx, engine.StartRequest{
		VersionID: versionID,
		UserID:    req.UserID,
		Target:    req.Target,
		Mock:      req.Mock,
	})
	if resp != nil {
		result.Response = resp
		result.RunID = resp.RunID
	}
	return s.export(sess, result, err)
}

// Respond resumes a virtual run restored from the blob.
func (s *Sandbox) Respond(ctx context.Context, req RespondRequest) (*Result, error) {
	if len(req.Blob) == 0 {
		return nil, &errors.ValidationError{Path: "blob", Message: "responding requires the state blob from the previous call"}
	}
	sess, err := s.newSession(req.Blob)
	if err != nil {
		return nil, err
	}
	result := &Result{RunID: req.RunID}

	resp, err := sess.eng.Respond(ctx, engine.RespondRequest{
		RunID:         req.RunID,
		InteractionID: req.InteractionID,
		Response:      req.Response,
		// Passing the workflow back lets edited previews take effect
		// mid-run; an unchanged workflow hashes to the same version.
		UpdatedWorkflow: req.Workflow,
		Target:          req.Target,
		Mock:            req.Mock,
	})
	if resp != nil {
		result.Response = resp
		result.RunID = resp.RunID
	}
	return s.export(sess, result, err)
}
