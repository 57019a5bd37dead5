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

// Package store defines the document-store abstraction the engine runs
// against, with a MongoDB implementation for durable deployments and an
// in-memory implementation backing tests and the virtual sandbox.
//
// All writes are durable before acknowledgement (memory writes complete
// under lock; Mongo writes use acknowledged write concern). The store is
// deliberately primitive: lineage semantics, version resolution, and
// queue scheduling live in the layers above.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations. Higher layers wrap
// these into the classified error types in pkg/errors.
var (
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a write violates a unique index.
	ErrDuplicate = errors.New("store: duplicate key")
)

// EventFilter narrows an event query. Zero values mean "no filter".
// Results are always sorted ascending by timestamp (equivalently, by
// event id — ids are time-sortable).
type EventFilter struct {
	// Types restricts to the given event types.
	Types []string
	// StepID restricts to events for one step.
	StepID string
	// Module restricts to events for one module name.
	Module string
	// Since restricts to events at or after the given time.
	Since time.Time
	// Limit caps the number of results (0 = unlimited).
	Limit int
}

// Store is the document-store contract. Every method takes a context and
// returns ErrNotFound / ErrDuplicate where applicable.
type Store interface {
	// Users

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Templates

	InsertTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	// FindTemplate looks up by the (user_id, name) unique key.
	FindTemplate(ctx context.Context, userID, name string) (*Template, error)

	// Versions

	InsertVersion(ctx context.Context, v *Version) error
	GetVersion(ctx context.Context, id string) (*Version, error)
	// FindVersionByHash looks up by the (template_id, content_hash) unique key.
	FindVersionByHash(ctx context.Context, templateID, hash string) (*Version, error)
	// ListVersionsByParent returns the resolved children of an unresolved
	// parent, ordered by version id.
	ListVersionsByParent(ctx context.Context, parentID string) ([]*Version, error)

	// Runs

	InsertRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	// CompareAndSwapRunStatus atomically transitions the run's status from
	// "from" to "to". Returns false without mutating when the current
	// status differs from "from".
	CompareAndSwapRunStatus(ctx context.Context, runID string, from, to RunStatus) (bool, error)

	// Branches

	InsertBranch(ctx context.Context, b *Branch) error
	GetBranch(ctx context.Context, id string) (*Branch, error)
	ListBranches(ctx context.Context, runID string) ([]*Branch, error)

	// Events

	InsertEvent(ctx context.Context, e *Event) error
	// FindEvents returns a run's events matching the filter, ascending by
	// timestamp. No branch semantics are applied (raw access).
	FindEvents(ctx context.Context, runID string, f EventFilter) ([]*Event, error)
	// FindBranchEvents returns one branch's events with id <= maxEventID
	// (maxEventID == "" means uncapped), ascending by event id. This is
	// the primitive the lineage replay query is built from.
	FindBranchEvents(ctx context.Context, runID, branchID, maxEventID string, types []string) ([]*Event, error)
	DeleteRunEvents(ctx context.Context, runID string) (int64, error)

	// Files

	// UpsertFile writes a file, replacing any existing document with the
	// same (run, branch, category, group_id, filename) key.
	UpsertFile(ctx context.Context, f *File) error
	FindFile(ctx context.Context, runID, branchID, category, groupID, filename string) (*File, error)
	ListFiles(ctx context.Context, runID, branchID, category string) ([]*File, error)

	// Task queue

	InsertTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	// FindQueuedByGroup returns queued tasks for the group, oldest first.
	FindQueuedByGroup(ctx context.Context, group string, limit int) ([]*Task, error)
	CountProcessing(ctx context.Context, group string) (int, error)
	// ClaimTask conditionally moves a queued task to processing, capturing
	// the worker id and claim time, only while the group's processing
	// count is strictly below maxConcurrent. Returns (nil, nil) when the
	// task is no longer queued or all slots are occupied; storage is not
	// mutated in that case.
	ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int, now time.Time) (*Task, error)
	UpdateTaskHeartbeat(ctx context.Context, taskID string, at time.Time) error
	UpdateTaskProgress(ctx context.Context, taskID string, p *TaskProgress) error
	CompleteTask(ctx context.Context, taskID string, result map[string]any) error
	FailTask(ctx context.Context, taskID string, terr *TaskError) error
	// RecoverStaleTasks moves processing tasks whose heartbeat is older
	// than threshold back to queued, clearing their worker id. Returns
	// the number of recovered tasks.
	RecoverStaleTasks(ctx context.Context, threshold time.Time) (int64, error)

	// Generated content

	InsertGeneration(ctx context.Context, g *Generation) error
	InsertContentItem(ctx context.Context, c *ContentItem) error
	ListGenerationsByRun(ctx context.Context, runID string) ([]*Generation, error)
	GetContentItem(ctx context.Context, id string) (*ContentItem, error)

	// Addon counters (template-scoped)

	IncrCounter(ctx context.Context, templateID, scope, key string, delta int64) error
	GetCounters(ctx context.Context, templateID, scope string) (map[string]int64, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error
}
