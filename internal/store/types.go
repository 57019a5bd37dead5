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

package store

import "time"

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	// RunStatusCreated indicates the run exists but has not started executing.
	RunStatusCreated RunStatus = "created"
	// RunStatusProcessing indicates the engine is currently driving the run.
	RunStatusProcessing RunStatus = "processing"
	// RunStatusAwaitingInput indicates the run is suspended on an interaction.
	RunStatusAwaitingInput RunStatus = "awaiting_input"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusError indicates the run stopped on a module or engine error.
	RunStatusError RunStatus = "error"
	// RunStatusValidationFailed indicates the run never started due to
	// workflow validation failures.
	RunStatusValidationFailed RunStatus = "validation_failed"
)

// VersionType classifies a workflow version.
type VersionType string

const (
	// VersionTypeRaw is an original upload with no execution-group
	// meta-nodes; directly runnable.
	VersionTypeRaw VersionType = "raw"
	// VersionTypeUnresolved is an original upload containing
	// execution-group meta-nodes; not runnable.
	VersionTypeUnresolved VersionType = "unresolved"
	// VersionTypeResolved is a specific flattening of an unresolved
	// parent; runnable.
	VersionTypeResolved VersionType = "resolved"
)

// TaskStatus represents the lifecycle state of a queue task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task is waiting to be claimed.
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusProcessing indicates a worker holds a claim on the task.
	TaskStatusProcessing TaskStatus = "processing"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task finished with an error.
	TaskStatusFailed TaskStatus = "failed"
)

// User is an account record. Credentials are opaque to the engine.
type User struct {
	ID          string    `json:"user_id" bson:"_id"`
	Credentials string    `json:"credentials,omitempty" bson:"credentials,omitempty"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// Template is the stable identity of a workflow: one template has many
// versions. (user_id, name) is unique.
type Template struct {
	ID        string    `json:"template_id" bson:"_id"`
	UserID    string    `json:"user_id" bson:"user_id"`
	Name      string    `json:"template_name" bson:"template_name"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Requirement is a client capability demanded by a resolved version,
// accumulated from the execution-group paths chosen during expansion.
type Requirement struct {
	Capability string `json:"capability" bson:"capability"`
	Priority   int    `json:"priority" bson:"priority"`
}

// Version is a content-addressed workflow version.
// (template_id, content_hash) is unique.
type Version struct {
	ID              string         `json:"version_id" bson:"_id"`
	TemplateID      string         `json:"template_id" bson:"template_id"`
	ContentHash     string         `json:"content_hash" bson:"content_hash"`
	SourceType      string         `json:"source_type" bson:"source_type"`
	VersionType     VersionType    `json:"version_type" bson:"version_type"`
	ParentVersionID string         `json:"parent_workflow_version_id,omitempty" bson:"parent_workflow_version_id,omitempty"`
	Requires        []Requirement  `json:"requires,omitempty" bson:"requires,omitempty"`
	SelectedPaths   map[string]string `json:"selected_paths,omitempty" bson:"selected_paths,omitempty"`
	Resolved        map[string]any `json:"resolved_workflow" bson:"resolved_workflow"`
	CreatedAt       time.Time      `json:"created_at" bson:"created_at"`
}

// Run is one execution of a workflow version for a user.
type Run struct {
	ID               string    `json:"workflow_run_id" bson:"_id"`
	TemplateID       string    `json:"template_id" bson:"template_id"`
	UserID           string    `json:"user_id" bson:"user_id"`
	CurrentVersionID string    `json:"current_workflow_version_id" bson:"current_workflow_version_id"`
	CurrentBranchID  string    `json:"current_branch_id" bson:"current_branch_id"`
	ProjectName      string    `json:"project_name,omitempty" bson:"project_name,omitempty"`
	Status           RunStatus `json:"status" bson:"status"`
	CreatedAt        time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}

// LineageEntry is one element of a branch lineage. Every entry except
// the last carries a cutoff; the last entry is the branch itself with a
// nil cutoff.
type LineageEntry struct {
	BranchID      string  `json:"branch_id" bson:"branch_id"`
	CutoffEventID *string `json:"cutoff_event_id" bson:"cutoff_event_id"`
}

// Branch is an execution lineage within a run. Branches are immutable
// after creation beyond appending their own events.
type Branch struct {
	ID        string         `json:"branch_id" bson:"_id"`
	RunID     string         `json:"workflow_run_id" bson:"workflow_run_id"`
	Lineage   []LineageEntry `json:"lineage" bson:"lineage"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
}

// Event is one append-only record in a run's event log.
type Event struct {
	ID         string         `json:"event_id" bson:"_id"`
	RunID      string         `json:"workflow_run_id" bson:"workflow_run_id"`
	BranchID   string         `json:"branch_id" bson:"branch_id"`
	VersionID  string         `json:"workflow_version_id" bson:"workflow_version_id"`
	Type       string         `json:"event_type" bson:"event_type"`
	StepID     string         `json:"step_id,omitempty" bson:"step_id,omitempty"`
	ModuleName string         `json:"module_name,omitempty" bson:"module_name,omitempty"`
	Data       map[string]any `json:"data,omitempty" bson:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp" bson:"timestamp"`
}

// File is a branch-scoped workflow file, content addressed by logical
// path. (run, branch, category, group_id, filename) is unique.
type File struct {
	ID          string    `json:"file_id" bson:"_id"`
	RunID       string    `json:"workflow_run_id" bson:"workflow_run_id"`
	BranchID    string    `json:"branch_id" bson:"branch_id"`
	Category    string    `json:"category" bson:"category"`
	GroupID     string    `json:"group_id,omitempty" bson:"group_id,omitempty"`
	Filename    string    `json:"filename" bson:"filename"`
	ContentType string    `json:"content_type" bson:"content_type"`
	Content     any       `json:"content" bson:"content"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
}

// TaskProgress is the last progress report on a queue task.
type TaskProgress struct {
	ElapsedMS int64     `json:"elapsed_ms" bson:"elapsed_ms"`
	Message   string    `json:"message" bson:"message"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// TaskError carries the classification of a failed queue task.
type TaskError struct {
	Type    string         `json:"type" bson:"type"`
	Message string         `json:"message" bson:"message"`
	Details map[string]any `json:"details,omitempty" bson:"details,omitempty"`
	Stack   string         `json:"stack,omitempty" bson:"stack,omitempty"`
}

// Task is one queue entry.
type Task struct {
	ID               string         `json:"task_id" bson:"_id"`
	Actor            string         `json:"actor" bson:"actor"`
	Payload          map[string]any `json:"payload" bson:"payload"`
	Status           TaskStatus     `json:"status" bson:"status"`
	ConcurrencyGroup string         `json:"concurrency_group" bson:"concurrency_group"`
	WorkerID         string         `json:"worker_id,omitempty" bson:"worker_id,omitempty"`
	CreatedAt        time.Time      `json:"created_at" bson:"created_at"`
	ClaimedAt        *time.Time     `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	HeartbeatAt      *time.Time     `json:"heartbeat_at,omitempty" bson:"heartbeat_at,omitempty"`
	Progress         *TaskProgress  `json:"progress,omitempty" bson:"progress,omitempty"`
	Result           map[string]any `json:"result,omitempty" bson:"result,omitempty"`
	Error            *TaskError     `json:"error,omitempty" bson:"error,omitempty"`
}

// Generation links a workflow interaction to externally produced content.
type Generation struct {
	ID            string         `json:"generation_id" bson:"_id"`
	RunID         string         `json:"workflow_run_id" bson:"workflow_run_id"`
	InteractionID string         `json:"interaction_id" bson:"interaction_id"`
	Provider      string         `json:"provider" bson:"provider"`
	Metadata      map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at" bson:"created_at"`
}

// ContentItem is the artifact half of a generated-content pair.
type ContentItem struct {
	ID           string         `json:"content_id" bson:"_id"`
	GenerationID string         `json:"generation_id" bson:"generation_id"`
	ContentType  string         `json:"content_type" bson:"content_type"`
	Content      any            `json:"content" bson:"content"`
	Metadata     map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" bson:"created_at"`
}

// Counter is a small keyed counter scoped to a template, used by the
// option-usage and weighted-keywords addons. Cross-template access is
/// denied by construction: every operation takes the template id.
type Counter struct {
	TemplateID string `json:"template_id" bson:"template_id"`
	Scope      string `json:"scope" bson:"scope"`
	Key        string `json:"key" bson:"key"`
	Count      int64  `json:"count" bson:"count"`
}
