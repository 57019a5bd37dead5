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

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory Store. It is thread-safe and returns deep
// copies so callers cannot mutate stored state. It backs tests and the
// virtual sandbox, where an entire namespace round-trips through
// Export/Import.
type Memory struct {
	mu           sync.RWMutex
	users        map[string]*User
	templates    map[string]*Template
	versions     map[string]*Version
	runs         map[string]*Run
	branches     map[string]*Branch
	events       map[string]*Event
	files        map[string]*File
	tasks        map[string]*Task
	generations  map[string]*Generation
	contentItems map[string]*ContentItem
	counters     map[string]int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:        make(map[string]*User),
		templates:    make(map[string]*Template),
		versions:     make(map[string]*Version),
		runs:         make(map[string]*Run),
		branches:     make(map[string]*Branch),
		events:       make(map[string]*Event),
		files:        make(map[string]*File),
		tasks:        make(map[string]*Task),
		generations:  make(map[string]*Generation),
		contentItems: make(map[string]*ContentItem),
		counters:     make(map[string]int64),
	}
}

var _ Store = (*Memory)(nil)

// CreateUser stores a new user.
func (m *Memory) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.ID]; exists {
		return ErrDuplicate
	}
	m.users[u.ID] = copyUser(u)
	return nil
}

// GetUser retrieves a user by id.
func (m *Memory) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

// InsertTemplate stores a template, enforcing (user_id, name) uniqueness.
func (m *Memory) InsertTemplate(ctx context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[t.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range m.templates {
		if existing.UserID == t.UserID && existing.Name == t.Name {
			return ErrDuplicate
		}
	}
	m.templates[t.ID] = copyTemplate(t)
	return nil
}

// GetTemplate retrieves a template by id.
func (m *Memory) GetTemplate(ctx context.Context, id string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTemplate(t), nil
}

// FindTemplate looks up a template by (user_id, name).
func (m *Memory) FindTemplate(ctx context.Context, userID, name string) (*Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.UserID == userID && t.Name == name {
			return copyTemplate(t), nil
		}
	}
	return nil, ErrNotFound
}

// InsertVersion stores a version, enforcing (template_id, content_hash)
// uniqueness.
func (m *Memory) InsertVersion(ctx context.Context, v *Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.versions[v.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range m.versions {
		if existing.TemplateID == v.TemplateID && existing.ContentHash == v.ContentHash {
			return ErrDuplicate
		}
	}
	m.versions[v.ID] = copyVersion(v)
	return nil
}

// GetVersion retrieves a version by id.
func (m *Memory) GetVersion(ctx context.Context, id string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVersion(v), nil
}

// FindVersionByHash looks up a version by (template_id, content_hash).
func (m *Memory) FindVersionByHash(ctx context.Context, templateID, hash string) (*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.TemplateID == templateID && v.ContentHash == hash {
			return copyVersion(v), nil
		}
	}
	return nil, ErrNotFound
}

// ListVersionsByParent returns the resolved children of a parent version,
// ordered by version id.
func (m *Memory) ListVersionsByParent(ctx context.Context, parentID string) ([]*Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Version
	for _, v := range m.versions {
		if v.ParentVersionID == parentID {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertRun stores a new run.
func (m *Memory) InsertRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; exists {
		return ErrDuplicate
	}
	m.runs[r.ID] = copyRun(r)
	return nil
}

// GetRun retrieves a run by id.
func (m *Memory) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(r), nil
}

// UpdateRun replaces a run document.
func (m *Memory) UpdateRun(ctx context.Context, r *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[r.ID]; !exists {
		return ErrNotFound
	}
	updated := copyRun(r)
	updated.UpdatedAt = time.Now().UTC()
	m.runs[r.ID] = updated
	return nil
}

// CompareAndSwapRunStatus atomically transitions a run's status.
func (m *Memory) CompareAndSwapRunStatus(ctx context.Context, runID string, from, to RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	return true, nil
}

// InsertBranch stores a new branch.
func (m *Memory) InsertBranch(ctx context.Context, b *Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.branches[b.ID]; exists {
		return ErrDuplicate
	}
	m.branches[b.ID] = copyBranch(b)
	return nil
}

// GetBranch retrieves a branch by id.
func (m *Memory) GetBranch(ctx context.Context, id string) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBranch(b), nil
}

// ListBranches returns all branches of a run, ordered by branch id.
func (m *Memory) ListBranches(ctx context.Context, runID string) ([]*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Branch
	for _, b := range m.branches {
		if b.RunID == runID {
			out = append(out, copyBranch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertEvent appends an event. Events are immutable once written.
func (m *Memory) InsertEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[e.ID]; exists {
		return ErrDuplicate
	}
	m.events[e.ID] = copyEvent(e)
	return nil
}

// FindEvents returns a run's events matching the filter, ascending by
// timestamp.
func (m *Memory) FindEvents(ctx context.Context, runID string, f EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.RunID != runID {
			continue
		}
		if !matchesFilter(e, f) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// FindBranchEvents returns one branch's events with id <= maxEventID,
// ascending by event id.
func (m *Memory) FindBranchEvents(ctx context.Context, runID, branchID, maxEventID string, types []string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events {
		if e.RunID != runID || e.BranchID != branchID {
			continue
		}
		if maxEventID != "" && e.ID > maxEventID {
			continue
		}
		if len(types) > 0 && !containsString(types, e.Type) {
			continue
		}
		out = append(out, copyEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteRunEvents removes every event of a run. Admin-only.
func (m *Memory) DeleteRunEvents(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.events {
		if e.RunID == runID {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// UpsertFile writes a file, replacing any prior document with the same
// logical path key.
func (m *Memory) UpsertFile(ctx context.Context, f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.files {
		if existing.RunID == f.RunID && existing.BranchID == f.BranchID &&
			existing.Category == f.Category && existing.GroupID == f.GroupID &&
			existing.Filename == f.Filename {
			delete(m.files, id)
			break
		}
	}
	m.files[f.ID] = copyFile(f)
	return nil
}

// FindFile looks up a file by its logical path key.
func (m *Memory) FindFile(ctx context.Context, runID, branchID, category, groupID, filename string) (*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		if f.RunID == runID && f.BranchID == branchID && f.Category == category &&
			f.GroupID == groupID && f.Filename == filename {
			return copyFile(f), nil
		}
	}
	return nil, ErrNotFound
}

// ListFiles returns all files for a (run, branch, category), ordered by
// filename.
func (m *Memory) ListFiles(ctx context.Context, runID, branchID, category string) ([]*File, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*File
	for _, f := range m.files {
		if f.RunID == runID && f.BranchID == branchID && f.Category == category {
			out = append(out, copyFile(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out, nil
}

// InsertTask stores a new queue task.
func (m *Memory) InsertTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return ErrDuplicate
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

// GetTask retrieves a task by id.
func (m *Memory) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// FindQueuedByGroup returns queued tasks for a group, oldest first.
func (m *Memory) FindQueuedByGroup(ctx context.Context, group string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == TaskStatusQueued && t.ConcurrencyGroup == group {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountProcessing counts tasks currently processing in a group.
func (m *Memory) CountProcessing(ctx context.Context, group string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countProcessingLocked(group), nil
}

func (m *Memory) countProcessingLocked(group string) int {
	n := 0
	for _, t := range m.tasks {
		if t.Status == TaskStatusProcessing && t.ConcurrencyGroup == group {
			n++
		}
	}
	return n
}

// ClaimTask conditionally moves a queued task to processing. The status
// check and the concurrency-cap check happen under one lock, so the cap
// invariant holds for concurrent claimers.
func (m *Memory) ClaimTask(ctx context.Context, taskID, workerID, group string, maxConcurrent int, now time.Time) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != TaskStatusQueued {
		return nil, nil
	}
	if m.countProcessingLocked(group) >= maxConcurrent {
		return nil, nil
	}
	t.Status = TaskStatusProcessing
	t.WorkerID = workerID
	claimed := now.UTC()
	t.ClaimedAt = &claimed
	t.HeartbeatAt = &claimed
	return copyTask(t), nil
}

// UpdateTaskHeartbeat refreshes a task's heartbeat time.
func (m *Memory) UpdateTaskHeartbeat(ctx context.Context, taskID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	hb := at.UTC()
	t.HeartbeatAt = &hb
	return nil
}

// UpdateTaskProgress records a progress report on a task.
func (m *Memory) UpdateTaskProgress(ctx context.Context, taskID string, p *TaskProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	progress := *p
	t.Progress = &progress
	return nil
}

// CompleteTask marks a task completed with its result.
func (m *Memory) CompleteTask(ctx context.Context, taskID string, result map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = TaskStatusCompleted
	t.Result = copyAnyMap(result)
	return nil
}

// FailTask marks a task failed with its error classification.
func (m *Memory) FailTask(ctx context.Context, taskID string, terr *TaskError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = TaskStatusFailed
	failure := *terr
	t.Error = &failure
	return nil
}

// RecoverStaleTasks moves processing tasks whose heartbeat predates the
// threshold back to queued.
func (m *Memory) RecoverStaleTasks(ctx context.Context, threshold time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, t := range m.tasks {
		if t.Status != TaskStatusProcessing {
			continue
		}
		if t.HeartbeatAt == nil || t.HeartbeatAt.Before(threshold) {
			t.Status = TaskStatusQueued
			t.WorkerID = ""
			t.ClaimedAt = nil
			t.HeartbeatAt = nil
			n++
		}
	}
	return n, nil
}

// InsertGeneration stores a generation record.
func (m *Memory) InsertGeneration(ctx context.Context, g *Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.generations[g.ID]; exists {
		return ErrDuplicate
	}
	m.generations[g.ID] = copyGeneration(g)
	return nil
}

// InsertContentItem stores a content item.
func (m *Memory) InsertContentItem(ctx context.Context, c *ContentItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contentItems[c.ID]; exists {
		return ErrDuplicate
	}
	m.contentItems[c.ID] = copyContentItem(c)
	return nil
}

// ListGenerationsByRun returns a run's generations ordered by id.
func (m *Memory) ListGenerationsByRun(ctx context.Context, runID string) ([]*Generation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Generation
	for _, g := range m.generations {
		if g.RunID == runID {
			out = append(out, copyGeneration(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetContentItem retrieves a content item by id.
func (m *Memory) GetContentItem(ctx context.Context, id string) (*ContentItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contentItems[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyContentItem(c), nil
}

// IncrCounter increments a template-scoped counter.
func (m *Memory) IncrCounter(ctx context.Context, templateID, scope, key string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[counterKey(templateID, scope, key)] += delta
	return nil
}

// GetCounters returns all counters for a (template, scope).
func (m *Memory) GetCounters(ctx context.Context, templateID, scope string) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := counterKey(templateID, scope, "")
	out := make(map[string]int64)
	for k, v := range m.counters {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

func counterKey(templateID, scope, key string) string {
	return templateID + "\x00" + scope + "\x00" + key
}

func matchesFilter(e *Event, f EventFilter) bool {
	if len(f.Types) > 0 && !containsString(f.Types, e.Type) {
		return false
	}
	if f.StepID != "" && e.StepID != f.StepID {
		return false
	}
	if f.Module != "" && e.ModuleName != f.Module {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
