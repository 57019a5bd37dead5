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
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/ids"
)

func newTestEvent(runID, branchID, eventType string) *Event {
	return &Event{
		ID:        ids.New(),
		RunID:     runID,
		BranchID:  branchID,
		VersionID: "v1",
		Type:      eventType,
		Timestamp: time.Now().UTC(),
	}
}

func TestTemplateUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &Template{ID: ids.New(), UserID: "u1", Name: "report"}
	require.NoError(t, m.InsertTemplate(ctx, first))

	dup := &Template{ID: ids.New(), UserID: "u1", Name: "report"}
	assert.ErrorIs(t, m.InsertTemplate(ctx, dup), ErrDuplicate)

	// Same name for a different user is fine.
	other := &Template{ID: ids.New(), UserID: "u2", Name: "report"}
	assert.NoError(t, m.InsertTemplate(ctx, other))

	found, err := m.FindTemplate(ctx, "u1", "report")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestVersionContentHashUniqueness(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v := &Version{ID: ids.New(), TemplateID: "t1", ContentHash: "abc", VersionType: VersionTypeRaw}
	require.NoError(t, m.InsertVersion(ctx, v))

	dup := &Version{ID: ids.New(), TemplateID: "t1", ContentHash: "abc", VersionType: VersionTypeRaw}
	assert.ErrorIs(t, m.InsertVersion(ctx, dup), ErrDuplicate)

	found, err := m.FindVersionByHash(ctx, "t1", "abc")
	require.NoError(t, err)
	assert.Equal(t, v.ID, found.ID)
}

func TestCompareAndSwapRunStatus(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	run := &Run{ID: "r1", Status: RunStatusCreated}
	require.NoError(t, m.InsertRun(ctx, run))

	swapped, err := m.CompareAndSwapRunStatus(ctx, "r1", RunStatusCreated, RunStatusProcessing)
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second CAS from the same expected status must lose.
	swapped, err = m.CompareAndSwapRunStatus(ctx, "r1", RunStatusCreated, RunStatusProcessing)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := m.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusProcessing, got.Status)
}

func TestFindBranchEventsRespectsCutoff(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	e1 := newTestEvent("r1", "b1", "module_started")
	e2 := newTestEvent("r1", "b1", "output_stored")
	e3 := newTestEvent("r1", "b1", "module_completed")
	for _, e := range []*Event{e1, e2, e3} {
		require.NoError(t, m.InsertEvent(ctx, e))
	}

	capped, err := m.FindBranchEvents(ctx, "r1", "b1", e2.ID, nil)
	require.NoError(t, err)
	require.Len(t, capped, 2)
	assert.Equal(t, e1.ID, capped[0].ID)
	assert.Equal(t, e2.ID, capped[1].ID)

	all, err := m.FindBranchEvents(ctx, "r1", "b1", "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	typed, err := m.FindBranchEvents(ctx, "r1", "b1", "", []string{"output_stored"})
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, e2.ID, typed[0].ID)
}

func TestStoredDocumentsDoNotAliasCallerMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	e := newTestEvent("r1", "b1", "output_stored")
	e.Data = map[string]any{"outputs": map[string]any{"value": 1}}
	require.NoError(t, m.InsertEvent(ctx, e))

	// Mutating the caller's map after insert must not affect storage.
	e.Data["outputs"].(map[string]any)["value"] = 99

	got, err := m.FindEvents(ctx, "r1", EventFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Data["outputs"].(map[string]any)["value"])
}

func TestClaimTaskRespectsConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	var taskIDs []string
	for i := 0; i < 5; i++ {
		task := &Task{
			ID:               ids.New(),
			Actor:            "media",
			Status:           TaskStatusQueued,
			ConcurrencyGroup: "providerP",
			CreatedAt:        now.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, m.InsertTask(ctx, task))
		taskIDs = append(taskIDs, task.ID)
	}

	claimed := 0
	for _, id := range taskIDs {
		task, err := m.ClaimTask(ctx, id, "w1", "providerP", 2, now)
		require.NoError(t, err)
		if task != nil {
			claimed++
			assert.Equal(t, TaskStatusProcessing, task.Status)
			assert.Equal(t, "w1", task.WorkerID)
		}
	}
	assert.Equal(t, 2, claimed, "cap of 2 must limit claims")

	n, err := m.CountProcessing(ctx, "providerP")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestConcurrentClaimsHonorGroupCap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()
	const maxConcurrent = 2

	var taskIDs []string
	for i := 0; i < 8; i++ {
		task := &Task{
			ID:               ids.New(),
			Actor:            "media",
			Status:           TaskStatusQueued,
			ConcurrencyGroup: "providerP",
			CreatedAt:        now.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, m.InsertTask(ctx, task))
		taskIDs = append(taskIDs, task.ID)
	}

	// Every claimer races a distinct task, as separate worker processes
	// polling the same group would.
	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i, id := range taskIDs {
		wg.Add(1)
		go func(workerNum int, taskID string) {
			defer wg.Done()
			task, err := m.ClaimTask(ctx, taskID, fmt.Sprintf("w%d", workerNum), "providerP", maxConcurrent, now)
			assert.NoError(t, err)
			if task != nil {
				claimed.Add(1)
			}
		}(i, id)
	}
	wg.Wait()

	assert.Equal(t, int32(maxConcurrent), claimed.Load())
	n, err := m.CountProcessing(ctx, "providerP")
	require.NoError(t, err)
	assert.Equal(t, maxConcurrent, n)
}

func TestClaimTaskFullSlotsDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	a := &Task{ID: ids.New(), Actor: "media", Status: TaskStatusQueued, ConcurrencyGroup: "g", CreatedAt: now}
	b := &Task{ID: ids.New(), Actor: "media", Status: TaskStatusQueued, ConcurrencyGroup: "g", CreatedAt: now}
	require.NoError(t, m.InsertTask(ctx, a))
	require.NoError(t, m.InsertTask(ctx, b))

	claimed, err := m.ClaimTask(ctx, a.ID, "w1", "g", 1, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	denied, err := m.ClaimTask(ctx, b.ID, "w1", "g", 1, now)
	require.NoError(t, err)
	assert.Nil(t, denied)

	got, err := m.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)
}

func TestRecoverStaleTasks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	task := &Task{ID: ids.New(), Actor: "media", Status: TaskStatusQueued, ConcurrencyGroup: "g", CreatedAt: now}
	require.NoError(t, m.InsertTask(ctx, task))

	_, err := m.ClaimTask(ctx, task.ID, "w-dead", "g", 1, now.Add(-time.Minute))
	require.NoError(t, err)

	n, err := m.RecoverStaleTasks(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.HeartbeatAt)

	// A second pass finds nothing to recover.
	n, err = m.RecoverStaleTasks(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileUpsertReplacesByLogicalPath(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	first := &File{ID: ids.New(), RunID: "r1", BranchID: "b1", Category: "outputs", Filename: "result.json", ContentType: "json", Content: map[string]any{"v": 1}}
	require.NoError(t, m.UpsertFile(ctx, first))

	second := &File{ID: ids.New(), RunID: "r1", BranchID: "b1", Category: "outputs", Filename: "result.json", ContentType: "json", Content: map[string]any{"v": 2}}
	require.NoError(t, m.UpsertFile(ctx, second))

	got, err := m.FindFile(ctx, "r1", "b1", "outputs", "", "result.json")
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	files, err := m.ListFiles(ctx, "r1", "b1", "outputs")
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestCountersAreTemplateScoped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	require.NoError(t, m.IncrCounter(ctx, "t1", "option_usage", "optA", 2))
	require.NoError(t, m.IncrCounter(ctx, "t1", "option_usage", "optA", 1))
	require.NoError(t, m.IncrCounter(ctx, "t2", "option_usage", "optA", 7))

	got, err := m.GetCounters(ctx, "t1", "option_usage")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"optA": 3}, got)
}
