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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(store.NewMemory(), nil)
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "media", "providerP", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)

	task, err := q.Claim(ctx, id, "w1", "providerP", 1)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, store.TaskStatusProcessing, task.Status)
	assert.Equal(t, "w1", task.WorkerID)

	require.NoError(t, q.Progress(ctx, id, 1500*time.Millisecond, "rendering"))
	require.NoError(t, q.Complete(ctx, id, map[string]any{"url": "file://out.png"}))

	done, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, done.Status)
	assert.Equal(t, map[string]any{"url": "file://out.png"}, done.Result)
	require.NotNil(t, done.Progress)
	assert.Equal(t, int64(1500), done.Progress.ElapsedMS)
}

func TestQueuedByGroupIsFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	first, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)

	queued, err := q.QueuedByGroup(ctx, "g", 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, first, queued[0].ID)
	assert.Equal(t, second, queued[1].ID)
}

func TestClaimReturnsNilWhenGroupFull(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	a, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, a, "w1", "g", 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	denied, err := q.Claim(ctx, b, "w1", "g", 1)
	require.NoError(t, err)
	assert.Nil(t, denied)

	n, err := q.CountProcessing(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFailRecordsClassification(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx, id, "w1", "g", 1)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "rate_limit", "provider throttled", map[string]any{"retry_after": float64(30)}, ""))

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "rate_limit", task.Error.Type)
}

func TestGetUnknownTaskIsNotFound(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Get(ctx, "nope")
	require.Error(t, err)
	var nf *errors.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestWatchTaskEmitsOnChangeAndTerminal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q := newTestQueue(t)

	id, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)

	updates := q.WatchTask(ctx, id, 5*time.Millisecond)

	// First observation: queued.
	first := <-updates
	assert.Equal(t, store.TaskStatusQueued, first.Task.Status)
	assert.False(t, first.Terminal)

	_, err = q.Claim(ctx, id, "w1", "g", 1)
	require.NoError(t, err)
	second := <-updates
	assert.Equal(t, store.TaskStatusProcessing, second.Task.Status)

	require.NoError(t, q.Progress(ctx, id, time.Second, "halfway"))
	third := <-updates
	assert.Equal(t, "halfway", third.Message)

	require.NoError(t, q.Complete(ctx, id, nil))
	var last Update
	for u := range updates {
		last = u
	}
	assert.True(t, last.Terminal)
	assert.Equal(t, store.TaskStatusCompleted, last.Task.Status)
}

func TestRecoverStaleRequeues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := New(st, nil)

	id, err := q.Enqueue(ctx, "media", "g", nil)
	require.NoError(t, err)

	// Claim with a heartbeat in the past, simulating a dead worker.
	_, err = st.ClaimTask(ctx, id, "w-dead", "g", 1, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)

	n, err := q.RecoverStale(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	task, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusQueued, task.Status)
}
