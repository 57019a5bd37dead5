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

// Package queue is the database-backed FIFO task queue shared by the
// engine (producer) and the worker pool (consumer). Per-group
// concurrency caps bound how many tasks of one provider run at once;
// claims are conditional updates so two pollers never run the same task.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/ensemble/internal/ids"
	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// Queue is the task-queue facade over the document store.
type Queue struct {
	store  store.Store
	logger *slog.Logger
}

// New returns a queue backed by the given store.
func New(st store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{store: st, logger: log.WithComponent(logger, "queue")}
}

// Enqueue inserts a queued task for an actor and returns its id.
func (q *Queue) Enqueue(ctx context.Context, actor, group string, payload map[string]any) (string, error) {
	task := &store.Task{
		ID:               ids.New(),
		Actor:            actor,
		Payload:          payload,
		Status:           store.TaskStatusQueued,
		ConcurrencyGroup: group,
		CreatedAt:        time.Now().UTC(),
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", errors.Wrap(err, "enqueuing task")
	}
	q.logger.DebugContext(ctx, "task enqueued", log.TaskIDKey, task.ID, log.GroupKey, group, "actor", actor)
	return task.ID, nil
}

// Get retrieves one task.
func (q *Queue) Get(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := q.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	return task, err
}

// QueuedByGroup returns queued tasks for a group, oldest first.
func (q *Queue) QueuedByGroup(ctx context.Context, group string, limit int) ([]*store.Task, error) {
	return q.store.FindQueuedByGroup(ctx, group, limit)
}

// CountProcessing counts a group's in-flight tasks.
func (q *Queue) CountProcessing(ctx context.Context, group string) (int, error) {
	return q.store.CountProcessing(ctx, group)
}

// Claim moves a queued task to processing for a worker, respecting the
// group's concurrency cap. Returns nil without error when the task is no
// longer claimable or every slot is taken.
func (q *Queue) Claim(ctx context.Context, taskID, workerID, group string, maxConcurrent int) (*store.Task, error) {
	task, err := q.store.ClaimTask(ctx, taskID, workerID, group, maxConcurrent, time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "claiming task")
	}
	if task != nil {
		q.logger.DebugContext(ctx, "task claimed", log.TaskIDKey, taskID, log.GroupKey, group, log.WorkerIDKey, workerID)
	}
	return task, nil
}

// Heartbeat refreshes a claimed task's liveness.
func (q *Queue) Heartbeat(ctx context.Context, taskID string) error {
	return q.store.UpdateTaskHeartbeat(ctx, taskID, time.Now().UTC())
}

// Progress records a progress report on a task.
func (q *Queue) Progress(ctx context.Context, taskID string, elapsed time.Duration, message string) error {
	return q.store.UpdateTaskProgress(ctx, taskID, &store.TaskProgress{
		ElapsedMS: elapsed.Milliseconds(),
		Message:   message,
		UpdatedAt: time.Now().UTC(),
	})
}

// Complete marks a task done with its result.
func (q *Queue) Complete(ctx context.Context, taskID string, result map[string]any) error {
	if err := q.store.CompleteTask(ctx, taskID, result); err != nil {
		return errors.Wrap(err, "completing task")
	}
	q.logger.DebugContext(ctx, "task completed", log.TaskIDKey, taskID)
	return nil
}

// Fail marks a task failed with its error classification.
func (q *Queue) Fail(ctx context.Context, taskID, errType, message string, details map[string]any, stack string) error {
	if err := q.store.FailTask(ctx, taskID, &store.TaskError{
		Type:    errType,
		Message: message,
		Details: details,
		Stack:   stack,
	}); err != nil {
		return errors.Wrap(err, "failing task")
	}
	q.logger.DebugContext(ctx, "task failed", log.TaskIDKey, taskID, "error_type", errType)
	return nil
}

// RecoverStale requeues processing tasks whose heartbeat is older than
// the threshold. Returns the number of tasks recovered.
func (q *Queue) RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	n, err := q.store.RecoverStaleTasks(ctx, time.Now().UTC().Add(-staleAfter))
	if err != nil {
		return 0, errors.Wrap(err, "recovering stale tasks")
	}
	if n > 0 {
		q.logger.InfoContext(ctx, "stale tasks recovered", "count", n)
	}
	return n, nil
}

// Update is one observation of a watched task.
type Update struct {
	Task      *store.Task
	ElapsedMS int64
	Message   string
	Terminal  bool
}

// WatchTask polls a task and emits an update whenever its observable
// progress changes, detected by hashing (status, elapsed, message). The
// channel closes after a terminal status or when the context ends.
func (q *Queue) WatchTask(ctx context.Context, taskID string, interval time.Duration) <-chan Update {
	updates := make(chan Update)
	go func() {
		defer close(updates)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastHash := ""
		for {
			task, err := q.store.GetTask(ctx, taskID)
			if err != nil {
				q.logger.DebugContext(ctx, "watched task unavailable", log.TaskIDKey, taskID, log.Error(err))
				return
			}

			update := Update{
				Task:     task,
				Terminal: task.Status == store.TaskStatusCompleted || task.Status == store.TaskStatusFailed,
			}
			if task.Progress != nil {
				update.ElapsedMS = task.Progress.ElapsedMS
				update.Message = task.Progress.Message
			}

			hash := progressHash(task.Status, update.ElapsedMS, update.Message)
			if hash != lastHash {
				lastHash = hash
				select {
				case updates <- update:
				case <-ctx.Done():
					return
				}
			}
			if update.Terminal {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return updates
}

func progressHash(status store.TaskStatus, elapsedMS int64, message string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", status, elapsedMS, message)))
	return hex.EncodeToString(sum[:8])
}
