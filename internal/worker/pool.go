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

// Package worker polls the task queue and executes claimed tasks through
// registered actors. Claims respect per-group concurrency caps, running
// tasks heartbeat so a crashed worker's tasks return to the queue, and
// shutdown drains in-flight work within a grace period.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tombee/ensemble/internal/log"
	"github.com/tombee/ensemble/internal/metrics"
	"github.com/tombee/ensemble/internal/queue"
	"github.com/tombee/ensemble/internal/store"
	"github.com/tombee/ensemble/pkg/errors"
)

// ProgressFunc reports task progress back to the queue.
type ProgressFunc func(elapsed time.Duration, message string)

// Actor executes tasks of one kind. Groups declares the concurrency
// groups it serves with their caps; a pool routes claimed tasks to the
// actor registered under the task's actor name.
type Actor interface {
	Name() string
	Groups() map[string]int
	Execute(ctx context.Context, task *store.Task, progress ProgressFunc) (map[string]any, error)
}

type groupSpec struct {
	actor Actor
	max   int
}

// Pool claims and runs queue tasks.
type Pool struct {
	cfg     *Config
	queue   *queue.Queue
	actors  map[string]Actor
	groups  map[string]groupSpec
	logger  *slog.Logger
	limiter *rate.Limiter

	wg sync.WaitGroup
}

// NewPool builds a pool over the given actors. Two actors declaring the
// same concurrency group is a configuration error.
func NewPool(cfg *Config, q *queue.Queue, actors []Actor, logger *slog.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:     cfg,
		queue:   q,
		actors:  map[string]Actor{},
		groups:  map[string]groupSpec{},
		logger:  log.WithWorker(log.WithComponent(logger, "worker"), cfg.WorkerID),
		limiter: rate.NewLimiter(rate.Every(time.Duration(cfg.PollInterval)), 1),
	}
	for _, a := range actors {
		p.actors[a.Name()] = a
		for group, max := range a.Groups() {
			if _, taken := p.groups[group]; taken {
				return nil, &errors.ConfigError{
					Key:    "actors",
					Reason: "concurrency group " + group + " is declared by more than one actor",
				}
			}
			if max < 1 {
				max = 1
			}
			p.groups[group] = groupSpec{actor: a, max: max}
		}
	}
	return p, nil
}

// Run polls until the context is cancelled, then drains in-flight tasks
// within the shutdown grace period.
func (p *Pool) Run(ctx context.Context) error {
	p.recoverStale(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Duration(p.cfg.StaleThreshold))
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				p.recoverStale(gctx)
			}
		}
	})
	g.Go(func() error {
		for {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			for group := range p.groups {
				p.pollGroup(gctx, group)
			}
		}
	})
	// Both loops exit only on cancellation; the error is the shutdown
	// signal, not a failure.
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(time.Duration(p.cfg.ShutdownGrace)):
		p.logger.Warn("shutdown grace expired with tasks still running")
		return nil
	}
}

func (p *Pool) recoverStale(ctx context.Context) {
	recovered, err := p.queue.RecoverStale(ctx, time.Duration(p.cfg.StaleThreshold))
	if err != nil {
		p.logger.WarnContext(ctx, "stale task recovery failed", log.Error(err))
		return
	}
	if recovered > 0 {
		metrics.StaleRecoveries.Add(float64(recovered))
		p.logger.InfoContext(ctx, "requeued stale tasks", "count", recovered)
	}
}

// pollGroup claims up to the group's free capacity and launches each
// claimed task.
func (p *Pool) pollGroup(ctx context.Context, group string) {
	spec := p.groups[group]
	processing, err := p.queue.CountProcessing(ctx, group)
	if err != nil {
		p.logger.WarnContext(ctx, "counting in-flight tasks failed", log.GroupKey, group, log.Error(err))
		return
	}
	avail := spec.max - processing
	if avail <= 0 {
		return
	}

	queued, err := p.queue.QueuedByGroup(ctx, group, avail)
	if err != nil {
		p.logger.WarnContext(ctx, "listing queued tasks failed", log.GroupKey, group, log.Error(err))
		return
	}
	for _, t := range queued {
		claimed, err := p.queue.Claim(ctx, t.ID, p.cfg.WorkerID, group, spec.max)
		if err != nil {
			p.logger.WarnContext(ctx, "claim failed", log.TaskIDKey, t.ID, log.Error(err))
			continue
		}
		if claimed == nil {
			// Lost the race or the group filled up.
			continue
		}
		metrics.TasksClaimed.Inc()
		metrics.TasksProcessing.WithLabelValues(group).Inc()
		p.wg.Add(1)
		go p.runTask(ctx, spec.actor, claimed, group)
	}
}

func (p *Pool) runTask(ctx context.Context, actor Actor, task *store.Task, group string) {
	defer p.wg.Done()
	defer metrics.TasksProcessing.WithLabelValues(group).Dec()

	logger := p.logger.With(log.TaskIDKey, task.ID, log.GroupKey, group)
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, task.ID)

	// The task outlives poll-loop cancellation up to the grace period.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), taskDeadline(ctx, time.Duration(p.cfg.ShutdownGrace)))
	defer cancel()

	progress := func(elapsed time.Duration, message string) {
		if err := p.queue.Progress(taskCtx, task.ID, elapsed, message); err != nil {
			logger.WarnContext(taskCtx, "progress update failed", log.Error(err))
		}
	}

	result, err := p.execute(taskCtx, actor, task, progress)
	if err != nil {
		var stack string
		var perr *panicError
		if errors.As(err, &perr) {
			stack = perr.stack
		}
		if ferr := p.queue.Fail(taskCtx, task.ID, errors.Classify(err), err.Error(), nil, stack); ferr != nil {
			logger.ErrorContext(taskCtx, "recording task failure failed", log.Error(ferr))
		}
		metrics.TasksFinished.WithLabelValues(string(store.TaskStatusFailed)).Inc()
		logger.ErrorContext(taskCtx, "task failed",
			log.Error(err), log.Duration("elapsed_ms", time.Since(started).Milliseconds()))
		return
	}

	if cerr := p.queue.Complete(taskCtx, task.ID, result); cerr != nil {
		logger.ErrorContext(taskCtx, "recording task completion failed", log.Error(cerr))
		return
	}
	metrics.TasksFinished.WithLabelValues(string(store.TaskStatusCompleted)).Inc()
	logger.InfoContext(taskCtx, "task completed",
		log.Duration("elapsed_ms", time.Since(started).Milliseconds()))
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("actor panicked: %v", e.value) }

// execute isolates actor panics so one bad task cannot take the pool
// down.
func (p *Pool) execute(ctx context.Context, actor Actor, task *store.Task, progress ProgressFunc) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return actor.Execute(ctx, task, progress)
}

func (p *Pool) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(time.Duration(p.cfg.HeartbeatInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(context.WithoutCancel(ctx), taskID); err != nil {
				p.logger.Warn("heartbeat failed", log.TaskIDKey, taskID, log.Error(err))
			}
		}
	}
}

// taskDeadline bounds a task by the pool context's remaining life plus
// the drain grace, or an hour when the pool is open-ended.
func taskDeadline(ctx context.Context, grace time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline) + grace
	}
	return time.Hour
}
