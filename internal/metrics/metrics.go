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

// Package metrics holds the Prometheus collectors shared by the server
// and worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts workflow runs started.
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_runs_started_total",
		Help: "Workflow runs started.",
	})

	// RunsFinished counts runs reaching a terminal status.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemble_runs_finished_total",
		Help: "Workflow runs reaching a terminal status.",
	}, []string{"status"})

	// EventsAppended counts event-log appends.
	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_events_appended_total",
		Help: "Events appended to run logs.",
	})

	// TasksClaimed counts queue task claims by workers.
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_tasks_claimed_total",
		Help: "Queue tasks claimed by workers.",
	})

	// TasksFinished counts terminal queue tasks by outcome.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ensemble_tasks_completed_total",
		Help: "Queue tasks reaching a terminal status.",
	}, []string{"status"})

	// TasksProcessing tracks in-flight tasks per concurrency group.
	TasksProcessing = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ensemble_tasks_processing",
		Help: "Queue tasks currently processing per concurrency group.",
	}, []string{"group"})

	// StaleRecoveries counts tasks requeued after heartbeat lapse.
	StaleRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ensemble_stale_recoveries_total",
		Help: "Tasks recovered after their worker's heartbeat lapsed.",
	})
)
