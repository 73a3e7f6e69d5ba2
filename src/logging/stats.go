// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package logging

import (
	"sync"
	"time"
)

// StatsSnapshot for JSON output
type StatsSnapshot struct {
	ID                   string    `json:"id"`
	StartTime            time.Time `json:"start_time"`
	Uptime               string    `json:"uptime"`
	TasksAccepted        uint64    `json:"tasks_accepted"`
	TasksSucceeded       uint64    `json:"tasks_succeeded"`
	TasksFailed          uint64    `json:"tasks_failed"`
	FallbackGenerations  uint64    `json:"fallback_generations"`
	NotificationFailures uint64    `json:"notification_failures"`
}

// WorkerStats tracks the internal counters of the engine
type WorkerStats struct {
	mu       sync.RWMutex
	snapshot StatsSnapshot
}

func NewWorkerStats(id string) *WorkerStats {
	return &WorkerStats{
		snapshot: StatsSnapshot{
			ID:        id,
			StartTime: time.Now(),
		},
	}
}

// Add accumulates counter deltas and mirrors them onto the active span.
func (s *WorkerStats) Add(accepted, succeeded, failed, fallbacks, notifyFailures uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot.TasksAccepted += accepted
	s.snapshot.TasksSucceeded += succeeded
	s.snapshot.TasksFailed += failed
	s.snapshot.FallbackGenerations += fallbacks
	s.snapshot.NotificationFailures += notifyFailures

	UpdateSpanValue("worker_tasks_total", float64(s.snapshot.TasksAccepted))
	UpdateSpanValue("worker_tasks_succeeded", float64(s.snapshot.TasksSucceeded))
	UpdateSpanValue("worker_tasks_failed", float64(s.snapshot.TasksFailed))
	UpdateSpanValue("worker_fallback_total", float64(s.snapshot.FallbackGenerations))
	UpdateSpanValue("worker_notify_failures", float64(s.snapshot.NotificationFailures))
}

// Snapshot returns the current counters with a computed uptime.
func (s *WorkerStats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := s.snapshot
	snap.Uptime = time.Since(s.snapshot.StartTime).Truncate(time.Second).String()
	return snap
}
