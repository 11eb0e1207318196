package models

import (
	"sort"
	"time"
)

// RunStatus represents the lifecycle status of a pipeline run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one end-to-end execution of a campaign's pipeline. It is created by
// the create-run stage and mutated only by finalize-run and by stale-run
// reclamation. Terminal runs are never re-opened.
type Run struct {
	ID          string     `json:"id"          validate:"required"`
	CampaignID  string     `json:"campaign_id" validate:"required"`
	Status      RunStatus  `json:"status"      validate:"required,oneof=running completed failed"`
	CostCents   Cents      `json:"cost_cents"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the run reached a terminal status.
func (r *Run) IsTerminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}

// IsStale reports whether a running run has been running longer than timeout
// and should be reclaimed as failed.
func (r *Run) IsStale(now time.Time, timeout time.Duration) bool {
	return r.Status == RunStatusRunning && now.Sub(r.CreatedAt) >= timeout
}

// RunStats is the fan-out accounting for one run: how many content jobs were
// expected, how many terminated, and how many of those failed.
type RunStats struct {
	Total  int64 `json:"total"`
	Done   int64 `json:"done"`
	Failed int64 `json:"failed"`
}

// Outcome maps completed fan-out accounting to the run's terminal status.
// A run where every job failed is a failed run, and so is the degenerate
// zero-lead run (Total == 0).
func (s RunStats) Outcome() RunStatus {
	if s.Failed == s.Total {
		return RunStatusFailed
	}

	return RunStatusCompleted
}

// CountConsecutiveFailures counts the failure streak over a run history:
// newest run first, skipping running entries, stopping at the first terminal
// run that is not failed. The input order does not matter.
func CountConsecutiveFailures(runs []*Run) int {
	ordered := make([]*Run, len(runs))
	copy(ordered, runs)

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.After(ordered[j].CreatedAt)
	})

	streak := 0

	for _, r := range ordered {
		if r.Status == RunStatusRunning {
			continue
		}

		if r.Status != RunStatusFailed {
			break
		}

		streak++
	}

	return streak
}
