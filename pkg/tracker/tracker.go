// Package tracker reconciles one run against its fan-out of generation and
// delivery jobs, detecting the last outstanding job exactly once.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/pkg/counter"
	"github.com/outflowhq/outflow/pkg/models"
)

// DefaultTTL bounds how long tracking counters survive a crashed pipeline
// before the stale-run reclamation path takes over.
const DefaultTTL = time.Hour

var ErrTrackingNotFound = errors.New("no tracking state for run")

// Snapshot is the tracker state observed by one MarkDone call. IsLast is
// true for exactly one caller per run.
type Snapshot struct {
	IsLast bool
	Stats  models.RunStats
}

type Tracker struct {
	store  counter.Store
	ttl    time.Duration
	logger *slog.Logger
}

func New(store counter.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		ttl:    DefaultTTL,
		logger: logger.With("module", "run_tracker"),
	}
}

func totalKey(runID string) string  { return "outflow:run:" + runID + ":total" }
func doneKey(runID string) string   { return "outflow:run:" + runID + ":done" }
func failedKey(runID string) string { return "outflow:run:" + runID + ":failed" }

// Init records the fan-out size for a run. Called once, after the lead stage
// decides how many content jobs it will enqueue.
func (t *Tracker) Init(ctx context.Context, runID string, expected int64) error {
	if err := t.store.Set(ctx, totalKey(runID), expected, t.ttl); err != nil {
		return fmt.Errorf("init tracking for run %s: %w", runID, err)
	}

	if err := t.store.Set(ctx, doneKey(runID), 0, t.ttl); err != nil {
		return fmt.Errorf("init tracking for run %s: %w", runID, err)
	}

	if err := t.store.Set(ctx, failedKey(runID), 0, t.ttl); err != nil {
		return fmt.Errorf("init tracking for run %s: %w", runID, err)
	}

	t.logger.DebugContext(ctx, "Initialized run tracking", "run_id", runID, "expected", expected)

	return nil
}

// MarkDone records one terminated fan-out job. The failed counter is
// incremented before done so that the caller observing done == total sees
// every sibling's failure already counted. The store's atomic increment
// guarantees exactly one caller observes the final done value.
func (t *Tracker) MarkDone(ctx context.Context, runID string, success bool) (Snapshot, error) {
	var snap Snapshot

	if !success {
		if _, err := t.store.Increment(ctx, failedKey(runID), 1); err != nil {
			return snap, fmt.Errorf("mark run %s job failed: %w", runID, err)
		}
	}

	done, err := t.store.Increment(ctx, doneKey(runID), 1)
	if err != nil {
		return snap, fmt.Errorf("mark run %s job done: %w", runID, err)
	}

	total, err := t.store.Get(ctx, totalKey(runID))
	if err != nil {
		if errors.Is(err, counter.ErrNotFound) {
			// The run was already finalized or the TTL expired. The
			// increments above re-created done/failed without a TTL, so
			// remove them or a late redelivery leaks counters forever.
			if delErr := t.store.Delete(ctx, doneKey(runID), failedKey(runID)); delErr != nil {
				t.logger.WarnContext(ctx, "Failed to remove stray counters for untracked run",
					"run_id", runID, "error", delErr)
			}

			return snap, fmt.Errorf("%w: %s", ErrTrackingNotFound, runID)
		}

		return snap, fmt.Errorf("read total for run %s: %w", runID, err)
	}

	failed, err := t.store.Get(ctx, failedKey(runID))
	if err != nil && !errors.Is(err, counter.ErrNotFound) {
		return snap, fmt.Errorf("read failed for run %s: %w", runID, err)
	}

	snap.Stats = models.RunStats{Total: total, Done: done, Failed: failed}
	snap.IsLast = done == total

	return snap, nil
}

// Cleanup deletes the run's counters. Idempotent; safe to call for runs that
// were never tracked.
func (t *Tracker) Cleanup(ctx context.Context, runID string) error {
	if err := t.store.Delete(ctx, totalKey(runID), doneKey(runID), failedKey(runID)); err != nil {
		return fmt.Errorf("cleanup tracking for run %s: %w", runID, err)
	}

	return nil
}
