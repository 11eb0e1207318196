package models

import (
	"fmt"
	"time"
)

// BudgetWindowLabel names a budget window.
type BudgetWindowLabel string

const (
	BudgetWindowDaily   BudgetWindowLabel = "daily"
	BudgetWindowWeekly  BudgetWindowLabel = "weekly"
	BudgetWindowMonthly BudgetWindowLabel = "monthly"
	BudgetWindowTotal   BudgetWindowLabel = "total"
)

// BudgetWindow is derived fresh from the campaign's configured limits on
// every admission check; it is never persisted. Since is nil for the
// lifetime window.
type BudgetWindow struct {
	Label BudgetWindowLabel
	Since *time.Time
	Limit Cents
}

// Contains reports whether a run created at t falls inside the window.
func (w BudgetWindow) Contains(t time.Time) bool {
	return w.Since == nil || !t.Before(*w.Since)
}

// BudgetWindows computes the configured windows relative to now, narrowest
// first. Daily, weekly, and monthly are rolling windows (24h, 7d, 30d);
// total spans the campaign's lifetime.
func (c *Campaign) BudgetWindows(now time.Time) ([]BudgetWindow, error) {
	configured := []struct {
		label    BudgetWindowLabel
		limitUSD string
		span     time.Duration
	}{
		{BudgetWindowDaily, c.MaxBudgetDailyUSD, 24 * time.Hour},
		{BudgetWindowWeekly, c.MaxBudgetWeeklyUSD, 7 * 24 * time.Hour},
		{BudgetWindowMonthly, c.MaxBudgetMonthlyUSD, 30 * 24 * time.Hour},
		{BudgetWindowTotal, c.MaxBudgetTotalUSD, 0},
	}

	windows := make([]BudgetWindow, 0, len(configured))

	for _, w := range configured {
		if w.limitUSD == "" {
			continue
		}

		limit, err := ParseUSD(w.limitUSD)
		if err != nil {
			return nil, fmt.Errorf("campaign %s: %s budget: %w", c.ID, w.label, err)
		}

		window := BudgetWindow{Label: w.label, Limit: limit}
		if w.span > 0 {
			since := now.Add(-w.span)
			window.Since = &since
		}

		windows = append(windows, window)
	}

	return windows, nil
}

// BroadestWindow picks the window with the earliest (or absent) lower bound.
// Run costs are fetched once for this window and re-used for every narrower
// window's sum.
func BroadestWindow(windows []BudgetWindow) (BudgetWindow, bool) {
	if len(windows) == 0 {
		return BudgetWindow{}, false
	}

	broadest := windows[0]
	for _, w := range windows[1:] {
		if broadest.Since == nil {
			break
		}

		if w.Since == nil || w.Since.Before(*broadest.Since) {
			broadest = w
		}
	}

	return broadest, true
}
