package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetWindows(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	campaign := &Campaign{
		ID:                "c-1",
		MaxBudgetDailyUSD: "5.00",
		MaxBudgetTotalUSD: "100.00",
	}

	windows, err := campaign.BudgetWindows(now)
	require.NoError(t, err)
	require.Len(t, windows, 2)

	assert.Equal(t, BudgetWindowDaily, windows[0].Label)
	assert.Equal(t, Cents(500), windows[0].Limit)
	require.NotNil(t, windows[0].Since)
	assert.Equal(t, now.Add(-24*time.Hour), *windows[0].Since)

	assert.Equal(t, BudgetWindowTotal, windows[1].Label)
	assert.Equal(t, Cents(10000), windows[1].Limit)
	assert.Nil(t, windows[1].Since)
}

func TestBudgetWindowsNoneConfigured(t *testing.T) {
	campaign := &Campaign{ID: "c-1"}

	windows, err := campaign.BudgetWindows(time.Now())
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.False(t, campaign.HasBudgetLimit())
}

func TestBudgetWindowsInvalidAmount(t *testing.T) {
	campaign := &Campaign{ID: "c-1", MaxBudgetWeeklyUSD: "lots"}

	_, err := campaign.BudgetWindows(time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestBudgetWindowContains(t *testing.T) {
	now := time.Now().UTC()
	since := now.Add(-24 * time.Hour)
	daily := BudgetWindow{Label: BudgetWindowDaily, Since: &since, Limit: 500}

	// Yesterday's run must not count toward the daily window.
	assert.False(t, daily.Contains(now.Add(-25*time.Hour)))
	assert.True(t, daily.Contains(now.Add(-23*time.Hour)))
	assert.True(t, daily.Contains(since))

	total := BudgetWindow{Label: BudgetWindowTotal, Limit: 10000}
	assert.True(t, total.Contains(now.Add(-365*24*time.Hour)))
}

func TestBroadestWindow(t *testing.T) {
	now := time.Now().UTC()
	daySince := now.Add(-24 * time.Hour)
	weekSince := now.Add(-7 * 24 * time.Hour)

	daily := BudgetWindow{Label: BudgetWindowDaily, Since: &daySince}
	weekly := BudgetWindow{Label: BudgetWindowWeekly, Since: &weekSince}
	total := BudgetWindow{Label: BudgetWindowTotal}

	broadest, ok := BroadestWindow([]BudgetWindow{daily, weekly})
	require.True(t, ok)
	assert.Equal(t, BudgetWindowWeekly, broadest.Label)

	broadest, ok = BroadestWindow([]BudgetWindow{daily, weekly, total})
	require.True(t, ok)
	assert.Equal(t, BudgetWindowTotal, broadest.Label)

	_, ok = BroadestWindow(nil)
	assert.False(t, ok)
}
