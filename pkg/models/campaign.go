// Package models defines the campaign, run, and budget types shared across
// the admission gate, the pipeline stages, and the collaborator clients.
package models

import (
	"errors"
	"time"
)

// CampaignStatus represents the lifecycle status of a campaign.
type CampaignStatus string

const (
	CampaignStatusOngoing CampaignStatus = "ongoing"
	CampaignStatusStopped CampaignStatus = "stopped"
)

// TargetingParams carries the campaign's lead-targeting parameters opaquely
// between the campaign service and the lead-sourcing service.
type TargetingParams map[string]any

// Campaign is owned by the campaign metadata service. The engine only reads
// it and may request a transition to stopped.
type Campaign struct {
	ID             string         `json:"id"                        validate:"required"`
	OrganizationID string         `json:"organization_id"           validate:"required"`
	Status         CampaignStatus `json:"status"                    validate:"required,oneof=ongoing stopped"`
	BrandID        string         `json:"brand_id,omitempty"`
	BrandURL       string         `json:"brand_url,omitempty"`

	// Budget limits as decimal dollar strings, empty when not configured.
	MaxBudgetDailyUSD   string `json:"max_budget_daily_usd,omitempty"`
	MaxBudgetWeeklyUSD  string `json:"max_budget_weekly_usd,omitempty"`
	MaxBudgetMonthlyUSD string `json:"max_budget_monthly_usd,omitempty"`
	MaxBudgetTotalUSD   string `json:"max_budget_total_usd,omitempty"`

	// MaxLeads caps the number of leads this campaign may ever consume.
	// Zero means no cap.
	MaxLeads int `json:"max_leads,omitempty"`

	Targeting TargetingParams `json:"targeting,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

var (
	ErrNoBudgetConfigured = errors.New("campaign has no budget limit configured")
	ErrInvalidCampaign    = errors.New("invalid campaign configuration")
)

// HasBudgetLimit reports whether at least one budget window is configured.
// A campaign without any limit is never admitted.
func (c *Campaign) HasBudgetLimit() bool {
	return c.MaxBudgetDailyUSD != "" ||
		c.MaxBudgetWeeklyUSD != "" ||
		c.MaxBudgetMonthlyUSD != "" ||
		c.MaxBudgetTotalUSD != ""
}

// HasVolumeCap reports whether the served-lead volume check applies.
// It requires both a cap and a brand identity to query stats against.
func (c *Campaign) HasVolumeCap() bool {
	return c.MaxLeads > 0 && c.BrandID != ""
}
