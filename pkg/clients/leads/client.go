// Package leads is the client for the lead-sourcing service.
package leads

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/resilient"
)

var (
	// ErrNoLeads means the sourcing service has no more deduplicated leads
	// for this campaign right now.
	ErrNoLeads = errors.New("no leads available")

	// ErrStatsNotFound means no served-lead statistics exist yet for the
	// campaign. The caller falls back to counting completed runs.
	ErrStatsNotFound = errors.New("no lead stats for campaign")
)

type Client struct {
	baseURL string
	apiKey  string
	rc      *resilient.Client
}

func NewClient(baseURL, apiKey string, rc *resilient.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, rc: rc}
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

// Pull consumes the next deduplicated lead for a campaign. Consuming is not
// idempotent, since a blind retry could skip or double-consume a lead, so the
// call is made non-retryable with a longer single-attempt timeout.
func (c *Client) Pull(ctx context.Context, campaignID, brandID string, targeting models.TargetingParams) (*models.Lead, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/leads/pull", resilient.Request{
		Method: http.MethodPost,
		Body: map[string]any{
			"campaign_id": campaignID,
			"brand_id":    brandID,
			"targeting":   targeting,
		},
		Headers:      c.headers(),
		NonRetryable: true,
	})
	if err != nil {
		if resilient.IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: campaign %s", ErrNoLeads, campaignID)
		}

		return nil, fmt.Errorf("pull lead for campaign %s: %w", campaignID, err)
	}

	var lead models.Lead
	if err := resp.DecodeJSON(&lead); err != nil {
		return nil, err
	}

	if lead.ExternalID == "" {
		return nil, fmt.Errorf("%w: campaign %s", ErrNoLeads, campaignID)
	}

	return &lead, nil
}

// ServedStats reports how many leads have been served for a campaign. A 404
// response surfaces as ErrStatsNotFound.
func (c *Client) ServedStats(ctx context.Context, campaignID string) (int, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/stats/"+campaignID, resilient.Request{
		Headers: c.headers(),
	})
	if err != nil {
		if resilient.IsStatus(err, http.StatusNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrStatsNotFound, campaignID)
		}

		return 0, fmt.Errorf("fetch lead stats for campaign %s: %w", campaignID, err)
	}

	var payload struct {
		ServedLeads int `json:"served_leads"`
	}

	if err := resp.DecodeJSON(&payload); err != nil {
		return 0, err
	}

	return payload.ServedLeads, nil
}
