// Package campaigns is the client for the campaign metadata service.
package campaigns

import (
	"context"
	"fmt"
	"net/http"

	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/resilient"
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

// ListOngoing returns every campaign in ongoing status.
func (c *Client) ListOngoing(ctx context.Context) ([]*models.Campaign, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/campaigns?status=ongoing", resilient.Request{
		Headers: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("list ongoing campaigns: %w", err)
	}

	var payload struct {
		Campaigns []*models.Campaign `json:"campaigns"`
	}

	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}

	return payload.Campaigns, nil
}

// Get fetches one campaign's details.
func (c *Client) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/campaigns/"+campaignID, resilient.Request{
		Headers: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", campaignID, err)
	}

	var campaign models.Campaign
	if err := resp.DecodeJSON(&campaign); err != nil {
		return nil, err
	}

	return &campaign, nil
}

// UpdateStatus requests a campaign status transition, e.g. the auto-stop
// issued by the admission gate.
func (c *Client) UpdateStatus(ctx context.Context, campaignID string, status models.CampaignStatus, reason string) error {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["reason"] = reason
	}

	_, err := c.rc.Call(ctx, c.baseURL, "/v1/campaigns/"+campaignID, resilient.Request{
		Method:  http.MethodPatch,
		Body:    body,
		Headers: c.headers(),
	})
	if err != nil {
		return fmt.Errorf("update campaign %s status to %s: %w", campaignID, status, err)
	}

	return nil
}

// UpdateBrand records the brand id resolved for a campaign, so later
// admission volume checks can query served-lead stats against it.
func (c *Client) UpdateBrand(ctx context.Context, campaignID, brandID string) error {
	_, err := c.rc.Call(ctx, c.baseURL, "/v1/campaigns/"+campaignID, resilient.Request{
		Method:  http.MethodPatch,
		Body:    map[string]string{"brand_id": brandID},
		Headers: c.headers(),
	})
	if err != nil {
		return fmt.Errorf("update campaign %s brand: %w", campaignID, err)
	}

	return nil
}
