// Package contentgen is the client for the content generation service.
package contentgen

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

// GenerateRequest carries the personalization context for one lead.
type GenerateRequest struct {
	CampaignID   string              `json:"campaign_id"`
	BrandID      string              `json:"brand_id,omitempty"`
	Lead         models.Lead         `json:"lead"`
	BrandProfile models.BrandProfile `json:"brand_profile"`
}

// Generate produces a personalized subject and body for one lead.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*models.Content, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/generate", resilient.Request{
		Method:  http.MethodPost,
		Body:    req,
		Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
	})
	if err != nil {
		return nil, fmt.Errorf("generate content for lead %s: %w", req.Lead.ExternalID, err)
	}

	var content models.Content
	if err := resp.DecodeJSON(&content); err != nil {
		return nil, err
	}

	return &content, nil
}
