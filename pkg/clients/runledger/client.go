// Package runledger is the client for the run/cost ledger service that owns
// run records and per-run accumulated cost.
package runledger

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

type runPayload struct {
	ID          string  `json:"id"`
	CampaignID  string  `json:"campaign_id"`
	Status      string  `json:"status"`
	CostUSD     string  `json:"cost_usd,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func (p *runPayload) toModel() (*models.Run, error) {
	run := &models.Run{
		ID:         p.ID,
		CampaignID: p.CampaignID,
		Status:     models.RunStatus(p.Status),
	}

	if p.CostUSD != "" {
		cost, err := models.ParseUSD(p.CostUSD)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", p.ID, err)
		}

		run.CostCents = cost
	}

	if p.CreatedAt != "" {
		created, err := parseTime(p.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", p.ID, err)
		}

		run.CreatedAt = created
	}

	if p.CompletedAt != nil {
		completed, err := parseTime(*p.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", p.ID, err)
		}

		run.CompletedAt = &completed
	}

	return run, nil
}

// CreateRun creates a new run in running status.
func (c *Client) CreateRun(ctx context.Context, campaignID, organizationID string) (*models.Run, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/runs", resilient.Request{
		Method: http.MethodPost,
		Body: map[string]string{
			"campaign_id":     campaignID,
			"organization_id": organizationID,
		},
		Headers: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("create run for campaign %s: %w", campaignID, err)
	}

	var payload runPayload
	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}

	return payload.toModel()
}

// UpdateRunStatus transitions a run to the given status. Used by the
// finalize stage and by stale-run reclamation; the ledger treats repeated
// identical transitions as no-ops, so retries are safe.
func (c *Client) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, reason string) error {
	body := map[string]string{"status": string(status)}
	if reason != "" {
		body["reason"] = reason
	}

	_, err := c.rc.Call(ctx, c.baseURL, "/v1/runs/"+runID, resilient.Request{
		Method:  http.MethodPatch,
		Body:    body,
		Headers: c.headers(),
	})
	if err != nil {
		return fmt.Errorf("update run %s to %s: %w", runID, status, err)
	}

	return nil
}

// ListRuns returns every run of a campaign.
func (c *Client) ListRuns(ctx context.Context, campaignID string) ([]*models.Run, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/campaigns/"+campaignID+"/runs", resilient.Request{
		Headers: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("list runs for campaign %s: %w", campaignID, err)
	}

	var payload struct {
		Runs []runPayload `json:"runs"`
	}

	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}

	runs := make([]*models.Run, 0, len(payload.Runs))

	for i := range payload.Runs {
		run, err := payload.Runs[i].toModel()
		if err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, nil
}

// RunCosts batch-fetches the accumulated cost of the given runs in cents.
// Runs unknown to the ledger are absent from the result.
func (c *Client) RunCosts(ctx context.Context, runIDs []string) (map[string]models.Cents, error) {
	if len(runIDs) == 0 {
		return map[string]models.Cents{}, nil
	}

	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/runs/costs", resilient.Request{
		Method:  http.MethodPost,
		Body:    map[string][]string{"run_ids": runIDs},
		Headers: c.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch run costs: %w", err)
	}

	var payload struct {
		Costs map[string]string `json:"costs"`
	}

	if err := resp.DecodeJSON(&payload); err != nil {
		return nil, err
	}

	costs := make(map[string]models.Cents, len(payload.Costs))

	for runID, usd := range payload.Costs {
		cents, err := models.ParseUSD(usd)
		if err != nil {
			return nil, fmt.Errorf("cost of run %s: %w", runID, err)
		}

		costs[runID] = cents
	}

	return costs, nil
}
