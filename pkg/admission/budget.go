package admission

import (
	"context"
	"fmt"

	"github.com/outflowhq/outflow/pkg/models"
)

// checkBudget evaluates every configured budget window and returns the first
// exceeded one, or nil. A campaign with no configured limits fails closed.
//
// Cost is fetched from the ledger once, for runs inside the broadest window
// only; each narrower window then sums the subset of those runs it contains.
func (g *Gate) checkBudget(ctx context.Context, campaign *models.Campaign, history []*models.Run) (*BudgetExceeded, error) {
	now := g.now()

	windows, err := campaign.BudgetWindows(now)
	if err != nil {
		return nil, err
	}

	broadest, ok := models.BroadestWindow(windows)
	if !ok {
		// A campaign must always carry at least one spend limit.
		return nil, fmt.Errorf("campaign %s: %w", campaign.ID, models.ErrNoBudgetConfigured)
	}

	var candidates []*models.Run

	for _, run := range history {
		if broadest.Contains(run.CreatedAt) {
			candidates = append(candidates, run)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	runIDs := make([]string, 0, len(candidates))
	for _, run := range candidates {
		runIDs = append(runIDs, run.ID)
	}

	costs, err := g.runs.RunCosts(ctx, runIDs)
	if err != nil {
		return nil, err
	}

	for _, window := range windows {
		var spend models.Cents

		for _, run := range candidates {
			if window.Contains(run.CreatedAt) {
				spend += costs[run.ID]
			}
		}

		if spend >= window.Limit {
			return &BudgetExceeded{Window: window.Label, Spend: spend, Limit: window.Limit}, nil
		}
	}

	return nil, nil
}
