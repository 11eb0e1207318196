// Package admission decides whether a campaign may start a new run, and
// whether it must be auto-stopped. The gate never returns an error to its
// caller: ambiguous failures refuse admission without auto-stopping, since
// absence of evidence is not evidence of exhaustion.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/outflowhq/outflow/pkg/clients/leads"
	"github.com/outflowhq/outflow/pkg/models"
)

const (
	// StaleRunTimeout is how long a run may stay in running status before
	// it is presumed crashed and reclaimed as failed.
	StaleRunTimeout = 30 * time.Minute

	// MaxConsecutiveFailures is the circuit-breaker threshold on the
	// failure streak.
	MaxConsecutiveFailures = 3
)

// RunLedger is the slice of the run ledger the gate needs.
type RunLedger interface {
	ListRuns(ctx context.Context, campaignID string) ([]*models.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, reason string) error
	RunCosts(ctx context.Context, runIDs []string) (map[string]models.Cents, error)
}

// CampaignUpdater requests campaign status transitions.
type CampaignUpdater interface {
	UpdateStatus(ctx context.Context, campaignID string, status models.CampaignStatus, reason string) error
}

// LeadStats reports served-lead counts.
type LeadStats interface {
	ServedStats(ctx context.Context, campaignID string) (int, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	ShouldRun     bool
	HasRunningRun bool

	// Reason explains a refusal for logs; empty when admitted.
	Reason string

	// Budget carries the first exceeded window, when that is the reason.
	Budget *BudgetExceeded

	// Stopped is true when the check auto-stopped the campaign.
	Stopped bool
}

// BudgetExceeded identifies the window that refused admission.
type BudgetExceeded struct {
	Window models.BudgetWindowLabel
	Spend  models.Cents
	Limit  models.Cents
}

type Gate struct {
	runs      RunLedger
	campaigns CampaignUpdater
	leads     LeadStats
	logger    *slog.Logger
	now       func() time.Time
}

func NewGate(runs RunLedger, campaigns CampaignUpdater, leadStats LeadStats, logger *slog.Logger) *Gate {
	return &Gate{
		runs:      runs,
		campaigns: campaigns,
		leads:     leadStats,
		logger:    logger.With("module", "admission"),
		now:       time.Now,
	}
}

// WithClock injects a clock for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now

	return g
}

func refuse(reason string) Decision {
	return Decision{Reason: reason}
}

// Decide evaluates, in order: stale-run reclamation, running-run exclusion,
// budget windows, volume cap, and the consecutive-failure streak.
func (g *Gate) Decide(ctx context.Context, campaign *models.Campaign) Decision {
	logger := g.logger.With("campaign_id", campaign.ID)

	history, err := g.runs.ListRuns(ctx, campaign.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to fetch run history, refusing admission", "error", err)

		return refuse("run history unavailable")
	}

	history, err = g.reclaimStaleRuns(ctx, campaign.ID, history)
	if err != nil {
		logger.ErrorContext(ctx, "Stale-run reclamation failed, refusing admission", "error", err)

		return refuse("stale-run reclamation failed")
	}

	for _, run := range history {
		if run.Status == models.RunStatusRunning {
			return Decision{HasRunningRun: true, Reason: "a run is already in progress"}
		}
	}

	budget, err := g.checkBudget(ctx, campaign, history)
	if err != nil {
		if errors.Is(err, models.ErrNoBudgetConfigured) {
			logger.WarnContext(ctx, "Campaign has no budget limit, refusing admission")

			return refuse("no budget limit configured")
		}

		logger.ErrorContext(ctx, "Budget check failed, refusing admission", "error", err)

		return refuse("budget check failed")
	}

	if budget != nil {
		decision := Decision{
			Reason: "budget exceeded: " + string(budget.Window),
			Budget: budget,
		}

		// A spent lifetime budget can never recover.
		if budget.Window == models.BudgetWindowTotal {
			decision.Stopped = g.stopCampaign(ctx, campaign.ID, "total budget exhausted")
		}

		return decision
	}

	exceeded, err := g.checkVolume(ctx, campaign, history)
	if err != nil {
		logger.ErrorContext(ctx, "Volume check failed, refusing admission", "error", err)

		return refuse("volume check failed")
	}

	if exceeded {
		return Decision{
			Reason:  "lead volume cap reached",
			Stopped: g.stopCampaign(ctx, campaign.ID, "lead volume cap reached"),
		}
	}

	if streak := models.CountConsecutiveFailures(history); streak >= MaxConsecutiveFailures {
		logger.WarnContext(ctx, "Consecutive failure streak reached, stopping campaign", "streak", streak)

		return Decision{
			Reason:  "consecutive failure streak",
			Stopped: g.stopCampaign(ctx, campaign.ID, "consecutive run failures"),
		}
	}

	return Decision{ShouldRun: true}
}

// reclaimStaleRuns force-fails runs stuck in running status past the
// timeout, then re-reads the history. This keeps a crashed pipeline from
// permanently blocking its campaign.
func (g *Gate) reclaimStaleRuns(ctx context.Context, campaignID string, history []*models.Run) ([]*models.Run, error) {
	now := g.now()
	reclaimed := false

	for _, run := range history {
		if !run.IsStale(now, StaleRunTimeout) {
			continue
		}

		g.logger.WarnContext(ctx, "Reclaiming stale run",
			"campaign_id", campaignID, "run_id", run.ID, "age", now.Sub(run.CreatedAt))

		if err := g.runs.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, "stale run reclaimed"); err != nil {
			return nil, err
		}

		reclaimed = true
	}

	if !reclaimed {
		return history, nil
	}

	return g.runs.ListRuns(ctx, campaignID)
}

// checkVolume applies the served-lead cap. The boundary is inclusive:
// served >= cap is exceeded. Missing stats fall back to counting completed
// runs (one lead per run); any other stats error refuses admission.
func (g *Gate) checkVolume(ctx context.Context, campaign *models.Campaign, history []*models.Run) (bool, error) {
	if !campaign.HasVolumeCap() {
		return false, nil
	}

	served, err := g.leads.ServedStats(ctx, campaign.ID)
	if err != nil {
		if errors.Is(err, leads.ErrStatsNotFound) {
			served = 0
			for _, run := range history {
				if run.Status == models.RunStatusCompleted {
					served++
				}
			}
		} else {
			return false, fmt.Errorf("lead stats unavailable: %w", err)
		}
	}

	return served >= campaign.MaxLeads, nil
}

// stopCampaign requests the ongoing -> stopped transition. Failure to stop
// does not change the refusal; the next poll tick will try again.
func (g *Gate) stopCampaign(ctx context.Context, campaignID, reason string) bool {
	if err := g.campaigns.UpdateStatus(ctx, campaignID, models.CampaignStatusStopped, reason); err != nil {
		g.logger.ErrorContext(ctx, "Failed to auto-stop campaign",
			"campaign_id", campaignID, "reason", reason, "error", err)

		return false
	}

	g.logger.InfoContext(ctx, "Campaign auto-stopped", "campaign_id", campaignID, "reason", reason)

	return true
}
