// Package poller drives campaign admission: on every tick it lists ongoing
// campaigns, asks the admission gate, and enqueues the first pipeline stage
// for each admitted campaign. It also exposes the retrigger path finalize
// uses to chain runs without waiting for the next tick.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/outflowhq/outflow/pkg/admission"
	"github.com/outflowhq/outflow/pkg/jobs"
	"github.com/outflowhq/outflow/pkg/models"
)

const DefaultInterval = time.Minute

// CampaignLister is the slice of the campaign service the poller needs.
type CampaignLister interface {
	ListOngoing(ctx context.Context) ([]*models.Campaign, error)
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
}

// AdmissionGate decides whether a campaign may start a run right now.
type AdmissionGate interface {
	Decide(ctx context.Context, campaign *models.Campaign) admission.Decision
}

// JobPublisher enqueues the create-run stage.
type JobPublisher interface {
	Publish(ctx context.Context, key string, job jobs.Job) error
	GenerateID() string
}

type Poller struct {
	engineID  string
	interval  time.Duration
	campaigns CampaignLister
	gate      AdmissionGate
	publisher JobPublisher
	logger    *slog.Logger

	cron *cron.Cron
	wg   sync.WaitGroup
}

func New(engineID string, interval time.Duration, campaigns CampaignLister, gate AdmissionGate, publisher JobPublisher, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Poller{
		engineID:  engineID,
		interval:  interval,
		campaigns: campaigns,
		gate:      gate,
		publisher: publisher,
		logger:    logger.With("module", "poller"),
	}
}

// Start runs one poll pass immediately, then polls on the interval. The
// startup pass and the scheduled ticks share one skip-if-still-running job,
// so at most one poll runs at a time; a tick arriving while any pass is
// still in flight is skipped.
func (p *Poller) Start(ctx context.Context) {
	cronLogger := &slogCronLogger{logger: p.logger}

	poll := cron.NewChain(cron.SkipIfStillRunning(cronLogger)).Then(cron.FuncJob(func() {
		p.pollOnce(ctx)
	}))

	p.cron = cron.New()
	p.cron.Schedule(cron.Every(p.interval), poll)

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		poll.Run()
	}()

	p.cron.Start()

	p.logger.InfoContext(ctx, "Campaign poller started", "interval", p.interval)
}

// Stop halts scheduling and waits for any in-flight pass to finish.
func (p *Poller) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}

	p.wg.Wait()
	p.logger.Info("Campaign poller stopped")
}

func (p *Poller) pollOnce(ctx context.Context) {
	campaigns, err := p.campaigns.ListOngoing(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to list ongoing campaigns", "error", err)

		return
	}

	p.logger.DebugContext(ctx, "Polling campaigns", "count", len(campaigns))

	for _, campaign := range campaigns {
		p.evaluate(ctx, campaign)
	}
}

// Retrigger re-runs admission for one campaign right after its run
// finalized. The campaign is re-fetched because finalize may have observed a
// stopped campaign, or the gate may have stopped it since.
func (p *Poller) Retrigger(ctx context.Context, campaignID string) {
	campaign, err := p.campaigns.Get(ctx, campaignID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Retrigger failed to fetch campaign",
			"campaign_id", campaignID, "error", err)

		return
	}

	if campaign.Status != models.CampaignStatusOngoing {
		p.logger.DebugContext(ctx, "Retrigger skipping non-ongoing campaign",
			"campaign_id", campaignID, "status", campaign.Status)

		return
	}

	p.evaluate(ctx, campaign)
}

func (p *Poller) evaluate(ctx context.Context, campaign *models.Campaign) {
	decision := p.gate.Decide(ctx, campaign)
	if !decision.ShouldRun {
		p.logger.DebugContext(ctx, "Campaign not admitted",
			"campaign_id", campaign.ID, "reason", decision.Reason,
			"has_running_run", decision.HasRunningRun, "stopped", decision.Stopped)

		return
	}

	base := jobs.NewBaseJob(jobs.JobTypeCreateRun)
	base.ID = p.publisher.GenerateID()
	base.EngineID = p.engineID

	job := jobs.CreateRun{
		BaseJob:        base,
		CampaignID:     campaign.ID,
		OrganizationID: campaign.OrganizationID,
	}

	if err := p.publisher.Publish(ctx, campaign.ID, job); err != nil {
		p.logger.ErrorContext(ctx, "Failed to enqueue run creation",
			"campaign_id", campaign.ID, "error", err)

		return
	}

	p.logger.InfoContext(ctx, "Campaign admitted, run creation enqueued", "campaign_id", campaign.ID)
}

// slogCronLogger adapts slog to the cron logger interface.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
