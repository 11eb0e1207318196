// Package pipeline chains the seven run stages over the job queue: create
// the run, resolve campaign and brand context, source a lead, fan out to
// content generation and delivery, and finalize. Every run that enters the
// pipeline reaches a terminal status, whatever fails along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/outflowhq/outflow/pkg/clients/contentgen"
	"github.com/outflowhq/outflow/pkg/clients/delivery"
	"github.com/outflowhq/outflow/pkg/jobs"
	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/otelhelper"
	"github.com/outflowhq/outflow/pkg/queue"
	"github.com/outflowhq/outflow/pkg/tracker"
)

// Default fan-out stage rate limits, overridable through Config.
const (
	DefaultGenerateRatePerMinute = 50
	DefaultDeliverRatePerMinute  = 20
)

// RunLedger is the slice of the run ledger service the pipeline needs.
type RunLedger interface {
	CreateRun(ctx context.Context, campaignID, organizationID string) (*models.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, reason string) error
}

// CampaignService resolves campaign metadata and persists a discovered brand id.
type CampaignService interface {
	Get(ctx context.Context, campaignID string) (*models.Campaign, error)
	UpdateBrand(ctx context.Context, campaignID, brandID string) error
}

type BrandService interface {
	FetchProfile(ctx context.Context, brandURL string) (*models.BrandProfile, error)
}

type LeadSource interface {
	Pull(ctx context.Context, campaignID, brandID string, targeting models.TargetingParams) (*models.Lead, error)
}

type ContentGenerator interface {
	Generate(ctx context.Context, req contentgen.GenerateRequest) (*models.Content, error)
}

type Deliverer interface {
	Send(ctx context.Context, req delivery.SendRequest) error
}

// Retriggerer re-runs admission for a campaign right after its run
// finalizes, so a healthy campaign chains runs without waiting for the next
// poll tick. Implemented by the poller; wired after construction because the
// poller also publishes into the pipeline.
type Retriggerer interface {
	Retrigger(ctx context.Context, campaignID string)
}

// Config tunes the fan-out stages. Zero values take the defaults.
type Config struct {
	GenerateRatePerMinute int
	DeliverRatePerMinute  int
}

type Processor struct {
	engineID  string
	queue     queue.JobQueue
	tracker   *tracker.Tracker
	runs      RunLedger
	campaigns CampaignService
	brands    BrandService
	leads     LeadSource
	generator ContentGenerator
	deliverer Deliverer
	retrigger Retriggerer
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewProcessor(
	engineID string,
	q queue.JobQueue,
	tr *tracker.Tracker,
	runs RunLedger,
	campaigns CampaignService,
	brands BrandService,
	leads LeadSource,
	generator ContentGenerator,
	deliverer Deliverer,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if cfg.GenerateRatePerMinute == 0 {
		cfg.GenerateRatePerMinute = DefaultGenerateRatePerMinute
	}

	if cfg.DeliverRatePerMinute == 0 {
		cfg.DeliverRatePerMinute = DefaultDeliverRatePerMinute
	}

	return &Processor{
		engineID:  engineID,
		queue:     q,
		tracker:   tr,
		runs:      runs,
		campaigns: campaigns,
		brands:    brands,
		leads:     leads,
		generator: generator,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With("module", "pipeline"),
		tracer:    otel.Tracer("outflow-engine/pipeline"),
	}
}

// SetRetriggerer wires the post-finalize admission path. Must be called
// before Register.
func (p *Processor) SetRetriggerer(r Retriggerer) {
	p.retrigger = r
}

// Register binds every stage handler to its queue with the stage's
// concurrency and rate limit. Run creation is serialized so a poll tick and
// a retrigger cannot race two running runs for one campaign.
func (p *Processor) Register() error {
	stages := []struct {
		jobType jobs.JobType
		cfg     queue.ConsumerConfig
		handler queue.HandlerFunc
	}{
		{jobs.JobTypeCreateRun, queue.ConsumerConfig{Concurrency: 1}, p.dispatch("create_run", p.createRun)},
		{jobs.JobTypeFetchCampaignInfo, queue.ConsumerConfig{Concurrency: 5}, p.dispatch("fetch_campaign_info", p.fetchCampaignInfo)},
		{jobs.JobTypeFetchBrandProfile, queue.ConsumerConfig{Concurrency: 5}, p.dispatch("fetch_brand_profile", p.fetchBrandProfile)},
		{jobs.JobTypeSourceLead, queue.ConsumerConfig{Concurrency: 3}, p.dispatch("source_lead", p.sourceLead)},
		{jobs.JobTypeGenerateContent, queue.ConsumerConfig{Concurrency: 10, RatePerMinute: p.cfg.GenerateRatePerMinute}, p.dispatch("generate_content", p.generateContent)},
		{jobs.JobTypeDeliverContent, queue.ConsumerConfig{Concurrency: 5, RatePerMinute: p.cfg.DeliverRatePerMinute}, p.dispatch("deliver_content", p.deliverContent)},
		{jobs.JobTypeFinalizeRun, queue.ConsumerConfig{Concurrency: 5}, p.dispatch("finalize_run", p.finalizeRun)},
	}

	for _, s := range stages {
		if err := p.queue.Handle(s.jobType, s.cfg, s.handler); err != nil {
			return fmt.Errorf("register %s stage: %w", s.jobType, err)
		}
	}

	return nil
}

// StageResult is the explicit outcome of one stage invocation. The
// dispatcher pattern-matches on it: tracked outcomes go through the
// completion tracker, failures route a zero-stat finalize job, and next
// jobs are enqueued in order.
type StageResult struct {
	RunID          string
	CampaignID     string
	OrganizationID string

	// Next holds the jobs to enqueue for the following stage.
	Next []jobs.Job

	// Failure, when non-empty, finalizes the run with zero stats and this
	// reason instead of advancing.
	Failure string

	// Tracked marks a fan-out job termination: Success is recorded with the
	// completion tracker, and the last termination routes to finalize.
	Tracked bool
	Success bool
}

type stageFunc func(ctx context.Context, job jobs.Job) (StageResult, error)

// dispatch wraps a stage function into a queue handler. A returned error
// nacks the message for redelivery; every other outcome acks.
func (p *Processor) dispatch(stage string, fn stageFunc) queue.HandlerFunc {
	return func(ctx context.Context, job jobs.Job) error {
		ctx, span := otelhelper.StartSpan(ctx, p.tracer, "pipeline."+stage,
			attribute.String(otelhelper.StageKey, stage),
			attribute.String(otelhelper.EngineIDKey, p.engineID),
		)
		defer span.End()

		res, err := fn(ctx, job)
		if err != nil {
			otelhelper.SetError(span, err)

			return err
		}

		span.SetAttributes(
			attribute.String(otelhelper.RunIDKey, res.RunID),
			attribute.String(otelhelper.CampaignIDKey, res.CampaignID),
		)

		if res.Tracked {
			return p.markDone(ctx, res)
		}

		if res.Failure != "" {
			return p.failRun(ctx, res)
		}

		for _, next := range res.Next {
			if err := p.queue.Publish(ctx, res.RunID, next); err != nil {
				otelhelper.SetError(span, err)

				return fmt.Errorf("enqueue %s for run %s: %w", next.GetType(), res.RunID, err)
			}
		}

		return nil
	}
}

// markDone records one fan-out job termination and, for the last one,
// routes the run to finalize with the tracker's snapshot.
func (p *Processor) markDone(ctx context.Context, res StageResult) error {
	snap, err := p.tracker.MarkDone(ctx, res.RunID, res.Success)
	if err != nil {
		if errors.Is(err, tracker.ErrTrackingNotFound) {
			// Tracking expired or the run was already reclaimed; nothing
			// left to reconcile against.
			p.logger.WarnContext(ctx, "No tracking state for terminating job, dropping",
				"run_id", res.RunID, "campaign_id", res.CampaignID)

			return nil
		}

		return err
	}

	if !snap.IsLast {
		return nil
	}

	finalize := jobs.FinalizeRun{
		BaseJob:        p.newBaseJob(jobs.JobTypeFinalizeRun),
		RunID:          res.RunID,
		CampaignID:     res.CampaignID,
		OrganizationID: res.OrganizationID,
		Stats:          snap.Stats,
	}

	if err := p.queue.Publish(ctx, res.RunID, finalize); err != nil {
		return fmt.Errorf("enqueue finalize for run %s: %w", res.RunID, err)
	}

	return nil
}

// failRun routes a run that cannot proceed to finalize with zero stats, so
// it still reaches a terminal status.
func (p *Processor) failRun(ctx context.Context, res StageResult) error {
	p.logger.WarnContext(ctx, "Run cannot proceed, routing to finalize",
		"run_id", res.RunID, "campaign_id", res.CampaignID, "reason", res.Failure)

	finalize := jobs.FinalizeRun{
		BaseJob:        p.newBaseJob(jobs.JobTypeFinalizeRun),
		RunID:          res.RunID,
		CampaignID:     res.CampaignID,
		OrganizationID: res.OrganizationID,
		FailureReason:  res.Failure,
	}

	if err := p.queue.Publish(ctx, res.RunID, finalize); err != nil {
		return fmt.Errorf("enqueue finalize for run %s: %w", res.RunID, err)
	}

	return nil
}

func (p *Processor) newBaseJob(t jobs.JobType) jobs.BaseJob {
	base := jobs.NewBaseJob(t)
	base.ID = p.queue.GenerateID()
	base.EngineID = p.engineID

	return base
}
