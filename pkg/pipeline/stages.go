package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/outflowhq/outflow/pkg/clients/brands"
	"github.com/outflowhq/outflow/pkg/clients/contentgen"
	"github.com/outflowhq/outflow/pkg/clients/delivery"
	"github.com/outflowhq/outflow/pkg/clients/leads"
	"github.com/outflowhq/outflow/pkg/jobs"
	"github.com/outflowhq/outflow/pkg/models"
)

var errUnexpectedEnvelope = errors.New("unexpected envelope type")

// createRun records the new run in the ledger and starts the chain. There is
// no run id yet if the ledger call fails, so the error nacks for redelivery
// instead of routing to finalize; the stage's serialization makes that safe.
func (p *Processor) createRun(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.CreateRun)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for create-run", errUnexpectedEnvelope, job)
	}

	run, err := p.runs.CreateRun(ctx, envelope.CampaignID, envelope.OrganizationID)
	if err != nil {
		return StageResult{}, fmt.Errorf("create run for campaign %s: %w", envelope.CampaignID, err)
	}

	p.logger.InfoContext(ctx, "Run created",
		"run_id", run.ID, "campaign_id", envelope.CampaignID)

	return StageResult{
		RunID:          run.ID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
		Next: []jobs.Job{jobs.FetchCampaignInfo{
			BaseJob:        p.newBaseJob(jobs.JobTypeFetchCampaignInfo),
			RunID:          run.ID,
			CampaignID:     envelope.CampaignID,
			OrganizationID: envelope.OrganizationID,
		}},
	}, nil
}

// fetchCampaignInfo resolves the campaign's brand URL/id and targeting
// parameters for the rest of the run.
func (p *Processor) fetchCampaignInfo(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.FetchCampaignInfo)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for campaign-info", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
	}

	campaign, err := p.campaigns.Get(ctx, envelope.CampaignID)
	if err != nil {
		res.Failure = "campaign info unavailable: " + err.Error()

		return res, nil
	}

	if campaign.Status != models.CampaignStatusOngoing {
		res.Failure = "campaign is no longer ongoing"

		return res, nil
	}

	if campaign.BrandURL == "" {
		res.Failure = "campaign has no brand url configured"

		return res, nil
	}

	res.Next = []jobs.Job{jobs.FetchBrandProfile{
		BaseJob:        p.newBaseJob(jobs.JobTypeFetchBrandProfile),
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
		BrandURL:       campaign.BrandURL,
		BrandID:        campaign.BrandID,
		Targeting:      campaign.Targeting,
	}}

	return res, nil
}

// fetchBrandProfile resolves the personalization profile. A failed fetch
// degrades to a domain-derived placeholder rather than aborting the run.
func (p *Processor) fetchBrandProfile(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.FetchBrandProfile)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for brand-profile", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
	}

	var profile models.BrandProfile

	fetched, err := p.brands.FetchProfile(ctx, envelope.BrandURL)
	if err != nil {
		p.logger.WarnContext(ctx, "Brand profile fetch failed, using placeholder",
			"run_id", envelope.RunID, "brand_url", envelope.BrandURL, "error", err)

		profile = brands.PlaceholderProfile(envelope.BrandURL)
	} else {
		profile = *fetched
	}

	brandID := envelope.BrandID
	if brandID == "" && profile.BrandID != "" {
		brandID = profile.BrandID

		// Persist the discovered brand id so the admission gate can apply
		// the campaign's volume cap on the next decision. Best effort.
		if err := p.campaigns.UpdateBrand(ctx, envelope.CampaignID, brandID); err != nil {
			p.logger.WarnContext(ctx, "Failed to persist discovered brand id",
				"campaign_id", envelope.CampaignID, "brand_id", brandID, "error", err)
		}
	}

	res.Next = []jobs.Job{jobs.SourceLead{
		BaseJob:        p.newBaseJob(jobs.JobTypeSourceLead),
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
		BrandID:        brandID,
		Targeting:      envelope.Targeting,
		BrandProfile:   profile,
	}}

	return res, nil
}

// sourceLead pulls one deduplicated lead and opens the run's fan-out. The
// pull consumes a lead, so failures after it must not nack this message.
func (p *Processor) sourceLead(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.SourceLead)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for source-lead", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
	}

	lead, err := p.leads.Pull(ctx, envelope.CampaignID, envelope.BrandID, envelope.Targeting)
	if err != nil {
		if errors.Is(err, leads.ErrNoLeads) {
			res.Failure = "no leads available"
		} else {
			res.Failure = "lead sourcing failed: " + err.Error()
		}

		return res, nil
	}

	// One lead per run; the fan-out size is known now.
	if err := p.tracker.Init(ctx, envelope.RunID, 1); err != nil {
		res.Failure = "run tracking unavailable: " + err.Error()

		return res, nil
	}

	res.Next = []jobs.Job{jobs.GenerateContent{
		BaseJob:        p.newBaseJob(jobs.JobTypeGenerateContent),
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
		BrandID:        envelope.BrandID,
		Lead:           *lead,
		BrandProfile:   envelope.BrandProfile,
	}}

	return res, nil
}

// generateContent produces the personalized message for one lead. Failures
// here are inside the fan-out, so they are counted by the tracker instead of
// aborting the run.
func (p *Processor) generateContent(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.GenerateContent)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for generate-content", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
	}

	address := envelope.Lead.RecipientAddress()
	if address == "" {
		p.logger.WarnContext(ctx, "Lead has no delivery address, counting as failed",
			"run_id", envelope.RunID, "lead_id", envelope.Lead.ExternalID)

		res.Tracked = true

		return res, nil
	}

	content, err := p.generator.Generate(ctx, contentgen.GenerateRequest{
		CampaignID:   envelope.CampaignID,
		BrandID:      envelope.BrandID,
		Lead:         envelope.Lead,
		BrandProfile: envelope.BrandProfile,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Content generation failed",
			"run_id", envelope.RunID, "lead_id", envelope.Lead.ExternalID, "error", err)

		res.Tracked = true

		return res, nil
	}

	res.Next = []jobs.Job{jobs.DeliverContent{
		BaseJob:          p.newBaseJob(jobs.JobTypeDeliverContent),
		RunID:            envelope.RunID,
		CampaignID:       envelope.CampaignID,
		OrganizationID:   envelope.OrganizationID,
		BrandID:          envelope.BrandID,
		ContentID:        content.ID,
		RecipientAddress: address,
		RecipientName:    envelope.Lead.RecipientName(),
		RecipientCompany: envelope.Lead.CompanyName(),
		Subject:          content.Subject,
		Body:             content.Body,
	}}

	return res, nil
}

// deliverContent sends one generated message and records the outcome with
// the tracker. The gateway's payload success flag is authoritative.
func (p *Processor) deliverContent(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.DeliverContent)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for deliver-content", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
		Tracked:        true,
	}

	err := p.deliverer.Send(ctx, delivery.SendRequest{
		RecipientAddress: envelope.RecipientAddress,
		RecipientName:    envelope.RecipientName,
		Subject:          envelope.Subject,
		Body:             envelope.Body,
		ContentID:        envelope.ContentID,
		CampaignID:       envelope.CampaignID,
	})
	if err != nil {
		p.logger.WarnContext(ctx, "Delivery failed",
			"run_id", envelope.RunID, "recipient", envelope.RecipientAddress, "error", err)

		return res, nil
	}

	res.Success = true

	return res, nil
}

// finalizeRun records the run's terminal status, clears tracking state, and
// asks the poller whether the campaign should immediately run again.
func (p *Processor) finalizeRun(ctx context.Context, job jobs.Job) (StageResult, error) {
	envelope, ok := job.(*jobs.FinalizeRun)
	if !ok {
		return StageResult{}, fmt.Errorf("%w: %T for finalize-run", errUnexpectedEnvelope, job)
	}

	res := StageResult{
		RunID:          envelope.RunID,
		CampaignID:     envelope.CampaignID,
		OrganizationID: envelope.OrganizationID,
	}

	status := envelope.Stats.Outcome()

	reason := envelope.FailureReason
	if reason == "" && status == models.RunStatusFailed {
		reason = fmt.Sprintf("%d of %d jobs failed", envelope.Stats.Failed, envelope.Stats.Total)
	}

	// The status update is idempotent on the ledger side, so a nack and
	// redelivery here is safe.
	if err := p.runs.UpdateRunStatus(ctx, envelope.RunID, status, reason); err != nil {
		return StageResult{}, fmt.Errorf("finalize run %s: %w", envelope.RunID, err)
	}

	if err := p.tracker.Cleanup(ctx, envelope.RunID); err != nil {
		p.logger.WarnContext(ctx, "Failed to clean tracking state, TTL will expire it",
			"run_id", envelope.RunID, "error", err)
	}

	p.logger.InfoContext(ctx, "Run finalized",
		"run_id", envelope.RunID, "campaign_id", envelope.CampaignID,
		"status", status, "done", envelope.Stats.Done, "failed", envelope.Stats.Failed)

	if p.retrigger != nil {
		p.retrigger.Retrigger(ctx, envelope.CampaignID)
	}

	return res, nil
}
