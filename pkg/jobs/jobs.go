// Package jobs defines the envelope types carried between pipeline queues.
// Each stage reads its envelope and emits a new, extended envelope for the
// next stage; envelopes are never mutated in place.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/outflowhq/outflow/pkg/models"
)

type JobType string

const (
	JobTypeCreateRun         JobType = "run.create"
	JobTypeFetchCampaignInfo JobType = "run.campaign-info"
	JobTypeFetchBrandProfile JobType = "run.brand-profile"
	JobTypeSourceLead        JobType = "run.source-lead"
	JobTypeGenerateContent   JobType = "run.generate-content"
	JobTypeDeliverContent    JobType = "run.deliver-content"
	JobTypeFinalizeRun       JobType = "run.finalize"
)

const JobMetadataKey = "key"
const JobTypeMetadataKey = "job_type"

// TopicFor maps a job type to its queue topic. Every stage consumes exactly
// one topic.
func TopicFor(t JobType) string {
	return "outflow." + string(t)
}

// Job is one message on a pipeline queue.
type Job interface {
	GetType() JobType
	Validate() error
}

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidJob     = errors.New("invalid job envelope")
)

// BaseJob carries the fields common to every envelope.
type BaseJob struct {
	ID        string    `json:"id"`
	Type      JobType   `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	EngineID  string    `json:"engine_id,omitempty"`
}

func NewBaseJob(t JobType) BaseJob {
	return BaseJob{
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// CreateRun starts a new run for an admitted campaign.
type CreateRun struct {
	BaseJob

	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
}

func (j CreateRun) GetType() JobType { return JobTypeCreateRun }

func (j CreateRun) Validate() error {
	if j.CampaignID == "" || j.OrganizationID == "" {
		return fmt.Errorf("%w: create-run requires campaign and organization ids", ErrInvalidJob)
	}

	return nil
}

// FetchCampaignInfo resolves the campaign's brand URL/id and targeting.
type FetchCampaignInfo struct {
	BaseJob

	RunID          string `json:"run_id"`
	CampaignID     string `json:"campaign_id"`
	OrganizationID string `json:"organization_id"`
}

func (j FetchCampaignInfo) GetType() JobType { return JobTypeFetchCampaignInfo }

func (j FetchCampaignInfo) Validate() error {
	if j.RunID == "" || j.CampaignID == "" {
		return fmt.Errorf("%w: campaign-info requires run and campaign ids", ErrInvalidJob)
	}

	return nil
}

// FetchBrandProfile resolves the brand profile used for personalization.
type FetchBrandProfile struct {
	BaseJob

	RunID          string                 `json:"run_id"`
	CampaignID     string                 `json:"campaign_id"`
	OrganizationID string                 `json:"organization_id"`
	BrandURL       string                 `json:"brand_url"`
	BrandID        string                 `json:"brand_id,omitempty"`
	Targeting      models.TargetingParams `json:"targeting,omitempty"`
}

func (j FetchBrandProfile) GetType() JobType { return JobTypeFetchBrandProfile }

func (j FetchBrandProfile) Validate() error {
	if j.RunID == "" || j.CampaignID == "" {
		return fmt.Errorf("%w: brand-profile requires run and campaign ids", ErrInvalidJob)
	}

	return nil
}

// SourceLead pulls one deduplicated lead for this run.
type SourceLead struct {
	BaseJob

	RunID          string                 `json:"run_id"`
	CampaignID     string                 `json:"campaign_id"`
	OrganizationID string                 `json:"organization_id"`
	BrandID        string                 `json:"brand_id,omitempty"`
	Targeting      models.TargetingParams `json:"targeting,omitempty"`
	BrandProfile   models.BrandProfile    `json:"brand_profile"`
}

func (j SourceLead) GetType() JobType { return JobTypeSourceLead }

func (j SourceLead) Validate() error {
	if j.RunID == "" || j.CampaignID == "" {
		return fmt.Errorf("%w: source-lead requires run and campaign ids", ErrInvalidJob)
	}

	return nil
}

// GenerateContent produces personalized content for one sourced lead.
type GenerateContent struct {
	BaseJob

	RunID          string              `json:"run_id"`
	CampaignID     string              `json:"campaign_id"`
	OrganizationID string              `json:"organization_id"`
	BrandID        string              `json:"brand_id,omitempty"`
	Lead           models.Lead         `json:"lead"`
	BrandProfile   models.BrandProfile `json:"brand_profile"`
}

func (j GenerateContent) GetType() JobType { return JobTypeGenerateContent }

func (j GenerateContent) Validate() error {
	if j.RunID == "" || j.Lead.ExternalID == "" {
		return fmt.Errorf("%w: generate-content requires run id and lead", ErrInvalidJob)
	}

	return nil
}

// DeliverContent sends one generated message.
type DeliverContent struct {
	BaseJob

	RunID            string `json:"run_id"`
	CampaignID       string `json:"campaign_id"`
	OrganizationID   string `json:"organization_id"`
	BrandID          string `json:"brand_id,omitempty"`
	ContentID        string `json:"content_id"`
	RecipientAddress string `json:"recipient_address"`
	RecipientName    string `json:"recipient_name,omitempty"`
	RecipientCompany string `json:"recipient_company,omitempty"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
}

func (j DeliverContent) GetType() JobType { return JobTypeDeliverContent }

func (j DeliverContent) Validate() error {
	if j.RunID == "" || j.RecipientAddress == "" {
		return fmt.Errorf("%w: deliver-content requires run id and recipient address", ErrInvalidJob)
	}

	return nil
}

// FinalizeRun records the run's terminal status. It is published either by
// the last fan-out job (with tracker stats) or directly by an earlier stage
// that could not proceed (with zero stats and a failure reason).
type FinalizeRun struct {
	BaseJob

	RunID          string          `json:"run_id"`
	CampaignID     string          `json:"campaign_id"`
	OrganizationID string          `json:"organization_id"`
	Stats          models.RunStats `json:"stats"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

func (j FinalizeRun) GetType() JobType { return JobTypeFinalizeRun }

func (j FinalizeRun) Validate() error {
	if j.RunID == "" || j.CampaignID == "" {
		return fmt.Errorf("%w: finalize-run requires run and campaign ids", ErrInvalidJob)
	}

	return nil
}

// Decode unmarshals a queue payload into the concrete envelope for its type.
func Decode(t JobType, payload []byte) (Job, error) {
	var job Job

	switch t {
	case JobTypeCreateRun:
		job = &CreateRun{}
	case JobTypeFetchCampaignInfo:
		job = &FetchCampaignInfo{}
	case JobTypeFetchBrandProfile:
		job = &FetchBrandProfile{}
	case JobTypeSourceLead:
		job = &SourceLead{}
	case JobTypeGenerateContent:
		job = &GenerateContent{}
	case JobTypeDeliverContent:
		job = &DeliverContent{}
	case JobTypeFinalizeRun:
		job = &FinalizeRun{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, t)
	}

	if err := json.Unmarshal(payload, job); err != nil {
		return nil, fmt.Errorf("decode %s job: %w", t, err)
	}

	return job, nil
}
