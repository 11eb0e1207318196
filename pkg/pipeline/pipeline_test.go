package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/channels/gochannel"
	"github.com/outflowhq/outflow/pkg/clients/contentgen"
	"github.com/outflowhq/outflow/pkg/clients/delivery"
	"github.com/outflowhq/outflow/pkg/clients/leads"
	"github.com/outflowhq/outflow/pkg/counter"
	"github.com/outflowhq/outflow/pkg/jobs"
	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/queue"
	"github.com/outflowhq/outflow/pkg/tracker"
)

// Fake run ledger.
type fakeRunLedger struct {
	mu        sync.Mutex
	nextID    int
	created   []string
	statuses  map[string]models.RunStatus
	reasons   map[string]string
	createErr error
}

func (f *fakeRunLedger) CreateRun(ctx context.Context, campaignID, organizationID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	f.nextID++
	id := fmt.Sprintf("run-%d", f.nextID)
	f.created = append(f.created, id)

	return &models.Run{
		ID:         id,
		CampaignID: campaignID,
		Status:     models.RunStatusRunning,
		CreatedAt:  time.Now(),
	}, nil
}

func (f *fakeRunLedger) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statuses == nil {
		f.statuses = make(map[string]models.RunStatus)
		f.reasons = make(map[string]string)
	}

	f.statuses[runID] = status
	f.reasons[runID] = reason

	return nil
}

func (f *fakeRunLedger) statusOf(runID string) (models.RunStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status, ok := f.statuses[runID]

	return status, ok
}

// Fake campaign service.
type fakeCampaignSvc struct {
	mu       sync.Mutex
	campaign *models.Campaign
	getErr   error
	brandIDs map[string]string
}

func (f *fakeCampaignSvc) Get(ctx context.Context, campaignID string) (*models.Campaign, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}

	return f.campaign, nil
}

func (f *fakeCampaignSvc) UpdateBrand(ctx context.Context, campaignID, brandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.brandIDs == nil {
		f.brandIDs = make(map[string]string)
	}

	f.brandIDs[campaignID] = brandID

	return nil
}

type fakeBrandSvc struct {
	profile *models.BrandProfile
	err     error
}

func (f *fakeBrandSvc) FetchProfile(ctx context.Context, brandURL string) (*models.BrandProfile, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.profile, nil
}

type fakeLeadSource struct {
	lead *models.Lead
	err  error
}

func (f *fakeLeadSource) Pull(ctx context.Context, campaignID, brandID string, targeting models.TargetingParams) (*models.Lead, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.lead, nil
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []contentgen.GenerateRequest
	content  *models.Content
	err      error
}

func (f *fakeGenerator) Generate(ctx context.Context, req contentgen.GenerateRequest) (*models.Content, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	return f.content, nil
}

type fakeDeliverer struct {
	mu       sync.Mutex
	requests []delivery.SendRequest
	err      error
}

func (f *fakeDeliverer) Send(ctx context.Context, req delivery.SendRequest) error {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	return f.err
}

type fakeRetriggerer struct {
	mu        sync.Mutex
	campaigns []string
}

func (f *fakeRetriggerer) Retrigger(ctx context.Context, campaignID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.campaigns = append(f.campaigns, campaignID)
}

func (f *fakeRetriggerer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.campaigns)
}

// captureQueue records published jobs without a broker, for direct stage
// invocations.
type captureQueue struct {
	mu        sync.Mutex
	nextID    int
	published []jobs.Job
}

func (q *captureQueue) Publish(ctx context.Context, key string, job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.published = append(q.published, job)

	return nil
}

func (q *captureQueue) Handle(t jobs.JobType, cfg queue.ConsumerConfig, handler queue.HandlerFunc) error {
	return nil
}

func (q *captureQueue) Subscribe(ctx context.Context) error { return nil }
func (q *captureQueue) Close() error                        { return nil }

func (q *captureQueue) GenerateID() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++

	return fmt.Sprintf("id-%d", q.nextID)
}

type pipelineFixture struct {
	processor *Processor
	ledger    *fakeRunLedger
	campaigns *fakeCampaignSvc
	brands    *fakeBrandSvc
	leads     *fakeLeadSource
	generator *fakeGenerator
	deliverer *fakeDeliverer
	retrigger *fakeRetriggerer
	store     *counter.MemoryStore
}

func testCampaign() *models.Campaign {
	return &models.Campaign{
		ID:                "c-1",
		OrganizationID:    "org-1",
		Status:            models.CampaignStatusOngoing,
		BrandID:           "b-1",
		BrandURL:          "https://acme.example.com",
		MaxBudgetDailyUSD: "5.00",
		Targeting:         models.TargetingParams{"industry": "software"},
	}
}

func testLead() *models.Lead {
	return &models.Lead{
		ExternalID: "lead-1",
		Person:     map[string]any{"email": "pat@example.com", "name": "Pat"},
		Company:    map[string]any{"name": "Example Inc"},
	}
}

func newFixture(t *testing.T, q queue.JobQueue) *pipelineFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store := counter.NewMemoryStore()

	f := &pipelineFixture{
		ledger:    &fakeRunLedger{},
		campaigns: &fakeCampaignSvc{campaign: testCampaign()},
		brands:    &fakeBrandSvc{profile: &models.BrandProfile{BrandID: "b-1", Name: "Acme", Domain: "acme.example.com"}},
		leads:     &fakeLeadSource{lead: testLead()},
		generator: &fakeGenerator{content: &models.Content{ID: "content-1", Subject: "Hello", Body: "Hi Pat"}},
		deliverer: &fakeDeliverer{},
		retrigger: &fakeRetriggerer{},
		store:     store,
	}

	f.processor = NewProcessor(
		"engine-test", q, tracker.New(store, logger),
		f.ledger, f.campaigns, f.brands, f.leads, f.generator, f.deliverer,
		Config{}, logger,
	)
	f.processor.SetRetriggerer(f.retrigger)

	return f
}

// Runs the whole chain over a real in-memory queue.
func runPipeline(t *testing.T, f *pipelineFixture, q *queue.WatermillJobQueue) {
	t.Helper()

	require.NoError(t, f.processor.Register())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, q.Subscribe(ctx))

	require.NoError(t, q.Publish(ctx, "c-1", jobs.CreateRun{
		BaseJob:        jobs.NewBaseJob(jobs.JobTypeCreateRun),
		CampaignID:     "c-1",
		OrganizationID: "org-1",
	}))

	require.Eventually(t, func() bool {
		_, ok := f.ledger.statusOf("run-1")

		return ok
	}, 5*time.Second, 10*time.Millisecond, "run never reached a terminal status")
}

func newTestQueue(t *testing.T) *queue.WatermillJobQueue {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	pub, sub, err := gochannel.CreateTestChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	q := queue.NewWatermillJobQueue(pub, sub, logger)
	t.Cleanup(func() { _ = q.Close() })

	return q
}

func TestPipelineDeliversAndCompletes(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(t, q)

	runPipeline(t, f, q)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusCompleted, status)

	require.Len(t, f.deliverer.requests, 1)
	sent := f.deliverer.requests[0]
	assert.Equal(t, "pat@example.com", sent.RecipientAddress)
	assert.Equal(t, "Hello", sent.Subject)
	assert.Equal(t, "content-1", sent.ContentID)

	assert.Equal(t, 1, f.retrigger.count())

	// Tracking state is cleaned up after finalize.
	_, err := f.store.Get(context.Background(), "outflow:run:run-1:total")
	assert.ErrorIs(t, err, counter.ErrNotFound)
}

func TestPipelineNoLeadsFailsRun(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(t, q)
	f.leads.err = leads.ErrNoLeads

	runPipeline(t, f, q)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusFailed, status)
	assert.Contains(t, f.ledger.reasons["run-1"], "no leads")
	assert.Empty(t, f.generator.requests)
	// A failed run still retriggers; the gate's streak breaker decides
	// whether the campaign keeps going.
	assert.Equal(t, 1, f.retrigger.count())
}

func TestPipelineDeliveryRejectionFailsRun(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(t, q)
	f.deliverer.err = fmt.Errorf("%w: mailbox does not exist", delivery.ErrDeliveryRejected)

	runPipeline(t, f, q)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusFailed, status)
	assert.Contains(t, f.ledger.reasons["run-1"], "1 of 1 jobs failed")
}

func TestPipelineBrandProfileFallback(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(t, q)
	f.brands.err = errors.New("profile service down")

	runPipeline(t, f, q)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusCompleted, status)

	require.Len(t, f.generator.requests, 1)
	assert.True(t, f.generator.requests[0].BrandProfile.Placeholder)
	assert.Equal(t, "acme.example.com", f.generator.requests[0].BrandProfile.Domain)
}

func TestPipelineGenerationFailureFailsRun(t *testing.T) {
	q := newTestQueue(t)
	f := newFixture(t, q)
	f.generator.err = errors.New("model overloaded")

	runPipeline(t, f, q)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusFailed, status)
	assert.Empty(t, f.deliverer.requests)
}

func TestFetchCampaignInfoStoppedCampaign(t *testing.T) {
	f := newFixture(t, &captureQueue{})
	f.campaigns.campaign.Status = models.CampaignStatusStopped

	res, err := f.processor.fetchCampaignInfo(context.Background(), &jobs.FetchCampaignInfo{
		BaseJob:    jobs.NewBaseJob(jobs.JobTypeFetchCampaignInfo),
		RunID:      "run-1",
		CampaignID: "c-1",
	})

	require.NoError(t, err)
	assert.Contains(t, res.Failure, "no longer ongoing")
	assert.Empty(t, res.Next)
}

func TestFetchCampaignInfoMissingBrandURL(t *testing.T) {
	f := newFixture(t, &captureQueue{})
	f.campaigns.campaign.BrandURL = ""

	res, err := f.processor.fetchCampaignInfo(context.Background(), &jobs.FetchCampaignInfo{
		BaseJob:    jobs.NewBaseJob(jobs.JobTypeFetchCampaignInfo),
		RunID:      "run-1",
		CampaignID: "c-1",
	})

	require.NoError(t, err)
	assert.Contains(t, res.Failure, "brand url")
}

func TestFetchBrandProfilePersistsDiscoveredBrandID(t *testing.T) {
	f := newFixture(t, &captureQueue{})
	f.brands.profile = &models.BrandProfile{BrandID: "b-discovered", Name: "Acme"}

	res, err := f.processor.fetchBrandProfile(context.Background(), &jobs.FetchBrandProfile{
		BaseJob:    jobs.NewBaseJob(jobs.JobTypeFetchBrandProfile),
		RunID:      "run-1",
		CampaignID: "c-1",
		BrandURL:   "https://acme.example.com",
	})

	require.NoError(t, err)
	require.Len(t, res.Next, 1)

	next, ok := res.Next[0].(jobs.SourceLead)
	require.True(t, ok)
	assert.Equal(t, "b-discovered", next.BrandID)
	assert.Equal(t, "b-discovered", f.campaigns.brandIDs["c-1"])
}

func TestGenerateContentMissingAddressCountsFailed(t *testing.T) {
	f := newFixture(t, &captureQueue{})

	res, err := f.processor.generateContent(context.Background(), &jobs.GenerateContent{
		BaseJob:    jobs.NewBaseJob(jobs.JobTypeGenerateContent),
		RunID:      "run-1",
		CampaignID: "c-1",
		Lead:       models.Lead{ExternalID: "lead-1"},
	})

	require.NoError(t, err)
	assert.True(t, res.Tracked)
	assert.False(t, res.Success)
	assert.Empty(t, f.generator.requests)
}

func TestCreateRunLedgerErrorNacks(t *testing.T) {
	f := newFixture(t, &captureQueue{})
	f.ledger.createErr = errors.New("ledger down")

	_, err := f.processor.createRun(context.Background(), &jobs.CreateRun{
		BaseJob:        jobs.NewBaseJob(jobs.JobTypeCreateRun),
		CampaignID:     "c-1",
		OrganizationID: "org-1",
	})

	assert.Error(t, err)
}

func TestFinalizeRunZeroStatsIsFailed(t *testing.T) {
	f := newFixture(t, &captureQueue{})

	_, err := f.processor.finalizeRun(context.Background(), &jobs.FinalizeRun{
		BaseJob:       jobs.NewBaseJob(jobs.JobTypeFinalizeRun),
		RunID:         "run-1",
		CampaignID:    "c-1",
		FailureReason: "no leads available",
	})

	require.NoError(t, err)

	status, _ := f.ledger.statusOf("run-1")
	assert.Equal(t, models.RunStatusFailed, status)
	assert.Equal(t, "no leads available", f.ledger.reasons["run-1"])
}
