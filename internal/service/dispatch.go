package service

import (
	"context"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/store"
	"chatdispatch/internal/util"
)

type Store interface {
	InsertCampaign(ctx context.Context, in store.CampaignInsert) error
	GetJob(ctx context.Context, jobID string) (domain.DispatchJob, bool, error)
	GetCampaign(ctx context.Context, campaignID, tenantID string) (domain.Campaign, bool, error)
	ContactCounts(ctx context.Context, campaignID string) (domain.ContactCounts, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.DispatchJob) error
}

// DispatchService is the surface the HTTP layer feeds work through. All
// durable effects happen here; handlers only translate requests.
type DispatchService struct {
	Store        Store
	Queue        Enqueuer
	DefaultDelay time.Duration
}

// EnqueueSingleMessage appends one API-triggered send to the dispatch queue.
// A duplicate externalKey for a non-terminal job comes back as
// domain.ErrDuplicateJob.
func (s *DispatchService) EnqueueSingleMessage(ctx context.Context, req domain.SingleMessageRequest, jobID string, now time.Time) (domain.EnqueueResponse, error) {
	req.Number = util.NormalizePhone(req.Number)

	job := domain.DispatchJob{
		ID:       jobID,
		TenantID: req.TenantID,
		SessionKey: domain.SessionKey{
			TenantID:  req.TenantID,
			ChannelID: req.ChannelID,
		},
		Kind:        domain.KindSingleMessage,
		Recipient:   req.Number,
		Body:        req.Body,
		MediaURL:    req.MediaURL,
		ExternalKey: req.ExternalKey,
		EnqueuedAt:  now,
	}
	if err := s.Queue.Enqueue(ctx, job); err != nil {
		return domain.EnqueueResponse{}, err
	}
	return domain.EnqueueResponse{JobID: jobID, State: string(domain.JobQueued)}, nil
}

// CreateCampaign persists a campaign definition and its contact list. The
// campaign stays pending until explicitly started.
func (s *DispatchService) CreateCampaign(ctx context.Context, req domain.CreateCampaignRequest, campaignID string, now time.Time) (domain.CampaignResponse, error) {
	delay := time.Duration(req.DelayMS) * time.Millisecond
	if delay <= 0 {
		delay = s.DefaultDelay
	}
	mode := req.VariantMode
	if mode == "" {
		mode = domain.VariantSingle
	}

	messages := []string{req.Message1}
	if req.Message2 != "" {
		messages = append(messages, req.Message2)
	}
	if req.Message3 != "" {
		messages = append(messages, req.Message3)
	}

	contacts := make([]domain.CampaignContact, 0, len(req.Contacts))
	for _, c := range req.Contacts {
		contacts = append(contacts, domain.CampaignContact{
			CampaignID: campaignID,
			ContactID:  c.ContactID,
			Number:     util.NormalizePhone(c.Number),
			Status:     domain.ContactPending,
		})
	}

	if err := s.Store.InsertCampaign(ctx, store.CampaignInsert{
		ID:       campaignID,
		Name:     req.Name,
		TenantID: req.TenantID,
		SessionKey: domain.SessionKey{
			TenantID:  req.TenantID,
			ChannelID: req.ChannelID,
		},
		Messages:    messages,
		MediaURL:    req.MediaURL,
		Start:       req.Start,
		End:         req.End,
		Delay:       delay,
		VariantMode: mode,
		Status:      domain.CampaignPending,
		Contacts:    contacts,
		Now:         now,
	}); err != nil {
		return domain.CampaignResponse{}, err
	}

	return domain.CampaignResponse{
		CampaignID: campaignID,
		Status:     string(domain.CampaignPending),
		Contacts:   len(contacts),
	}, nil
}

func (s *DispatchService) GetJob(ctx context.Context, jobID string) (domain.DispatchJob, bool, error) {
	return s.Store.GetJob(ctx, jobID)
}

func (s *DispatchService) CampaignStatus(ctx context.Context, campaignID, tenantID string) (domain.Campaign, domain.ContactCounts, bool, error) {
	c, found, err := s.Store.GetCampaign(ctx, campaignID, tenantID)
	if err != nil || !found {
		return domain.Campaign{}, domain.ContactCounts{}, found, err
	}
	counts, err := s.Store.ContactCounts(ctx, campaignID)
	if err != nil {
		return domain.Campaign{}, domain.ContactCounts{}, false, err
	}
	return c, counts, true, nil
}

func NewJobID() string      { return util.NewJobID() }
func NewCampaignID() string { return util.NewCampaignID() }
