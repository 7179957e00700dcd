package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/store"
)

type fakeStore struct {
	campaigns []store.CampaignInsert
	job       domain.DispatchJob
	jobFound  bool
}

func (f *fakeStore) InsertCampaign(ctx context.Context, in store.CampaignInsert) error {
	f.campaigns = append(f.campaigns, in)
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, jobID string) (domain.DispatchJob, bool, error) {
	return f.job, f.jobFound, nil
}

func (f *fakeStore) GetCampaign(ctx context.Context, campaignID, tenantID string) (domain.Campaign, bool, error) {
	return domain.Campaign{}, false, nil
}

func (f *fakeStore) ContactCounts(ctx context.Context, campaignID string) (domain.ContactCounts, error) {
	return domain.ContactCounts{}, nil
}

type fakeEnqueuer struct {
	jobs []domain.DispatchJob
	err  error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job domain.DispatchJob) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func TestEnqueueSingleMessage(t *testing.T) {
	enq := &fakeEnqueuer{}
	svc := &DispatchService{Store: &fakeStore{}, Queue: enq, DefaultDelay: 2 * time.Second}

	resp, err := svc.EnqueueSingleMessage(context.Background(), domain.SingleMessageRequest{
		TenantID:    "t1",
		ChannelID:   "ch1",
		Number:      " +1 555 000 1 ",
		Body:        "hello",
		ExternalKey: "ext-1",
	}, "job_1", time.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if resp.JobID != "job_1" || resp.State != string(domain.JobQueued) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(enq.jobs) != 1 {
		t.Fatalf("expected 1 queued job")
	}
	job := enq.jobs[0]
	if job.Recipient != "+15550001" {
		t.Fatalf("number not normalized: %q", job.Recipient)
	}
	if job.SessionKey.String() != "t1:ch1" {
		t.Fatalf("unexpected session key %s", job.SessionKey.String())
	}
	if job.Kind != domain.KindSingleMessage {
		t.Fatalf("unexpected kind %s", job.Kind)
	}
}

func TestEnqueueSingleMessageDuplicate(t *testing.T) {
	enq := &fakeEnqueuer{err: domain.ErrDuplicateJob}
	svc := &DispatchService{Store: &fakeStore{}, Queue: enq}

	_, err := svc.EnqueueSingleMessage(context.Background(), domain.SingleMessageRequest{
		TenantID: "t1", ChannelID: "ch1", Number: "+15550001", Body: "hi", ExternalKey: "ext-1",
	}, "job_1", time.Now())
	if !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
}

func TestCreateCampaignDefaults(t *testing.T) {
	st := &fakeStore{}
	svc := &DispatchService{Store: st, Queue: &fakeEnqueuer{}, DefaultDelay: 2 * time.Second}

	resp, err := svc.CreateCampaign(context.Background(), domain.CreateCampaignRequest{
		TenantID:  "t1",
		ChannelID: "ch1",
		Name:      "spring promo",
		Message1:  "hello",
		Message3:  "howdy", // gap: message2 unset
		Start:     time.Now(),
		Contacts: []domain.ContactInput{
			{ContactID: "c1", Number: "+15550001"},
			{ContactID: "c2", Number: "+15550002"},
		},
	}, "camp_1", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Status != string(domain.CampaignPending) || resp.Contacts != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	if len(st.campaigns) != 1 {
		t.Fatalf("expected 1 insert")
	}
	in := st.campaigns[0]
	if in.Delay != 2*time.Second {
		t.Fatalf("expected default delay, got %v", in.Delay)
	}
	if in.VariantMode != domain.VariantSingle {
		t.Fatalf("expected default variant mode, got %s", in.VariantMode)
	}
	if len(in.Messages) != 2 || in.Messages[0] != "hello" || in.Messages[1] != "howdy" {
		t.Fatalf("unexpected messages %v", in.Messages)
	}
	if in.Status != domain.CampaignPending {
		t.Fatalf("expected pending campaign, got %s", in.Status)
	}
	for _, c := range in.Contacts {
		if c.Status != domain.ContactPending {
			t.Fatalf("contact %s not pending", c.ContactID)
		}
	}
}

func TestCreateCampaignExplicitDelay(t *testing.T) {
	st := &fakeStore{}
	svc := &DispatchService{Store: st, Queue: &fakeEnqueuer{}, DefaultDelay: 2 * time.Second}

	_, err := svc.CreateCampaign(context.Background(), domain.CreateCampaignRequest{
		TenantID: "t1", ChannelID: "ch1", Name: "n", Message1: "m",
		Start:   time.Now(),
		DelayMS: 500,
	}, "camp_1", time.Now())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.campaigns[0].Delay != 500*time.Millisecond {
		t.Fatalf("expected 500ms delay, got %v", st.campaigns[0].Delay)
	}
}
