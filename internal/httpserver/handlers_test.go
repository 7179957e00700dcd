package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/service"
	"chatdispatch/internal/store"
)

type fakeStore struct {
	job      domain.DispatchJob
	jobFound bool
}

func (f *fakeStore) InsertCampaign(ctx context.Context, in store.CampaignInsert) error { return nil }

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
	err error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, job domain.DispatchJob) error { return f.err }

func newTestAPI(st *fakeStore, enq *fakeEnqueuer) http.Handler {
	s := New()
	api := &API{Svc: &service.DispatchService{Store: st, Queue: enq, DefaultDelay: time.Second}}
	api.Register(s.Mux)
	return s.Mux
}

func TestEnqueueMessageAccepted(t *testing.T) {
	h := newTestAPI(&fakeStore{}, &fakeEnqueuer{})

	body := `{"tenantId":"t1","channelId":"ch1","number":"+15550001","body":"hi","externalKey":"ext-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"state":"queued"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestEnqueueMessageMissingFields(t *testing.T) {
	h := newTestAPI(&fakeStore{}, &fakeEnqueuer{})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"tenantId":"t1"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestEnqueueMessageDuplicateConflict(t *testing.T) {
	h := newTestAPI(&fakeStore{}, &fakeEnqueuer{err: domain.ErrDuplicateJob})

	body := `{"tenantId":"t1","channelId":"ch1","number":"+15550001","body":"hi","externalKey":"ext-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	h := newTestAPI(&fakeStore{}, &fakeEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetJobFound(t *testing.T) {
	st := &fakeStore{
		job: domain.DispatchJob{
			ID:         "job_1",
			TenantID:   "t1",
			SessionKey: domain.SessionKey{TenantID: "t1", ChannelID: "ch1"},
			Kind:       domain.KindSingleMessage,
			State:      domain.JobDelivered,
		},
		jobFound: true,
	}
	h := newTestAPI(st, &fakeEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job_1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"state":"delivered"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCreateCampaignValidates(t *testing.T) {
	h := newTestAPI(&fakeStore{}, &fakeEnqueuer{})

	// missing message1
	body := `{"tenantId":"t1","channelId":"ch1","name":"promo","start":"2026-09-01T00:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	body = `{"tenantId":"t1","channelId":"ch1","name":"promo","message1":"hi","start":"2026-09-01T00:00:00Z",
		"contacts":[{"contactId":"c1","number":"+15550001"}]}`
	req = httptest.NewRequest(http.MethodPost, "/v1/campaigns", strings.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
}
