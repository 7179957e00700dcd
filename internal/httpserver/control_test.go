package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatdispatch/internal/domain"
)

type fakeCampaignControl struct {
	started []string
	err     error
}

func (f *fakeCampaignControl) Start(ctx context.Context, campaignID, tenantID string) error {
	f.started = append(f.started, campaignID)
	return f.err
}
func (f *fakeCampaignControl) Pause(ctx context.Context, campaignID, tenantID string) error {
	return f.err
}
func (f *fakeCampaignControl) Cancel(ctx context.Context, campaignID, tenantID string) error {
	return f.err
}

type fakeSessionControl struct {
	stopped []domain.SessionKey
}

func (f *fakeSessionControl) Stop(ctx context.Context, key domain.SessionKey) error {
	f.stopped = append(f.stopped, key)
	return nil
}

func newTestControl(cc *fakeCampaignControl, sc *fakeSessionControl) http.Handler {
	s := New()
	c := &Control{Campaigns: cc, Sessions: sc}
	c.Register(s.Mux)
	return s.Mux
}

func TestCampaignStart(t *testing.T) {
	cc := &fakeCampaignControl{}
	h := newTestControl(cc, &fakeSessionControl{})

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/camp_1/start?tenantId=t1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(cc.started) != 1 || cc.started[0] != "camp_1" {
		t.Fatalf("start not forwarded: %v", cc.started)
	}
}

func TestCampaignStartMissingTenant(t *testing.T) {
	h := newTestControl(&fakeCampaignControl{}, &fakeSessionControl{})

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/camp_1/start", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCampaignOpNotFound(t *testing.T) {
	cc := &fakeCampaignControl{err: domain.ErrCampaignNotFound}
	h := newTestControl(cc, &fakeSessionControl{})

	req := httptest.NewRequest(http.MethodPost, "/v1/campaigns/camp_x/pause?tenantId=t1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSessionStop(t *testing.T) {
	sc := &fakeSessionControl{}
	h := newTestControl(&fakeCampaignControl{}, sc)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/t1/ch1/stop", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	want := domain.SessionKey{TenantID: "t1", ChannelID: "ch1"}
	if len(sc.stopped) != 1 || sc.stopped[0] != want {
		t.Fatalf("stop not forwarded: %v", sc.stopped)
	}
}
