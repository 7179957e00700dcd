package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chatdispatch/internal/domain"
)

// CampaignControl is what the control endpoints need from the scheduler.
type CampaignControl interface {
	Start(ctx context.Context, campaignID, tenantID string) error
	Pause(ctx context.Context, campaignID, tenantID string) error
	Cancel(ctx context.Context, campaignID, tenantID string) error
}

// SessionControl exposes registry lifecycle for operator actions.
type SessionControl interface {
	Stop(ctx context.Context, key domain.SessionKey) error
}

// Control serves the operator surface of the dispatcher process: campaign
// start/pause/cancel and forced session stop. It lives next to the engine
// because that is where the scheduler and registry run.
type Control struct {
	Campaigns CampaignControl
	Sessions  SessionControl
}

func (c *Control) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/campaigns/{id}/start", c.campaignOp("start")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/pause", c.campaignOp("pause")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}/cancel", c.campaignOp("cancel")).Methods(http.MethodPost)
	mux.HandleFunc("/v1/sessions/{tenantId}/{channelId}/stop", c.handleSessionStop).Methods(http.MethodPost)
}

func (c *Control) campaignOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		tenantID := r.URL.Query().Get("tenantId")
		if id == "" || tenantID == "" {
			http.Error(w, ErrMissingID, http.StatusBadRequest)
			return
		}

		var err error
		switch op {
		case "start":
			err = c.Campaigns.Start(r.Context(), id, tenantID)
		case "pause":
			err = c.Campaigns.Pause(r.Context(), id, tenantID)
		case "cancel":
			err = c.Campaigns.Cancel(r.Context(), id, tenantID)
		}
		if err != nil {
			if errors.Is(err, domain.ErrCampaignNotFound) {
				http.Error(w, ErrNotFound, http.StatusNotFound)
				return
			}
			slog.Error("campaign control failed", "op", op, "campaign_id", id, "err", err)
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (c *Control) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := domain.SessionKey{TenantID: vars["tenantId"], ChannelID: vars["channelId"]}
	if key.TenantID == "" || key.ChannelID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	if err := c.Sessions.Stop(r.Context(), key); err != nil {
		slog.Error("session stop failed", "session_key", key.String(), "err", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
