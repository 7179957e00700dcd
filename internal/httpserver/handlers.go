package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/service"
	"chatdispatch/internal/util"
)

type API struct {
	Svc *service.DispatchService
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/messages", a.handleEnqueueMessage).Methods(http.MethodPost)
	mux.HandleFunc("/v1/jobs/{id}", a.handleGetJob).Methods(http.MethodGet)
	mux.HandleFunc("/v1/campaigns", a.handleCreateCampaign).Methods(http.MethodPost)
	mux.HandleFunc("/v1/campaigns/{id}", a.handleGetCampaign).Methods(http.MethodGet)
}

func (a *API) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.SingleMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.EnqueueSingleMessage(r.Context(), req, service.NewJobID(), util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			http.Error(w, ErrDuplicate, http.StatusConflict)
			return
		}
		slog.Error("enqueue message failed",
			"err", err,
			"tenant_id", req.TenantID,
			"channel_id", req.ChannelID,
			"external_key", req.ExternalKey,
		)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	job, found, err := a.Svc.GetJob(r.Context(), id)
	if err != nil {
		slog.Error("get job failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(jobView(job))
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.CreateCampaign(r.Context(), req, service.NewCampaignID(), util.NowUTC())
	if err != nil {
		slog.Error("create campaign failed", "err", err, "tenant_id", req.TenantID, "name", req.Name)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	tenantID := r.URL.Query().Get("tenantId")
	if id == "" || tenantID == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	c, counts, found, err := a.Svc.CampaignStatus(r.Context(), id, tenantID)
	if err != nil {
		slog.Error("get campaign failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"campaignId": c.ID,
		"name":       c.Name,
		"status":     c.Status,
		"contacts": map[string]int{
			"pending":   counts.Pending,
			"queued":    counts.Queued,
			"sent":      counts.Sent,
			"failed":    counts.Failed,
			"cancelled": counts.Cancelled,
			"total":     counts.Total,
		},
	})
}

func jobView(j domain.DispatchJob) map[string]any {
	return map[string]any{
		"jobId":        j.ID,
		"tenantId":     j.TenantID,
		"channelId":    j.SessionKey.ChannelID,
		"kind":         j.Kind,
		"recipient":    j.Recipient,
		"state":        j.State,
		"attemptCount": j.AttemptCount,
		"lastError":    j.LastError,
		"campaignId":   j.CampaignID,
		"enqueuedAt":   j.EnqueuedAt,
	}
}
