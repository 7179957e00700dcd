package domain

import "time"

// SingleMessageRequest is the enqueue-API payload for one outbound message.
// ExternalKey is the caller-supplied idempotency token.
type SingleMessageRequest struct {
	TenantID    string `json:"tenantId"`
	ChannelID   string `json:"channelId"`
	Number      string `json:"number"`
	Body        string `json:"body"`
	MediaURL    string `json:"mediaUrl,omitempty"`
	ExternalKey string `json:"externalKey"`
}

func (r SingleMessageRequest) Validate() error {
	if r.TenantID == "" || r.ChannelID == "" || r.Number == "" || r.Body == "" || r.ExternalKey == "" {
		return ErrMissingFields
	}
	return nil
}

type ContactInput struct {
	ContactID string `json:"contactId"`
	Number    string `json:"number"`
}

type CreateCampaignRequest struct {
	TenantID    string         `json:"tenantId"`
	ChannelID   string         `json:"channelId"`
	Name        string         `json:"name"`
	Message1    string         `json:"message1"`
	Message2    string         `json:"message2,omitempty"`
	Message3    string         `json:"message3,omitempty"`
	MediaURL    string         `json:"mediaUrl,omitempty"`
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end,omitempty"`
	DelayMS     int            `json:"delayMs,omitempty"`
	VariantMode VariantMode    `json:"variantMode,omitempty"`
	Contacts    []ContactInput `json:"contacts"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.TenantID == "" || r.ChannelID == "" || r.Name == "" || r.Message1 == "" || r.Start.IsZero() {
		return ErrMissingFields
	}
	for _, c := range r.Contacts {
		if c.ContactID == "" || c.Number == "" {
			return ErrMissingFields
		}
	}
	return nil
}

type EnqueueResponse struct {
	JobID string `json:"jobId"`
	State string `json:"state"`
}

type CampaignResponse struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Contacts   int    `json:"contacts"`
}
