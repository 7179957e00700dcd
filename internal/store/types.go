package store

import (
	"time"

	"chatdispatch/internal/domain"
)

type JobInsert struct {
	ID          string
	TenantID    string
	SessionKey  domain.SessionKey
	Kind        domain.JobKind
	Recipient   string
	Body        string
	MediaURL    string
	ExternalKey string
	CampaignID  string
	ContactID   string
	State       domain.JobState
	Now         time.Time
}

type JobStateUpdate struct {
	ID        string
	State     domain.JobState
	LastError string
	Now       time.Time
}

type DedupResult struct {
	JobID string
	State domain.JobState
	Found bool
}

type CampaignInsert struct {
	ID          string
	Name        string
	TenantID    string
	SessionKey  domain.SessionKey
	Messages    []string
	MediaURL    string
	Start       time.Time
	End         time.Time
	Delay       time.Duration
	VariantMode domain.VariantMode
	Status      domain.CampaignStatus
	Contacts    []domain.CampaignContact
	Now         time.Time
}

// ChannelCredentials is the stored pairing material for one channel.
type ChannelCredentials struct {
	TenantID  string
	ChannelID string
	SessionID string
	Token     string
	Enabled   bool
}
