package domain

import "time"

// SessionKey identifies one logical connection slot: a tenant's configured
// channel (e.g. one WhatsApp number). At most one live session exists per key.
type SessionKey struct {
	TenantID  string `json:"tenantId"`
	ChannelID string `json:"channelId"`
}

func (k SessionKey) String() string { return k.TenantID + ":" + k.ChannelID }

type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionFailed       SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions for the
// session instance that reached it.
func (s SessionState) Terminal() bool {
	return s == SessionFailed || s == SessionDisconnected
}

type JobKind string

const (
	KindSingleMessage   JobKind = "single"
	KindCampaignMessage JobKind = "campaign"
)

type JobState string

const (
	JobQueued     JobState = "queued"
	JobProcessing JobState = "processing"
	JobDelivered  JobState = "delivered"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	return s == JobDelivered || s == JobFailed || s == JobCancelled
}

// Outcome is the dispatcher's verdict on one send attempt, reported through
// the queue's ack contract. Retry is converted to Failed once the attempt
// ceiling is reached.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
)

// DispatchJob is one unit of outbound work. The payload is immutable after
// enqueue; only State, AttemptCount and LastError change.
type DispatchJob struct {
	ID           string
	TenantID     string
	SessionKey   SessionKey
	Kind         JobKind
	Recipient    string
	Body         string
	MediaURL     string
	ExternalKey  string
	CampaignID   string
	ContactID    string
	State        JobState
	AttemptCount int
	LastError    string
	EnqueuedAt   time.Time
}

type CampaignStatus string

const (
	CampaignPending   CampaignStatus = "pending"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignCompleted CampaignStatus = "completed"
)

// VariantMode controls how a campaign picks among its message variants.
// Single-variant is the default; rotation is an explicit opt-in.
type VariantMode string

const (
	VariantSingle VariantMode = "single"
	VariantRotate VariantMode = "rotate"
)

// Campaign is a bulk, paced send against an ordered contact list. Messages
// holds 1..3 body variants (the first is always present).
type Campaign struct {
	ID          string
	Name        string
	TenantID    string
	SessionKey  SessionKey
	Messages    []string
	MediaURL    string
	Start       time.Time
	End         time.Time
	Delay       time.Duration
	VariantMode VariantMode
	Status      CampaignStatus
}

type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactQueued    ContactStatus = "queued"
	ContactSent      ContactStatus = "sent"
	ContactFailed    ContactStatus = "failed"
	ContactCancelled ContactStatus = "cancelled"
)

type CampaignContact struct {
	CampaignID string
	ContactID  string
	Number     string
	Status     ContactStatus
}

// ContactCounts is a snapshot of a campaign's contact statuses, used for
// completion detection.
type ContactCounts struct {
	Pending   int
	Queued    int
	Sent      int
	Failed    int
	Cancelled int
	Total     int
}

// Done reports whether no contact can still produce a terminal outcome.
func (c ContactCounts) Done() bool { return c.Pending == 0 && c.Queued == 0 }
