// Package notify pushes session and campaign state changes outward for UI
// consumption. Delivery is best-effort: the engine never blocks on a slow
// sink and never treats a sink error as its own failure.
package notify

import (
	"log/slog"
	"sync"

	"chatdispatch/internal/domain"
)

type Event struct {
	TenantID   string
	Kind       string // "session" or "campaign"
	SessionKey domain.SessionKey
	State      string
	CampaignID string
	ContactID  string
	Reason     string
}

type Sink interface {
	Publish(ev Event)
}

// SlogSink logs events; the default sink when no UI transport is wired.
type SlogSink struct{}

func (SlogSink) Publish(ev Event) {
	slog.Info("notify",
		"tenant_id", ev.TenantID,
		"kind", ev.Kind,
		"session_key", ev.SessionKey.String(),
		"state", ev.State,
		"campaign_id", ev.CampaignID,
		"contact_id", ev.ContactID,
		"reason", ev.Reason,
	)
}

// Async decouples publishers from the sink through a bounded buffer. Events
// are dropped when the buffer is full rather than backpressuring the engine.
type Async struct {
	ch   chan Event
	next Sink
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Sink, buffer int) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	a := &Async{
		ch:   make(chan Event, buffer),
		next: next,
		done: make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish is safe to call from any goroutine at any point of the process
// lifecycle; events arriving after Close (a shutdown-ordering straggler,
// like an idle-reap timer still stopping its session) are dropped.
func (a *Async) Publish(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		// full buffer: drop, correctness never depends on the sink
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.ch {
		a.next.Publish(ev)
	}
}

// Close drains buffered events and stops the forwarding goroutine. Close is
// idempotent.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

func SessionEvent(key domain.SessionKey, state domain.SessionState, reason string) Event {
	return Event{
		TenantID:   key.TenantID,
		Kind:       "session",
		SessionKey: key,
		State:      string(state),
		Reason:     reason,
	}
}

func CampaignEvent(tenantID, campaignID, contactID string, status string) Event {
	return Event{
		TenantID:   tenantID,
		Kind:       "campaign",
		CampaignID: campaignID,
		ContactID:  contactID,
		State:      status,
	}
}
