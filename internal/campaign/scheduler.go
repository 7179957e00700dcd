// Package campaign turns stored campaign definitions into paced streams of
// dispatch jobs. The scheduler is the sole writer of contact status.
package campaign

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/notify"
	"chatdispatch/internal/observability"
	"chatdispatch/internal/util"
)

type Store interface {
	GetCampaign(ctx context.Context, campaignID, tenantID string) (domain.Campaign, bool, error)
	SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) error
	NextPendingContact(ctx context.Context, campaignID string) (domain.CampaignContact, bool, error)
	MarkContactQueued(ctx context.Context, campaignID, contactID string, now time.Time) (bool, error)
	MarkContactStatus(ctx context.Context, campaignID, contactID string, status domain.ContactStatus, now time.Time) error
	ContactCounts(ctx context.Context, campaignID string) (domain.ContactCounts, error)
	CancelPendingContacts(ctx context.Context, campaignID string, now time.Time) (int64, error)
	CancelQueuedCampaignJobs(ctx context.Context, campaignID string, now time.Time) (int64, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, job domain.DispatchJob) error
}

type Scheduler struct {
	Store Store
	Queue Enqueuer
	Sink  notify.Sink

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// ExternalKey is the deterministic idempotency key of a campaign contact's
// job: re-running the cursor over a contact cannot enqueue it twice.
func ExternalKey(campaignID, contactID string) string {
	return "cmp:" + campaignID + ":" + contactID
}

// Start begins (or resumes) paced scheduling for a campaign. A campaign with
// no contacts left to act on completes immediately.
func (s *Scheduler) Start(ctx context.Context, campaignID, tenantID string) error {
	c, found, err := s.Store.GetCampaign(ctx, campaignID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	switch c.Status {
	case domain.CampaignPending, domain.CampaignPaused:
		// startable
	case domain.CampaignRunning:
		return nil
	default:
		return errors.New("campaign not startable from status " + string(c.Status))
	}

	now := time.Now().UTC()
	counts, err := s.Store.ContactCounts(ctx, campaignID)
	if err != nil {
		return err
	}
	if counts.Done() {
		if err := s.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignCompleted, now); err != nil {
			return err
		}
		s.publish(c.TenantID, campaignID, "", string(domain.CampaignCompleted))
		return nil
	}

	if err := s.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignRunning, now); err != nil {
		return err
	}
	c.Status = domain.CampaignRunning
	s.publish(c.TenantID, campaignID, "", string(domain.CampaignRunning))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("scheduler shut down")
	}
	if s.runs == nil {
		s.runs = make(map[string]*run)
	}
	if _, exists := s.runs[campaignID]; exists {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[campaignID] = r
	go s.loop(runCtx, c, r)
	return nil
}

// Pause stops creating new jobs within one tick. Jobs already on the queue
// complete normally.
func (s *Scheduler) Pause(ctx context.Context, campaignID, tenantID string) error {
	c, found, err := s.Store.GetCampaign(ctx, campaignID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	if c.Status != domain.CampaignRunning {
		return errors.New("campaign not running")
	}

	s.stopRun(campaignID)
	if err := s.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignPaused, time.Now().UTC()); err != nil {
		return err
	}
	s.publish(c.TenantID, campaignID, "", string(domain.CampaignPaused))
	return nil
}

// Cancel stops scheduling, marks all remaining pending contacts cancelled
// and best-effort revokes unclaimed queued jobs. Claimed jobs complete.
func (s *Scheduler) Cancel(ctx context.Context, campaignID, tenantID string) error {
	c, found, err := s.Store.GetCampaign(ctx, campaignID, tenantID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrCampaignNotFound
	}
	switch c.Status {
	case domain.CampaignCompleted, domain.CampaignCancelled:
		return nil
	}

	s.stopRun(campaignID)
	now := time.Now().UTC()
	if err := s.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignCancelled, now); err != nil {
		return err
	}
	if n, err := s.Store.CancelPendingContacts(ctx, campaignID, now); err != nil {
		slog.Error("cancel pending contacts failed", "campaign_id", campaignID, "err", err)
	} else if n > 0 {
		slog.Info("campaign contacts cancelled", "campaign_id", campaignID, "count", n)
	}
	if _, err := s.Store.CancelQueuedCampaignJobs(ctx, campaignID, now); err != nil {
		slog.Error("revoke queued campaign jobs failed", "campaign_id", campaignID, "err", err)
	}
	s.publish(c.TenantID, campaignID, "", string(domain.CampaignCancelled))
	return nil
}

// Shutdown stops all scheduling loops; campaign rows keep their status so a
// restart resumes running campaigns.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	runs := s.runs
	s.runs = nil
	s.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		<-r.done
	}
}

// ResumeRunning restarts scheduling loops for campaigns a previous process
// left in running state.
func (s *Scheduler) ResumeRunning(ctx context.Context, campaigns []domain.Campaign) {
	for _, c := range campaigns {
		if c.Status != domain.CampaignRunning {
			continue
		}
		// Start treats paused like pending; flip through it so the loop spawns.
		if err := s.Start(ctx, c.ID, c.TenantID); err != nil {
			slog.Error("campaign resume failed", "campaign_id", c.ID, "err", err)
		}
	}
}

func (s *Scheduler) stopRun(campaignID string) {
	s.mu.Lock()
	r, ok := s.runs[campaignID]
	if ok {
		delete(s.runs, campaignID)
	}
	s.mu.Unlock()
	if ok {
		r.cancel()
		<-r.done
	}
}

// loop is the pacing tick driver for one running campaign. Pacing is
// cooperative: each tick either fires or the loop exits; missed ticks are
// never queued up.
func (s *Scheduler) loop(ctx context.Context, c domain.Campaign, r *run) {
	defer close(r.done)
	defer s.forgetRun(c.ID, r)

	if wait := time.Until(c.Start); wait > 0 {
		if !sleep(ctx, wait) {
			return
		}
	}

	variant := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.End.IsZero() && time.Now().After(c.End) {
			slog.Info("campaign window closed", "campaign_id", c.ID)
			if err := s.Store.SetCampaignStatus(ctx, c.ID, domain.CampaignPaused, time.Now().UTC()); err != nil {
				slog.Error("pause at window end failed", "campaign_id", c.ID, "err", err)
			}
			return
		}

		contact, ok, err := s.Store.NextPendingContact(ctx, c.ID)
		if err != nil {
			slog.Error("next pending contact failed", "campaign_id", c.ID, "err", err)
			if !sleep(ctx, c.Delay) {
				return
			}
			continue
		}
		if !ok {
			// cursor exhausted; completion lands when the last queued
			// contact reaches a terminal outcome
			s.maybeComplete(context.Background(), c.ID, c.TenantID)
			return
		}

		job := domain.DispatchJob{
			ID:          util.NewJobID(),
			TenantID:    c.TenantID,
			SessionKey:  c.SessionKey,
			Kind:        domain.KindCampaignMessage,
			Recipient:   contact.Number,
			Body:        s.pickVariant(c, variant),
			MediaURL:    c.MediaURL,
			ExternalKey: ExternalKey(c.ID, contact.ContactID),
			CampaignID:  c.ID,
			ContactID:   contact.ContactID,
		}

		now := time.Now().UTC()
		err = s.Queue.Enqueue(ctx, job)
		switch {
		case err == nil, errors.Is(err, domain.ErrDuplicateJob):
			// duplicate means a previous run already queued this contact
			variant++
			// The queued write is guarded on pending: a fast terminal ack
			// may have already marked the contact sent or failed.
			queued, err := s.Store.MarkContactQueued(ctx, c.ID, contact.ContactID, now)
			if err != nil {
				slog.Error("mark contact queued failed", "campaign_id", c.ID, "contact_id", contact.ContactID, "err", err)
			}
			if queued {
				s.publish(c.TenantID, c.ID, contact.ContactID, string(domain.ContactQueued))
			}
		default:
			slog.Error("campaign enqueue failed", "campaign_id", c.ID, "contact_id", contact.ContactID, "err", err)
			// contact stays pending; retried on the next tick
		}

		if !sleep(ctx, c.Delay) {
			return
		}
	}
}

func (s *Scheduler) forgetRun(campaignID string, r *run) {
	s.mu.Lock()
	if cur, ok := s.runs[campaignID]; ok && cur == r {
		delete(s.runs, campaignID)
	}
	s.mu.Unlock()
}

// pickVariant applies the campaign's variant policy. Single-variant per run
// is the default; rotation walks the variants in enqueue order.
func (s *Scheduler) pickVariant(c domain.Campaign, i int) string {
	if len(c.Messages) == 0 {
		return ""
	}
	if c.VariantMode != domain.VariantRotate || len(c.Messages) == 1 {
		return c.Messages[0]
	}
	return c.Messages[i%len(c.Messages)]
}

// JobTerminal receives terminal job outcomes from the queue and advances the
// corresponding contact. It is the scheduler's only coupling to dispatch.
func (s *Scheduler) JobTerminal(ctx context.Context, job domain.DispatchJob, outcome domain.Outcome, reason string) {
	if job.Kind != domain.KindCampaignMessage || job.CampaignID == "" || job.ContactID == "" {
		return
	}

	status := domain.ContactSent
	if outcome == domain.OutcomeFailed {
		status = domain.ContactFailed
	}
	now := time.Now().UTC()
	if err := s.Store.MarkContactStatus(ctx, job.CampaignID, job.ContactID, status, now); err != nil {
		slog.Error("mark contact outcome failed",
			"campaign_id", job.CampaignID, "contact_id", job.ContactID, "err", err)
		return
	}
	observability.CampaignContacts.WithLabelValues(string(status)).Inc()
	s.publish(job.TenantID, job.CampaignID, job.ContactID, string(status))

	s.maybeComplete(ctx, job.CampaignID, job.TenantID)
}

// maybeComplete flips a running campaign to completed once every contact is
// terminal and nothing is queued.
func (s *Scheduler) maybeComplete(ctx context.Context, campaignID, tenantID string) {
	counts, err := s.Store.ContactCounts(ctx, campaignID)
	if err != nil || !counts.Done() {
		return
	}
	c, found, err := s.Store.GetCampaign(ctx, campaignID, tenantID)
	if err != nil || !found || c.Status != domain.CampaignRunning {
		return
	}
	if err := s.Store.SetCampaignStatus(ctx, campaignID, domain.CampaignCompleted, time.Now().UTC()); err != nil {
		slog.Error("mark campaign completed failed", "campaign_id", campaignID, "err", err)
		return
	}
	slog.Info("campaign completed", "campaign_id", campaignID,
		"sent", counts.Sent, "failed", counts.Failed, "cancelled", counts.Cancelled)
	s.publish(tenantID, campaignID, "", string(domain.CampaignCompleted))
}

func (s *Scheduler) publish(tenantID, campaignID, contactID, status string) {
	if s.Sink != nil {
		s.Sink.Publish(notify.CampaignEvent(tenantID, campaignID, contactID, status))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
