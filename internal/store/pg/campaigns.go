package pg

import (
	"context"
	"time"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/store"
)

func (s *Store) InsertCampaign(ctx context.Context, in store.CampaignInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	msg := func(i int) any {
		if i < len(in.Messages) {
			return in.Messages[i]
		}
		return nil
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns
			(id, name, tenant_id, channel_id, message1, message2, message3, media_url,
			 start_at, end_at, delay_ms, variant_mode, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	`, in.ID, in.Name, in.TenantID, in.SessionKey.ChannelID, msg(0), msg(1), msg(2),
		nullIfEmpty(in.MediaURL), in.Start, nullTime(in.End),
		in.Delay.Milliseconds(), in.VariantMode, in.Status, in.Now)
	if err != nil {
		return err
	}

	for _, c := range in.Contacts {
		_, err = tx.Exec(ctx, `
			INSERT INTO campaign_contacts (campaign_id, contact_id, number, status, updated_at)
			VALUES ($1,$2,$3,$4,$5)
		`, in.ID, c.ContactID, c.Number, domain.ContactPending, in.Now)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetCampaign(ctx context.Context, campaignID, tenantID string) (domain.Campaign, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, tenant_id, channel_id, message1, COALESCE(message2,''), COALESCE(message3,''),
		       COALESCE(media_url,''), start_at, COALESCE(end_at, 'epoch'::timestamptz),
		       delay_ms, variant_mode, status
		FROM campaigns WHERE id=$1 AND tenant_id=$2
	`, campaignID, tenantID)

	var c domain.Campaign
	var m1, m2, m3 string
	var delayMS int64
	err := row.Scan(&c.ID, &c.Name, &c.TenantID, &c.SessionKey.ChannelID, &m1, &m2, &m3,
		&c.MediaURL, &c.Start, &c.End, &delayMS, &c.VariantMode, &c.Status)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.Campaign{}, false, nil
		}
		return domain.Campaign{}, false, err
	}
	c.SessionKey.TenantID = c.TenantID
	c.Delay = time.Duration(delayMS) * time.Millisecond
	if c.End.Unix() == 0 {
		// NULL end_at scans as the epoch sentinel; no window end
		c.End = time.Time{}
	}
	c.Messages = []string{m1}
	if m2 != "" {
		c.Messages = append(c.Messages, m2)
	}
	if m3 != "" {
		c.Messages = append(c.Messages, m3)
	}
	return c, true, nil
}

// RunningCampaigns lists campaigns a previous process left in running state,
// so a restarted dispatcher can resume their scheduling loops.
func (s *Store) RunningCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, name, tenant_id, channel_id, message1, COALESCE(message2,''), COALESCE(message3,''),
		       COALESCE(media_url,''), start_at, COALESCE(end_at, 'epoch'::timestamptz),
		       delay_ms, variant_mode, status
		FROM campaigns WHERE status='running'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var m1, m2, m3 string
		var delayMS int64
		if err := rows.Scan(&c.ID, &c.Name, &c.TenantID, &c.SessionKey.ChannelID, &m1, &m2, &m3,
			&c.MediaURL, &c.Start, &c.End, &delayMS, &c.VariantMode, &c.Status); err != nil {
			return nil, err
		}
		c.SessionKey.TenantID = c.TenantID
		c.Delay = time.Duration(delayMS) * time.Millisecond
		if c.End.Unix() == 0 {
			c.End = time.Time{}
		}
		c.Messages = []string{m1}
		if m2 != "" {
			c.Messages = append(c.Messages, m2)
		}
		if m3 != "" {
			c.Messages = append(c.Messages, m3)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SetCampaignStatus(ctx context.Context, campaignID string, status domain.CampaignStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaigns SET status=$2, updated_at=$3 WHERE id=$1
	`, campaignID, status, now)
	return err
}

// NextPendingContact returns the scheduler cursor position: the oldest
// contact still pending, in insertion order.
func (s *Store) NextPendingContact(ctx context.Context, campaignID string) (domain.CampaignContact, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT campaign_id, contact_id, number, status
		FROM campaign_contacts
		WHERE campaign_id=$1 AND status='pending'
		ORDER BY seq ASC
		LIMIT 1
	`, campaignID)
	var c domain.CampaignContact
	err := row.Scan(&c.CampaignID, &c.ContactID, &c.Number, &c.Status)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.CampaignContact{}, false, nil
		}
		return domain.CampaignContact{}, false, err
	}
	return c, true, nil
}

// MarkContactQueued advances a contact from pending to queued. The pending
// guard means a contact whose job already reached a terminal outcome while
// the scheduler tick was still in flight is never regressed to queued.
func (s *Store) MarkContactQueued(ctx context.Context, campaignID, contactID string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_contacts SET status='queued', updated_at=$3
		WHERE campaign_id=$1 AND contact_id=$2 AND status='pending'
	`, campaignID, contactID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkContactStatus(ctx context.Context, campaignID, contactID string, status domain.ContactStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE campaign_contacts SET status=$3, updated_at=$4
		WHERE campaign_id=$1 AND contact_id=$2
	`, campaignID, contactID, status, now)
	return err
}

func (s *Store) ContactCounts(ctx context.Context, campaignID string) (domain.ContactCounts, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT status, COUNT(*) FROM campaign_contacts WHERE campaign_id=$1 GROUP BY status
	`, campaignID)
	if err != nil {
		return domain.ContactCounts{}, err
	}
	defer rows.Close()

	var counts domain.ContactCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.ContactCounts{}, err
		}
		switch domain.ContactStatus(status) {
		case domain.ContactPending:
			counts.Pending = n
		case domain.ContactQueued:
			counts.Queued = n
		case domain.ContactSent:
			counts.Sent = n
		case domain.ContactFailed:
			counts.Failed = n
		case domain.ContactCancelled:
			counts.Cancelled = n
		}
		counts.Total += n
	}
	return counts, rows.Err()
}

func (s *Store) CancelPendingContacts(ctx context.Context, campaignID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE campaign_contacts SET status='cancelled', updated_at=$2
		WHERE campaign_id=$1 AND status='pending'
	`, campaignID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
