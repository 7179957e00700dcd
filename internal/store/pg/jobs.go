package pg

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// FindJobByExternalKey looks for a non-terminal job with the same external
// key for the tenant. This backs the DuplicateJob rejection at enqueue.
func (s *Store) FindJobByExternalKey(ctx context.Context, tenantID, externalKey string) (store.DedupResult, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, state FROM dispatch_jobs
		WHERE tenant_id=$1 AND external_key=$2 AND state IN ('queued','processing')
	`, tenantID, externalKey)
	var jobID, state string
	err := row.Scan(&jobID, &state)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.DedupResult{Found: false}, nil
		}
		return store.DedupResult{}, err
	}
	return store.DedupResult{JobID: jobID, State: domain.JobState(state), Found: true}, nil
}

func (s *Store) InsertJob(ctx context.Context, in store.JobInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_jobs
			(id, tenant_id, channel_id, kind, recipient, body, media_url, external_key,
			 campaign_id, contact_id, state, attempt_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,0,$12,$12)
	`, in.ID, in.TenantID, in.SessionKey.ChannelID, in.Kind, in.Recipient, in.Body,
		nullIfEmpty(in.MediaURL), nullIfEmpty(in.ExternalKey),
		nullIfEmpty(in.CampaignID), nullIfEmpty(in.ContactID), in.State, in.Now)
	if isExternalKeyConflict(err) {
		// the partial unique index caught a concurrent enqueue that slipped
		// past the dedup read
		return domain.ErrDuplicateJob
	}
	return err
}

func isExternalKeyConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" && pgErr.ConstraintName == "dispatch_jobs_external_key_live"
}

// ClaimJob moves a job into processing and returns it. A job still marked
// processing can be reclaimed once its lease (updated_at + staleAfter) has
// expired, which is what makes delivery at-least-once across worker crashes.
// Each claim counts as one delivery attempt, so attempt_count on a delivered
// row is the number of sends it took.
func (s *Store) ClaimJob(ctx context.Context, jobID string, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error) {
	staleBefore := now.Add(-staleAfter)
	row := s.DB.QueryRow(ctx, `
		UPDATE dispatch_jobs
		SET state='processing', attempt_count=attempt_count+1, updated_at=$2
		WHERE id=$1 AND (state='queued' OR (state='processing' AND updated_at < $3))
		RETURNING id, tenant_id, channel_id, kind, recipient, body,
		          COALESCE(media_url,''), COALESCE(external_key,''),
		          COALESCE(campaign_id,''), COALESCE(contact_id,''),
		          state, attempt_count, created_at
	`, jobID, now, staleBefore)

	var j domain.DispatchJob
	err := row.Scan(&j.ID, &j.TenantID, &j.SessionKey.ChannelID, &j.Kind, &j.Recipient, &j.Body,
		&j.MediaURL, &j.ExternalKey, &j.CampaignID, &j.ContactID,
		&j.State, &j.AttemptCount, &j.EnqueuedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.DispatchJob{}, false, nil
		}
		return domain.DispatchJob{}, false, err
	}
	j.SessionKey.TenantID = j.TenantID
	return j, true, nil
}

func (s *Store) MarkJobState(ctx context.Context, in store.JobStateUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state=$2, last_error=$3, updated_at=$4 WHERE id=$1
	`, in.ID, in.State, nullIfEmpty(in.LastError), in.Now)
	return err
}

// RequeueJob puts a leased job back to queued and returns the attempt count
// so far (counted at claim time) so the caller can enforce the ceiling.
func (s *Store) RequeueJob(ctx context.Context, jobID, lastError string, now time.Time) (int, error) {
	row := s.DB.QueryRow(ctx, `
		UPDATE dispatch_jobs
		SET state='queued', last_error=$2, updated_at=$3
		WHERE id=$1
		RETURNING attempt_count
	`, jobID, nullIfEmpty(lastError), now)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.DispatchJob, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, channel_id, kind, recipient, body,
		       COALESCE(media_url,''), COALESCE(external_key,''),
		       COALESCE(campaign_id,''), COALESCE(contact_id,''),
		       state, attempt_count, COALESCE(last_error,''), created_at
		FROM dispatch_jobs WHERE id=$1
	`, jobID)

	var j domain.DispatchJob
	err := row.Scan(&j.ID, &j.TenantID, &j.SessionKey.ChannelID, &j.Kind, &j.Recipient, &j.Body,
		&j.MediaURL, &j.ExternalKey, &j.CampaignID, &j.ContactID,
		&j.State, &j.AttemptCount, &j.LastError, &j.EnqueuedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return domain.DispatchJob{}, false, nil
		}
		return domain.DispatchJob{}, false, err
	}
	j.SessionKey.TenantID = j.TenantID
	return j, true, nil
}

// CancelQueuedCampaignJobs best-effort revokes jobs a cancelled campaign has
// already enqueued but no worker has claimed yet.
func (s *Store) CancelQueuedCampaignJobs(ctx context.Context, campaignID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_jobs SET state='cancelled', updated_at=$2
		WHERE campaign_id=$1 AND state='queued'
	`, campaignID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) ChannelCredentials(ctx context.Context, tenantID, channelID string) (store.ChannelCredentials, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT tenant_id, channel_id, session_id, token, enabled
		FROM channels WHERE tenant_id=$1 AND channel_id=$2
	`, tenantID, channelID)
	var c store.ChannelCredentials
	err := row.Scan(&c.TenantID, &c.ChannelID, &c.SessionID, &c.Token, &c.Enabled)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.ChannelCredentials{}, false, nil
		}
		return store.ChannelCredentials{}, false, err
	}
	return c, true, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
