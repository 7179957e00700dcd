// Package queue implements the durable dispatch queue: Postgres rows are the
// source of truth for job state, an SQS FIFO queue is the delivery transport.
// MessageGroupId per session key keeps per-key FIFO; the visibility timeout
// plus the row-level stale-processing reclaim give lease-based at-least-once
// claims.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/observability"
	sqsqueue "chatdispatch/internal/queue/sqs"
	"chatdispatch/internal/store"
)

type Store interface {
	FindJobByExternalKey(ctx context.Context, tenantID, externalKey string) (store.DedupResult, error)
	InsertJob(ctx context.Context, in store.JobInsert) error
	ClaimJob(ctx context.Context, jobID string, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error)
	MarkJobState(ctx context.Context, in store.JobStateUpdate) error
	RequeueJob(ctx context.Context, jobID, lastError string, now time.Time) (int, error)
}

// Observer is told about every terminal job outcome. The campaign scheduler
// uses it to advance contact state; it must not block for long.
type Observer interface {
	JobTerminal(ctx context.Context, job domain.DispatchJob, outcome domain.Outcome, reason string)
}

type Queue struct {
	Store    Store
	SQS      sqsqueue.API
	QueueURL string

	MaxAttempts int
	// LeaseStale is how long a processing row stays claimed before another
	// worker may reclaim it. Keep it above the SQS visibility timeout.
	LeaseStale time.Duration
	Observer   Observer
}

// Enqueue appends a job in arrival order for its session key. A non-terminal
// job with the same externalKey for the tenant rejects the duplicate.
func (q *Queue) Enqueue(ctx context.Context, job domain.DispatchJob) error {
	if job.ExternalKey != "" {
		dup, err := q.Store.FindJobByExternalKey(ctx, job.TenantID, job.ExternalKey)
		if err != nil {
			return err
		}
		if dup.Found {
			observability.Enqueues.WithLabelValues(string(job.Kind), "duplicate").Inc()
			return domain.ErrDuplicateJob
		}
	}

	now := time.Now().UTC()
	if err := q.Store.InsertJob(ctx, store.JobInsert{
		ID:          job.ID,
		TenantID:    job.TenantID,
		SessionKey:  job.SessionKey,
		Kind:        job.Kind,
		Recipient:   job.Recipient,
		Body:        job.Body,
		MediaURL:    job.MediaURL,
		ExternalKey: job.ExternalKey,
		CampaignID:  job.CampaignID,
		ContactID:   job.ContactID,
		State:       domain.JobQueued,
		Now:         now,
	}); err != nil {
		if errors.Is(err, domain.ErrDuplicateJob) {
			// concurrent enqueue of the same externalKey lost the insert race
			observability.Enqueues.WithLabelValues(string(job.Kind), "duplicate").Inc()
			return domain.ErrDuplicateJob
		}
		observability.Enqueues.WithLabelValues(string(job.Kind), "error").Inc()
		return err
	}

	producer := &sqsqueue.Producer{SQS: q.SQS, QueueURL: q.QueueURL}
	if err := producer.EnqueueJob(ctx, job); err != nil {
		// The row stays queued; a redrive sweep or re-enqueue with the same
		// job id (deduplicated) can recover it.
		observability.Enqueues.WithLabelValues(string(job.Kind), "error").Inc()
		return err
	}
	observability.Enqueues.WithLabelValues(string(job.Kind), "ok").Inc()
	return nil
}

// Claim turns a queue delivery into an exclusively leased job. Jobs already
// terminal (acked before a crash, or revoked by a campaign cancel) are
// settled here so the transport stops redelivering them.
func (q *Queue) Claim(ctx context.Context, d sqsqueue.Delivery) (domain.DispatchJob, bool, error) {
	job, ok, err := q.Store.ClaimJob(ctx, d.Job.JobID, time.Now().UTC(), q.LeaseStale)
	if err != nil {
		return domain.DispatchJob{}, false, err
	}
	if !ok {
		q.settle(ctx, d)
		return domain.DispatchJob{}, false, nil
	}
	return job, true, nil
}

// Ack settles one attempt. Delivered and Failed are terminal; Retry requeues
// with a backoff delay, converting to Failed once the attempt ceiling is
// reached. Attempts are counted at claim time, so a delivered job carries
// the number of sends it took.
func (q *Queue) Ack(ctx context.Context, job domain.DispatchJob, d sqsqueue.Delivery, outcome domain.Outcome, reason string) error {
	now := time.Now().UTC()
	observability.JobOutcomes.WithLabelValues(string(job.Kind), string(outcome)).Inc()

	switch outcome {
	case domain.OutcomeDelivered:
		if err := q.Store.MarkJobState(ctx, store.JobStateUpdate{ID: job.ID, State: domain.JobDelivered, Now: now}); err != nil {
			return err
		}
		q.settle(ctx, d)
		q.notifyTerminal(ctx, job, domain.OutcomeDelivered, reason)
		return nil

	case domain.OutcomeFailed:
		if err := q.Store.MarkJobState(ctx, store.JobStateUpdate{ID: job.ID, State: domain.JobFailed, LastError: reason, Now: now}); err != nil {
			return err
		}
		q.settle(ctx, d)
		q.notifyTerminal(ctx, job, domain.OutcomeFailed, reason)
		return nil

	default: // retry
		attempts, err := q.Store.RequeueJob(ctx, job.ID, reason, now)
		if err != nil {
			return err
		}
		if attempts >= q.MaxAttempts {
			if err := q.Store.MarkJobState(ctx, store.JobStateUpdate{ID: job.ID, State: domain.JobFailed, LastError: "retry_exhausted", Now: now}); err != nil {
				return err
			}
			q.settle(ctx, d)
			q.notifyTerminal(ctx, job, domain.OutcomeFailed, "retry_exhausted")
			return nil
		}

		// Leave the message on the queue and push its visibility out so the
		// redelivery lands after the backoff.
		delay := retryDelay(attempts)
		_, err = q.SQS.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          &q.QueueURL,
			ReceiptHandle:     &d.ReceiptHandle,
			VisibilityTimeout: int32(delay / time.Second),
		})
		if err != nil {
			// Redelivery then happens at the original visibility timeout;
			// only the pacing is lost.
			slog.Warn("change message visibility failed", "job_id", job.ID, "err", err)
		}
		return nil
	}
}

func (q *Queue) settle(ctx context.Context, d sqsqueue.Delivery) {
	_, err := q.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &q.QueueURL,
		ReceiptHandle: &d.ReceiptHandle,
	})
	if err != nil {
		slog.Warn("delete message failed", "job_id", d.Job.JobID, "err", err)
	}
}

func (q *Queue) notifyTerminal(ctx context.Context, job domain.DispatchJob, outcome domain.Outcome, reason string) {
	if q.Observer != nil {
		q.Observer.JobTerminal(ctx, job, outcome, reason)
	}
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 5 * time.Second
	if d < 5*time.Second {
		d = 5 * time.Second
	}
	if d > 2*time.Minute {
		d = 2 * time.Minute
	}
	return d
}
