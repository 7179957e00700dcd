// Package dispatcher runs the worker loop: claim a job, resolve its session,
// execute the gateway send, report the outcome. It never mutates session or
// campaign state directly.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatdispatch/internal/domain"
	"chatdispatch/internal/gateway"
	"chatdispatch/internal/observability"
	"chatdispatch/internal/queue"
	sqsqueue "chatdispatch/internal/queue/sqs"
	"chatdispatch/internal/session"
)

type Dispatcher struct {
	Queue    *queue.Queue
	Registry *session.Registry
	Limiter  *rate.Limiter
	Breaker  *gobreaker.CircuitBreaker
}

// Handle processes one queue delivery end to end. Leaving without an ack is
// deliberate in the throttle/breaker paths: the message redelivers after its
// visibility timeout without burning an attempt.
func (d *Dispatcher) Handle(ctx context.Context, del sqsqueue.Delivery) {
	job, ok, err := d.Queue.Claim(ctx, del)
	if err != nil {
		slog.Error("job claim failed", "job_id", del.Job.JobID, "err", err)
		return
	}
	if !ok {
		// already terminal or leased elsewhere
		return
	}

	sess, err := d.Registry.Acquire(ctx, job.SessionKey)
	if err != nil {
		d.ack(ctx, job, del, domain.OutcomeRetry, "registry_unavailable")
		return
	}
	defer d.Registry.Release(job.SessionKey)

	switch sess.State() {
	case domain.SessionFailed:
		// session-level failure is not job-level retry material
		d.ack(ctx, job, del, domain.OutcomeFailed, "session_failed")
		return
	case domain.SessionConnected:
		// proceed
	default:
		// still (re)connecting; requeue before touching limiter or breaker
		d.ack(ctx, job, del, domain.OutcomeRetry, "session_not_ready")
		return
	}

	if d.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			// locally throttled: leave the message for redelivery
			observability.GatewaySend.WithLabelValues("rate_limited_local").Inc()
			return
		}
	}

	start := time.Now()
	ack, err := d.send(ctx, sess, job)
	if err == nil {
		observability.GatewaySend.WithLabelValues("ok").Inc()
		observability.GatewayLatency.Observe(time.Since(start).Seconds())
		slog.Debug("gateway send ok", "job_id", job.ID, "gateway_msg_id", ack.GatewayMsgID)
		d.ack(ctx, job, del, domain.OutcomeDelivered, "")
		return
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// transient provider protection, not a job failure
		observability.GatewaySend.WithLabelValues("cb_open").Inc()
		return
	}

	observability.GatewaySend.WithLabelValues("error").Inc()
	d.ack(ctx, job, del, classify(err), err.Error())
}

func (d *Dispatcher) send(ctx context.Context, sess *session.Session, job domain.DispatchJob) (gateway.Ack, error) {
	call := func() (any, error) {
		return sess.Send(ctx, gateway.SendRequest{
			Recipient:   job.Recipient,
			Body:        job.Body,
			MediaURL:    job.MediaURL,
			ExternalKey: job.ExternalKey,
		})
	}

	var res any
	var err error
	if d.Breaker != nil {
		res, err = d.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return gateway.Ack{}, err
	}
	return res.(gateway.Ack), nil
}

func classify(err error) domain.Outcome {
	if errors.Is(err, domain.ErrSessionNotReady) {
		// session is (re)connecting; the queue requeues with backoff
		return domain.OutcomeRetry
	}
	var le *gateway.LogoutError
	if errors.As(err, &le) {
		return domain.OutcomeFailed
	}
	var pe *gateway.PermanentError
	if errors.As(err, &pe) {
		return domain.OutcomeFailed
	}
	if gateway.ShouldRetry(err, 0) {
		return domain.OutcomeRetry
	}
	return domain.OutcomeRetry
}

func (d *Dispatcher) ack(ctx context.Context, job domain.DispatchJob, del sqsqueue.Delivery, outcome domain.Outcome, reason string) {
	if err := d.Queue.Ack(ctx, job, del, outcome, reason); err != nil {
		slog.Error("job ack failed", "job_id", job.ID, "outcome", string(outcome), "err", err)
	}
}
