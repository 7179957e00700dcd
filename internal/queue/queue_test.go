package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatdispatch/internal/domain"
	sqsqueue "chatdispatch/internal/queue/sqs"
	"chatdispatch/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	dups      map[string]store.DedupResult // tenant:externalKey
	inserted  []store.JobInsert
	claimable map[string]domain.DispatchJob
	claimed   map[string]domain.DispatchJob
	marked    []store.JobStateUpdate
	requeued  []string
	attempts  map[string]int
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		dups:      make(map[string]store.DedupResult),
		claimable: make(map[string]domain.DispatchJob),
		claimed:   make(map[string]domain.DispatchJob),
		attempts:  make(map[string]int),
	}
}

func (f *fakeStore) FindJobByExternalKey(ctx context.Context, tenantID, externalKey string) (store.DedupResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dups[tenantID+":"+externalKey], nil
}

func (f *fakeStore) InsertJob(ctx context.Context, in store.JobInsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, in)
	return nil
}

// ClaimJob counts every successful claim as one delivery attempt, mirroring
// the pg store.
func (f *fakeStore) ClaimJob(ctx context.Context, jobID string, now time.Time, staleAfter time.Duration) (domain.DispatchJob, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.claimable[jobID]
	if !ok {
		return domain.DispatchJob{}, false, nil
	}
	delete(f.claimable, jobID)
	f.attempts[jobID]++
	j.AttemptCount = f.attempts[jobID]
	f.claimed[jobID] = j
	return j, true, nil
}

func (f *fakeStore) MarkJobState(ctx context.Context, in store.JobStateUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, in)
	return nil
}

func (f *fakeStore) RequeueJob(ctx context.Context, jobID, lastError string, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.claimed[jobID]; ok {
		delete(f.claimed, jobID)
		f.claimable[jobID] = j
	}
	f.requeued = append(f.requeued, jobID)
	return f.attempts[jobID], nil
}

func (f *fakeStore) lastMark() (store.JobStateUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.marked) == 0 {
		return store.JobStateUpdate{}, false
	}
	return f.marked[len(f.marked)-1], true
}

// fakeSQS records the calls the queue makes against the transport.
type fakeSQS struct {
	mu           sync.Mutex
	sent         []*sqs.SendMessageInput
	deleted      []string
	visibilities map[string]int32
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{visibilities: make(map[string]int32)}
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibilities[*in.ReceiptHandle] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []domain.Outcome
	reasons  []string
}

func (o *recordingObserver) JobTerminal(ctx context.Context, job domain.DispatchJob, outcome domain.Outcome, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
	o.reasons = append(o.reasons, reason)
}

func testJob(id string) domain.DispatchJob {
	return domain.DispatchJob{
		ID:          id,
		TenantID:    "t1",
		SessionKey:  domain.SessionKey{TenantID: "t1", ChannelID: "ch1"},
		Kind:        domain.KindSingleMessage,
		Recipient:   "+15550001",
		Body:        "hello",
		ExternalKey: "ext-" + id,
	}
}

func newTestQueue(fs *fakeStore, fq *fakeSQS) *Queue {
	return &Queue{
		Store:       fs,
		SQS:         fq,
		QueueURL:    "https://sqs.test/dispatch.fifo",
		MaxAttempts: 3,
		LeaseStale:  time.Minute,
	}
}

func TestEnqueuePublishesFIFOWakeup(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	q := newTestQueue(fs, fq)

	job := testJob("job_1")
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if len(fs.inserted) != 1 {
		t.Fatalf("expected 1 inserted row, got %d", len(fs.inserted))
	}
	if fs.inserted[0].State != domain.JobQueued {
		t.Fatalf("expected queued row, got %s", fs.inserted[0].State)
	}
	if len(fq.sent) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(fq.sent))
	}
	msg := fq.sent[0]
	if got := *msg.MessageGroupId; got != "t1:ch1" {
		t.Fatalf("message group = %q, want session key", got)
	}
	if got := *msg.MessageDeduplicationId; got != "job_1" {
		t.Fatalf("dedup id = %q, want job id", got)
	}
	var wire sqsqueue.JobMessage
	if err := json.Unmarshal([]byte(*msg.MessageBody), &wire); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if wire.JobID != "job_1" || wire.ChannelID != "ch1" {
		t.Fatalf("unexpected wire message %+v", wire)
	}
}

func TestEnqueueConcurrentProducersKeepGroupOrdering(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	q := newTestQueue(fs, fq)

	keys := []domain.SessionKey{
		{TenantID: "t1", ChannelID: "ch1"},
		{TenantID: "t2", ChannelID: "ch9"},
	}
	const perKey = 20

	var wg sync.WaitGroup
	for _, key := range keys {
		for n := 0; n < perKey; n++ {
			wg.Add(1)
			go func(key domain.SessionKey, id string) {
				defer wg.Done()
				job := testJob(id)
				job.TenantID = key.TenantID
				job.SessionKey = key
				if err := q.Enqueue(context.Background(), job); err != nil {
					t.Errorf("enqueue %s: %v", id, err)
				}
			}(key, fmt.Sprintf("job_%s_%d", key.TenantID, n))
		}
	}
	wg.Wait()

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.sent) != len(keys)*perKey {
		t.Fatalf("expected %d messages, got %d", len(keys)*perKey, len(fq.sent))
	}
	seen := make(map[string]bool)
	for _, msg := range fq.sent {
		var wire sqsqueue.JobMessage
		if err := json.Unmarshal([]byte(*msg.MessageBody), &wire); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		want := wire.TenantID + ":" + wire.ChannelID
		if got := *msg.MessageGroupId; got != want {
			t.Fatalf("message group = %q, want %q", got, want)
		}
		if seen[*msg.MessageDeduplicationId] {
			t.Fatalf("duplicate dedup id %q", *msg.MessageDeduplicationId)
		}
		seen[*msg.MessageDeduplicationId] = true
	}
}

func TestEnqueueRejectsDuplicateExternalKey(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	fs.dups["t1:ext-job_1"] = store.DedupResult{JobID: "job_0", State: domain.JobQueued, Found: true}
	q := newTestQueue(fs, fq)

	err := q.Enqueue(context.Background(), testJob("job_1"))
	if !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob, got %v", err)
	}
	if len(fs.inserted) != 0 || len(fq.sent) != 0 {
		t.Fatalf("duplicate must not insert or publish")
	}
}

func TestClaimSettlesTerminalDelivery(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	q := newTestQueue(fs, fq)

	d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: "job_gone"}, ReceiptHandle: "rh-1"}
	_, ok, err := q.Claim(context.Background(), d)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("expected claim to fail for terminal job")
	}
	if len(fq.deleted) != 1 || fq.deleted[0] != "rh-1" {
		t.Fatalf("expected message settled, deleted=%v", fq.deleted)
	}
}

func TestAckDelivered(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	obs := &recordingObserver{}
	q := newTestQueue(fs, fq)
	q.Observer = obs

	job := testJob("job_1")
	d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: job.ID}, ReceiptHandle: "rh-1"}
	if err := q.Ack(context.Background(), job, d, domain.OutcomeDelivered, ""); err != nil {
		t.Fatalf("ack: %v", err)
	}

	mark, ok := fs.lastMark()
	if !ok || mark.State != domain.JobDelivered {
		t.Fatalf("expected delivered mark, got %+v", mark)
	}
	if len(fq.deleted) != 1 {
		t.Fatalf("expected message deleted")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.outcomes) != 1 || obs.outcomes[0] != domain.OutcomeDelivered {
		t.Fatalf("expected delivered observer call, got %v", obs.outcomes)
	}
}

func TestAckRetryExtendsVisibility(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	q := newTestQueue(fs, fq)

	job := testJob("job_1")
	d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: job.ID}, ReceiptHandle: "rh-1"}
	if err := q.Ack(context.Background(), job, d, domain.OutcomeRetry, "session_not_ready"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	if len(fs.requeued) != 1 {
		t.Fatalf("expected requeue, got %v", fs.requeued)
	}
	if len(fq.deleted) != 0 {
		t.Fatalf("retry must not delete the message")
	}
	if _, ok := fq.visibilities["rh-1"]; !ok {
		t.Fatalf("expected visibility extension for backoff")
	}
}

func TestAckRetryExhaustedFails(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	obs := &recordingObserver{}
	q := newTestQueue(fs, fq)
	q.Observer = obs
	q.MaxAttempts = 2
	fs.attempts["job_1"] = 2 // both attempts already counted at claim time

	job := testJob("job_1")
	d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: job.ID}, ReceiptHandle: "rh-1"}
	if err := q.Ack(context.Background(), job, d, domain.OutcomeRetry, "gateway unavailable"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	mark, ok := fs.lastMark()
	if !ok || mark.State != domain.JobFailed || mark.LastError != "retry_exhausted" {
		t.Fatalf("expected retry_exhausted failure, got %+v", mark)
	}
	if len(fq.deleted) != 1 {
		t.Fatalf("exhausted job must settle its message")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.reasons) != 1 || obs.reasons[0] != "retry_exhausted" {
		t.Fatalf("expected retry_exhausted observer call, got %v", obs.reasons)
	}
}

func TestTransientFailuresThenDeliveredCountsAttempts(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	q := newTestQueue(fs, fq)
	q.MaxAttempts = 5

	job := testJob("job_1")
	fs.claimable[job.ID] = job

	const transientFailures = 2
	for i := 0; i < transientFailures; i++ {
		d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: job.ID}, ReceiptHandle: "rh-1"}
		claimed, ok, err := q.Claim(context.Background(), d)
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i+1, ok, err)
		}
		if err := q.Ack(context.Background(), claimed, d, domain.OutcomeRetry, "gateway unavailable"); err != nil {
			t.Fatalf("retry ack %d: %v", i+1, err)
		}
	}

	d := sqsqueue.Delivery{Job: sqsqueue.JobMessage{JobID: job.ID}, ReceiptHandle: "rh-1"}
	claimed, ok, err := q.Claim(context.Background(), d)
	if err != nil || !ok {
		t.Fatalf("final claim: ok=%v err=%v", ok, err)
	}
	if claimed.AttemptCount != transientFailures+1 {
		t.Fatalf("attempt count = %d, want %d", claimed.AttemptCount, transientFailures+1)
	}
	if err := q.Ack(context.Background(), claimed, d, domain.OutcomeDelivered, ""); err != nil {
		t.Fatalf("delivered ack: %v", err)
	}

	mark, ok := fs.lastMark()
	if !ok || mark.State != domain.JobDelivered {
		t.Fatalf("expected delivered mark, got %+v", mark)
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.attempts[job.ID] != transientFailures+1 {
		t.Fatalf("delivered after %d failures must record %d attempts, got %d",
			transientFailures, transientFailures+1, fs.attempts[job.ID])
	}
}

func TestEnqueueInsertRaceSurfacesDuplicate(t *testing.T) {
	fs, fq := newFakeStore(), newFakeSQS()
	fs.insertErr = domain.ErrDuplicateJob // unique-violation path in the pg store
	q := newTestQueue(fs, fq)

	err := q.Enqueue(context.Background(), testJob("job_1"))
	if !errors.Is(err, domain.ErrDuplicateJob) {
		t.Fatalf("expected ErrDuplicateJob from insert race, got %v", err)
	}
	if len(fq.sent) != 0 {
		t.Fatalf("losing enqueue must not publish")
	}
}

func TestRetryDelayCapped(t *testing.T) {
	if d := retryDelay(1); d != 5*time.Second {
		t.Fatalf("attempt 1: got %v", d)
	}
	if d := retryDelay(100); d != 2*time.Minute {
		t.Fatalf("attempt 100: got %v", d)
	}
}
