package sqsqueue

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"chatdispatch/internal/domain"
)

type Producer struct {
	SQS      API
	QueueURL string
}

// JobMessage is the wire shape on the queue. The durable job row is the
// source of truth; the message only carries enough to locate and claim it.
type JobMessage struct {
	JobID     string `json:"jobId"`
	TenantID  string `json:"tenantId"`
	ChannelID string `json:"channelId"`
	Kind      string `json:"kind"`
}

// EnqueueJob publishes a wake-up for a durable job. MessageGroupId is the
// session key, which is what gives per-key FIFO draining; the dedup id is
// the job id so a crash-replayed publish cannot double the message.
func (p *Producer) EnqueueJob(ctx context.Context, job domain.DispatchJob) error {
	body, err := json.Marshal(JobMessage{
		JobID:     job.ID,
		TenantID:  job.TenantID,
		ChannelID: job.SessionKey.ChannelID,
		Kind:      string(job.Kind),
	})
	if err != nil {
		return err
	}

	groupID := job.SessionKey.String()
	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(groupID),
		MessageDeduplicationId: str(job.ID),
	})
	return err
}

func str(s string) *string { return &s }
