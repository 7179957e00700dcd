package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

// Delivery is one leased queue message. The receipt handle is what Ack uses
// to settle or extend the lease.
type Delivery struct {
	Job           JobMessage
	ReceiptHandle string
}

// Handler settles its Delivery through queue.Ack (or Drop for poison
// messages); the consumer itself never deletes a message it handed out.
type Handler func(ctx context.Context, d Delivery)

// PollConcurrent fans received messages out to a fixed worker pool. A FIFO
// queue only releases the next message of a group once the previous one is
// settled, so per-session ordering survives the fan-out.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				// Always settle poison / invalid messages so they don't loop forever
				if m.Body == nil {
					c.drop(ctx, m.ReceiptHandle)
					continue
				}
				var job JobMessage
				if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
					c.drop(ctx, m.ReceiptHandle)
					continue
				}
				handler(ctx, Delivery{Job: job, ReceiptHandle: deref(m.ReceiptHandle)})
			}
		}()
	}

	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					sendErr(ctx.Err())
					return
				}
				slog.Error("sqs receive message failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	err := <-errCh
	wg.Wait()
	return err
}

func (c *Consumer) drop(ctx context.Context, receiptHandle *string) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: receiptHandle,
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
