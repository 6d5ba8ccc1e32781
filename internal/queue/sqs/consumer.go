package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type Consumer struct {
	SQS      *sqs.Client
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler func(ctx context.Context, job BatchJob) error

// Poll receives batch jobs and hands each to handler. A nil handler error
// deletes the message; a non-nil error leaves it for SQS redrive/DLQ.
// The queue claim in the store serializes concurrent steps for the same
// queue, so duplicate deliveries are harmless.
func (c *Consumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            &c.QueueURL,
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     c.WaitTimeSeconds,
			VisibilityTimeout:   c.VisibilityTimeout,
		})
		if err != nil {
			slog.Error("sqs receive message failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range out.Messages {
			if m.Body == nil {
				continue
			}
			var job BatchJob
			if err := json.Unmarshal([]byte(*m.Body), &job); err != nil {
				// bad payload => delete to avoid endless redrive
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
				continue
			}

			if err := handler(ctx, job); err == nil {
				_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      &c.QueueURL,
					ReceiptHandle: m.ReceiptHandle,
				})
			} else {
				slog.Error("sqs handler error", "err", err, "queue_id", job.QueueID)
			}
		}
	}
}
