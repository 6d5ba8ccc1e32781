package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// BatchJob asks the worker to run one dispatch step for a queue. The worker
// re-enqueues the job until the queue reports no remaining numbers, so a
// single message is enough to drive a queue of any size to completion.
type BatchJob struct {
	QueueID int64 `json:"queueId"`
}

// EnqueueBatch publishes a batch job, optionally delayed. SQS caps
// DelaySeconds at 900; anything longer is clamped.
func (p *Producer) EnqueueBatch(ctx context.Context, queueID int64, delay time.Duration) error {
	body, err := json.Marshal(BatchJob{QueueID: queueID})
	if err != nil {
		return err
	}

	delaySec := int32(delay / time.Second)
	if delaySec < 0 {
		delaySec = 0
	}
	if delaySec > 900 {
		delaySec = 900
	}

	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     &p.QueueURL,
		MessageBody:  str(string(body)),
		DelaySeconds: delaySec,
	})
	return err
}

func str(s string) *string { return &s }
