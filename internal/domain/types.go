package domain

import "errors"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueuePaused     QueueStatus = "paused"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// CanTransition encodes the queue lifecycle:
// pending -> processing <-> paused -> completed. Completed is terminal.
// An explicit pause is allowed from any non-terminal state.
func CanTransition(from, to QueueStatus) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case QueueProcessing:
		return from == QueuePending || from == QueuePaused
	case QueuePaused:
		return true
	case QueueCompleted:
		return from == QueueProcessing || from == QueuePaused
	case QueueFailed:
		return from == QueueProcessing
	default:
		return false
	}
}

func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// CallStatus is the normalized provider-reported state of a single dial.
type CallStatus string

const (
	CallInitiated  CallStatus = "initiated"
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in_progress"
	CallCompleted  CallStatus = "completed"
	CallBusy       CallStatus = "busy"
	CallNoAnswer   CallStatus = "no_answer"
	CallFailed     CallStatus = "failed"
)

// CallStatusRank orders call statuses so that a record only ever advances.
// Explicit failure outcomes outrank a generic "completed", because the
// provider reports "completed" even for calls that never bridged.
func CallStatusRank(s CallStatus) int {
	switch s {
	case CallInitiated:
		return 1
	case CallRinging:
		return 2
	case CallInProgress:
		return 3
	case CallCompleted:
		return 4
	case CallBusy, CallNoAnswer, CallFailed:
		return 5
	default:
		return 0
	}
}

var (
	ErrQueueNotFound   = errors.New("queue not found")
	ErrCallNotFound    = errors.New("call record not found")
	ErrInvalidState    = errors.New("invalid queue state for operation")
	ErrEmptyTargetList = errors.New("target number list is empty")
)

type CreateQueueRequest struct {
	Numbers []string `json:"numbers"`
}

func (r CreateQueueRequest) Validate() error {
	if len(r.Numbers) == 0 {
		return ErrEmptyTargetList
	}
	return nil
}

type CreateQueueResponse struct {
	QueueID      int64 `json:"queueId"`
	TotalNumbers int   `json:"totalNumbers"`
}

// BatchResult reports one dispatcher invocation. Called/Success/Failed count
// this slice only; the Total fields are cumulative across invocations.
type BatchResult struct {
	QueueID         int64 `json:"queueId"`
	Completed       bool  `json:"completed"`
	CalledCount     int   `json:"calledCount"`
	SuccessCount    int   `json:"successCount"`
	FailedCount     int   `json:"failedCount"`
	TotalDispatched int   `json:"totalDispatched"`
	TotalSuccess    int   `json:"totalSuccess"`
	TotalFailed     int   `json:"totalFailed"`
	Remaining       int   `json:"remaining"`
	ShouldContinue  bool  `json:"shouldContinue"`
}
