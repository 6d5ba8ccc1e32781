package service

import (
	"context"
	"time"

	"dialer/internal/domain"
	"dialer/internal/observability"
	"dialer/internal/store"
	"dialer/internal/util"
)

type Store interface {
	CreateQueue(ctx context.Context, numbers []string, now time.Time) (int64, error)
	GetQueue(ctx context.Context, id int64) (store.Queue, bool, error)
	ListQueues(ctx context.Context, limit int) ([]store.QueueSummary, error)
	DeleteQueue(ctx context.Context, id int64) (bool, error)
	RequestPause(ctx context.Context, id int64, now time.Time) (bool, error)
	ClearPauseRequest(ctx context.Context, id int64, now time.Time) error
	GetCallRecord(ctx context.Context, callSID string) (store.CallRecord, bool, error)
	ListWebhookEvents(ctx context.Context, callSID string) ([]store.WebhookEvent, error)
}

// BatchRunner performs one dispatch step for a queue.
type BatchRunner interface {
	RunBatch(ctx context.Context, queueID int64) (domain.BatchResult, error)
}

// JobQueue hands the rest of a run to the background worker.
type JobQueue interface {
	EnqueueBatch(ctx context.Context, queueID int64, delay time.Duration) error
}

// QueueService owns the dial queue lifecycle. Batch execution itself lives in
// the dispatcher; the service validates requests, enforces lifecycle rules,
// and decides between synchronous steps and background dispatch.
type QueueService struct {
	Store  Store
	Runner BatchRunner
	Jobs   JobQueue
	Now    func() time.Time
}

func (s *QueueService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *QueueService) Create(ctx context.Context, req domain.CreateQueueRequest) (domain.CreateQueueResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CreateQueueResponse{}, err
	}

	// Targets are deduplicated after normalization: the queue completes when
	// every distinct number is attempted, so a duplicate would otherwise
	// inflate total_count past what one run can ever dispatch.
	numbers := make([]string, 0, len(req.Numbers))
	seen := make(map[string]struct{}, len(req.Numbers))
	for _, n := range req.Numbers {
		n = util.NormalizePhone(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		return domain.CreateQueueResponse{}, domain.ErrEmptyTargetList
	}

	id, err := s.Store.CreateQueue(ctx, numbers, s.now())
	if err != nil {
		return domain.CreateQueueResponse{}, err
	}
	return domain.CreateQueueResponse{QueueID: id, TotalNumbers: len(numbers)}, nil
}

// Start runs exactly one dispatch step and reports its outcome. Callers that
// want the queue driven to completion use Dispatch instead. An explicit start
// lifts any standing pause request; that is how a paused queue resumes.
func (s *QueueService) Start(ctx context.Context, id int64) (domain.BatchResult, error) {
	if err := s.Store.ClearPauseRequest(ctx, id, s.now()); err != nil {
		return domain.BatchResult{}, err
	}
	return s.Runner.RunBatch(ctx, id)
}

// Dispatch enqueues a background job that will step the queue until done.
func (s *QueueService) Dispatch(ctx context.Context, id int64) error {
	q, found, err := s.Store.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrQueueNotFound
	}
	if q.Status.Terminal() {
		return domain.ErrInvalidState
	}
	if err := s.Store.ClearPauseRequest(ctx, id, s.now()); err != nil {
		return err
	}

	if err := s.Jobs.EnqueueBatch(ctx, id, 0); err != nil {
		observability.Enqueues.WithLabelValues("error").Inc()
		return err
	}
	observability.Enqueues.WithLabelValues("ok").Inc()
	return nil
}

// Pause marks the queue so the next step refuses to claim it. A batch that is
// already mid-flight finishes its current slice; the standing request then
// stops any follow-up jobs until an explicit start or dispatch.
func (s *QueueService) Pause(ctx context.Context, id int64) error {
	q, found, err := s.Store.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrQueueNotFound
	}
	if !domain.CanTransition(q.Status, domain.QueuePaused) {
		return domain.ErrInvalidState
	}

	if _, err := s.Store.RequestPause(ctx, id, s.now()); err != nil {
		return err
	}
	return nil
}

func (s *QueueService) Get(ctx context.Context, id int64) (store.Queue, error) {
	q, found, err := s.Store.GetQueue(ctx, id)
	if err != nil {
		return store.Queue{}, err
	}
	if !found {
		return store.Queue{}, domain.ErrQueueNotFound
	}
	return q, nil
}

func (s *QueueService) List(ctx context.Context, limit int) ([]store.QueueSummary, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.Store.ListQueues(ctx, limit)
}

// Delete removes a queue and its per-number records. A queue that is being
// actively stepped cannot be deleted; pause it first.
func (s *QueueService) Delete(ctx context.Context, id int64) error {
	q, found, err := s.Store.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrQueueNotFound
	}
	if q.Status == domain.QueueProcessing {
		return domain.ErrInvalidState
	}

	deleted, err := s.Store.DeleteQueue(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrQueueNotFound
	}
	return nil
}

// CallDetail is a call record together with its raw webhook timeline.
type CallDetail struct {
	Record store.CallRecord     `json:"record"`
	Events []store.WebhookEvent `json:"events"`
}

func (s *QueueService) GetCall(ctx context.Context, callSID string) (CallDetail, error) {
	rec, found, err := s.Store.GetCallRecord(ctx, callSID)
	if err != nil {
		return CallDetail{}, err
	}
	if !found {
		return CallDetail{}, domain.ErrCallNotFound
	}
	events, err := s.Store.ListWebhookEvents(ctx, callSID)
	if err != nil {
		return CallDetail{}, err
	}
	return CallDetail{Record: rec, Events: events}, nil
}
