package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"dialer/internal/domain"
	"dialer/internal/observability"
	"dialer/internal/providers/twilio"
	"dialer/internal/store"
)

type Store interface {
	GetQueue(ctx context.Context, id int64) (store.Queue, bool, error)
	ClaimQueue(ctx context.Context, id int64, now time.Time) (bool, error)
	AppendResult(ctx context.Context, in store.ResultInsert) error
	AppendFailure(ctx context.Context, in store.FailureInsert) error
	MarkQueuePaused(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkQueueCompleted(ctx context.Context, id int64, now time.Time) (bool, error)
}

type Dialer interface {
	DispatchCall(ctx context.Context, req twilio.CallRequest) (twilio.CallResponse, int, []byte, error)
}

const DefaultBatchSize = 10

// Dispatcher is a re-entrant step function over persisted queue state. Each
// RunBatch dials at most BatchSize numbers and leaves the queue paused or
// completed; the caller (HTTP client loop or SQS worker) re-invokes it until
// Completed. There is no internal retry of failed numbers.
type Dispatcher struct {
	Store  Store
	Dialer Dialer

	From      string
	Callbacks twilio.CallbackConfig

	BatchSize   int
	DialTimeout time.Duration

	// Pacer enforces the fixed inter-call delay inside one batch; its burst
	// of one means the first dial never waits.
	Pacer   *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now().UTC()
}

func (d *Dispatcher) batchSize() int {
	if d.BatchSize > 0 {
		return d.BatchSize
	}
	return DefaultBatchSize
}

func attempted(q store.Queue) []string {
	out := make([]string, 0, len(q.Results)+len(q.Failures))
	for _, r := range q.Results {
		out = append(out, r.Number)
	}
	for _, f := range q.Failures {
		out = append(out, f.Number)
	}
	return out
}

func (d *Dispatcher) RunBatch(ctx context.Context, queueID int64) (domain.BatchResult, error) {
	q, found, err := d.Store.GetQueue(ctx, queueID)
	if err != nil {
		return domain.BatchResult{}, err
	}
	if !found {
		return domain.BatchResult{}, domain.ErrQueueNotFound
	}
	if q.Status.Terminal() {
		return domain.BatchResult{}, domain.ErrInvalidState
	}

	remaining := Remaining(q.TargetNumbers, attempted(q))
	if len(remaining) == 0 {
		if _, err := d.Store.MarkQueueCompleted(ctx, queueID, d.now()); err != nil {
			return domain.BatchResult{}, err
		}
		observability.BatchRuns.WithLabelValues("completed").Inc()
		return d.result(q, 0, 0, 0, 0, true), nil
	}

	claimed, err := d.Store.ClaimQueue(ctx, queueID, d.now())
	if err != nil {
		return domain.BatchResult{}, err
	}
	if !claimed {
		// Another invocation holds the queue, or it just completed.
		return domain.BatchResult{}, domain.ErrInvalidState
	}

	slice := remaining
	if len(slice) > d.batchSize() {
		slice = slice[:d.batchSize()]
	}

	var called, succeeded, failed int
	for _, number := range slice {
		if d.Pacer != nil {
			if err := d.Pacer.Wait(ctx); err != nil {
				return d.finish(ctx, q, remaining, called, succeeded, failed, err)
			}
		}

		start := time.Now()
		sid, dialErr := d.dial(ctx, number)
		observability.DialLatency.Observe(time.Since(start).Seconds())

		if errors.Is(dialErr, gobreaker.ErrOpenState) || errors.Is(dialErr, gobreaker.ErrTooManyRequests) {
			// Provider protection tripped. Stop the slice without recording
			// failures; the undialed numbers stay in the remaining set.
			slog.Warn("dial breaker open, pausing batch", "queue_id", queueID, "dialed", called)
			observability.DialOutcomes.WithLabelValues("breaker_open").Inc()
			return d.finish(ctx, q, remaining, called, succeeded, failed, nil)
		}

		called++
		if dialErr != nil {
			code, msg := classifyDialError(dialErr)
			observability.DialOutcomes.WithLabelValues("error").Inc()
			slog.Info("dial failed", "queue_id", queueID, "to", number, "code", code, "err", msg)
			if err := d.Store.AppendFailure(ctx, store.FailureInsert{
				QueueID:      queueID,
				Number:       number,
				ErrorCode:    code,
				ErrorMessage: msg,
				Now:          d.now(),
			}); err != nil {
				return d.finish(ctx, q, remaining, called, succeeded, failed, err)
			}
			failed++
			continue
		}

		observability.DialOutcomes.WithLabelValues("ok").Inc()
		if err := d.Store.AppendResult(ctx, store.ResultInsert{
			QueueID: queueID,
			Number:  number,
			CallSID: sid,
			Now:     d.now(),
		}); err != nil {
			return d.finish(ctx, q, remaining, called, succeeded, failed, err)
		}
		succeeded++
	}

	return d.finish(ctx, q, remaining, called, succeeded, failed, nil)
}

// finish settles the queue into paused or completed and builds the result.
// It runs on every exit path after the claim so an interrupted invocation
// still leaves the queue resumable.
func (d *Dispatcher) finish(ctx context.Context, q store.Queue, remaining []string, called, succeeded, failed int, cause error) (domain.BatchResult, error) {
	left := len(remaining) - called
	completed := left == 0 && cause == nil

	if completed {
		if _, err := d.Store.MarkQueueCompleted(ctx, q.ID, d.now()); err != nil && cause == nil {
			cause = err
			completed = false
		}
	}
	if !completed {
		if _, err := d.Store.MarkQueuePaused(ctx, q.ID, d.now()); err != nil && cause == nil {
			cause = err
		}
	}

	if cause != nil {
		observability.BatchRuns.WithLabelValues("error").Inc()
		return d.result(q, called, succeeded, failed, left, false), cause
	}
	if completed {
		observability.BatchRuns.WithLabelValues("completed").Inc()
	} else {
		observability.BatchRuns.WithLabelValues("paused").Inc()
	}
	return d.result(q, called, succeeded, failed, left, completed), nil
}

func (d *Dispatcher) result(q store.Queue, called, succeeded, failed, remaining int, completed bool) domain.BatchResult {
	return domain.BatchResult{
		QueueID:         q.ID,
		Completed:       completed,
		CalledCount:     called,
		SuccessCount:    succeeded,
		FailedCount:     failed,
		TotalDispatched: q.DispatchedCount + called,
		TotalSuccess:    q.SuccessCount + succeeded,
		TotalFailed:     q.FailureCount + failed,
		Remaining:       remaining,
		ShouldContinue:  !completed,
	}
}

type dialOutcome struct {
	sid string
	err error
}

// dial invokes the provider with a bounded timeout. Only transient provider
// trouble (timeouts, 429s, 5xx) feeds the breaker; a per-number rejection is
// an ordinary outcome.
func (d *Dispatcher) dial(ctx context.Context, to string) (string, error) {
	call := func() (any, error) {
		dctx := ctx
		if d.DialTimeout > 0 {
			var cancel context.CancelFunc
			dctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
			defer cancel()
		}
		resp, httpStatus, _, err := d.Dialer.DispatchCall(dctx, twilio.CallRequest{
			To:        to,
			From:      d.From,
			Callbacks: d.Callbacks,
		})
		if err != nil {
			if twilio.Transient(err, httpStatus) {
				return nil, err
			}
			return dialOutcome{err: err}, nil
		}
		return dialOutcome{sid: resp.Sid}, nil
	}

	var res any
	var err error
	if d.Breaker != nil {
		res, err = d.Breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return "", err
	}
	out := res.(dialOutcome)
	return out.sid, out.err
}

func classifyDialError(err error) (code, msg string) {
	var derr *twilio.DispatchError
	if errors.As(err, &derr) {
		return derr.Code, derr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", "dispatch timed out"
	}
	return "", err.Error()
}
