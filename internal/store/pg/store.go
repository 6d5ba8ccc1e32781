package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dialer/internal/domain"
	"dialer/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) CreateQueue(ctx context.Context, numbers []string, now time.Time) (int64, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO call_queues (status, total_count, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		RETURNING id
	`, domain.QueuePending, len(numbers), now).Scan(&id)
	if err != nil {
		return 0, err
	}

	for i, n := range numbers {
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_targets (queue_id, position, phone)
			VALUES ($1, $2, $3)
		`, id, i, n); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) GetQueue(ctx context.Context, id int64) (store.Queue, bool, error) {
	var q store.Queue
	row := s.DB.QueryRow(ctx, `
		SELECT id, status, total_count, dispatched_count, success_count, failure_count,
		       current_batch_index, pause_requested, started_at, completed_at, created_at, updated_at
		FROM call_queues WHERE id=$1
	`, id)
	err := row.Scan(&q.ID, &q.Status, &q.TotalCount, &q.DispatchedCount, &q.SuccessCount,
		&q.FailureCount, &q.CurrentBatchIndex, &q.PauseRequested, &q.StartedAt, &q.CompletedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Queue{}, false, nil
		}
		return store.Queue{}, false, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT phone FROM queue_targets WHERE queue_id=$1 ORDER BY position
	`, id)
	if err != nil {
		return store.Queue{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return store.Queue{}, false, err
		}
		q.TargetNumbers = append(q.TargetNumbers, phone)
	}
	if err := rows.Err(); err != nil {
		return store.Queue{}, false, err
	}

	resRows, err := s.DB.Query(ctx, `
		SELECT phone, call_sid, dispatched_at FROM queue_results
		WHERE queue_id=$1 ORDER BY dispatched_at, phone
	`, id)
	if err != nil {
		return store.Queue{}, false, err
	}
	defer resRows.Close()
	for resRows.Next() {
		var r store.CallResult
		if err := resRows.Scan(&r.Number, &r.CallSID, &r.DispatchedAt); err != nil {
			return store.Queue{}, false, err
		}
		q.Results = append(q.Results, r)
	}
	if err := resRows.Err(); err != nil {
		return store.Queue{}, false, err
	}

	failRows, err := s.DB.Query(ctx, `
		SELECT phone, COALESCE(error_code,''), error_message, dispatched_at FROM queue_failures
		WHERE queue_id=$1 ORDER BY dispatched_at, phone
	`, id)
	if err != nil {
		return store.Queue{}, false, err
	}
	defer failRows.Close()
	for failRows.Next() {
		var f store.CallFailure
		if err := failRows.Scan(&f.Number, &f.ErrorCode, &f.ErrorMessage, &f.DispatchedAt); err != nil {
			return store.Queue{}, false, err
		}
		q.Failures = append(q.Failures, f)
	}
	if err := failRows.Err(); err != nil {
		return store.Queue{}, false, err
	}

	return q, true, nil
}

func (s *Store) ListQueues(ctx context.Context, limit int) ([]store.QueueSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, status, total_count, dispatched_count, success_count, failure_count,
		       current_batch_index, started_at, completed_at, created_at
		FROM call_queues ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.QueueSummary
	for rows.Next() {
		var q store.QueueSummary
		if err := rows.Scan(&q.ID, &q.Status, &q.TotalCount, &q.DispatchedCount, &q.SuccessCount,
			&q.FailureCount, &q.CurrentBatchIndex, &q.StartedAt, &q.CompletedAt, &q.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) DeleteQueue(ctx context.Context, id int64) (bool, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM call_queues WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// ClaimQueue moves a queue into processing. The conditional update is the
// per-queue serialization point: of two concurrent batch runs, only one
// claims. A queue whose operator requested a pause is never claimed until an
// explicit start or dispatch clears the request.
func (s *Store) ClaimQueue(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE call_queues
		SET status=$2, started_at=COALESCE(started_at, $3),
		    current_batch_index=current_batch_index+1, updated_at=$3
		WHERE id=$1 AND status IN ($4, $5) AND NOT pause_requested
	`, id, domain.QueueProcessing, now, domain.QueuePending, domain.QueuePaused)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// RequestPause is the operator-facing pause. Besides moving an idle queue to
// paused it raises pause_requested, which outlives the status churn of a
// batch that is still mid-flight and keeps any queued jobs from re-claiming.
func (s *Store) RequestPause(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE call_queues
		SET pause_requested=TRUE,
		    status=CASE WHEN status=$2 THEN status ELSE $3 END,
		    updated_at=$4
		WHERE id=$1 AND status NOT IN ($5, $6)
	`, id, domain.QueueProcessing, domain.QueuePaused, now, domain.QueueCompleted, domain.QueueFailed)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) ClearPauseRequest(ctx context.Context, id int64, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE call_queues SET pause_requested=FALSE, updated_at=$2
		WHERE id=$1 AND pause_requested
	`, id, now)
	return err
}

// MarkQueuePaused is the dispatcher's inter-batch settle; it leaves
// pause_requested alone so an operator pause raised mid-batch sticks.
func (s *Store) MarkQueuePaused(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE call_queues SET status=$2, updated_at=$3
		WHERE id=$1 AND status NOT IN ($4, $5)
	`, id, domain.QueuePaused, now, domain.QueueCompleted, domain.QueueFailed)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkQueueCompleted(ctx context.Context, id int64, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE call_queues
		SET status=$2, completed_at=COALESCE(completed_at, $3), updated_at=$3
		WHERE id=$1 AND status NOT IN ($2, $4)
	`, id, domain.QueueCompleted, now, domain.QueueFailed)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// AppendResult records a successful dispatch and bumps the cached counters in
// the same transaction, together with the dispatch-time call record.
func (s *Store) AppendResult(ctx context.Context, in store.ResultInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_results (queue_id, phone, call_sid, dispatched_at)
		VALUES ($1, $2, $3, $4)
	`, in.QueueID, in.Number, in.CallSID, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE call_queues
		SET dispatched_count=dispatched_count+1, success_count=success_count+1, updated_at=$2
		WHERE id=$1
	`, in.QueueID, in.Now); err != nil {
		return err
	}
	// Webhooks for this call may already have landed; never downgrade.
	if _, err := tx.Exec(ctx, `
		INSERT INTO call_records (call_sid, to_phone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (call_sid) DO NOTHING
	`, in.CallSID, in.Number, domain.CallInitiated, in.Now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) AppendFailure(ctx context.Context, in store.FailureInsert) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO queue_failures (queue_id, phone, error_code, error_message, dispatched_at)
		VALUES ($1, $2, $3, $4, $5)
	`, in.QueueID, in.Number, nullIfEmpty(in.ErrorCode), in.ErrorMessage, in.Now); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE call_queues
		SET dispatched_count=dispatched_count+1, failure_count=failure_count+1, updated_at=$2
		WHERE id=$1
	`, in.QueueID, in.Now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// UpsertCallRecord creates or advances a call record. The rank guard makes
// re-delivered and out-of-order webhooks converge on the same final status.
func (s *Store) UpsertCallRecord(ctx context.Context, in store.CallRecordUpsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO call_records (call_sid, to_phone, from_phone, status, created_at, updated_at)
		VALUES ($1, NULLIF($2,''), NULLIF($3,''), $4, $5, $5)
		ON CONFLICT (call_sid) DO UPDATE SET
			status = EXCLUDED.status,
			to_phone = COALESCE(call_records.to_phone, EXCLUDED.to_phone),
			from_phone = COALESCE(call_records.from_phone, EXCLUDED.from_phone),
			updated_at = EXCLUDED.updated_at
		WHERE (`+rankOf("EXCLUDED.status")+`) >= (`+rankOf("call_records.status")+`)
	`, in.CallSID, in.To, in.From, in.Status, in.Now)
	return err
}

func (s *Store) GetCallRecord(ctx context.Context, callSID string) (store.CallRecord, bool, error) {
	var r store.CallRecord
	row := s.DB.QueryRow(ctx, `
		SELECT call_sid, COALESCE(to_phone,''), COALESCE(from_phone,''), status, created_at, updated_at
		FROM call_records WHERE call_sid=$1
	`, callSID)
	err := row.Scan(&r.CallSID, &r.To, &r.From, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CallRecord{}, false, nil
		}
		return store.CallRecord{}, false, err
	}
	return r, true, nil
}

func (s *Store) InsertWebhookEvent(ctx context.Context, in store.WebhookEventInsert) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_events (id, call_sid, event_type, digits, action, payload, received_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6, $7)
	`, in.ID, in.CallSID, in.EventType, nullIfEmpty(in.Digits), nullIfEmpty(in.Action), b, in.ReceivedAt)
	return err
}

func (s *Store) ListWebhookEvents(ctx context.Context, callSID string) ([]store.WebhookEvent, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, COALESCE(call_sid,''), event_type, COALESCE(digits,''), COALESCE(action,''), payload, received_at
		FROM webhook_events WHERE call_sid=$1 ORDER BY received_at, id
	`, callSID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.WebhookEvent
	for rows.Next() {
		var ev store.WebhookEvent
		if err := rows.Scan(&ev.ID, &ev.CallSID, &ev.EventType, &ev.Digits, &ev.Action, &ev.Payload, &ev.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// rankOf renders the SQL twin of domain.CallStatusRank; keep them in sync.
func rankOf(col string) string {
	return `CASE ` + col + `
	WHEN 'initiated' THEN 1
	WHEN 'ringing' THEN 2
	WHEN 'in_progress' THEN 3
	WHEN 'completed' THEN 4
	WHEN 'busy' THEN 5
	WHEN 'no_answer' THEN 5
	WHEN 'failed' THEN 5
	ELSE 0 END`
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
