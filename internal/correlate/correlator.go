package correlate

import (
	"context"
	"log/slog"
	"net/url"
	"time"

	"dialer/internal/domain"
	"dialer/internal/observability"
	"dialer/internal/store"
	"dialer/internal/util"
)

type EventType string

const (
	EventFlow   EventType = "flow"
	EventStatus EventType = "status"
	EventDTMF   EventType = "dtmf"
)

type Store interface {
	InsertWebhookEvent(ctx context.Context, in store.WebhookEventInsert) error
	UpsertCallRecord(ctx context.Context, in store.CallRecordUpsert) error
}

// Event is one inbound, already-authenticated provider callback.
type Event struct {
	Type       EventType
	Form       url.Values
	ReceivedAt time.Time
}

// Correlator reconciles asynchronous provider callbacks onto call records.
// Ingest is idempotent with respect to record state: re-delivered and
// out-of-order events converge because record status only ever advances.
type Correlator struct {
	Store Store
	NewID func() string
	Now   func() time.Time
}

func (c *Correlator) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return util.NewEventID()
}

func (c *Correlator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Correlator) Ingest(ctx context.Context, ev Event) error {
	sid := ExtractCallSID(ev.Form)
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = c.now()
	}

	// The raw payload is logged no matter what; correlation may fail but the
	// audit trail must not.
	if err := c.Store.InsertWebhookEvent(ctx, store.WebhookEventInsert{
		ID:         c.newID(),
		CallSID:    sid,
		EventType:  string(ev.Type),
		Digits:     formValue(ev.Form, "Digits", "digits"),
		Action:     formValue(ev.Form, "action", "Action"),
		Payload:    map[string][]string(ev.Form),
		ReceivedAt: receivedAt,
	}); err != nil {
		return err
	}

	if sid == "" {
		slog.Info("webhook without call id, retained for inspection", "event_type", ev.Type)
		observability.WebhookEvents.WithLabelValues(string(ev.Type), "orphan").Inc()
		return nil
	}

	status, ok := NormalizeStatus(ev.Form)
	if !ok {
		// No status signal in the payload. A dtmf press still proves the call
		// was answered; anything else just ensures the record exists.
		if ev.Type == EventDTMF {
			status = domain.CallInProgress
		} else {
			status = domain.CallInitiated
		}
	}

	if err := c.Store.UpsertCallRecord(ctx, store.CallRecordUpsert{
		CallSID: sid,
		To:      formValue(ev.Form, "To", "to"),
		From:    formValue(ev.Form, "From", "from"),
		Status:  status,
		Now:     receivedAt,
	}); err != nil {
		return err
	}

	observability.WebhookEvents.WithLabelValues(string(ev.Type), string(status)).Inc()
	return nil
}
