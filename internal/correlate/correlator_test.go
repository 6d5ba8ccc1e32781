package correlate

import (
	"context"
	"net/url"
	"testing"
	"time"

	"dialer/internal/domain"
	"dialer/internal/store"
)

type fakeStore struct {
	events  []store.WebhookEventInsert
	records map[string]store.CallRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]store.CallRecord{}}
}

func (s *fakeStore) InsertWebhookEvent(_ context.Context, in store.WebhookEventInsert) error {
	s.events = append(s.events, in)
	return nil
}

// UpsertCallRecord mirrors the rank guard of the Postgres store.
func (s *fakeStore) UpsertCallRecord(_ context.Context, in store.CallRecordUpsert) error {
	cur, ok := s.records[in.CallSID]
	if !ok {
		s.records[in.CallSID] = store.CallRecord{
			CallSID: in.CallSID, To: in.To, From: in.From, Status: in.Status,
			CreatedAt: in.Now, UpdatedAt: in.Now,
		}
		return nil
	}
	if domain.CallStatusRank(in.Status) < domain.CallStatusRank(cur.Status) {
		return nil
	}
	cur.Status = in.Status
	if cur.To == "" {
		cur.To = in.To
	}
	if cur.From == "" {
		cur.From = in.From
	}
	cur.UpdatedAt = in.Now
	s.records[in.CallSID] = cur
	return nil
}

func statusEvent(kv ...string) Event {
	form := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		form.Set(kv[i], kv[i+1])
	}
	return Event{Type: EventStatus, Form: form, ReceivedAt: time.Now()}
}

func TestNormalizeStatusPriority(t *testing.T) {
	cases := []struct {
		name string
		form url.Values
		want domain.CallStatus
	}{
		{
			name: "no-answer beats generic completed",
			form: url.Values{"CallStatus": {"completed"}, "DialCallStatus": {"no-answer"}},
			want: domain.CallNoAnswer,
		},
		{
			name: "busy beats completed",
			form: url.Values{"CallStatus": {"completed"}, "DialCallStatus": {"busy"}},
			want: domain.CallBusy,
		},
		{
			name: "machine detection downgrades completed",
			form: url.Values{"CallStatus": {"completed"}, "AnsweredBy": {"machine_start"}},
			want: domain.CallNoAnswer,
		},
		{
			name: "flow event field",
			form: url.Values{"event": {"call_failed"}},
			want: domain.CallFailed,
		},
		{
			name: "plain completed stays completed",
			form: url.Values{"CallStatus": {"completed"}, "AnsweredBy": {"human"}},
			want: domain.CallCompleted,
		},
		{
			name: "lowercase status field",
			form: url.Values{"status": {"ringing"}},
			want: domain.CallRinging,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := NormalizeStatus(c.form)
			if !ok || got != c.want {
				t.Fatalf("NormalizeStatus(%v) = %q ok=%v, want %q", c.form, got, ok, c.want)
			}
		})
	}

	if _, ok := NormalizeStatus(url.Values{"Digits": {"1"}}); ok {
		t.Fatalf("expected no status signal from a bare dtmf payload")
	}
}

func TestExtractCallSIDVariants(t *testing.T) {
	cases := map[string]url.Values{
		"CA123": {"CallSid": {"CA123"}},
		"EX456": {"ExecutionSid": {"EX456"}},
		"EX789": {"execution_sid": {"EX789"}},
	}
	for want, form := range cases {
		if got := ExtractCallSID(form); got != want {
			t.Errorf("ExtractCallSID(%v) = %q, want %q", form, got, want)
		}
	}
	if got := ExtractCallSID(url.Values{}); got != "" {
		t.Errorf("expected empty sid, got %q", got)
	}
}

func TestIngestOutOfOrderConverges(t *testing.T) {
	ctx := context.Background()

	// Deliver failed-then-initiated and initiated-then-failed; both orders
	// must land on failed.
	orders := [][]Event{
		{
			statusEvent("CallSid", "CA1", "event", "call_failed"),
			statusEvent("CallSid", "CA1", "event", "initiated"),
		},
		{
			statusEvent("CallSid", "CA1", "event", "initiated"),
			statusEvent("CallSid", "CA1", "event", "call_failed"),
		},
	}
	for i, evs := range orders {
		st := newFakeStore()
		c := &Correlator{Store: st}
		for _, ev := range evs {
			if err := c.Ingest(ctx, ev); err != nil {
				t.Fatalf("order %d ingest: %v", i, err)
			}
		}
		rec := st.records["CA1"]
		if rec.Status != domain.CallFailed {
			t.Fatalf("order %d: final status %q, want failed", i, rec.Status)
		}
	}
}

func TestIngestDuplicateDeliveryIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	c := &Correlator{Store: st}

	ev := statusEvent("CallSid", "CA9", "CallStatus", "completed", "To", "+15551234567")
	if err := c.Ingest(ctx, ev); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	first := st.records["CA9"]

	if err := c.Ingest(ctx, ev); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	second := st.records["CA9"]

	if first.Status != second.Status || first.To != second.To {
		t.Fatalf("duplicate delivery changed record: %+v vs %+v", first, second)
	}
	// The audit log legitimately keeps both deliveries.
	if len(st.events) != 2 {
		t.Fatalf("expected 2 logged events, got %d", len(st.events))
	}
}

func TestIngestMissingCallIDAcknowledged(t *testing.T) {
	st := newFakeStore()
	c := &Correlator{Store: st}

	ev := statusEvent("CallStatus", "completed")
	if err := c.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("expected ack for missing call id, got %v", err)
	}
	if len(st.events) != 1 {
		t.Fatalf("event must still be retained, got %d", len(st.events))
	}
	if len(st.records) != 0 {
		t.Fatalf("no record should be created without a call id")
	}
}

func TestIngestDTMFImpliesAnswered(t *testing.T) {
	st := newFakeStore()
	c := &Correlator{Store: st}

	ev := Event{Type: EventDTMF, Form: url.Values{"CallSid": {"CA7"}, "Digits": {"5"}}, ReceivedAt: time.Now()}
	if err := c.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if st.records["CA7"].Status != domain.CallInProgress {
		t.Fatalf("dtmf should imply in_progress, got %q", st.records["CA7"].Status)
	}
	if st.events[0].Digits != "5" {
		t.Fatalf("digits not captured: %+v", st.events[0])
	}
}

func TestIngestLazyRecordCreationBeforeDispatchConfirmation(t *testing.T) {
	st := newFakeStore()
	c := &Correlator{Store: st}

	// A ringing webhook can beat the dispatch confirmation; the record is
	// created lazily from whatever fields the payload carries.
	ev := statusEvent("CallSid", "CA2", "CallStatus", "ringing", "To", "+1555", "From", "+1444")
	if err := c.Ingest(context.Background(), ev); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	rec, ok := st.records["CA2"]
	if !ok || rec.Status != domain.CallRinging || rec.To != "+1555" || rec.From != "+1444" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
