package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"dialer/internal/correlate"
	"dialer/internal/providers/twilio"
)

type fakeCorrelator struct {
	events []correlate.Event
	err    error
}

func (f *fakeCorrelator) Ingest(_ context.Context, ev correlate.Event) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

const (
	testAuthToken = "token123"
	testBaseURL   = "https://dialer.example.com"
)

func newWebhookRouter(c Correlator, skip bool) *mux.Router {
	m := mux.NewRouter()
	(&Webhook{
		Correlator:      c,
		VerifySignature: twilio.VerifySignature,
		AuthToken:       testAuthToken,
		PublicBaseURL:   testBaseURL,
		SkipVerify:      skip,
	}).Register(m)
	return m
}

func postForm(t *testing.T, m *mux.Router, path string, form url.Values, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sign {
		req.Header.Set("X-Twilio-Signature", twilio.Sign(testAuthToken, testBaseURL+path, form))
	}
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	return rec
}

func TestWebhookValidSignature(t *testing.T) {
	c := &fakeCorrelator{}
	m := newWebhookRouter(c, false)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	rec := postForm(t, m, "/v1/webhooks/twilio/status", form, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(c.events) != 1 || c.events[0].Type != correlate.EventStatus {
		t.Fatalf("unexpected events: %+v", c.events)
	}
	if c.events[0].Form.Get("CallSid") != "CA1" {
		t.Fatalf("form not forwarded: %+v", c.events[0].Form)
	}
}

func TestWebhookRejectsBeforePersisting(t *testing.T) {
	c := &fakeCorrelator{}
	m := newWebhookRouter(c, false)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}

	// missing signature
	if rec := postForm(t, m, "/v1/webhooks/twilio/status", form, false); rec.Code != http.StatusForbidden {
		t.Fatalf("missing signature: status = %d", rec.Code)
	}

	// tampered form under a signature for different content
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/twilio/status",
		strings.NewReader(url.Values{"CallSid": {"CA-evil"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", twilio.Sign(testAuthToken, testBaseURL+"/v1/webhooks/twilio/status", form))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tampered form: status = %d", rec.Code)
	}

	if len(c.events) != 0 {
		t.Fatalf("rejected requests must not reach the correlator: %+v", c.events)
	}
}

func TestWebhookEventTypesRouted(t *testing.T) {
	c := &fakeCorrelator{}
	m := newWebhookRouter(c, true)

	paths := map[string]correlate.EventType{
		"/v1/webhooks/twilio/flow":   correlate.EventFlow,
		"/v1/webhooks/twilio/status": correlate.EventStatus,
		"/v1/webhooks/twilio/dtmf":   correlate.EventDTMF,
	}
	for path := range paths {
		if rec := postForm(t, m, path, url.Values{"CallSid": {"CA1"}}, false); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, rec.Code)
		}
	}
	if len(c.events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(c.events))
	}
	seen := map[correlate.EventType]bool{}
	for _, ev := range c.events {
		seen[ev.Type] = true
	}
	for _, want := range paths {
		if !seen[want] {
			t.Errorf("event type %q never ingested", want)
		}
	}
}

func TestWebhookIngestErrorIs500(t *testing.T) {
	c := &fakeCorrelator{err: context.DeadlineExceeded}
	m := newWebhookRouter(c, true)

	rec := postForm(t, m, "/v1/webhooks/twilio/status", url.Values{"CallSid": {"CA1"}}, false)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookBadForm(t *testing.T) {
	m := newWebhookRouter(&fakeCorrelator{}, true)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/twilio/status", strings.NewReader("%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
