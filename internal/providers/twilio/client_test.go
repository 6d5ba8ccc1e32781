package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestDispatchCallSuccess(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = r.PostForm
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Fatalf("expected basic auth with account sid")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"CA0001","status":"queued"}`))
	}))
	defer srv.Close()

	c := &Client{
		AccountSID: "AC123",
		AuthToken:  "token",
		HTTP:       &http.Client{Timeout: 2 * time.Second},
		BaseURL:    srv.URL,
	}

	resp, status, _, err := c.DispatchCall(context.Background(), CallRequest{
		To:   "+15551234567",
		From: "+15550000000",
		Callbacks: CallbackConfig{
			FlowURL:          "https://example.com/v1/webhooks/twilio/flow",
			StatusURL:        "https://example.com/v1/webhooks/twilio/status",
			MachineDetection: true,
		},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if status != http.StatusCreated || resp.Sid != "CA0001" {
		t.Fatalf("unexpected response: %d %+v", status, resp)
	}
	if gotForm.Get("To") != "+15551234567" || gotForm.Get("From") != "+15550000000" {
		t.Fatalf("unexpected form: %v", gotForm)
	}
	if gotForm.Get("StatusCallback") == "" || gotForm.Get("MachineDetection") != "Enable" {
		t.Fatalf("expected callback params, got %v", gotForm)
	}
}

func TestDispatchCallProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"failed","error_code":21217,"message":"Phone number is not a valid"}`))
	}))
	defer srv.Close()

	c := &Client{AccountSID: "AC123", AuthToken: "token", HTTP: srv.Client(), BaseURL: srv.URL}
	_, status, _, err := c.DispatchCall(context.Background(), CallRequest{To: "bogus", From: "+1555"})
	if err == nil {
		t.Fatalf("expected error")
	}
	derr, ok := err.(*DispatchError)
	if !ok {
		t.Fatalf("expected *DispatchError, got %T", err)
	}
	if derr.Code != "21217" || status != http.StatusBadRequest {
		t.Fatalf("unexpected error: %+v status=%d", derr, status)
	}
	if Transient(err, status) {
		t.Fatalf("400 should not be transient")
	}
	if !Transient(nil, 503) {
		t.Fatalf("503 should be transient")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	form := url.Values{}
	form.Set("CallSid", "CA42")
	form.Set("CallStatus", "completed")

	u := "https://example.com/v1/webhooks/twilio/status"
	sig := Sign("token", u, form)
	if !VerifySignature("token", u, sig, form) {
		t.Fatalf("expected signature to verify")
	}
	if VerifySignature("other", u, sig, form) {
		t.Fatalf("expected different token to fail")
	}
	if VerifySignature("token", u, "bogus", form) {
		t.Fatalf("expected bogus signature to fail")
	}
}
