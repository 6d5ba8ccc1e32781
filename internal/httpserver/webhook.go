package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"dialer/internal/correlate"
)

type Correlator interface {
	Ingest(ctx context.Context, ev correlate.Event) error
}

// Webhook terminates provider callbacks. Signature verification happens
// before anything is persisted; a rejected request leaves no trace in the
// event log.
type Webhook struct {
	Correlator      Correlator
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string

	// PublicBaseURL is the externally reachable root the provider signs
	// against; the request path is appended to reconstruct the signed URL.
	PublicBaseURL string

	// SkipVerify disables signature checks entirely. Local development only.
	SkipVerify bool
}

func (w *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/twilio/flow", w.handle(correlate.EventFlow)).Methods(http.MethodPost)
	m.HandleFunc("/v1/webhooks/twilio/status", w.handle(correlate.EventStatus)).Methods(http.MethodPost)
	m.HandleFunc("/v1/webhooks/twilio/dtmf", w.handle(correlate.EventDTMF)).Methods(http.MethodPost)
}

func (w *Webhook) handle(eventType correlate.EventType) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(rw, ErrBadForm, http.StatusBadRequest)
			return
		}

		if !w.SkipVerify {
			signedURL := strings.TrimSuffix(w.PublicBaseURL, "/") + r.URL.Path
			provided := r.Header.Get("X-Twilio-Signature")
			if w.VerifySignature == nil || !w.VerifySignature(w.AuthToken, signedURL, provided, r.PostForm) {
				slog.Warn("webhook signature rejected", "event_type", eventType, "path", r.URL.Path)
				http.Error(rw, ErrInvalidSignature, http.StatusForbidden)
				return
			}
		}

		if err := w.Correlator.Ingest(r.Context(), correlate.Event{
			Type:       eventType,
			Form:       r.PostForm,
			ReceivedAt: time.Now().UTC(),
		}); err != nil {
			slog.Error("webhook ingest failed", "err", err, "event_type", eventType)
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
		rw.WriteHeader(http.StatusOK)
	}
}
