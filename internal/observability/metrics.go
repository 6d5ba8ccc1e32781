package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_enqueue_total", Help: "SQS enqueue results"},
		[]string{"result"},
	)
	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dialer_batch_runs_total", Help: "Batch run outcomes"},
		[]string{"result"},
	)
	DialOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_dial_total", Help: "Twilio dial outcomes"},
		[]string{"result"},
	)
	DialLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "twilio_dial_latency_seconds", Help: "Twilio dial latency"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"event_type", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Enqueues, BatchRuns, DialOutcomes, DialLatency, WebhookEvents)
}
