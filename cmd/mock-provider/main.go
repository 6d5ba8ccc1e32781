package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"

	"dialer/internal/providers/twilio"
)

type config struct {
	AccountSID string `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	AuthToken  string `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	Port       string `envconfig:"PORT" default:"8080"`

	// Outcome selection: fixed, round_robin, random, weighted.
	OutcomeMode string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.9"`

	DelayMs        int `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs int `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"12000"`

	// Gap between successive webhook posts for one call.
	WebhookStepDelayMs int `envconfig:"MOCK_WEBHOOK_STEP_DELAY_MS" default:"300"`

	// Digits pressed on answered calls; empty disables dtmf posts.
	DTMFDigits string `envconfig:"MOCK_DTMF_DIGITS" default:"1"`

	WebhookMaxRetries  int `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`

	Outcomes         []string
	Delay            time.Duration
	TimeoutDelay     time.Duration
	WebhookStepDelay time.Duration
	WebhookRetryBase time.Duration
}

type callResponse struct {
	Sid       string `json:"sid"`
	Status    string `json:"status"`
	ErrorCode *int   `json:"error_code"`
	Message   string `json:"message"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/2010-04-01/Accounts/{AccountSid}/Calls.json", s.handleCreateCall).Methods(http.MethodPost)

	slog.Info("mock provider listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock provider server failed", "err", err)
		os.Exit(1)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock provider request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock provider config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.TimeoutDelay = time.Duration(cfg.TimeoutDelayMs) * time.Millisecond
	cfg.WebhookStepDelay = time.Duration(cfg.WebhookStepDelayMs) * time.Millisecond
	if cfg.WebhookRetryBaseMs <= 0 {
		cfg.WebhookRetryBaseMs = 250
	}
	cfg.WebhookRetryBase = time.Duration(cfg.WebhookRetryBaseMs) * time.Millisecond
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	return cfg
}

func (s *server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	if !s.checkBasicAuth(r) {
		writeError(w, http.StatusUnauthorized, 20003, "Authentication Error")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, 21620, "Invalid form data")
		return
	}
	to := r.Form.Get("To")
	if to == "" {
		writeError(w, http.StatusBadRequest, 21201, "No 'To' number specified")
		return
	}
	if r.Form.Get("From") == "" {
		writeError(w, http.StatusBadRequest, 21213, "No 'From' number specified")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	outcome := s.nextOutcome()
	seq, errorCode, httpStatus, callErr := classifyOutcome(outcome)

	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			time.Sleep(s.cfg.TimeoutDelay)
			writeError(w, http.StatusGatewayTimeout, 20429, "Request timed out")
			return
		}
		writeError(w, httpStatus, errorCode, callErr.Error())
		return
	}

	sid := fmt.Sprintf("CA%06d", atomic.AddUint64(&s.idx, 1)-1)
	writeJSON(w, http.StatusCreated, callResponse{Sid: sid, Status: "queued"})

	s.runCall(call{
		sid:       sid,
		to:        to,
		from:      r.Form.Get("From"),
		statusURL: r.Form.Get("StatusCallback"),
		dtmfURL:   r.Form.Get("FallbackUrl"),
		machine:   r.Form.Get("MachineDetection") == "Enable",
		seq:       seq,
	})
}

type call struct {
	sid, to, from      string
	statusURL, dtmfURL string
	machine            bool
	seq                []step
}

// step is one webhook post in a call's lifetime.
type step struct {
	status     string
	answeredBy string
	dtmf       bool
}

// classifyOutcome maps an outcome token to the webhook sequence the call
// produces, or to an API-level rejection.
func classifyOutcome(raw string) (seq []step, errorCode, httpStatus int, callErr error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	parts := strings.Split(token, ":")
	kind := parts[0]
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			errorCode = v
		}
	}

	switch kind {
	case "ok", "success", "answered":
		return []step{
			{status: "initiated"},
			{status: "ringing"},
			{status: "in-progress", answeredBy: "human", dtmf: true},
			{status: "completed", answeredBy: "human"},
		}, 0, http.StatusCreated, nil
	case "machine":
		return []step{
			{status: "initiated"},
			{status: "ringing"},
			{status: "in-progress", answeredBy: "machine_start"},
			{status: "completed", answeredBy: "machine_start"},
		}, 0, http.StatusCreated, nil
	case "busy":
		return []step{
			{status: "initiated"},
			{status: "ringing"},
			{status: "busy"},
		}, 0, http.StatusCreated, nil
	case "no_answer", "no-answer":
		return []step{
			{status: "initiated"},
			{status: "ringing"},
			{status: "no-answer"},
		}, 0, http.StatusCreated, nil
	case "failed":
		return []step{
			{status: "initiated"},
			{status: "failed"},
		}, 0, http.StatusCreated, nil
	case "rate_limit", "429":
		if errorCode == 0 {
			errorCode = 20429
		}
		return nil, errorCode, http.StatusTooManyRequests, errors.New("rate limited")
	case "bad_request", "400":
		if errorCode == 0 {
			errorCode = 21217
		}
		return nil, errorCode, http.StatusBadRequest, errors.New("bad request")
	case "server_error", "500":
		if errorCode == 0 {
			errorCode = 20500
		}
		return nil, errorCode, http.StatusInternalServerError, errors.New("server error")
	case "timeout":
		return nil, 20429, http.StatusGatewayTimeout, context.DeadlineExceeded
	default:
		if errorCode == 0 {
			errorCode = 21217
		}
		return nil, errorCode, http.StatusBadRequest, errors.New("mock error: " + kind)
	}
}

func (s *server) runCall(c call) {
	if c.statusURL == "" && c.dtmfURL == "" {
		return
	}
	go func() {
		for _, st := range c.seq {
			time.Sleep(s.cfg.WebhookStepDelay)

			if c.statusURL != "" {
				form := url.Values{}
				form.Set("CallSid", c.sid)
				form.Set("CallStatus", st.status)
				form.Set("To", c.to)
				form.Set("From", c.from)
				if c.machine && st.answeredBy != "" {
					form.Set("AnsweredBy", st.answeredBy)
				}
				s.post(c.statusURL, form)
			}

			if st.dtmf && c.dtmfURL != "" && s.cfg.DTMFDigits != "" {
				form := url.Values{}
				form.Set("CallSid", c.sid)
				form.Set("Digits", s.cfg.DTMFDigits)
				s.post(c.dtmfURL, form)
			}
		}
	}()
}

// post delivers one webhook with retries on transport errors and 5xx/429.
func (s *server) post(callbackURL string, form url.Values) {
	sig := twilio.Sign(s.cfg.AuthToken, callbackURL, form)

	for attempt := 0; attempt <= s.cfg.WebhookMaxRetries; attempt++ {
		req, _ := http.NewRequest(http.MethodPost, callbackURL, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", sig)

		resp, err := s.client.Do(req)
		if err == nil {
			status := resp.StatusCode
			_ = resp.Body.Close()
			if status >= 200 && status < 300 {
				return
			}
			if !retryableStatus(status) {
				slog.Error("mock webhook post non-retryable", "url", callbackURL, "status", status)
				return
			}
		}

		if attempt == s.cfg.WebhookMaxRetries {
			slog.Error("mock webhook post gave up", "url", callbackURL, "attempts", attempt+1, "err", err)
			return
		}
		time.Sleep(s.cfg.WebhookRetryBase * time.Duration(1<<attempt))
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (s *server) checkBasicAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return user == s.cfg.AccountSID && pass == s.cfg.AuthToken
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return s.cfg.Outcomes[i]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func writeError(w http.ResponseWriter, status int, code int, msg string) {
	resp := callResponse{Status: "failed", Message: msg}
	if code != 0 {
		resp.ErrorCode = &code
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
