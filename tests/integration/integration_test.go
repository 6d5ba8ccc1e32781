//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dialer/internal/correlate"
	"dialer/internal/dispatch"
	"dialer/internal/domain"
	"dialer/internal/httpserver"
	"dialer/internal/providers/twilio"
	"dialer/internal/store/pg"

	gmux "github.com/gorilla/mux"
)

func TestQueueDispatchRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)

	var dialed atomic.Int64
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		n := dialed.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sid": fmt.Sprintf("CA%06d", n), "status": "queued",
		})
	}))
	defer provider.Close()

	numbers := make([]string, 25)
	for i := range numbers {
		numbers[i] = fmt.Sprintf("+1555000%04d", i)
	}
	queueID, err := store.CreateQueue(ctx, numbers, time.Now().UTC())
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	d := &dispatch.Dispatcher{
		Store: store,
		Dialer: &twilio.Client{
			AccountSID: "AC_test", AuthToken: "token",
			HTTP:    &http.Client{Timeout: 5 * time.Second},
			BaseURL: provider.URL,
		},
		From:      "+15550001111",
		BatchSize: 10,
	}

	steps := 0
	for {
		res, err := d.RunBatch(ctx, queueID)
		if err != nil {
			t.Fatalf("step %d: %v", steps, err)
		}
		steps++
		if res.Completed {
			break
		}
		if steps > 10 {
			t.Fatalf("queue never completed")
		}
	}
	if steps != 3 {
		t.Fatalf("expected 3 steps for 25 numbers, got %d", steps)
	}
	if got := dialed.Load(); got != 25 {
		t.Fatalf("expected 25 dials, got %d", got)
	}

	q, found, err := store.GetQueue(ctx, queueID)
	if err != nil || !found {
		t.Fatalf("get queue: %v found=%v", err, found)
	}
	if q.Status != domain.QueueCompleted || q.SuccessCount != 25 || q.FailureCount != 0 {
		t.Fatalf("unexpected final queue: %+v", q)
	}
	// each dial also seeds a call record
	rec, found, err := store.GetCallRecord(ctx, "CA000001")
	if err != nil || !found {
		t.Fatalf("get call record: %v found=%v", err, found)
	}
	if rec.Status != domain.CallInitiated {
		t.Fatalf("seeded record status = %q", rec.Status)
	}
}

func TestOperatorPauseBlocksClaimUntilCleared(t *testing.T) {
	ctx := context.Background()
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)
	now := time.Now().UTC()

	queueID, err := store.CreateQueue(ctx, []string{"+15550001111", "+15550002222"}, now)
	if err != nil {
		t.Fatalf("create queue: %v", err)
	}

	// Inter-batch settle: the queue stays claimable by the next step.
	if claimed, err := store.ClaimQueue(ctx, queueID, now); err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	if _, err := store.MarkQueuePaused(ctx, queueID, now); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if claimed, err := store.ClaimQueue(ctx, queueID, now); err != nil || !claimed {
		t.Fatalf("reclaim after settle: claimed=%v err=%v", claimed, err)
	}
	if _, err := store.MarkQueuePaused(ctx, queueID, now); err != nil {
		t.Fatalf("settle: %v", err)
	}

	// Operator pause: the queue must refuse every claim, including one from
	// a delayed background job, until an explicit resume clears the request.
	if ok, err := store.RequestPause(ctx, queueID, now); err != nil || !ok {
		t.Fatalf("request pause: ok=%v err=%v", ok, err)
	}
	if claimed, err := store.ClaimQueue(ctx, queueID, now); err != nil || claimed {
		t.Fatalf("claim after operator pause: claimed=%v err=%v", claimed, err)
	}
	q, found, err := store.GetQueue(ctx, queueID)
	if err != nil || !found {
		t.Fatalf("get queue: found=%v err=%v", found, err)
	}
	if q.Status != domain.QueuePaused || !q.PauseRequested {
		t.Fatalf("status=%s pauseRequested=%v", q.Status, q.PauseRequested)
	}

	if err := store.ClearPauseRequest(ctx, queueID, now); err != nil {
		t.Fatalf("clear pause request: %v", err)
	}
	if claimed, err := store.ClaimQueue(ctx, queueID, now); err != nil || !claimed {
		t.Fatalf("claim after resume: claimed=%v err=%v", claimed, err)
	}
}

func TestWebhookAdvancesCallRecord(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := pg.New(db)

	const (
		authToken = "token123"
		baseURL   = "https://dialer.example.com"
	)

	router := gmux.NewRouter()
	(&httpserver.Webhook{
		Correlator:      &correlate.Correlator{Store: store},
		VerifySignature: twilio.VerifySignature,
		AuthToken:       authToken,
		PublicBaseURL:   baseURL,
	}).Register(router)

	post := func(path string, form url.Values) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("X-Twilio-Signature", twilio.Sign(authToken, baseURL+path, form))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	// out of order: terminal failure first, then a late initiated event
	if code := post("/v1/webhooks/twilio/status", url.Values{
		"CallSid": {"CA42"}, "CallStatus": {"failed"}, "To": {"+15551234567"},
	}); code != http.StatusOK {
		t.Fatalf("failed event: status = %d", code)
	}
	if code := post("/v1/webhooks/twilio/status", url.Values{
		"CallSid": {"CA42"}, "CallStatus": {"initiated"},
	}); code != http.StatusOK {
		t.Fatalf("initiated event: status = %d", code)
	}

	rec, found, err := store.GetCallRecord(context.Background(), "CA42")
	if err != nil || !found {
		t.Fatalf("get call record: %v found=%v", err, found)
	}
	if rec.Status != domain.CallFailed {
		t.Fatalf("late event downgraded record to %q", rec.Status)
	}
	if rec.To != "+15551234567" {
		t.Fatalf("to not retained: %q", rec.To)
	}

	events, err := store.ListWebhookEvents(context.Background(), "CA42")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 retained events, got %d", len(events))
	}
}

func setupTestDB(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()

	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN not set")
	}

	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	admin, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect admin db: %v", err)
	}

	if _, err := admin.Exec(context.Background(), "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema: %v", err)
	}

	dbDSN, err := withSearchPath(dsn, schema)
	if err != nil {
		admin.Close()
		t.Fatalf("build dsn: %v", err)
	}

	db, err := pgxpool.New(context.Background(), dbDSN)
	if err != nil {
		admin.Close()
		t.Fatalf("connect test db: %v", err)
	}

	sqlPath := filepath.Join("..", "..", "migrations", "0001_init.sql")
	sqlBytes, err := os.ReadFile(sqlPath)
	if err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("read migrations: %v", err)
	}

	if _, err := db.Exec(context.Background(), string(sqlBytes)); err != nil {
		db.Close()
		admin.Close()
		t.Fatalf("run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		admin.Close()
	}

	return db, cleanup
}

func withSearchPath(dsn, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	q := u.Query()
	opts := q.Get("options")
	if opts != "" {
		opts = opts + " -c search_path=" + schema
	} else {
		opts = "-c search_path=" + schema
	}
	q.Set("options", opts)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
