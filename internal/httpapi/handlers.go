package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"dialer/internal/domain"
	"dialer/internal/service"
	"dialer/internal/store"
)

// QueueAPI is the surface of the queue service the handlers depend on.
type QueueAPI interface {
	Create(ctx context.Context, req domain.CreateQueueRequest) (domain.CreateQueueResponse, error)
	Start(ctx context.Context, id int64) (domain.BatchResult, error)
	Dispatch(ctx context.Context, id int64) error
	Pause(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (store.Queue, error)
	List(ctx context.Context, limit int) ([]store.QueueSummary, error)
	Delete(ctx context.Context, id int64) error
	GetCall(ctx context.Context, callSID string) (service.CallDetail, error)
}

type API struct {
	Svc QueueAPI
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/queues", a.handleCreateQueue).Methods(http.MethodPost)
	m.HandleFunc("/v1/queues", a.handleListQueues).Methods(http.MethodGet)
	m.HandleFunc("/v1/queues/{id}", a.handleGetQueue).Methods(http.MethodGet)
	m.HandleFunc("/v1/queues/{id}", a.handleDeleteQueue).Methods(http.MethodDelete)
	m.HandleFunc("/v1/queues/{id}/start", a.handleStartQueue).Methods(http.MethodPost)
	m.HandleFunc("/v1/queues/{id}/dispatch", a.handleDispatchQueue).Methods(http.MethodPost)
	m.HandleFunc("/v1/queues/{id}/pause", a.handlePauseQueue).Methods(http.MethodPost)
	m.HandleFunc("/v1/calls/{sid}", a.handleGetCall).Methods(http.MethodGet)
}

func (a *API) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	resp, err := a.Svc.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyTargetList) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("create queue failed", "err", err, "numbers", len(req.Numbers))
		http.Error(w, "dependency error", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleStartQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}

	res, err := a.Svc.Start(r.Context(), id)
	if err != nil {
		writeQueueErr(w, err, "start queue failed", id)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleDispatchQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}

	if err := a.Svc.Dispatch(r.Context(), id); err != nil {
		writeQueueErr(w, err, "dispatch queue failed", id)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int64{"queueId": id})
}

func (a *API) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}

	if err := a.Svc.Pause(r.Context(), id); err != nil {
		writeQueueErr(w, err, "pause queue failed", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}

	q, err := a.Svc.Get(r.Context(), id)
	if err != nil {
		writeQueueErr(w, err, "get queue failed", id)
		return
	}
	writeJSON(w, http.StatusOK, newQueueView(q))
}

func (a *API) handleListQueues(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	summaries, err := a.Svc.List(r.Context(), limit)
	if err != nil {
		slog.Error("list queues failed", "err", err)
		http.Error(w, "dependency error", http.StatusBadGateway)
		return
	}
	if summaries == nil {
		summaries = []store.QueueSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": summaries})
}

func (a *API) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := queueID(w, r)
	if !ok {
		return
	}

	if err := a.Svc.Delete(r.Context(), id); err != nil {
		writeQueueErr(w, err, "delete queue failed", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetCall(w http.ResponseWriter, r *http.Request) {
	sid := mux.Vars(r)["sid"]
	if sid == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	detail, err := a.Svc.GetCall(r.Context(), sid)
	if err != nil {
		if errors.Is(err, domain.ErrCallNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		slog.Error("get call failed", "err", err, "call_sid", sid)
		http.Error(w, "dependency error", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// queueView is the JSON shape of a single queue, including per-number detail.
type queueView struct {
	ID                int64               `json:"queueId"`
	Status            domain.QueueStatus  `json:"status"`
	Numbers           []string            `json:"numbers"`
	Results           []store.CallResult  `json:"results"`
	Failures          []store.CallFailure `json:"failures"`
	TotalCount        int                 `json:"totalNumbers"`
	DispatchedCount   int                 `json:"dispatchedCount"`
	SuccessCount      int                 `json:"successCount"`
	FailureCount      int                 `json:"failureCount"`
	RemainingCount    int                 `json:"remainingCount"`
	CurrentBatchIndex int                 `json:"currentBatchIndex"`
	StartedAt         *time.Time          `json:"startedAt,omitempty"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
	CreatedAt         time.Time           `json:"createdAt"`
	UpdatedAt         time.Time           `json:"updatedAt"`
}

func newQueueView(q store.Queue) queueView {
	v := queueView{
		ID:                q.ID,
		Status:            q.Status,
		Numbers:           q.TargetNumbers,
		Results:           q.Results,
		Failures:          q.Failures,
		TotalCount:        q.TotalCount,
		DispatchedCount:   q.DispatchedCount,
		SuccessCount:      q.SuccessCount,
		FailureCount:      q.FailureCount,
		RemainingCount:    q.TotalCount - q.DispatchedCount,
		CurrentBatchIndex: q.CurrentBatchIndex,
		StartedAt:         q.StartedAt,
		CompletedAt:       q.CompletedAt,
		CreatedAt:         q.CreatedAt,
		UpdatedAt:         q.UpdatedAt,
	}
	if v.Results == nil {
		v.Results = []store.CallResult{}
	}
	if v.Failures == nil {
		v.Failures = []store.CallFailure{}
	}
	return v
}

func queueID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid queue id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeQueueErr(w http.ResponseWriter, err error, msg string, id int64) {
	switch {
	case errors.Is(err, domain.ErrQueueNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.Error(msg, "err", err, "queue_id", id)
		http.Error(w, "dependency error", http.StatusBadGateway)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
