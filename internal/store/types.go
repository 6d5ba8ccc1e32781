package store

import (
	"time"

	"dialer/internal/domain"
)

type Queue struct {
	ID                int64
	Status            domain.QueueStatus
	TargetNumbers     []string
	Results           []CallResult
	Failures          []CallFailure
	TotalCount        int
	DispatchedCount   int
	SuccessCount      int
	FailureCount      int
	CurrentBatchIndex int
	PauseRequested    bool
	StartedAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type QueueSummary struct {
	ID                int64              `json:"queueId"`
	Status            domain.QueueStatus `json:"status"`
	TotalCount        int                `json:"totalNumbers"`
	DispatchedCount   int                `json:"dispatchedCount"`
	SuccessCount      int                `json:"successCount"`
	FailureCount      int                `json:"failureCount"`
	CurrentBatchIndex int                `json:"currentBatchIndex"`
	StartedAt         *time.Time         `json:"startedAt,omitempty"`
	CompletedAt       *time.Time         `json:"completedAt,omitempty"`
	CreatedAt         time.Time          `json:"createdAt"`
}

type CallResult struct {
	Number       string    `json:"number"`
	CallSID      string    `json:"externalCallId"`
	DispatchedAt time.Time `json:"dispatchedAt"`
}

type CallFailure struct {
	Number       string    `json:"number"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage"`
	DispatchedAt time.Time `json:"dispatchedAt"`
}

type ResultInsert struct {
	QueueID int64
	Number  string
	CallSID string
	Now     time.Time
}

type FailureInsert struct {
	QueueID      int64
	Number       string
	ErrorCode    string
	ErrorMessage string
	Now          time.Time
}

type CallRecord struct {
	CallSID   string            `json:"externalCallId"`
	To        string            `json:"to"`
	From      string            `json:"from"`
	Status    domain.CallStatus `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CallRecordUpsert creates or advances a call record. Empty To/From leave the
// stored values untouched; Status only advances per domain.CallStatusRank.
type CallRecordUpsert struct {
	CallSID string
	To      string
	From    string
	Status  domain.CallStatus
	Now     time.Time
}

type WebhookEventInsert struct {
	ID         string
	CallSID    string
	EventType  string
	Digits     string
	Action     string
	Payload    any
	ReceivedAt time.Time
}

type WebhookEvent struct {
	ID         string    `json:"id"`
	CallSID    string    `json:"externalCallId"`
	EventType  string    `json:"eventType"`
	Digits     string    `json:"digits,omitempty"`
	Action     string    `json:"action,omitempty"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"receivedAt"`
}
