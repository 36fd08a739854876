package models

import "time"

// RequestStatus is the lifecycle state of a queued analysis request.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Priority orders queued requests. Lower value means higher urgency.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 10
)

// AnalysisRequest is one queued analysis job. Owned by the request queue
// until it reaches a terminal status.
type AnalysisRequest struct {
	ID          string        `json:"id"`
	ImageRef    string        `json:"imageRef"`
	Priority    Priority      `json:"priority"`
	SubmittedAt time.Time     `json:"submittedAt"`
	RetryCount  int           `json:"retryCount"`
	Status      RequestStatus `json:"status"`
	LastError   string        `json:"lastError,omitempty"`
}

// Terminal reports whether the request has finished its lifecycle.
func (r *AnalysisRequest) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
