package domain

import (
	"errors"
	"time"
)

// RequestStatus is the lifecycle state of an ExtensionRequest.
type RequestStatus string

// Request statuses.
const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDenied:
		return true
	}
	return false
}

// Sentinel errors shared by stores and workflows.
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyPending  = errors.New("a pending request already exists for this session")
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrInvalidStatus   = errors.New("invalid request status")
)

// ExtensionRequest is a user appeal to lift a session's quota.
type ExtensionRequest struct {
	RequestID      string        `json:"request_id"`
	SessionID      string        `json:"session_id"`
	Email          string        `json:"email"`
	Status         RequestStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	QueriesGranted int           `json:"queries_granted,omitempty"`
}

// IsPending reports whether the request is awaiting an administrator.
func (r *ExtensionRequest) IsPending() bool {
	return r.Status == StatusPending
}

// ApprovedReset is a one-time token authorizing a session's quota reset.
type ApprovedReset struct {
	SessionID     string    `json:"-"`
	ResetApproved bool      `json:"reset_approved"`
	ApprovedAt    time.Time `json:"approved_at"`
	RequestID     string    `json:"request_id"`
	Email         string    `json:"email"`
}
