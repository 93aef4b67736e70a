// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/personagate/internal/domain"
)

// SessionStore persists per-client session state.
type SessionStore interface {
	// GetSession returns the session, or nil when none is stored.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// SaveSession creates or replaces a session.
	SaveSession(ctx context.Context, session *domain.Session) error

	// DeleteSession removes a session. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}

// RequestStore persists extension requests.
type RequestStore interface {
	// CreateRequest inserts a pending request. It returns
	// domain.ErrAlreadyPending when the session already has one.
	CreateRequest(ctx context.Context, req *domain.ExtensionRequest) error

	// GetRequest returns domain.ErrNotFound for unknown ids.
	GetRequest(ctx context.Context, requestID string) (*domain.ExtensionRequest, error)

	// PendingRequest returns the session's pending request, or
	// domain.ErrNotFound when it has none.
	PendingRequest(ctx context.Context, sessionID string) (*domain.ExtensionRequest, error)

	// ListRequests returns requests with the given status, newest first.
	// An empty status lists every request.
	ListRequests(ctx context.Context, status domain.RequestStatus) ([]*domain.ExtensionRequest, error)

	// ApproveRequest marks a pending request approved and writes the
	// session's ApprovedReset in the same transaction.
	ApproveRequest(ctx context.Context, requestID string, granted int, at time.Time) (*domain.ExtensionRequest, error)

	// DenyRequest marks a pending request denied.
	DenyRequest(ctx context.Context, requestID string, at time.Time) (*domain.ExtensionRequest, error)
}

// ApprovalStore holds one-time reset approvals keyed by session.
type ApprovalStore interface {
	// PutApproval creates or overwrites the session's approval.
	PutApproval(ctx context.Context, approval *domain.ApprovedReset) error

	// ConsumeApproval atomically removes and returns the session's approval,
	// or nil when there is none.
	ConsumeApproval(ctx context.Context, sessionID string) (*domain.ApprovedReset, error)
}

// Repository is the full relational store.
type Repository interface {
	SessionStore
	RequestStore
	ApprovalStore

	// CleanupExpiredSessions removes sessions not updated within ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}
