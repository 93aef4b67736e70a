// Package reset implements the extension request lifecycle: users ask for a
// quota reset by email, administrators approve or deny, and approved resets
// are applied on the session's next turn.
package reset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/metrics"
	"github.com/ashureev/personagate/internal/notify"
	"github.com/ashureev/personagate/internal/quota"
	"github.com/ashureev/personagate/internal/store"
	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// User-facing messages for blocked turns.
const (
	PendingMessage = "Your reset request is pending review. Please check back later."
	CreatedMessage = "Reset request received! We'll review your request and may reset your session."
	DeniedMessage  = "Your reset request was not approved. " +
		"If you think this is a mistake, send a message with your email address to ask again."
)

// ErrInvalidEmail is returned by CreateRequest for malformed addresses.
var ErrInvalidEmail = errors.New("invalid email address")

// Workflow coordinates request creation, resolution and reset application.
type Workflow struct {
	requests  store.RequestStore
	approvals store.ApprovalStore
	quota     *quota.Controller
	notifier  notify.Notifier

	clock         quartz.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics
	newID         func() string
	notifyTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithClock sets the clock used for request timestamps.
func WithClock(c quartz.Clock) Option {
	return func(w *Workflow) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workflow) { w.metrics = m }
}

// WithNotifyTimeout bounds each notification attempt.
func WithNotifyTimeout(d time.Duration) Option {
	return func(w *Workflow) { w.notifyTimeout = d }
}

// New creates a Workflow. A nil notifier discards notifications.
func New(requests store.RequestStore, approvals store.ApprovalStore, q *quota.Controller, n notify.Notifier, opts ...Option) *Workflow {
	w := &Workflow{
		requests:      requests,
		approvals:     approvals,
		quota:         q,
		notifier:      n,
		clock:         quartz.NewReal(),
		logger:        slog.Default(),
		newID:         uuid.NewString,
		notifyTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.notifier == nil {
		w.notifier = notify.Discard{Logger: w.logger}
	}
	return w
}

// CreateRequest records a pending request for the session and notifies the
// administrator in the background.
func (w *Workflow) CreateRequest(ctx context.Context, sessionID, email string) (*domain.ExtensionRequest, error) {
	if !ValidEmail(email) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	req := &domain.ExtensionRequest{
		RequestID: w.newID(),
		SessionID: sessionID,
		Email:     email,
		Status:    domain.StatusPending,
		CreatedAt: w.clock.Now(),
	}
	if err := w.requests.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	w.metrics.ExtensionRequest(string(domain.StatusPending))
	w.logger.Info("extension request created",
		"request_id", req.RequestID, "session_id", sessionID)
	w.notify(req)
	return req, nil
}

func (w *Workflow) notify(req *domain.ExtensionRequest) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), w.notifyTimeout)
		defer cancel()

		if err := w.notifier.ExtensionRequested(ctx, req); err != nil {
			w.metrics.NotificationFailed()
			w.logger.Warn("extension request notification failed",
				"request_id", req.RequestID, "error", err)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (w *Workflow) Wait() {
	w.wg.Wait()
}

// Approve resolves a pending request and stages a one-time reset for its
// session. granted is recorded with the request.
func (w *Workflow) Approve(ctx context.Context, requestID string, granted int) (*domain.ExtensionRequest, error) {
	if granted <= 0 {
		granted = w.quota.Limits().MaxTurns
	}
	req, err := w.requests.ApproveRequest(ctx, requestID, granted, w.clock.Now())
	if err != nil {
		return nil, err
	}
	w.metrics.ExtensionRequest(string(domain.StatusApproved))
	w.logger.Info("extension request approved",
		"request_id", requestID, "session_id", req.SessionID, "queries_granted", granted)
	return req, nil
}

// Deny resolves a pending request without granting a reset.
func (w *Workflow) Deny(ctx context.Context, requestID string) (*domain.ExtensionRequest, error) {
	req, err := w.requests.DenyRequest(ctx, requestID, w.clock.Now())
	if err != nil {
		return nil, err
	}
	w.metrics.ExtensionRequest(string(domain.StatusDenied))
	w.logger.Info("extension request denied", "request_id", requestID, "session_id", req.SessionID)
	return req, nil
}

// List returns requests with the given status, newest first. "all" or ""
// lists everything.
func (w *Workflow) List(ctx context.Context, status string) ([]*domain.ExtensionRequest, error) {
	if status == "" || status == "all" {
		return w.requests.ListRequests(ctx, "")
	}
	st := domain.RequestStatus(status)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %q (use pending, approved, denied, or all)", domain.ErrInvalidStatus, status)
	}
	return w.requests.ListRequests(ctx, st)
}

// CheckAndApply consumes the session's approved reset, if any, and zeroes
// its counters. It reports whether a reset was applied. An approval already
// applied to this session is consumed and ignored.
func (w *Workflow) CheckAndApply(ctx context.Context, s *domain.Session) (bool, error) {
	approval, err := w.approvals.ConsumeApproval(ctx, s.ID)
	if err != nil {
		return false, fmt.Errorf("consume approval: %w", err)
	}
	if approval == nil {
		return false, nil
	}
	if approval.RequestID != "" && approval.RequestID == s.LastAppliedResetID {
		w.logger.Debug("discarding already applied reset",
			"session_id", s.ID, "request_id", approval.RequestID)
		return false, nil
	}

	w.quota.Reset(s)
	s.ResetApplied = true
	s.LastAppliedResetID = approval.RequestID
	w.logger.Info("approved reset applied", "session_id", s.ID, "request_id", approval.RequestID)
	return true, nil
}

// BlockedOutcome is the reply to a turn rejected by the quota.
type BlockedOutcome struct {
	Message        string
	ResetRequested bool // a request was created by this turn
	Request        *domain.ExtensionRequest
}

// HandleBlocked decides the reply to a blocked turn. It may create an
// extension request when the message carries an email address, and updates
// the session's reset flags; the caller persists the session.
func (w *Workflow) HandleBlocked(ctx context.Context, s *domain.Session, message string, d quota.Decision) (BlockedOutcome, error) {
	if s.ResetRequested {
		out, open, err := w.requestedOutcome(ctx, s)
		if err != nil || open {
			return out, err
		}
	}

	email := ExtractEmail(message)
	if email == "" {
		return BlockedOutcome{Message: d.Message}, nil
	}

	if adopted, err := w.adoptPending(ctx, s); err != nil || adopted {
		return BlockedOutcome{Message: PendingMessage}, err
	}

	req, err := w.CreateRequest(ctx, s.ID, email)
	if errors.Is(err, domain.ErrAlreadyPending) {
		if _, err := w.adoptPending(ctx, s); err != nil {
			return BlockedOutcome{}, err
		}
		return BlockedOutcome{Message: PendingMessage}, nil
	}
	if err != nil {
		return BlockedOutcome{}, err
	}

	s.ResetRequested = true
	s.ResetRequestID = req.RequestID
	return BlockedOutcome{Message: CreatedMessage, ResetRequested: true, Request: req}, nil
}

// adoptPending links the session to a pending request filed earlier, for
// example before an administrator cleared the session.
func (w *Workflow) adoptPending(ctx context.Context, s *domain.Session) (bool, error) {
	req, err := w.requests.PendingRequest(ctx, s.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load pending request: %w", err)
	}
	s.ResetRequested = true
	s.ResetRequestID = req.RequestID
	return true, nil
}

// requestedOutcome reports on the session's outstanding request. open is
// false when no request is outstanding any more; the flags are then cleared
// and the turn is handled as if none had been made. A denial is reported
// once so the user may ask again.
func (w *Workflow) requestedOutcome(ctx context.Context, s *domain.Session) (out BlockedOutcome, open bool, err error) {
	if s.ResetRequestID == "" {
		adopted, err := w.adoptPending(ctx, s)
		if err != nil {
			return BlockedOutcome{}, false, err
		}
		if adopted {
			return BlockedOutcome{Message: PendingMessage}, true, nil
		}
		s.ResetRequested = false
		return BlockedOutcome{}, false, nil
	}

	req, err := w.requests.GetRequest(ctx, s.ResetRequestID)
	if errors.Is(err, domain.ErrNotFound) {
		s.ResetRequested = false
		s.ResetRequestID = ""
		return BlockedOutcome{}, false, nil
	}
	if err != nil {
		return BlockedOutcome{}, false, fmt.Errorf("load reset request: %w", err)
	}
	if req.Status == domain.StatusDenied {
		s.ResetRequested = false
		s.ResetRequestID = ""
		return BlockedOutcome{Message: DeniedMessage}, true, nil
	}
	return BlockedOutcome{Message: PendingMessage}, true, nil
}
