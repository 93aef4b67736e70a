// Package quota implements the per-session turn and out-of-scope limits.
package quota

import (
	"fmt"

	"github.com/ashureev/personagate/internal/domain"
)

// State is the derived quota state of a session.
type State int

// Quota states.
const (
	StateActive State = iota
	StateWarned
	StateCutoff
	StateResetPending
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarned:
		return "warned"
	case StateCutoff:
		return "cutoff"
	case StateResetPending:
		return "reset_pending"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Limit identifies which threshold blocked a session.
type Limit string

// Limit types reported to clients.
const (
	LimitNone       Limit = ""
	LimitSession    Limit = "session_limit"
	LimitOutOfScope Limit = "out_of_scope_cutoff"
)

// Limits are the configured thresholds.
type Limits struct {
	MaxTurns         int
	WarningThreshold int
	CutoffThreshold  int
}

// DefaultLimits mirrors the production defaults.
func DefaultLimits() Limits {
	return Limits{MaxTurns: 50, WarningThreshold: 5, CutoffThreshold: 10}
}

// Decision is the result of checking a session before a turn.
type Decision struct {
	Blocked bool
	Limit   Limit
	Message string
}

// Outcome is the result of recording a classified turn. Count is the
// counter of the recorded scope after the turn; Warn is set for out-of-scope
// turns taken while the session was already warned.
type Outcome struct {
	Count      int
	TotalTurns int
	Warn       bool
}

// Status summarizes a session for the status endpoint.
type Status struct {
	InScopeCount        int    `json:"in_scope_count"`
	OutOfScopeCount     int    `json:"out_of_scope_count"`
	TotalTurns          int    `json:"total_turns"`
	MaxQueries          int    `json:"max_queries"`
	QueriesRemaining    int    `json:"queries_remaining"`
	WarningThreshold    int    `json:"out_of_scope_warning_threshold"`
	CutoffThreshold     int    `json:"out_of_scope_cutoff_threshold"`
	OutOfScopeRemaining int    `json:"out_of_scope_remaining"`
	State               string `json:"state"`
	ResetRequested      bool   `json:"reset_requested"`
}

// Controller applies Limits to sessions. It holds no per-session state.
type Controller struct {
	limits Limits
}

// NewController creates a Controller.
func NewController(limits Limits) *Controller {
	return &Controller{limits: limits}
}

// Limits returns the configured thresholds.
func (c *Controller) Limits() Limits {
	return c.limits
}

// State derives the session's state.
func (c *Controller) State(s *domain.Session) State {
	if c.blockingLimit(s) != LimitNone {
		if s.ResetRequested {
			return StateResetPending
		}
		return StateCutoff
	}
	if s.OutOfScopeCount >= c.limits.WarningThreshold {
		return StateWarned
	}
	return StateActive
}

func (c *Controller) blockingLimit(s *domain.Session) Limit {
	if s.TotalTurns >= c.limits.MaxTurns {
		return LimitSession
	}
	if s.OutOfScopeCount >= c.limits.CutoffThreshold {
		return LimitOutOfScope
	}
	return LimitNone
}

// Check reports whether the next turn must be rejected. The turn cap is
// checked before the out-of-scope cutoff.
func (c *Controller) Check(s *domain.Session) Decision {
	limit := c.blockingLimit(s)
	if limit == LimitNone {
		return Decision{}
	}
	return Decision{Blocked: true, Limit: limit, Message: c.LimitMessage(limit)}
}

// LimitMessage is the default text for a blocked turn.
func (c *Controller) LimitMessage(limit Limit) string {
	switch limit {
	case LimitSession:
		return fmt.Sprintf("You have reached the maximum of %d questions for this session. "+
			"To request a session reset, send a message with your email address.", c.limits.MaxTurns)
	case LimitOutOfScope:
		return "You have asked too many off-topic questions. " +
			"To request a reset, send a message with your email address."
	}
	return ""
}

// Record counts one classified turn. Counters only ever increase here.
func (c *Controller) Record(s *domain.Session, scope string) Outcome {
	var out Outcome
	if scope == domain.ScopeOut {
		out.Warn = s.OutOfScopeCount >= c.limits.WarningThreshold
		s.OutOfScopeCount++
		out.Count = s.OutOfScopeCount
	} else {
		s.InScopeCount++
		out.Count = s.InScopeCount
	}
	s.TotalTurns++
	out.TotalTurns = s.TotalTurns
	return out
}

// Reset zeroes every counter and clears reset flags.
func (c *Controller) Reset(s *domain.Session) {
	s.ClearQuota()
}

// Status reports counters and remaining allowances.
func (c *Controller) Status(s *domain.Session) Status {
	return Status{
		InScopeCount:        s.InScopeCount,
		OutOfScopeCount:     s.OutOfScopeCount,
		TotalTurns:          s.TotalTurns,
		MaxQueries:          c.limits.MaxTurns,
		QueriesRemaining:    c.limits.MaxTurns - s.TotalTurns,
		WarningThreshold:    c.limits.WarningThreshold,
		CutoffThreshold:     c.limits.CutoffThreshold,
		OutOfScopeRemaining: c.limits.CutoffThreshold - s.OutOfScopeCount,
		State:               c.State(s).String(),
		ResetRequested:      s.ResetRequested,
	}
}
