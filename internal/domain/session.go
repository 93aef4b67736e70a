// Package domain contains core domain types for the personagate gatekeeper.
package domain

import (
	"time"
)

// CurrentSessionSchema is the schema version written by this build.
// Version 1 sessions carried a single query_count counter.
const CurrentSessionSchema = 2

// Message is a single entry in a session's conversation buffer.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session holds per-client conversation and quota state.
type Session struct {
	SchemaVersion      int       `json:"schema_version"`
	ID                 string    `json:"session_id"`
	InScopeCount       int       `json:"in_scope_count"`
	OutOfScopeCount    int       `json:"out_of_scope_count"`
	TotalTurns         int       `json:"total_turns"`
	LegacyQueryCount   *int      `json:"query_count,omitempty"`
	Conversation       []Message `json:"conversation,omitempty"`
	ResetRequested     bool      `json:"reset_requested"`
	ResetRequestID     string    `json:"reset_request_id,omitempty"`
	ResetApplied       bool      `json:"reset_applied"`
	LastAppliedResetID string    `json:"last_applied_reset_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Counters is a snapshot of a session's quota counters.
type Counters struct {
	InScopeCount    int `json:"in_scope_count"`
	OutOfScopeCount int `json:"out_of_scope_count"`
	TotalTurns      int `json:"total_turns"`
}

// Counters returns the current counters.
func (s *Session) Counters() Counters {
	return Counters{InScopeCount: s.InScopeCount, OutOfScopeCount: s.OutOfScopeCount, TotalTurns: s.TotalTurns}
}

// NewSession returns an empty session at the current schema version.
func NewSession(id string, now time.Time) *Session {
	return &Session{
		SchemaVersion: CurrentSessionSchema,
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// AppendMessage adds a message to the conversation buffer and trims it to
// the most recent limit entries. A limit of zero or less keeps everything.
func (s *Session) AppendMessage(role, content string, limit int) {
	s.Conversation = append(s.Conversation, Message{Role: role, Content: content})
	if limit > 0 && len(s.Conversation) > limit {
		s.Conversation = append([]Message(nil), s.Conversation[len(s.Conversation)-limit:]...)
	}
}

// RecentMessages returns the last n messages of the conversation buffer.
func (s *Session) RecentMessages(n int) []Message {
	if n <= 0 || n >= len(s.Conversation) {
		return s.Conversation
	}
	return s.Conversation[len(s.Conversation)-n:]
}

// ClearQuota zeroes all counters and reset flags. Conversation history is kept.
func (s *Session) ClearQuota() {
	s.InScopeCount = 0
	s.OutOfScopeCount = 0
	s.TotalTurns = 0
	s.ResetRequested = false
	s.ResetRequestID = ""
	s.ResetApplied = false
}
