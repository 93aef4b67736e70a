// Package agent runs the per-turn conversation pipeline: quota gate, reset
// workflow, scope classification, persona conversation and audit logging.
package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/quota"
	"github.com/ashureev/personagate/internal/scope"
)

// ChatRequest is the body of POST /chat. A nil Message means the field was
// missing.
type ChatRequest struct {
	Message *string `json:"message"`
}

// ChatResponse is returned for an answered or refused turn.
type ChatResponse struct {
	Response         string `json:"response"`
	InScopeCount     int    `json:"in_scope_count"`
	OutOfScopeCount  int    `json:"out_of_scope_count"`
	TotalTurns       int    `json:"total_turns"`
	MaxQueries       int    `json:"max_queries"`
	QueriesRemaining int    `json:"queries_remaining"`
	FilteredPreLLM   bool   `json:"filtered_pre_llm,omitempty"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	quota.Status
	Version string `json:"version"`
}

// LimitError reports a turn rejected by a session limit.
type LimitError struct {
	Limit           quota.Limit `json:"error"`
	Message         string      `json:"message"`
	TotalTurns      int         `json:"total_turns"`
	OutOfScopeCount int         `json:"out_of_scope_count"`
	ResetRequested  bool        `json:"reset_requested,omitempty"`
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Limit, e.Message)
}

// InputError reports an unusable chat message.
type InputError struct {
	Message   string `json:"error"`
	MaxLength int    `json:"max_length,omitempty"`
}

func (e *InputError) Error() string {
	return e.Message
}

// ConversationError wraps a failed persona conversation call.
type ConversationError struct {
	Err error
}

func (e *ConversationError) Error() string {
	return "failed to get response: " + e.Err.Error()
}

func (e *ConversationError) Unwrap() error {
	return e.Err
}

// Classifier labels a query for a session.
type Classifier interface {
	Classify(ctx context.Context, sessionID, query string) scope.Result
}

// Recorder appends audit records. Implementations swallow write failures.
type Recorder interface {
	AppendInteraction(entry domain.LogEntry)
	AppendUsage(rec domain.UsageRecord)
}
