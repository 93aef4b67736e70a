package domain

import "time"

// Scope labels.
const (
	ScopeIn  = "IN_SCOPE"
	ScopeOut = "OUT_OF_SCOPE"
)

// Usage purposes.
const (
	PurposeClassification = "classification"
	PurposeConversation   = "conversation"
	PurposeJobVetting     = "job_vetting"
)

// TimestampLayout is the fixed-width ISO-8601 layout used for log records.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// LogEntry is one interaction record in the audit trail.
type LogEntry struct {
	SessionID      string  `json:"session_id"`
	Timestamp      string  `json:"timestamp"`
	Query          string  `json:"query"`
	Response       string  `json:"response"`
	FilteredPreLLM bool    `json:"filtered_pre_llm"`
	FilterCategory *string `json:"filter_category"`
	Scope          string  `json:"scope,omitempty"`
	Blocked        bool    `json:"blocked,omitempty"`

	PromptTokens     int64  `json:"prompt_tokens,omitempty"`
	CompletionTokens int64  `json:"completion_tokens,omitempty"`
	TotalTokens      int64  `json:"total_tokens,omitempty"`
	Model            string `json:"model,omitempty"`
	Purpose          string `json:"purpose,omitempty"`
}

// Category returns the filter category or the empty string.
func (e LogEntry) Category() string {
	if e.FilterCategory == nil {
		return ""
	}
	return *e.FilterCategory
}

// Time parses the entry timestamp. Entries written by older writers without a
// zone offset are accepted as local time.
func (e LogEntry) Time() time.Time {
	return ParseTimestamp(e.Timestamp)
}

// UsageRecord captures token usage for one LLM call.
type UsageRecord struct {
	SessionID        string `json:"session_id"`
	Timestamp        string `json:"timestamp"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Model            string `json:"model"`
	Purpose          string `json:"purpose"`
	Scope            string `json:"scope,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Time parses the record timestamp.
func (u UsageRecord) Time() time.Time {
	return ParseTimestamp(u.Timestamp)
}

var timestampLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseTimestamp parses a record timestamp, returning the zero time when
// none of the known layouts match.
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
