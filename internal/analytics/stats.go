package analytics

import (
	"context"
	"fmt"

	"github.com/ashureev/personagate/internal/logstore"
)

// Token estimates per turn used for the savings report.
const (
	TokensClassification = 100
	TokensConversation   = 500
)

const recentFilteredLimit = 10

// Summary aggregates interaction entries.
type Summary struct {
	TotalQueries    int `json:"total_queries"`
	FilteredQueries int `json:"filtered_queries"`
	BlockedQueries  int `json:"blocked_queries"`
	AnsweredQueries int `json:"llm_queries"`

	// FilterRate is the percentage of classified turns refused before the
	// conversation model. Blocked turns are not classified.
	FilterRate float64 `json:"filter_rate"`

	TokensWithoutClassification int     `json:"tokens_without_classification"`
	TokensWithClassification    int     `json:"tokens_with_classification"`
	TokenChange                 int     `json:"token_change"`
	TokenChangePct              float64 `json:"token_change_pct"`

	Categories map[string]int `json:"categories"`
	Sessions   int            `json:"sessions"`

	RecentFiltered []RecentEntry `json:"recent_filtered"`
}

// RecentEntry is a short view of a filtered turn.
type RecentEntry struct {
	Timestamp string `json:"timestamp"`
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	Response  string `json:"response"`
	Category  string `json:"category,omitempty"`
}

// Savings is the token reduction from classification; negative means the
// classifier cost more than it saved.
func (s *Summary) Savings() int {
	return -s.TokenChange
}

// Stats summarizes the entries in r, optionally for a single session.
func (e *Engine) Stats(ctx context.Context, r logstore.DateRange, sessionID string) (*Summary, error) {
	entries, err := e.src.ReadInteractions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("read interactions: %w", err)
	}
	entries = selectEntries(entries, sessionID, FilterAll)

	s := &Summary{Categories: map[string]int{}, RecentFiltered: []RecentEntry{}}
	sessions := map[string]struct{}{}
	for _, entry := range entries {
		s.TotalQueries++
		if entry.SessionID != "" {
			sessions[entry.SessionID] = struct{}{}
		}
		switch {
		case entry.Blocked:
			s.BlockedQueries++
		case entry.FilteredPreLLM:
			s.FilteredQueries++
		default:
			s.AnsweredQueries++
		}
		if c := entry.Category(); c != "" {
			s.Categories[c]++
		}
	}
	s.Sessions = len(sessions)

	classified := s.FilteredQueries + s.AnsweredQueries
	if classified > 0 {
		s.FilterRate = float64(s.FilteredQueries) / float64(classified) * 100
	}
	s.TokensWithoutClassification = classified * TokensConversation
	s.TokensWithClassification = s.FilteredQueries*TokensClassification +
		s.AnsweredQueries*(TokensClassification+TokensConversation)
	s.TokenChange = s.TokensWithClassification - s.TokensWithoutClassification
	if s.TokensWithoutClassification > 0 {
		s.TokenChangePct = float64(s.TokenChange) / float64(s.TokensWithoutClassification) * 100
	}

	filtered := selectEntries(entries, "", FilterFiltered)
	sortNewestFirst(filtered)
	for _, entry := range filtered {
		if entry.Blocked {
			continue
		}
		s.RecentFiltered = append(s.RecentFiltered, RecentEntry{
			Timestamp: entry.Timestamp,
			SessionID: entry.SessionID,
			Query:     entry.Query,
			Response:  entry.Response,
			Category:  entry.Category(),
		})
		if len(s.RecentFiltered) == recentFilteredLimit {
			break
		}
	}
	return s, nil
}
