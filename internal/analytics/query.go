package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/logstore"
)

// Pagination bounds.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects entries by whether they were answered before the LLM.
type Filter string

// Filter values.
const (
	FilterAll      Filter = "all"
	FilterFiltered Filter = "true"
	FilterAnswered Filter = "false"
)

// ParseFilter validates the filtered parameter. Empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterFiltered:
		return FilterFiltered, nil
	case FilterAnswered:
		return FilterAnswered, nil
	}
	return "", &ParamError{
		Field:   "filtered",
		Message: `Invalid filtered parameter. Use "all", "true", or "false".`,
	}
}

func (f Filter) match(e domain.LogEntry) bool {
	switch f {
	case FilterFiltered:
		return e.FilteredPreLLM
	case FilterAnswered:
		return !e.FilteredPreLLM
	}
	return true
}

// Query selects a page of interaction entries.
type Query struct {
	Range     logstore.DateRange
	SessionID string
	Filtered  Filter
	Limit     int
	Offset    int
}

// Page is one page of entries with the pre-pagination total.
type Page struct {
	Entries []domain.LogEntry `json:"entries"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	HasMore bool              `json:"has_more"`
}

// ClampLimit bounds a page size to [1, MaxLimit].
func ClampLimit(n int) int {
	return min(max(1, n), MaxLimit)
}

// Query filters by date range, then session, then filtered status, sorts
// newest first and returns the requested page.
func (e *Engine) Query(ctx context.Context, q Query) (*Page, error) {
	limit := ClampLimit(q.Limit)
	offset := max(0, q.Offset)

	entries, err := e.src.ReadInteractions(ctx, q.Range)
	if err != nil {
		return nil, fmt.Errorf("read interactions: %w", err)
	}

	matched := selectEntries(entries, q.SessionID, q.Filtered)
	sortNewestFirst(matched)

	page := &Page{
		Entries: []domain.LogEntry{},
		Total:   len(matched),
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < len(matched),
	}
	if offset < len(matched) {
		end := min(offset+limit, len(matched))
		page.Entries = matched[offset:end]
	}
	return page, nil
}

func selectEntries(entries []domain.LogEntry, sessionID string, f Filter) []domain.LogEntry {
	out := make([]domain.LogEntry, 0, len(entries))
	for _, e := range entries {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		if !f.match(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// sortNewestFirst orders entries by timestamp, newest first. Entries whose
// timestamp does not parse sort last, keeping their read order.
func sortNewestFirst(entries []domain.LogEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].Time(), entries[j].Time()
		if ti.IsZero() || tj.IsZero() {
			return !ti.IsZero() && tj.IsZero()
		}
		return ti.After(tj)
	})
}
