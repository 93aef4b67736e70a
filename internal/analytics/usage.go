package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/logstore"
)

// Price is the USD cost per million tokens.
type Price struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// PriceTable maps model names (or name prefixes) to prices.
type PriceTable map[string]Price

// DefaultPrices returns list prices for the models the gate uses.
func DefaultPrices() PriceTable {
	return PriceTable{
		"gpt-4o-mini": {InputPerMillion: 0.15, OutputPerMillion: 0.60},
		"gpt-4o":      {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	}
}

// Lookup finds the price for model, preferring an exact match and then the
// longest matching prefix, so dated snapshots resolve to their family.
func (p PriceTable) Lookup(model string) (Price, bool) {
	if price, ok := p[model]; ok {
		return price, true
	}
	best, found := "", false
	for name := range p {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best, found = name, true
		}
	}
	if !found {
		return Price{}, false
	}
	return p[best], true
}

// Cost estimates the USD cost of a call.
func (p PriceTable) Cost(model string, prompt, completion int64) float64 {
	price, ok := p.Lookup(model)
	if !ok {
		return 0
	}
	return float64(prompt)/1e6*price.InputPerMillion + float64(completion)/1e6*price.OutputPerMillion
}

// Bucket accumulates usage records.
type Bucket struct {
	Calls            int     `json:"calls"`
	Errors           int     `json:"errors"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"estimated_cost_usd"`
}

func (b *Bucket) add(rec domain.UsageRecord, cost float64) {
	b.Calls++
	if rec.Error != "" {
		b.Errors++
	}
	b.PromptTokens += rec.PromptTokens
	b.CompletionTokens += rec.CompletionTokens
	b.TotalTokens += rec.TotalTokens
	b.CostUSD += cost
}

// UsageSummary aggregates usage records.
type UsageSummary struct {
	Totals    Bucket             `json:"totals"`
	ByPurpose map[string]*Bucket `json:"by_purpose"`
	ByModel   map[string]*Bucket `json:"by_model"`
	Sessions  int                `json:"sessions"`
}

// SessionCost is one session's spend.
type SessionCost struct {
	SessionID   string  `json:"session_id"`
	Calls       int     `json:"calls"`
	TotalTokens int64   `json:"total_tokens"`
	CostUSD     float64 `json:"estimated_cost_usd"`
	LastSeen    string  `json:"last_seen"`
}

// UsageStats summarizes usage in r, optionally for a single session.
func (e *Engine) UsageStats(ctx context.Context, r logstore.DateRange, sessionID string) (*UsageSummary, error) {
	records, err := e.src.ReadUsage(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}

	s := &UsageSummary{ByPurpose: map[string]*Bucket{}, ByModel: map[string]*Bucket{}}
	sessions := map[string]struct{}{}
	for _, rec := range records {
		if sessionID != "" && rec.SessionID != sessionID {
			continue
		}
		cost := e.prices.Cost(rec.Model, rec.PromptTokens, rec.CompletionTokens)
		s.Totals.add(rec, cost)
		bucketFor(s.ByPurpose, orUnknown(rec.Purpose)).add(rec, cost)
		bucketFor(s.ByModel, orUnknown(rec.Model)).add(rec, cost)
		if rec.SessionID != "" {
			sessions[rec.SessionID] = struct{}{}
		}
	}
	s.Sessions = len(sessions)
	return s, nil
}

// ExpensiveSessions ranks sessions in r by estimated cost, highest first.
func (e *Engine) ExpensiveSessions(ctx context.Context, r logstore.DateRange, limit int) ([]SessionCost, error) {
	records, err := e.src.ReadUsage(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}

	bySession := map[string]*SessionCost{}
	for _, rec := range records {
		if rec.SessionID == "" {
			continue
		}
		sc, ok := bySession[rec.SessionID]
		if !ok {
			sc = &SessionCost{SessionID: rec.SessionID}
			bySession[rec.SessionID] = sc
		}
		sc.Calls++
		sc.TotalTokens += rec.TotalTokens
		sc.CostUSD += e.prices.Cost(rec.Model, rec.PromptTokens, rec.CompletionTokens)
		if rec.Timestamp > sc.LastSeen {
			sc.LastSeen = rec.Timestamp
		}
	}

	out := make([]SessionCost, 0, len(bySession))
	for _, sc := range bySession {
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CostUSD != out[j].CostUSD {
			return out[i].CostUSD > out[j].CostUSD
		}
		return out[i].SessionID < out[j].SessionID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func bucketFor(m map[string]*Bucket, key string) *Bucket {
	b, ok := m[key]
	if !ok {
		b = &Bucket{}
		m[key] = b
	}
	return b
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
