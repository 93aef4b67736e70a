// Package analytics answers read-only questions over the interaction and
// usage logs: paginated browsing, classification savings, token spend and
// reconciliation against the provider's usage reporting.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/logstore"
)

// Source is the log reader the engine works from.
type Source interface {
	ReadInteractions(ctx context.Context, r logstore.DateRange) ([]domain.LogEntry, error)
	ReadUsage(ctx context.Context, r logstore.DateRange) ([]domain.UsageRecord, error)
	Now() time.Time
}

// ParamError reports an invalid request parameter.
type ParamError struct {
	Field   string
	Message string
}

func (e *ParamError) Error() string {
	return e.Message
}

// Engine computes analytics over a Source.
type Engine struct {
	src      Source
	provider UsageAPI
	prices   PriceTable
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithUsageAPI enables reconciliation against the provider.
func WithUsageAPI(api UsageAPI) Option {
	return func(e *Engine) { e.provider = api }
}

// WithPrices replaces the default price table.
func WithPrices(p PriceTable) Option {
	return func(e *Engine) { e.prices = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine.
func New(src Source, opts ...Option) *Engine {
	e := &Engine{src: src, prices: DefaultPrices(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Range resolves request date parameters. date, when set, overrides start
// and end. Empty bounds stay open.
func (e *Engine) Range(date, start, end string) (logstore.DateRange, error) {
	now := e.src.Now()
	if date != "" {
		key, err := logstore.ParseDateKey(date, now)
		if err != nil {
			return logstore.DateRange{}, dateError("date", date)
		}
		return logstore.DateRange{Start: key, End: key}, nil
	}

	var r logstore.DateRange
	if start != "" {
		key, err := logstore.ParseDateKey(start, now)
		if err != nil {
			return logstore.DateRange{}, dateError("start_date", start)
		}
		r.Start = key
	}
	if end != "" {
		key, err := logstore.ParseDateKey(end, now)
		if err != nil {
			return logstore.DateRange{}, dateError("end_date", end)
		}
		r.End = key
	}
	return r, nil
}

// RecentRange is the last days days up to and including today.
func (e *Engine) RecentRange(days int) logstore.DateRange {
	now := e.src.Now()
	return logstore.DateRange{
		Start: logstore.DateKey(now.AddDate(0, 0, -days)),
		End:   logstore.DateKey(now),
	}
}

func dateError(field, value string) *ParamError {
	return &ParamError{
		Field:   field,
		Message: fmt.Sprintf(`Invalid %s format: %s. Use YYMMDD, "today", or "yesterday".`, field, value),
	}
}
