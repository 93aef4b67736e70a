// Package logstore implements the append-only, day-partitioned NDJSON audit
// trail of interactions and LLM usage.
package logstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/metrics"
	"github.com/coder/quartz"
)

// Kind identifies the record family stored in a partition.
type Kind string

// Record kinds. The value doubles as the partition file suffix.
const (
	KindInteraction Kind = "Queries"
	KindUsage       Kind = "Usage"
)

// Store appends records to the partition for the current day and reads
// them back by date range.
type Store struct {
	dir     string
	clock   quartz.Clock
	loc     *time.Location
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	last map[Kind]time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and partition dates.
func WithClock(c quartz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLocation sets the time zone that decides partition boundaries.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithLogger sets the logger used to report swallowed write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records swallowed write failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New creates a Store rooted at dir. The directory is created lazily on the
// first write.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:    dir,
		clock:  quartz.NewReal(),
		loc:    time.Local,
		logger: slog.Default(),
		last:   make(map[Kind]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Now returns the current time in the store's partition time zone.
func (s *Store) Now() time.Time {
	return s.clock.Now().In(s.loc)
}

// AppendInteraction stamps and appends an interaction record. Failures are
// logged and never returned.
func (s *Store) AppendInteraction(entry domain.LogEntry) {
	err := s.append(KindInteraction, func(ts string) any {
		entry.Timestamp = ts
		return entry
	})
	if err != nil {
		s.writeFailed(KindInteraction, entry.SessionID, err)
	}
}

// AppendUsage stamps and appends a usage record. Failures are logged and
// never returned.
func (s *Store) AppendUsage(rec domain.UsageRecord) {
	err := s.append(KindUsage, func(ts string) any {
		rec.Timestamp = ts
		return rec
	})
	if err != nil {
		s.writeFailed(KindUsage, rec.SessionID, err)
	}
}

func (s *Store) writeFailed(kind Kind, sessionID string, err error) {
	s.logger.Warn("log append failed", "kind", string(kind), "session_id", sessionID, "error", err)
	s.metrics.LogWriteError(string(kind))
}

// append serializes one record per line. The timestamp is taken under the
// lock and never moves backwards for a given kind, so lines in a partition
// are ordered by timestamp.
func (s *Store) append(kind Kind, build func(ts string) any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	if last, ok := s.last[kind]; ok && now.Before(last) {
		now = last
	}
	s.last[kind] = now

	line, err := json.Marshal(build(now.Format(domain.TimestampLayout)))
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(s.dir, PartitionName(kind, DateKey(now)))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write partition: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close partition: %w", err)
	}
	return nil
}
