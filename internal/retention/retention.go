// Package retention runs the scheduled sweep that prunes old log partitions
// and expired sessions.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/personagate/internal/logstore"
	"github.com/ashureev/personagate/internal/shared"
	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep once a day at midnight.
const DefaultSchedule = "@daily"

// Pruner removes log partitions dated before a YYMMDD key.
type Pruner interface {
	Prune(before string) (int, error)
	Now() time.Time
}

// SessionSweeper removes sessions idle for longer than ttl.
type SessionSweeper interface {
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

// Config controls what a sweep removes. Zero Days keeps logs forever and
// zero SessionTTL keeps sessions forever.
type Config struct {
	Days       int
	SessionTTL time.Duration
	Schedule   string
}

// Job is one retention policy.
type Job struct {
	logs     Pruner
	sessions SessionSweeper
	cfg      Config
	logger   *slog.Logger
}

// New creates a Job. sessions may be nil when the session backend expires
// keys on its own.
func New(logs Pruner, sessions SessionSweeper, cfg Config, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Job{logs: logs, sessions: sessions, cfg: cfg, logger: logger}
}

// Result counts what one sweep removed.
type Result struct {
	Partitions int
	Sessions   int64
}

// Run performs a single sweep. A failure in one half does not stop the
// other; the first error is returned.
func (j *Job) Run(ctx context.Context) (Result, error) {
	var res Result
	var firstErr error

	if j.cfg.Days > 0 && j.logs != nil {
		cutoff := logstore.DateKey(j.logs.Now().AddDate(0, 0, -j.cfg.Days))
		n, err := j.logs.Prune(cutoff)
		res.Partitions = n
		if err != nil {
			j.logger.Error("Retention: pruning log partitions failed", "cutoff", cutoff, "error", err)
			firstErr = fmt.Errorf("prune logs: %w", err)
		} else if n > 0 {
			j.logger.Info("Retention: pruned log partitions", "count", n, "cutoff", cutoff)
		}
	}

	if j.cfg.SessionTTL > 0 && j.sessions != nil {
		err := shared.RetryOnConflict(ctx, "cleanup_sessions", func() error {
			n, err := j.sessions.CleanupExpiredSessions(ctx, j.cfg.SessionTTL)
			res.Sessions = n
			return err
		})
		if err != nil {
			j.logger.Error("Retention: session cleanup failed", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("cleanup sessions: %w", err)
			}
		} else if res.Sessions > 0 {
			j.logger.Info("Retention: removed expired sessions", "count", res.Sessions)
		}
	}

	return res, firstErr
}

// Start schedules the sweep and returns a channel closed once the scheduler
// has stopped after ctx is canceled. Runs never overlap.
func (j *Job) Start(ctx context.Context) (<-chan struct{}, error) {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(j.logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(j.cfg.Schedule, func() { _, _ = j.Run(ctx) }); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", j.cfg.Schedule, err)
	}

	c.Start()
	j.logger.Info("Retention worker started",
		"schedule", j.cfg.Schedule, "log_days", j.cfg.Days, "session_ttl", j.cfg.SessionTTL)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		<-c.Stop().Done()
		j.logger.Info("Retention worker shutting down", "reason", ctx.Err())
	}()
	return done, nil
}
