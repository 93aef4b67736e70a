package retention

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSweeper struct {
	calls int
	ttl   time.Duration
	errs  []error
}

func (f *fakeSweeper) CleanupExpiredSessions(_ context.Context, ttl time.Duration) (int64, error) {
	f.calls++
	f.ttl = ttl
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 4, nil
}

type failingPruner struct{}

func (failingPruner) Prune(string) (int, error) { return 0, errors.New("disk gone") }
func (failingPruner) Now() time.Time            { return time.Date(2025, 4, 14, 0, 0, 0, 0, time.UTC) }

// seedLogs writes one interaction and one usage record per day for days
// days ending on 2025-04-14.
func seedLogs(t *testing.T, days int) *logstore.Store {
	t.Helper()
	ctx := context.Background()
	clk := quartz.NewMock(t)
	clk.Set(time.Date(2025, 4, 14-days+1, 12, 0, 0, 0, time.UTC)).MustWait(ctx)
	logs := logstore.New(t.TempDir(), logstore.WithClock(clk), logstore.WithLocation(time.UTC))
	for i := 0; i < days; i++ {
		if i > 0 {
			clk.Advance(24 * time.Hour).MustWait(ctx)
		}
		logs.AppendInteraction(domain.LogEntry{SessionID: "s1", Query: "q", Response: "a"})
		logs.AppendUsage(domain.UsageRecord{SessionID: "s1", TotalTokens: 1})
	}
	return logs
}

func TestRunPrunesOldPartitions(t *testing.T) {
	logs := seedLogs(t, 10)
	sweeper := &fakeSweeper{}
	job := New(logs, sweeper, Config{Days: 3, SessionTTL: time.Hour}, nil)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	// Partitions before 250411 are removed: six days of both kinds.
	assert.Equal(t, 12, res.Partitions)
	assert.EqualValues(t, 4, res.Sessions)
	assert.Equal(t, time.Hour, sweeper.ttl)

	files, err := os.ReadDir(logs.Dir())
	require.NoError(t, err)
	assert.Len(t, files, 8)

	parts, err := logs.Partitions(logstore.KindInteraction, logstore.DateRange{})
	require.NoError(t, err)
	require.NotEmpty(t, parts)
	assert.Equal(t, "250411", parts[0].Key)
}

func TestRunDisabledHalves(t *testing.T) {
	logs := seedLogs(t, 5)
	sweeper := &fakeSweeper{}
	job := New(logs, sweeper, Config{}, nil)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Partitions)
	assert.Zero(t, sweeper.calls)

	files, err := os.ReadDir(logs.Dir())
	require.NoError(t, err)
	assert.Len(t, files, 10)
}

func TestRunRetriesBusySessionCleanup(t *testing.T) {
	sweeper := &fakeSweeper{errs: []error{errors.New("database is locked (5) (SQLITE_BUSY)"), nil}}
	job := New(nil, sweeper, Config{SessionTTL: time.Hour}, nil)

	res, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sweeper.calls)
	assert.EqualValues(t, 4, res.Sessions)
}

func TestRunContinuesAfterPruneFailure(t *testing.T) {
	sweeper := &fakeSweeper{}
	job := New(failingPruner{}, sweeper, Config{Days: 1, SessionTTL: time.Hour}, nil)

	_, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune logs")
	assert.Equal(t, 1, sweeper.calls)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	job := New(nil, nil, Config{Schedule: "every tuesday"}, nil)
	_, err := job.Start(context.Background())
	require.Error(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	job := New(nil, &fakeSweeper{}, Config{SessionTTL: time.Hour}, nil)

	done, err := job.Start(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention worker did not stop")
	}
}
