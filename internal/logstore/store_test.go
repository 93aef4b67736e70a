package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestStore(t *testing.T, now time.Time) (*Store, *quartz.Mock) {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(now).MustWait(context.Background())
	return New(t.TempDir(), WithClock(clk), WithLocation(time.UTC)), clk
}

func TestAppendCreatesDatedPartitions(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	s.AppendInteraction(domain.LogEntry{SessionID: "s1", Query: "q", Response: "r"})
	s.AppendUsage(domain.UsageRecord{SessionID: "s1", TotalTokens: 12, Purpose: domain.PurposeConversation})

	_, err := os.Stat(filepath.Join(s.Dir(), "250309-Queries.ndjson"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(s.Dir(), "250309-Usage.ndjson"))
	require.NoError(t, err)

	entries, err := s.ReadInteractions(context.Background(), DateRange{Start: "250309", End: "250309"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SessionID)
	assert.Equal(t, "2025-03-09T12:00:00.000000Z", entries[0].Timestamp)

	usage, err := s.ReadUsage(context.Background(), DateRange{})
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.EqualValues(t, 12, usage[0].TotalTokens)
}

func TestReadSkipsMalformedLines(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	for i := 0; i < 4; i++ {
		s.AppendInteraction(domain.LogEntry{SessionID: fmt.Sprintf("s%d", i), Query: "q"})
	}

	path := filepath.Join(s.Dir(), "250309-Queries.ndjson")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)

	garbage := []string{`{"session_id":"half`, `not json`, `null`, `[1,2]`, `{"session_id": 7}`}
	var mixed []string
	for i, l := range lines {
		mixed = append(mixed, garbage[i], l)
	}
	mixed = append(mixed, garbage[4], `{"session_id":"tail","que`)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(mixed, "\n")), 0o644))

	entries, err := s.ReadInteractions(context.Background(), DateRange{})
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestReadSkipsOverlongLine(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	s.AppendInteraction(domain.LogEntry{SessionID: "before", Query: "q"})

	path := filepath.Join(s.Dir(), "250309-Queries.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"session_id":"` + strings.Repeat("x", maxLineSize+1024) + "\"}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s.AppendInteraction(domain.LogEntry{SessionID: "after1", Query: "q"})
	s.AppendInteraction(domain.LogEntry{SessionID: "after2", Query: "q"})

	entries, err := s.ReadInteractions(context.Background(), DateRange{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "before", entries[0].SessionID)
	assert.Equal(t, "after2", entries[2].SessionID)
}

func TestReadMissingDirectoryIsEmpty(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "never-created"))
	entries, err := s.ReadInteractions(context.Background(), DateRange{Start: "250101", End: "251231"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDateRangeSelectsPartitions(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t, time.Date(2025, 3, 8, 23, 0, 0, 0, time.UTC))
	s.AppendInteraction(domain.LogEntry{SessionID: "day1"})
	clk.Advance(2 * time.Hour).MustWait(context.Background())
	s.AppendInteraction(domain.LogEntry{SessionID: "day2"})
	clk.Advance(24 * time.Hour).MustWait(context.Background())
	s.AppendInteraction(domain.LogEntry{SessionID: "day3"})

	today, err := s.ResolveDate("today")
	require.NoError(t, err)
	assert.Equal(t, "250310", today)
	yesterday, err := s.ResolveDate("yesterday")
	require.NoError(t, err)
	assert.Equal(t, "250309", yesterday)

	entries, err := s.ReadInteractions(context.Background(), DateRange{Start: yesterday, End: today})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "day2", entries[0].SessionID)
	assert.Equal(t, "day3", entries[1].SessionID)
}

func TestParseDateKeyRejectsInvalid(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, bad := range []string{"", "2025-03-10", "251340", "abcdef", "12345"} {
		_, err := ParseDateKey(bad, now)
		assert.Error(t, err, bad)
	}
	key, err := ParseDateKey("240229", now)
	require.NoError(t, err)
	assert.Equal(t, "240229", key)
}

func TestTimestampsNeverMoveBackwards(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	ahead := time.Date(2025, 3, 9, 12, 0, 5, 0, time.UTC)
	s.last[KindInteraction] = ahead

	s.AppendInteraction(domain.LogEntry{SessionID: "s"})

	entries, err := s.ReadInteractions(context.Background(), DateRange{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Time().Equal(ahead), "got %s", entries[0].Timestamp)
}

func TestConcurrentAppendsKeepLinesIntact(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC))
	const writers, perWriter = 8, 25
	long := strings.Repeat("x", 4096)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.AppendInteraction(domain.LogEntry{SessionID: fmt.Sprintf("w%d", w), Query: long})
			}
		}(w)
	}
	wg.Wait()

	entries, err := s.ReadInteractions(context.Background(), DateRange{})
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter)
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	s := New(filepath.Join(blocker, "logs"))
	s.AppendInteraction(domain.LogEntry{SessionID: "s"})
	s.AppendUsage(domain.UsageRecord{SessionID: "s"})
}

func TestPruneRemovesOldPartitions(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	for i := 0; i < 5; i++ {
		s.AppendInteraction(domain.LogEntry{SessionID: "s"})
		s.AppendUsage(domain.UsageRecord{SessionID: "s"})
		clk.Advance(24 * time.Hour).MustWait(context.Background())
	}

	removed, err := s.Prune("250304")
	require.NoError(t, err)
	assert.Equal(t, 6, removed)

	parts, err := s.Partitions(KindInteraction, DateRange{})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, "250304", parts[0].Key)
}
