package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDir(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	clk := quartz.NewMock(t)
	clk.Set(time.Date(2025, 4, 14, 9, 0, 0, 0, time.UTC)).MustWait(ctx)
	logs := logstore.New(dir, logstore.WithClock(clk), logstore.WithLocation(time.UTC))

	for i := 0; i < 10; i++ {
		entry := domain.LogEntry{SessionID: "s1", Query: "which stacks?", Response: "Go.", Scope: domain.ScopeIn}
		if i < 4 {
			entry = domain.LogEntry{
				SessionID:      "s2",
				Query:          "tell me a joke",
				Response:       "I only discuss professional topics.",
				FilteredPreLLM: true,
				FilterCategory: domain.StringPtr("unrelated_topics"),
				Scope:          domain.ScopeOut,
			}
		}
		logs.AppendInteraction(entry)
		logs.AppendUsage(domain.UsageRecord{SessionID: entry.SessionID, PromptTokens: 80, CompletionTokens: 20,
			TotalTokens: 100, Model: "gpt-4o-mini", Purpose: domain.PurposeConversation})
		clk.Advance(time.Minute).MustWait(ctx)
	}
	return dir
}

func TestRunTextReport(t *testing.T) {
	dir := seedDir(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{dir, "--usage"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "Analyzing 1 log file(s)...")
	assert.Contains(t, out, "250414-Queries.ndjson: 10 entries")
	assert.Contains(t, out, "Total queries")
	assert.Contains(t, out, "Recent filtered queries")
	assert.Contains(t, out, "Token usage")
	// 4 filtered and 6 answered: 4*100 + 6*600 = 4000 against 10*500 = 5000.
	assert.Contains(t, out, "Token savings: 1000 tokens")
}

func TestRunJSONReport(t *testing.T) {
	dir := seedDir(t)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"--json", "--session", "s2", dir}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var rep struct {
		Summary struct {
			Total    int `json:"total_queries"`
			Filtered int `json:"filtered_queries"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &rep))
	assert.Equal(t, 4, rep.Summary.Total)
	assert.Equal(t, 4, rep.Summary.Filtered)
}

func TestRunErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "Log directory not found")

	stderr.Reset()
	code = run(context.Background(), []string{seedDir(t), "--date", "notadate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)

	stdout.Reset()
	code = run(context.Background(), []string{t.TempDir()}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "No log files found")
}
