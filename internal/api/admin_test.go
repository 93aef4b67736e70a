package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/analytics"
	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/identity"
	"github.com/ashureev/personagate/internal/logstore"
	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "admin-key-for-tests-0123456789"

type fakeSessions struct {
	cleared []string
}

func (f *fakeSessions) ClearSession(_ context.Context, id string) (domain.Counters, error) {
	f.cleared = append(f.cleared, id)
	return domain.Counters{InScopeCount: 3, OutOfScopeCount: 2, TotalTurns: 5}, nil
}

type fakeExtensions struct {
	requests map[string]*domain.ExtensionRequest
	granted  int
}

func (f *fakeExtensions) resolve(id string, status domain.RequestStatus) (*domain.ExtensionRequest, error) {
	req, ok := f.requests[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !req.IsPending() {
		return nil, domain.ErrAlreadyResolved
	}
	req.Status = status
	return req, nil
}

func (f *fakeExtensions) Approve(_ context.Context, id string, granted int) (*domain.ExtensionRequest, error) {
	f.granted = granted
	return f.resolve(id, domain.StatusApproved)
}

func (f *fakeExtensions) Deny(_ context.Context, id string) (*domain.ExtensionRequest, error) {
	return f.resolve(id, domain.StatusDenied)
}

func (f *fakeExtensions) List(_ context.Context, status string) ([]*domain.ExtensionRequest, error) {
	var out []*domain.ExtensionRequest
	for _, r := range f.requests {
		if status == "all" || string(r.Status) == status {
			out = append(out, r)
		}
	}
	if status != "all" && !domain.RequestStatus(status).Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, status)
	}
	return out, nil
}

type adminFixture struct {
	router     chi.Router
	sessions   *fakeSessions
	extensions *fakeExtensions
}

func newAdminFixture(t *testing.T, key string, usage analytics.UsageAPI) *adminFixture {
	t.Helper()
	ctx := context.Background()
	clk := quartz.NewMock(t)
	clk.Set(time.Date(2025, 4, 14, 9, 0, 0, 0, time.UTC)).MustWait(ctx)
	logs := logstore.New(t.TempDir(), logstore.WithClock(clk), logstore.WithLocation(time.UTC))
	for i := 0; i < 5; i++ {
		entry := domain.LogEntry{SessionID: "s1", Query: fmt.Sprintf("q%d", i), Response: "a", Scope: domain.ScopeIn}
		if i%2 == 0 {
			entry.FilteredPreLLM = true
			entry.FilterCategory = domain.StringPtr("generic_ai")
			entry.Scope = domain.ScopeOut
		}
		logs.AppendInteraction(entry)
		logs.AppendUsage(domain.UsageRecord{SessionID: "s1", PromptTokens: 10, CompletionTokens: 5,
			TotalTokens: 15, Model: "gpt-4o-mini", Purpose: domain.PurposeClassification})
		clk.Advance(time.Minute).MustWait(ctx)
	}

	opts := []analytics.Option{}
	if usage != nil {
		opts = append(opts, analytics.WithUsageAPI(usage))
	}
	f := &adminFixture{
		sessions: &fakeSessions{},
		extensions: &fakeExtensions{requests: map[string]*domain.ExtensionRequest{
			"r1": {RequestID: "r1", SessionID: "s1", Email: "a@example.com", Status: domain.StatusPending},
			"r2": {RequestID: "r2", SessionID: "s2", Email: "b@example.com", Status: domain.StatusDenied},
		}},
	}
	h := NewAdminHandler(f.sessions, f.extensions, analytics.New(logs, opts...), key, nil)
	r := chi.NewRouter()
	h.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *adminFixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req = req.WithContext(identity.WithSessionID(req.Context(), "caller1"))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var got map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	}
	return rec, got
}

func TestAdminNotConfigured(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, "", nil)

	cases := map[string]string{
		"/reset":              "Reset endpoint not configured",
		"/dataset":            "Dataset endpoint not configured",
		"/usage-stats":        "Usage stats endpoint not configured",
		"/usage-api":          "Usage API endpoint not configured",
		"/extension-requests": "Extension requests endpoint not configured",
	}
	for target, msg := range cases {
		rec, got := f.do(t, http.MethodGet, target+"?key=x", "")
		assert.Equal(t, http.StatusForbidden, rec.Code, target)
		assert.Equal(t, msg, got["error"], target)
	}
	rec, got := f.do(t, http.MethodPost, "/approve-extension", `{"key":"x","request_id":"r1"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Reset approval not configured", got["error"])
	_, got = f.do(t, http.MethodPost, "/deny-extension", `{"key":"x","request_id":"r1"}`)
	assert.Equal(t, "Extension denial not configured", got["error"])
}

func TestAdminInvalidKey(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/dataset?key=wrong&format=json", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Invalid key", got["error"])
}

func TestAdminResetSession(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/reset?key="+adminKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Session reset successfully", got["message"])
	assert.EqualValues(t, 5, got["previous_total_turns"])

	_, _ = f.do(t, http.MethodGet, "/reset?key="+adminKey+"&session_id=other", "")
	assert.Equal(t, []string{"caller1", "other"}, f.sessions.cleared)
}

func TestAdminDatasetJSON(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/dataset?key="+adminKey+"&format=json&date=250414&filtered=true&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, got["total"])
	assert.EqualValues(t, 2, got["limit"])
	assert.Equal(t, true, got["has_more"])
	assert.Len(t, got["entries"], 2)
	filters := got["filters"].(map[string]any)
	assert.Equal(t, "true", filters["filtered"])
}

func TestAdminDatasetValidation(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/dataset?key="+adminKey+"&format=json&date=991399", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "date", got["field"])
	assert.Equal(t, `Invalid date format: 991399. Use YYMMDD, "today", or "yesterday".`, got["error"])

	rec, got = f.do(t, http.MethodGet, "/dataset?key="+adminKey+"&format=json&filtered=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "filtered", got["field"])

	rec, _ = f.do(t, http.MethodGet, "/dataset?key="+adminKey+"&format=xml", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminDatasetRendered(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, _ := f.do(t, http.MethodGet, "/dataset?key="+adminKey+"&format=rendered", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<table")
	assert.Contains(t, rec.Body.String(), "generic_ai")
}

func TestAdminUsageStats(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/usage-stats?key="+adminKey+"&format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := got["stats"].(map[string]any)
	assert.NotNil(t, stats)
	assert.Contains(t, got, "expensive_sessions")
	assert.Contains(t, got, "filters")
}

type staticUsage struct{}

func (staticUsage) Completions(context.Context, time.Time, time.Time) (*analytics.Totals, error) {
	return &analytics.Totals{Requests: 5, InputTokens: 50, OutputTokens: 25, TotalTokens: 75}, nil
}

func TestAdminUsageAPI(t *testing.T) {
	t.Parallel()

	f := newAdminFixture(t, adminKey, nil)
	rec, _ := f.do(t, http.MethodGet, "/usage-api?key="+adminKey+"&format=json", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f = newAdminFixture(t, adminKey, staticUsage{})
	rec, got := f.do(t, http.MethodGet, "/usage-api?key="+adminKey+"&format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, got, "local_stats")
	assert.Contains(t, got, "openai_stats")
	cmp := got["comparison"].(map[string]any)
	assert.Contains(t, cmp, "total_tokens")
}

func TestAdminExtensionRequests(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodGet, "/extension-requests?key="+adminKey+"&format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", got["status_filter"])
	assert.Len(t, got["requests"], 1)

	_, got = f.do(t, http.MethodGet, "/extension-requests?key="+adminKey+"&format=json&status=all", "")
	assert.Len(t, got["requests"], 2)

	rec, _ = f.do(t, http.MethodGet, "/extension-requests?key="+adminKey+"&format=json&status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminApproveDeny(t *testing.T) {
	t.Parallel()
	f := newAdminFixture(t, adminKey, nil)

	rec, got := f.do(t, http.MethodPost, "/approve-extension",
		`{"key":"`+adminKey+`","request_id":"r1","queries_granted":25}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Reset approved - session will be cleared on next request", got["message"])
	assert.Equal(t, "s1", got["session_id"])
	assert.Equal(t, 25, f.extensions.granted)

	rec, got = f.do(t, http.MethodPost, "/deny-extension", `{"key":"`+adminKey+`","request_id":"r1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Request already resolved", got["error"])

	rec, got = f.do(t, http.MethodPost, "/deny-extension", `{"key":"`+adminKey+`","request_id":"nope"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Request not found", got["error"])

	rec, _ = f.do(t, http.MethodPost, "/deny-extension", `{"key":"`+adminKey+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
