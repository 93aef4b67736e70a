package reset

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/quota"
	"github.com/ashureev/personagate/internal/store"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingNotifier struct {
	mu   sync.Mutex
	reqs []*domain.ExtensionRequest
	err  error
}

func (n *recordingNotifier) ExtensionRequested(_ context.Context, req *domain.ExtensionRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reqs = append(n.reqs, req)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.reqs)
}

type fixture struct {
	wf       *Workflow
	store    *store.SQLiteStore
	notifier *recordingNotifier
	quota    *quota.Controller
	clock    *quartz.Mock
}

func newFixture(t *testing.T, limits quota.Limits) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "gate.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clk := quartz.NewMock(t)
	clk.Set(time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)).MustWait(context.Background())

	n := &recordingNotifier{}
	q := quota.NewController(limits)
	ids := 0
	wf := New(st, st, q, n, WithClock(clk))
	wf.newID = func() string {
		ids++
		return "req-" + string(rune('a'+ids-1))
	}
	t.Cleanup(wf.Wait)
	return &fixture{wf: wf, store: st, notifier: n, quota: q, clock: clk}
}

func blockedSession(f *fixture) (*domain.Session, quota.Decision) {
	s := domain.NewSession("sess0001", f.clock.Now())
	for i := 0; i < f.quota.Limits().MaxTurns; i++ {
		f.quota.Record(s, domain.ScopeIn)
	}
	return s, f.quota.Check(s)
}

func TestExtractEmail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dana@example.com", ExtractEmail("please reset, my email is dana@example.com."))
	assert.Equal(t, "a.b+c@mail.example.org", ExtractEmail("a.b+c@mail.example.org thanks"))
	assert.Empty(t, ExtractEmail("no address here"))
	assert.Empty(t, ExtractEmail("broken@address"))
}

func TestResetRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.Limits{MaxTurns: 3, WarningThreshold: 5, CutoffThreshold: 10})
	s, d := blockedSession(f)
	require.True(t, d.Blocked)

	// No email: the default limit message.
	out, err := f.wf.HandleBlocked(ctx, s, "why am I blocked?", d)
	require.NoError(t, err)
	assert.Equal(t, d.Message, out.Message)
	assert.False(t, s.ResetRequested)

	// Email: request created and session flagged.
	out, err = f.wf.HandleBlocked(ctx, s, "reset please: dana@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, CreatedMessage, out.Message)
	assert.True(t, out.ResetRequested)
	assert.True(t, s.ResetRequested)
	assert.Equal(t, "req-a", s.ResetRequestID)

	f.wf.Wait()
	assert.Equal(t, 1, f.notifier.count())

	// Further blocked turns see the pending message and create nothing.
	out, err = f.wf.HandleBlocked(ctx, s, "again other@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, PendingMessage, out.Message)
	assert.False(t, out.ResetRequested)

	reqs, err := f.wf.List(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	// Approval stages a reset applied exactly once.
	_, err = f.wf.Approve(ctx, "req-a", 0)
	require.NoError(t, err)

	applied, err := f.wf.CheckAndApply(ctx, s)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Zero(t, s.TotalTurns)
	assert.False(t, s.ResetRequested)
	assert.Empty(t, s.ResetRequestID)
	assert.Equal(t, "req-a", s.LastAppliedResetID)
	assert.False(t, f.quota.Check(s).Blocked)

	applied, err = f.wf.CheckAndApply(ctx, s)
	require.NoError(t, err)
	assert.False(t, applied)

	approved, err := f.wf.List(ctx, "approved")
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, 3, approved[0].QueriesGranted)
}

func TestStaleApprovalIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.DefaultLimits())
	s := domain.NewSession("sess0002", f.clock.Now())
	s.LastAppliedResetID = "old"
	s.TotalTurns = 7
	s.InScopeCount = 7

	require.NoError(t, f.store.PutApproval(ctx, &domain.ApprovedReset{
		SessionID: s.ID, RequestID: "old", Email: "x@example.com", ApprovedAt: f.clock.Now(),
	}))

	applied, err := f.wf.CheckAndApply(ctx, s)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 7, s.TotalTurns)

	// The stale record was consumed.
	a, err := f.store.ConsumeApproval(ctx, s.ID)
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestDeniedRequestReportedOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.Limits{MaxTurns: 1, WarningThreshold: 5, CutoffThreshold: 10})
	s, d := blockedSession(f)

	_, err := f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	_, err = f.wf.Deny(ctx, s.ResetRequestID)
	require.NoError(t, err)

	out, err := f.wf.HandleBlocked(ctx, s, "hello?", d)
	require.NoError(t, err)
	assert.Equal(t, DeniedMessage, out.Message)
	assert.False(t, s.ResetRequested)

	out, err = f.wf.HandleBlocked(ctx, s, "hello?", d)
	require.NoError(t, err)
	assert.Equal(t, d.Message, out.Message)

	applied, err := f.wf.CheckAndApply(ctx, s)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestClearedSessionRejoinsPendingRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.Limits{MaxTurns: 1, WarningThreshold: 5, CutoffThreshold: 10})
	s, d := blockedSession(f)

	_, err := f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	require.Equal(t, "req-a", s.ResetRequestID)

	// An admin clear drops the session record while the request stays pending.
	s, d = blockedSession(f)
	out, err := f.wf.HandleBlocked(ctx, s, "still me@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, PendingMessage, out.Message)
	assert.True(t, s.ResetRequested)
	assert.Equal(t, "req-a", s.ResetRequestID)

	_, err = f.wf.Deny(ctx, "req-a")
	require.NoError(t, err)

	out, err = f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, DeniedMessage, out.Message)

	out, err = f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, CreatedMessage, out.Message)
	assert.Equal(t, "req-b", s.ResetRequestID)

	all, err := f.wf.List(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFlagWithoutRequestIDRecovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.Limits{MaxTurns: 1, WarningThreshold: 5, CutoffThreshold: 10})
	s, d := blockedSession(f)
	s.ResetRequested = true

	out, err := f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, CreatedMessage, out.Message)
	assert.Equal(t, "req-a", s.ResetRequestID)
}

func TestResolveErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.DefaultLimits())

	_, err := f.wf.Approve(ctx, "missing", 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.wf.Deny(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	req, err := f.wf.CreateRequest(ctx, "sess", "a@example.com")
	require.NoError(t, err)
	_, err = f.wf.CreateRequest(ctx, "sess", "a@example.com")
	assert.ErrorIs(t, err, domain.ErrAlreadyPending)

	_, err = f.wf.Deny(ctx, req.RequestID)
	require.NoError(t, err)
	_, err = f.wf.Approve(ctx, req.RequestID, 10)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	_, err = f.wf.CreateRequest(ctx, "sess", "not-an-email")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, err = f.wf.List(ctx, "bogus")
	assert.Error(t, err)
}

func TestNotificationFailureDoesNotFailRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, quota.Limits{MaxTurns: 1, WarningThreshold: 5, CutoffThreshold: 10})
	f.notifier.err = errors.New("smtp down")
	s, d := blockedSession(f)

	out, err := f.wf.HandleBlocked(ctx, s, "me@example.com", d)
	require.NoError(t, err)
	assert.Equal(t, CreatedMessage, out.Message)

	f.wf.Wait()
	assert.Equal(t, 1, f.notifier.count())
}
