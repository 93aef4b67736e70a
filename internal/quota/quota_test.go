package quota

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/ashureev/personagate/internal/domain"
)

func newSession() *domain.Session {
	return domain.NewSession("sess", time.Now())
}

func TestTurnCapBlocksAfterLimit(t *testing.T) {
	t.Parallel()

	c := NewController(Limits{MaxTurns: 3, WarningThreshold: 5, CutoffThreshold: 10})
	s := newSession()

	for i := 0; i < 3; i++ {
		if d := c.Check(s); d.Blocked {
			t.Fatalf("turn %d unexpectedly blocked", i+1)
		}
		c.Record(s, domain.ScopeIn)
	}

	d := c.Check(s)
	if !d.Blocked || d.Limit != LimitSession {
		t.Fatalf("expected session_limit block, got %+v", d)
	}
	if s.TotalTurns != 3 {
		t.Fatalf("expected total_turns=3, got %d", s.TotalTurns)
	}
	if c.State(s) != StateCutoff {
		t.Fatalf("expected cutoff state, got %s", c.State(s))
	}
}

func TestOutOfScopeWarningThenCutoff(t *testing.T) {
	t.Parallel()

	c := NewController(Limits{MaxTurns: 50, WarningThreshold: 1, CutoffThreshold: 2})
	s := newSession()

	out := c.Record(s, domain.ScopeOut)
	if out.Warn || out.Count != 1 {
		t.Fatalf("first out-of-scope turn: expected plain refusal with count 1, got %+v", out)
	}
	if c.State(s) != StateWarned {
		t.Fatalf("expected warned state, got %s", c.State(s))
	}

	if d := c.Check(s); d.Blocked {
		t.Fatalf("second turn should not be blocked: %+v", d)
	}
	out = c.Record(s, domain.ScopeOut)
	if !out.Warn || out.Count != 2 {
		t.Fatalf("second out-of-scope turn: expected warning with count 2, got %+v", out)
	}

	d := c.Check(s)
	if !d.Blocked || d.Limit != LimitOutOfScope {
		t.Fatalf("expected out_of_scope_cutoff block, got %+v", d)
	}
}

func TestSessionCapCheckedBeforeCutoff(t *testing.T) {
	t.Parallel()

	c := NewController(Limits{MaxTurns: 2, WarningThreshold: 1, CutoffThreshold: 2})
	s := newSession()
	c.Record(s, domain.ScopeOut)
	c.Record(s, domain.ScopeOut)

	if d := c.Check(s); d.Limit != LimitSession {
		t.Fatalf("expected session_limit to win, got %q", d.Limit)
	}
}

func TestCountersMonotonicUntilReset(t *testing.T) {
	t.Parallel()

	c := NewController(DefaultLimits())
	s := newSession()
	rng := rand.New(rand.NewSource(7))

	prevIn, prevOut, prevTotal := 0, 0, 0
	for i := 0; i < 200; i++ {
		scope := domain.ScopeIn
		if rng.Intn(3) == 0 {
			scope = domain.ScopeOut
		}
		c.Record(s, scope)
		if s.InScopeCount < prevIn || s.OutOfScopeCount < prevOut || s.TotalTurns <= prevTotal {
			t.Fatalf("counters decreased at step %d: %+v", i, s)
		}
		if s.OutOfScopeCount > s.TotalTurns || s.TotalTurns > s.InScopeCount+s.OutOfScopeCount {
			t.Fatalf("counters inconsistent at step %d: %+v", i, s)
		}
		prevIn, prevOut, prevTotal = s.InScopeCount, s.OutOfScopeCount, s.TotalTurns
	}

	s.ResetRequested = true
	c.Reset(s)
	if s.InScopeCount != 0 || s.OutOfScopeCount != 0 || s.TotalTurns != 0 || s.ResetRequested {
		t.Fatalf("reset did not clear session: %+v", s)
	}
	if c.State(s) != StateActive {
		t.Fatalf("expected active after reset, got %s", c.State(s))
	}
}

func TestResetPendingState(t *testing.T) {
	t.Parallel()

	c := NewController(Limits{MaxTurns: 1, WarningThreshold: 5, CutoffThreshold: 10})
	s := newSession()
	c.Record(s, domain.ScopeIn)
	s.ResetRequested = true

	if got := c.State(s); got != StateResetPending {
		t.Fatalf("expected reset_pending, got %s", got)
	}
	st := c.Status(s)
	if st.QueriesRemaining != 0 || st.State != "reset_pending" || !st.ResetRequested {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestMigrateLegacySession(t *testing.T) {
	t.Parallel()

	var s domain.Session
	if err := json.Unmarshal([]byte(`{"session_id":"old","query_count":7}`), &s); err != nil {
		t.Fatalf("unmarshal legacy session: %v", err)
	}

	if !Migrate(&s) {
		t.Fatal("expected legacy session to migrate")
	}
	if s.InScopeCount != 7 || s.OutOfScopeCount != 0 || s.TotalTurns != 7 {
		t.Fatalf("unexpected counters after migration: %+v", s)
	}
	if s.LegacyQueryCount != nil || s.SchemaVersion != domain.CurrentSessionSchema {
		t.Fatalf("legacy fields not cleared: %+v", s)
	}

	s.InScopeCount = 9
	if Migrate(&s) {
		t.Fatal("second migration should be a no-op")
	}
	if s.InScopeCount != 9 {
		t.Fatal("second migration must not touch counters")
	}
}

func TestMigrateCurrentSessionIsNoop(t *testing.T) {
	t.Parallel()

	s := newSession()
	s.OutOfScopeCount = 2
	if Migrate(s) {
		t.Fatal("current session should not migrate")
	}
	if s.OutOfScopeCount != 2 {
		t.Fatal("counters changed")
	}
}
