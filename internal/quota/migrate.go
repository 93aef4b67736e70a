package quota

import "github.com/ashureev/personagate/internal/domain"

// Migrate upgrades a session loaded from storage to the current schema. It
// reports whether anything changed and is safe to call repeatedly.
//
// Version 1 sessions only carried query_count; every counted query was
// answered, so it becomes both the in-scope count and the turn total.
func Migrate(s *domain.Session) bool {
	if s.SchemaVersion >= domain.CurrentSessionSchema {
		return false
	}
	if s.LegacyQueryCount != nil {
		n := *s.LegacyQueryCount
		s.InScopeCount = n
		s.OutOfScopeCount = 0
		s.TotalTurns = n
		s.LegacyQueryCount = nil
	}
	s.SchemaVersion = domain.CurrentSessionSchema
	return true
}
