package agent

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ashureev/personagate/internal/config"
	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/llm"
	"github.com/ashureev/personagate/internal/metrics"
	"github.com/ashureev/personagate/internal/quota"
	"github.com/ashureev/personagate/internal/reset"
	"github.com/ashureev/personagate/internal/scope"
	"github.com/ashureev/personagate/internal/store"
	"github.com/coder/quartz"
)

const sessionLockStripes = 64

// ServiceConfig holds conversation parameters.
type ServiceConfig struct {
	ChatModel               string
	VettingModel            string
	MaxTokens               int64
	Temperature             float64
	MaxQueryLength          int
	MaxJobDescriptionLength int
	Version                 string
}

// DefaultServiceConfig returns the production conversation parameters.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ChatModel:               "gpt-4o-mini",
		VettingModel:            "gpt-4o-mini",
		MaxTokens:               500,
		Temperature:             0.7,
		MaxQueryLength:          500,
		MaxJobDescriptionLength: 5000,
		Version:                 "dev",
	}
}

// Deps are the collaborators of a Service.
type Deps struct {
	Sessions   store.SessionStore
	Classifier Classifier
	Quota      *quota.Controller
	Reset      *reset.Workflow
	LLM        llm.Client
	Log        Recorder
	Responder  *scope.Responder
	Persona    *Persona
	Tunables   *config.TunablesLoader
}

// Service runs conversation turns.
type Service struct {
	deps    Deps
	cfg     ServiceConfig
	clock   quartz.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	locks [sessionLockStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for session timestamps.
func WithClock(c quartz.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a Service.
func NewService(deps Deps, cfg ServiceConfig, opts ...Option) *Service {
	s := &Service{
		deps:   deps,
		cfg:    cfg,
		clock:  quartz.NewReal(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.Tunables == nil {
		s.deps.Tunables = config.NewTunablesLoader("", config.Tunables{ConversationHistoryLimit: 20})
	}
	return s
}

// lock serializes turns of one session so concurrent requests cannot lose
// counter updates.
func (s *Service) lock(sessionID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	mu := &s.locks[h.Sum32()%sessionLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	sess, err := s.deps.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		sess = domain.NewSession(sessionID, s.clock.Now())
	}
	if quota.Migrate(sess) {
		s.logger.Info("migrated legacy session", "session_id", sessionID)
	}
	return sess, nil
}

func (s *Service) saveSession(ctx context.Context, sess *domain.Session) error {
	sess.UpdatedAt = s.clock.Now()
	if err := s.deps.Sessions.SaveSession(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Chat runs one turn. present is false when the request carried no message
// field. It returns *LimitError for blocked turns, *InputError for unusable
// messages and *ConversationError when the persona conversation fails.
// Counters are unchanged in all three cases; a blocked turn may set reset
// flags.
func (s *Service) Chat(ctx context.Context, sessionID, message string, present bool) (*ChatResponse, error) {
	defer s.lock(sessionID)()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	applied, err := s.deps.Reset.CheckAndApply(ctx, sess)
	if err != nil {
		s.logger.Error("applying approved reset failed", "session_id", sessionID, "error", err)
	}
	if applied {
		if err := s.saveSession(ctx, sess); err != nil {
			return nil, err
		}
	}

	if d := s.deps.Quota.Check(sess); d.Blocked {
		return nil, s.blocked(ctx, sess, message, d)
	}

	if !present {
		return nil, &InputError{Message: "No message provided"}
	}
	query, err := s.validate(message)
	if err != nil {
		return nil, err
	}

	result := s.deps.Classifier.Classify(ctx, sessionID, query)
	if result.OutOfScope() {
		return s.refuse(ctx, sess, query, result)
	}
	return s.converse(ctx, sess, query)
}

func (s *Service) blocked(ctx context.Context, sess *domain.Session, message string, d quota.Decision) error {
	s.metrics.QuotaBlocked(string(d.Limit))

	out, err := s.deps.Reset.HandleBlocked(ctx, sess, message, d)
	if err != nil {
		s.logger.Error("reset workflow failed on blocked turn", "session_id", sess.ID, "error", err)
		out = reset.BlockedOutcome{Message: d.Message}
	}
	if err := s.saveSession(ctx, sess); err != nil {
		return err
	}

	s.deps.Log.AppendInteraction(domain.LogEntry{
		SessionID: sess.ID,
		Query:     message,
		Response:  out.Message,
		Blocked:   true,
	})
	s.logger.Info("turn blocked", "session_id", sess.ID, "limit", d.Limit, "reset_requested", out.ResetRequested)

	return &LimitError{
		Limit:           d.Limit,
		Message:         out.Message,
		TotalTurns:      sess.TotalTurns,
		OutOfScopeCount: sess.OutOfScopeCount,
		ResetRequested:  out.ResetRequested,
	}
}

func (s *Service) validate(message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", &InputError{Message: "Empty message"}
	}
	query := Sanitize(message)
	if query == "" {
		return "", &InputError{Message: "Invalid message"}
	}
	if utf8.RuneCountInString(query) > s.cfg.MaxQueryLength {
		return "", &InputError{Message: "Message too long", MaxLength: s.cfg.MaxQueryLength}
	}
	return query, nil
}

func (s *Service) refuse(ctx context.Context, sess *domain.Session, query string, result scope.Result) (*ChatResponse, error) {
	limits := s.deps.Quota.Limits()
	outcome := s.deps.Quota.Record(sess, domain.ScopeOut)

	reply := s.deps.Responder.Refusal()
	if outcome.Warn {
		reply = s.deps.Responder.Warning(outcome.Count, limits.CutoffThreshold)
	}
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	s.deps.Log.AppendInteraction(domain.LogEntry{
		SessionID:      sess.ID,
		Query:          query,
		Response:       reply,
		FilteredPreLLM: true,
		FilterCategory: domain.StringPtr(result.Category),
		Scope:          domain.ScopeOut,
	})

	resp := s.response(sess, reply)
	resp.FilteredPreLLM = true
	return resp, nil
}

func (s *Service) converse(ctx context.Context, sess *domain.Session, query string) (*ChatResponse, error) {
	tunables, err := s.deps.Tunables.Load()
	if err != nil {
		s.logger.Warn("tunables unreadable, using defaults", "error", err)
	}
	limit := tunables.ConversationHistoryLimit

	history := append(append([]domain.Message(nil), sess.Conversation...), domain.Message{Role: "user", Content: query})
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	messages := append([]domain.Message{{Role: "system", Content: s.deps.Persona.Prompt()}}, history...)

	completion, err := s.deps.LLM.Complete(ctx, llm.Request{
		Model:       s.cfg.ChatModel,
		Messages:    messages,
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	if err != nil {
		s.metrics.LLMError(domain.PurposeConversation)
		s.deps.Log.AppendUsage(domain.UsageRecord{
			SessionID: sess.ID,
			Model:     s.cfg.ChatModel,
			Purpose:   domain.PurposeConversation,
			Scope:     domain.ScopeIn,
			Error:     err.Error(),
		})
		s.logger.Error("conversation call failed", "session_id", sess.ID, "error", err)
		return nil, &ConversationError{Err: err}
	}

	model := completion.Model
	if model == "" {
		model = s.cfg.ChatModel
	}
	u := completion.Usage
	s.deps.Log.AppendUsage(domain.UsageRecord{
		SessionID:        sess.ID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Model:            model,
		Purpose:          domain.PurposeConversation,
		Scope:            domain.ScopeIn,
	})
	s.metrics.Tokens(domain.PurposeConversation, model, u.TotalTokens)

	s.deps.Quota.Record(sess, domain.ScopeIn)
	sess.AppendMessage("user", query, limit)
	sess.AppendMessage("assistant", completion.Content, limit)
	if err := s.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	s.deps.Log.AppendInteraction(domain.LogEntry{
		SessionID:        sess.ID,
		Query:            query,
		Response:         completion.Content,
		Scope:            domain.ScopeIn,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Model:            model,
		Purpose:          domain.PurposeConversation,
	})

	return s.response(sess, completion.Content), nil
}

func (s *Service) response(sess *domain.Session, reply string) *ChatResponse {
	st := s.deps.Quota.Status(sess)
	return &ChatResponse{
		Response:         reply,
		InScopeCount:     st.InScopeCount,
		OutOfScopeCount:  st.OutOfScopeCount,
		TotalTurns:       st.TotalTurns,
		MaxQueries:       st.MaxQueries,
		QueriesRemaining: st.QueriesRemaining,
	}
}

// Status reports the session's counters without starting a turn.
func (s *Service) Status(ctx context.Context, sessionID string) (*StatusResponse, error) {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &StatusResponse{Status: s.deps.Quota.Status(sess), Version: s.cfg.Version}, nil
}

// ClearSession deletes a session, returning its counters before removal.
// Clearing an unknown session reports zero counters.
func (s *Service) ClearSession(ctx context.Context, sessionID string) (domain.Counters, error) {
	if sessionID == "" {
		return domain.Counters{}, errors.New("session id is required")
	}
	defer s.lock(sessionID)()

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return domain.Counters{}, err
	}
	if err := s.deps.Sessions.DeleteSession(ctx, sessionID); err != nil {
		return domain.Counters{}, fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("session cleared by admin", "session_id", sessionID, "total_turns", sess.TotalTurns)
	return sess.Counters(), nil
}
