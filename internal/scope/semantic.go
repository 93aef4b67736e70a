package scope

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/llm"
)

// UsageRecorder receives one record per semantic classification call.
type UsageRecorder interface {
	AppendUsage(rec domain.UsageRecord)
}

// SemanticConfig configures the stage-two classifier.
type SemanticConfig struct {
	Model     string
	MaxTokens int64
	Prompt    string
}

// Semantic is the stage-two classifier backed by an LLM.
type Semantic struct {
	client llm.Client
	usage  UsageRecorder
	cfg    SemanticConfig
}

// NewSemantic creates a stage-two classifier.
func NewSemantic(client llm.Client, usage UsageRecorder, cfg SemanticConfig) *Semantic {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 10
	}
	return &Semantic{client: client, usage: usage, cfg: cfg}
}

// Classify labels query. On a failed call or an unrecognized label it
// returns IN_SCOPE together with the error. A usage record is appended in
// every case.
func (s *Semantic) Classify(ctx context.Context, sessionID, query string) (string, error) {
	rec := domain.UsageRecord{
		SessionID: sessionID,
		Model:     s.cfg.Model,
		Purpose:   domain.PurposeClassification,
	}

	resp, err := s.client.Complete(ctx, llm.Request{
		Model: s.cfg.Model,
		Messages: []domain.Message{
			{Role: "system", Content: s.cfg.Prompt},
			{Role: "user", Content: query},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: 0,
	})
	if err != nil {
		rec.Scope = domain.ScopeIn
		rec.Error = err.Error()
		s.record(rec)
		return domain.ScopeIn, err
	}

	if resp.Model != "" {
		rec.Model = resp.Model
	}
	rec.PromptTokens = resp.Usage.PromptTokens
	rec.CompletionTokens = resp.Usage.CompletionTokens
	rec.TotalTokens = resp.Usage.TotalTokens

	label, ok := ParseLabel(resp.Content)
	rec.Scope = label
	if !ok {
		rec.Error = "unrecognized label"
		s.record(rec)
		return domain.ScopeIn, fmt.Errorf("unrecognized classification %q", resp.Content)
	}
	s.record(rec)
	return label, nil
}

func (s *Semantic) record(rec domain.UsageRecord) {
	if s.usage != nil {
		s.usage.AppendUsage(rec)
	}
}

// ParseLabel normalizes a classifier reply. Case, punctuation and spacing
// variants of the two labels are accepted. Anything else yields IN_SCOPE and
// false.
func ParseLabel(s string) (string, bool) {
	norm := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r):
			return unicode.ToUpper(r)
		case unicode.IsSpace(r), r == '-', r == '_':
			return ' '
		default:
			return -1
		}
	}, s)
	norm = strings.Join(strings.Fields(norm), "_")

	switch norm {
	case "IN_SCOPE", "INSCOPE":
		return domain.ScopeIn, true
	case "OUT_OF_SCOPE", "OUT_SCOPE", "OUTOFSCOPE":
		return domain.ScopeOut, true
	}
	switch {
	case strings.Contains(norm, "OUT_OF_SCOPE"), strings.Contains(norm, "OUT_SCOPE"):
		return domain.ScopeOut, true
	case strings.Contains(norm, "IN_SCOPE"):
		return domain.ScopeIn, true
	}
	return domain.ScopeIn, false
}
