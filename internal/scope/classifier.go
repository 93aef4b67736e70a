package scope

import (
	"context"
	"log/slog"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/metrics"
)

// Stage names the step that produced a decision.
type Stage string

// Decision stages.
const (
	StageHeuristic Stage = "heuristic"
	StageSemantic  Stage = "semantic"
	StageFallback  Stage = "fallback"
	StageDefault   Stage = "default"
)

// SemanticCategory is the filter category recorded for stage-two refusals.
const SemanticCategory = "semantic_classifier"

// Result is the final scope decision for one query.
type Result struct {
	Scope    string
	Stage    Stage
	Category string
}

// OutOfScope reports whether the query was ruled out.
func (r Result) OutOfScope() bool {
	return r.Scope == domain.ScopeOut
}

// Classifier runs the heuristic and, when it defers, the semantic stage.
type Classifier struct {
	heuristic *Heuristic
	semantic  *Semantic
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewClassifier wires both stages. A nil semantic stage makes every deferred
// query IN_SCOPE.
func NewClassifier(h *Heuristic, s *Semantic, logger *slog.Logger, m *metrics.Metrics) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{heuristic: h, semantic: s, logger: logger, metrics: m}
}

// Classify labels query for sessionID. It never fails: semantic errors are
// logged and resolved to IN_SCOPE.
func (c *Classifier) Classify(ctx context.Context, sessionID, query string) Result {
	if v := c.heuristic.Evaluate(query); !v.Defer {
		return c.done(Result{Scope: domain.ScopeOut, Stage: StageHeuristic, Category: v.Category})
	}
	if c.semantic == nil {
		return c.done(Result{Scope: domain.ScopeIn, Stage: StageDefault})
	}

	label, err := c.semantic.Classify(ctx, sessionID, query)
	if err != nil {
		c.logger.Warn("semantic classification failed, treating as in scope",
			"session_id", sessionID, "error", err)
		c.metrics.LLMError(domain.PurposeClassification)
		return c.done(Result{Scope: domain.ScopeIn, Stage: StageFallback})
	}
	if label == domain.ScopeOut {
		return c.done(Result{Scope: domain.ScopeOut, Stage: StageSemantic, Category: SemanticCategory})
	}
	return c.done(Result{Scope: domain.ScopeIn, Stage: StageSemantic})
}

func (c *Classifier) done(r Result) Result {
	c.metrics.Classification(string(r.Stage), r.Scope)
	return r
}
