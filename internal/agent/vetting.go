package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/ashureev/personagate/internal/llm"
	"github.com/tidwall/gjson"
)

const (
	vettingMaxTokens   = 1000
	vettingTemperature = 0.3
)

const vettingPrompt = `You are a job matching analyst. Your task is to evaluate how well a candidate matches a job description.

You will be given:
1. The candidate's background and experience (persona)
2. A job description

Analyze the match and return a JSON object with the following structure:
{
    "overall_score": <0-100 integer>,
    "skills_match": <0-100 integer>,
    "experience_match": <0-100 integer>,
    "role_fit": <0-100 integer>,
    "summary": "<1-2 sentence summary of the match>",
    "strengths": ["<strength 1>", "<strength 2>", ...],
    "gaps": ["<gap 1>", "<gap 2>", ...],
    "recommendation": "<brief recommendation based on score>"
}

Scoring guidelines:
- skills_match: How well the candidate's technical and soft skills align with requirements
- experience_match: How well the candidate's years and type of experience match
- role_fit: How well the candidate fits the role's responsibilities and culture
- overall_score: Weighted average (skills 40%, experience 30%, role fit 30%)

Score interpretation for recommendation:
- 85-100: Strong Match - Highly qualified candidate
- 70-84: Good Match - Well-suited with minor gaps
- 50-69: Partial Match - Some relevant experience but notable gaps
- 0-49: Limited Match - Significant gaps in qualifications

Return ONLY valid JSON, no other text.`

var (
	jobInjectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+instructions?`),
		regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|above|prior)\s+instructions?`),
		regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|above|prior)\s+instructions?`),
		regexp.MustCompile(`(?i)system\s*:\s*`),
	}
	codeFenceOpen  = regexp.MustCompile("^```(?:json)?\\s*")
	codeFenceClose = regexp.MustCompile("\\s*```$")
)

// VetRequest is the body of POST /vet. A nil JobDescription means the field
// was missing.
type VetRequest struct {
	JobDescription *string `json:"job_description"`
}

// VettingResult scores a job description against the persona.
type VettingResult struct {
	OverallScore    int      `json:"overall_score"`
	SkillsMatch     int      `json:"skills_match"`
	ExperienceMatch int      `json:"experience_match"`
	RoleFit         int      `json:"role_fit"`
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendation  string   `json:"recommendation"`
}

// VettingError wraps a failed evaluation call.
type VettingError struct {
	Err error
}

func (e *VettingError) Error() string {
	return "failed to evaluate job description: " + e.Err.Error()
}

func (e *VettingError) Unwrap() error {
	return e.Err
}

// SanitizeJobDescription trims and truncates a job description to maxLen
// runes, then strips prompt-override phrases.
func SanitizeJobDescription(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); maxLen > 0 && len(r) > maxLen {
		s = string(r[:maxLen])
	}
	for _, p := range jobInjectionPatterns {
		s = p.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// Vet evaluates a job description against the persona. It does not count
// against the session's quota. present is false when the request carried no
// job_description field.
func (s *Service) Vet(ctx context.Context, sessionID, jobDescription string, present bool) (*VettingResult, error) {
	if !present {
		return nil, &InputError{Message: "No job description provided"}
	}
	if strings.TrimSpace(jobDescription) == "" {
		return nil, &InputError{Message: "Empty job description"}
	}
	jd := SanitizeJobDescription(jobDescription, s.cfg.MaxJobDescriptionLength)
	if jd == "" {
		return nil, &InputError{Message: "Invalid job description"}
	}

	model := s.cfg.VettingModel
	if model == "" {
		model = s.cfg.ChatModel
	}
	user := "## Candidate Background:\n" + s.deps.Persona.Prompt() +
		"\n\n## Job Description:\n" + jd +
		"\n\nAnalyze this match and return the JSON result."

	completion, err := s.deps.LLM.Complete(ctx, llm.Request{
		Model: model,
		Messages: []domain.Message{
			{Role: "system", Content: vettingPrompt},
			{Role: "user", Content: user},
		},
		MaxTokens:   vettingMaxTokens,
		Temperature: vettingTemperature,
	})
	if err != nil {
		s.metrics.LLMError(domain.PurposeJobVetting)
		s.deps.Log.AppendUsage(domain.UsageRecord{
			SessionID: sessionID,
			Model:     model,
			Purpose:   domain.PurposeJobVetting,
			Error:     err.Error(),
		})
		s.logger.Error("job vetting call failed", "session_id", sessionID, "error", err)
		return nil, &VettingError{Err: err}
	}

	if completion.Model != "" {
		model = completion.Model
	}
	u := completion.Usage
	s.deps.Log.AppendUsage(domain.UsageRecord{
		SessionID:        sessionID,
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		Model:            model,
		Purpose:          domain.PurposeJobVetting,
	})
	s.metrics.Tokens(domain.PurposeJobVetting, model, u.TotalTokens)

	result, ok := parseVetting(completion.Content)
	if !ok {
		s.logger.Warn("job vetting reply was not JSON", "session_id", sessionID)
	}
	return result, nil
}

// parseVetting reads the model's JSON reply, tolerating a markdown code
// fence. Scores are clamped to 0-100. An unparseable reply yields a zero
// result and false.
func parseVetting(content string) (*VettingResult, bool) {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = codeFenceClose.ReplaceAllString(codeFenceOpen.ReplaceAllString(text, ""), "")
	}
	if !gjson.Valid(text) || !gjson.Parse(text).IsObject() {
		return &VettingResult{
			Summary:        "Unable to analyze job description",
			Strengths:      []string{},
			Gaps:           []string{"Analysis failed - please try again"},
			Recommendation: "Could not complete analysis",
		}, false
	}

	doc := gjson.Parse(text)
	return &VettingResult{
		OverallScore:    clampScore(doc.Get("overall_score")),
		SkillsMatch:     clampScore(doc.Get("skills_match")),
		ExperienceMatch: clampScore(doc.Get("experience_match")),
		RoleFit:         clampScore(doc.Get("role_fit")),
		Summary:         doc.Get("summary").String(),
		Strengths:       stringList(doc.Get("strengths")),
		Gaps:            stringList(doc.Get("gaps")),
		Recommendation:  doc.Get("recommendation").String(),
	}, true
}

func clampScore(v gjson.Result) int {
	n := v.Int()
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return int(n)
}

func stringList(v gjson.Result) []string {
	out := []string{}
	for _, item := range v.Array() {
		out = append(out, item.String())
	}
	return out
}
