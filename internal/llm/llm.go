// Package llm wraps the chat completion API used for scope classification
// and persona conversation.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/personagate/internal/domain"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Request is a single chat completion call.
type Request struct {
	Model       string
	Messages    []domain.Message
	MaxTokens   int64
	Temperature float64
}

// Usage reports token consumption of one call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Completion is the first choice of a chat completion.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Client issues chat completions.
type Client interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("completion returned no choices")

// OpenAI implements Client with the official SDK. Retries are disabled so a
// failed call surfaces immediately to the caller's fallback policy.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a client. An empty baseURL uses the SDK default.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

// Complete sends req and returns the first choice.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Completion, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    toParams(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return &Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toParams(msgs []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
