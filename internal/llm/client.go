// Package llm asks a chat model for optimization advice grounded in a
// schema snapshot and turns its answer into suggestions.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Completer is the one-shot completion surface the advisor needs. The
// OpenAI client satisfies it; tests substitute a canned implementation.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

type OpenAI struct {
	client openai.Client
	model  string
}

func NewOpenAI(apiKey, model string) *OpenAI {
	return &OpenAI{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.2),
	})
	if err != nil {
		return "", fmt.Errorf("llm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
