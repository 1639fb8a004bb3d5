// Package openai adapts the OpenAI Go SDK to the portable llm.Provider
// contract. Grounded on manifold's internal/llm/openai/client.go (sdk.Client
// construction via option.WithAPIKey/WithBaseURL), trimmed to the single-shot
// chat-completion path the spec's gateway needs: no streaming, no image
// attachments, no tool calling (EntityExtractor and QueryPlanner only ever
// need constrained JSON text back).
package openai

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"

	"stjgraph/internal/llm"
)

// Client wraps the OpenAI chat completions endpoint.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client. baseURL may be empty to use the default OpenAI
// endpoint, or point at an OpenAI-compatible gateway.
func New(apiKey, baseURL, model string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "assistant":
			out = append(out, sdk.AssistantMessage(m.Content))
		default:
			out = append(out, sdk.UserMessage(m.Content))
		}
	}
	return out
}

// Invoke sends a single chat-completion request and returns the reply text.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	params := sdk.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: adaptMessages(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		params.ResponseFormat = sdk.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("openai chat completion: no choices returned")
	}
	return llm.Response{Content: resp.Choices[0].Message.Content}, nil
}
