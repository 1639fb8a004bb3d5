// Package anthropic adapts the Anthropic Go SDK to the portable
// llm.Provider contract, grounded on the same single-shot chat pattern as
// internal/llm/openai. Kept alongside the OpenAI adapter so the LLM gateway
// is genuinely provider-agnostic, per spec §1's "invoke({messages,
// response_format?}) → {content}" contract.
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"stjgraph/internal/llm"
)

// Client wraps the Anthropic Messages API.
type Client struct {
	sdk   sdk.Client
	model string
}

// New constructs a Client.
func New(apiKey, model string) *Client {
	return &Client{
		sdk:   sdk.NewClient(option.WithAPIKey(apiKey)),
		model: model,
	}
}

func adaptMessages(msgs []llm.Message) (system string, out []sdk.MessageParam) {
	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "assistant":
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

// Invoke sends a single Messages API request and returns the reply text.
// response_format is enforced via a system-prompt instruction rather than a
// native JSON mode, since the Anthropic Messages API has no response_format
// parameter; EntityExtractor/QueryPlanner parse-and-repair the result the
// same way regardless of which provider produced it.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	system, messages := adaptMessages(req.Messages)
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		system += "\n\nRespond with a single JSON object and no other text."
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: 4096,
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic message create: %w", err)
	}
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return llm.Response{Content: text}, nil
}
