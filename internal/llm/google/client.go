// Package google adapts the Gemini Go SDK to the portable llm.Provider
// contract. Grounded on manifold's internal/llm/google/client.go
// (genai.NewClient + Models.GenerateContent), trimmed the same way
// internal/llm/openai was trimmed from its teacher counterpart: single-shot
// chat completion only, no streaming, no tool calling, no thought signatures.
package google

import (
	"context"
	"fmt"
	"strings"

	genai "google.golang.org/genai"

	"stjgraph/internal/llm"
)

// Client wraps the Gemini GenerateContent endpoint.
type Client struct {
	client *genai.Client
	model  string
}

// New constructs a Client. baseURL may be empty to use the default Gemini
// endpoint, or point at a Gemini-compatible gateway.
func New(apiKey, baseURL, model string) (*Client, error) {
	httpOpts := genai.HTTPOptions{}
	if baseURL != "" {
		httpOpts.BaseURL = strings.TrimSuffix(baseURL, "/") + "/"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      apiKey,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}

	return &Client{client: client, model: model}, nil
}

func adaptMessages(msgs []llm.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		text := m.Content
		switch m.Role {
		case "assistant":
			role = genai.RoleModel
		case "system":
			text = "[system] " + text
		}
		out = append(out, &genai.Content{Role: role, Parts: []*genai.Part{{Text: text}}})
	}
	return out
}

// Invoke sends a single GenerateContent request and returns the reply text.
func (c *Client) Invoke(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}
	if req.ResponseFormat != nil && req.ResponseFormat.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, adaptMessages(req.Messages), cfg)
	if err != nil {
		return llm.Response{}, fmt.Errorf("google generate content: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Response{}, fmt.Errorf("google generate content: blocked: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return llm.Response{}, fmt.Errorf("google generate content: no candidates returned")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return llm.Response{Content: b.String()}, nil
}
