package llm

import "context"

// MockProvider is a deterministic, test-only Provider. Grounded on the
// teacher's deterministicEmbedder pattern (internal/rag/embedder/embedder.go):
// a fixed or function-driven response lets callers unit test error
// classification and JSON parsing without a live gateway.
type MockProvider struct {
	Fn func(ctx context.Context, req Request) (Response, error)
}

func (m *MockProvider) Invoke(ctx context.Context, req Request) (Response, error) {
	if m.Fn != nil {
		return m.Fn(ctx, req)
	}
	return Response{Content: "{}"}, nil
}
