package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_TransientMarkers(t *testing.T) {
	cases := []string{
		"request failed: 429 too many requests",
		"dial tcp: 503 service unavailable",
		"502 bad gateway",
		"connect: ECONNREFUSED",
		"read tcp: ETIMEDOUT",
		"fetch failed",
		"network error",
	}
	for _, c := range cases {
		assert.Equal(t, TransientIO, Classify(errors.New(c)), c)
	}
}

func TestClassify_PermanentForEverythingElse(t *testing.T) {
	assert.Equal(t, PermanentInput, Classify(errors.New("invalid JSON in response")))
	assert.Equal(t, PermanentInput, Classify(errors.New("unknown entity type FOO")))
}

func TestClassify_RespectsPriorClassification(t *testing.T) {
	wrapped := fmt.Errorf("wrap: %w", New(ResourceNotFound, "resource 42", nil))
	assert.Equal(t, ResourceNotFound, Classify(wrapped))
}

func TestIs(t *testing.T) {
	err := New(RateLimited, "too many", nil)
	require.True(t, Is(err, RateLimited))
	require.False(t, Is(err, Cancelled))
	require.False(t, Is(errors.New("plain"), RateLimited))
}
